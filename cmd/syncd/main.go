package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/auth"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/config"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/database"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/hub"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/registry"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/repositories"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	configPath := os.Getenv("SYNC_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Log.Fatal("Failed to create postgres pool", zap.Error(err))
	}
	defer postgresPool.Close()

	if err := repositories.EnsureSchema(ctx, postgresPool); err != nil {
		logger.Log.Fatal("Failed to ensure schema", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Log.Fatal("Failed to create redis client", zap.Error(err))
	}
	defer redisClient.Close()

	records := repositories.NewPostgresRecordRepository(postgresPool)
	changeLog := repositories.NewPostgresChangeLogRepository(postgresPool)
	deviceRegistry := registry.NewRedisDeviceRegistry(redisClient, cfg.Sync.SessionRetention)

	metrics := hub.NewMetrics(prometheus.DefaultRegisterer)
	syncHub := hub.NewHub(hub.Config{
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		SendQueueSize:     cfg.Sync.SendQueueSize,
	}, records, changeLog, deviceRegistry, metrics)

	var authenticator auth.Authenticator
	if cfg.Auth.Required {
		authenticator = auth.NewJWTAuthenticator(cfg.Auth.JWTSecret)
	} else {
		logger.Log.Warn("Auth disabled, trusting user_id/device_id query parameters")
	}

	// Cross-instance fan-out, for running more than one hub.
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("syncd"))
		if err != nil {
			logger.Log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()

		bridge := hub.NewBridge(nc, syncHub)
		if err := bridge.Start(); err != nil {
			logger.Log.Fatal("Failed to start NATS bridge", zap.Error(err))
		}
		defer bridge.Close()
		syncHub.UseBridge(bridge)
	}

	janitor := hub.NewJanitor(deviceRegistry, changeLog, metrics,
		cfg.Sync.PrimaryGrace, cfg.Sync.ChangeLogRetention, cfg.Sync.SweepSchedule)
	if err := janitor.Start(); err != nil {
		logger.Log.Fatal("Failed to start janitor", zap.Error(err))
	}
	defer janitor.Stop()

	handler := hub.NewHandler(syncHub, authenticator)
	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: handler.Routes(),
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("Starting sync hub", zap.String("addr", cfg.Server.Addr()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Log.Fatal("Server error", zap.Error(err))
	}

	logger.Log.Info("Server stopped gracefully")
}
