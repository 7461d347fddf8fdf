package hub

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/auth"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

type Handler struct {
	hub           *Hub
	authenticator auth.Authenticator
	upgrader      websocket.Upgrader
}

// NewHandler builds the HTTP surface of the hub. authenticator may be nil,
// in which case connections identify themselves through query parameters;
// only for development.
func NewHandler(h *Hub, authenticator auth.Authenticator) *Handler {
	return &Handler{
		hub:           h,
		authenticator: authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Devices authenticate with tokens, not cookies
			},
		},
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/sync", h.ServeSync)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/users/{userID}/devices", h.ListDevices)
		r.Post("/users/{userID}/devices/{deviceID}/disconnect", h.DisconnectDevice)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ServeSync upgrades the connection and runs the device's session until the
// socket closes. Identity comes from the token when auth is enabled.
func (h *Handler) ServeSync(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.identify(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	deviceSession := &models.DeviceSession{
		DeviceID:   deviceID,
		UserID:     userID,
		DeviceName: r.URL.Query().Get("device_name"),
		DeviceType: r.URL.Query().Get("device_type"),
	}
	if err := h.hub.registry.Register(r.Context(), deviceSession); err != nil {
		logger.Log.Error("failed to register device", zap.String("device_id", deviceID.String()), zap.Error(err))
		conn.Close()
		return
	}

	logger.Log.Info("device connected",
		zap.String("user_id", userID),
		zap.String("device_id", deviceID.String()),
		zap.Bool("is_primary", deviceSession.IsPrimary))

	sess := newSession(h.hub, conn, userID, deviceID)
	sess.run(r.Context())
}

func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	query := r.URL.Query()

	if h.authenticator != nil {
		claims, err := h.authenticator.Verify(query.Get("token"))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return "", uuid.Nil, false
		}
		return claims.UserID, claims.DeviceID, true
	}

	userID := query.Get("user_id")
	deviceID, err := uuid.Parse(query.Get("device_id"))
	if userID == "" || err != nil {
		http.Error(w, "user_id and device_id are required", http.StatusBadRequest)
		return "", uuid.Nil, false
	}
	return userID, deviceID, true
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	sessions, err := h.hub.registry.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": userID,
		"devices": sessions,
	})
}

func (h *Handler) DisconnectDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}

	if err := h.hub.DisconnectDevice(r.Context(), userID, deviceID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "disconnected"})
}
