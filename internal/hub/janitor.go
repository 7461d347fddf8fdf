package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/registry"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/repositories"
)

// Janitor runs the periodic maintenance jobs: sweeping the device registry so
// a vanished primary is replaced once its grace period lapses, and pruning
// change log entries past their retention window.
type Janitor struct {
	registry  registry.DeviceRegistry
	changeLog repositories.ChangeLogRepository
	metrics   *Metrics

	grace     time.Duration
	retention time.Duration
	schedule  string

	cron *cron.Cron
}

func NewJanitor(
	deviceRegistry registry.DeviceRegistry,
	changeLog repositories.ChangeLogRepository,
	metrics *Metrics,
	grace, retention time.Duration,
	schedule string,
) *Janitor {
	return &Janitor{
		registry:  deviceRegistry,
		changeLog: changeLog,
		metrics:   metrics,
		grace:     grace,
		retention: retention,
		schedule:  schedule,
		cron:      cron.New(),
	}
}

func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.sweep); err != nil {
		return fmt.Errorf("failed to schedule registry sweep: %w", err)
	}
	if _, err := j.cron.AddFunc("@every 1h", j.prune); err != nil {
		return fmt.Errorf("failed to schedule change log pruning: %w", err)
	}
	j.cron.Start()
	logger.Log.Info("Started janitor",
		zap.String("sweep_schedule", j.schedule),
		zap.Duration("primary_grace", j.grace),
		zap.Duration("changelog_retention", j.retention))
	return nil
}

func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
	logger.Log.Info("Stopped janitor")
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	promoted, err := j.registry.Sweep(ctx, j.grace)
	if err != nil {
		logger.Log.Error("Registry sweep failed", zap.Error(err))
		return
	}
	if promoted > 0 {
		j.metrics.PromotionsTotal.Add(float64(promoted))
		logger.Log.Info("Promoted replacement primaries", zap.Int("count", promoted))
	}
}

func (j *Janitor) prune() {
	if j.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pruned, err := j.changeLog.PruneBefore(ctx, time.Now().Add(-j.retention))
	if err != nil {
		logger.Log.Error("Change log pruning failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		logger.Log.Info("Pruned change log entries", zap.Int64("count", pruned))
	}
}
