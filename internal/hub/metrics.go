package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by the hub and the registry sweep. Results on
// sync_events_total: accepted, duplicate, conflict, rejected, error.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	FanoutTotal      *prometheus.CounterVec
	ConnectedDevices prometheus.Gauge
	EventLatency     prometheus.Histogram
	PromotionsTotal  prometheus.Counter
	ResyncsTotal     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_events_total",
			Help: "Sync events received, by event type and outcome.",
		}, []string{"type", "result"}),
		FanoutTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_fanout_total",
			Help: "Sync frames fanned out to devices, by outcome.",
		}, []string{"result"}),
		ConnectedDevices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sync_connected_devices",
			Help: "Devices currently holding an open sync connection.",
		}),
		EventLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_event_processing_seconds",
			Help:    "Time to accept an event and enqueue its fan-out.",
			Buckets: prometheus.DefBuckets,
		}),
		PromotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_primary_promotions_total",
			Help: "Primary designations handed to another device.",
		}),
		ResyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_full_resyncs_total",
			Help: "Full state snapshots served to devices.",
		}),
	}
}
