package usecase

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	events   *prometheus.CounterVec
	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "events_total",
			Help:      "Ingested events by final state and broker action.",
		}, []string{"state", "action"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "tasks_total",
			Help:      "Dispatch tasks by channel, status and failure reason.",
		}, []string{"channel", "status", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notifyd",
			Name:      "event_duration_seconds",
			Help:      "Time from receipt to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{m.events, m.tasks, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("usecase: register metrics: %w", err)
		}
	}
	return m, nil
}
