package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrapeq/internal/progress"
)

// PrometheusSink exports lease and delivery lifecycle counters.
type PrometheusSink struct {
	leasesGranted   prometheus.Counter
	leaseConflicts  prometheus.Counter
	heartbeats      prometheus.Counter
	leasesReleased  prometheus.Counter
	leasesReclaimed *prometheus.CounterVec

	deliveryAttempts *prometheus.CounterVec
	deliveryOutcomes *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		leasesGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeq_leases_granted_total",
			Help: "Total leases granted to browser agents.",
		}),
		leaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeq_lease_conflicts_total",
			Help: "Lease requests that found no claimable job.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeq_lease_heartbeats_total",
			Help: "Accepted lease heartbeats.",
		}),
		leasesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeq_leases_released_total",
			Help: "Leases released by their holders.",
		}),
		leasesReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_leases_reclaimed_total",
			Help: "Expired leases reclaimed partitioned by reason.",
		}, []string{"reason"}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_delivery_attempts_total",
			Help: "Webhook attempts partitioned by phase and status class.",
		}, []string{"phase", "status_class"}),
		deliveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_deliveries_total",
			Help: "Final webhook outcomes partitioned by phase and result.",
		}, []string{"phase", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapeq_delivery_duration_seconds",
			Help:    "Webhook attempt latency partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
	}
	for _, collector := range []prometheus.Collector{
		s.leasesGranted,
		s.leaseConflicts,
		s.heartbeats,
		s.leasesReleased,
		s.leasesReclaimed,
		s.deliveryAttempts,
		s.deliveryOutcomes,
		s.deliveryDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageLeaseGranted:
		s.leasesGranted.Inc()
	case progress.StageLeaseConflict:
		s.leaseConflicts.Inc()
	case progress.StageLeaseHeartbeat:
		s.heartbeats.Inc()
	case progress.StageLeaseReleased:
		s.leasesReleased.Inc()
	case progress.StageLeaseReclaimed:
		reason := evt.Reason
		if reason == "" {
			reason = "unknown"
		}
		s.leasesReclaimed.WithLabelValues(reason).Inc()
	case progress.StageDeliveryAttempt:
		class := string(evt.StatusClass)
		s.deliveryAttempts.WithLabelValues(evt.Phase, class).Inc()
		if evt.Dur > 0 {
			s.deliveryDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
		}
	case progress.StageDeliveryDone:
		s.deliveryOutcomes.WithLabelValues(evt.Phase, "delivered").Inc()
	case progress.StageDeliveryFailed:
		s.deliveryOutcomes.WithLabelValues(evt.Phase, "failed").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
