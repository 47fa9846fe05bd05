package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrapeq/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "j1", TS: now, Stage: progress.StageLeaseGranted, LeaseID: "l1"},
		{JobID: "j1", TS: now, Stage: progress.StageLeaseHeartbeat, LeaseID: "l1"},
		{JobID: "j2", TS: now, Stage: progress.StageLeaseReclaimed, Reason: "sweep"},
		{TS: now, Stage: progress.StageLeaseConflict, BrowserID: "A"},
		{
			JobID:       "j1",
			TS:          now,
			Stage:       progress.StageDeliveryAttempt,
			DeliveryID:  "d1",
			Phase:       "ingested",
			StatusClass: progress.Status5xx,
			Dur:         150 * time.Millisecond,
		},
		{JobID: "j1", TS: now, Stage: progress.StageDeliveryFailed, DeliveryID: "d1", Phase: "ingested"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.leasesGranted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.heartbeats))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.leaseConflicts))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.leasesReleased))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.leasesReclaimed.WithLabelValues("sweep")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.deliveryAttempts.WithLabelValues("ingested", "5xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.deliveryOutcomes.WithLabelValues("ingested", "failed")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.deliveryDuration, "scrapeq_delivery_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	evt := progress.Event{
		JobID:   "j1",
		TS:      time.Now(),
		Stage:   progress.StageLeaseReclaimed,
		LeaseID: "l1",
		Reason:  "heartbeat",
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "LEASE_RECLAIMED", fields["stage"])
	require.Equal(t, "heartbeat", fields["reason"])
	require.NotContains(t, fields, "delivery_id")
}
