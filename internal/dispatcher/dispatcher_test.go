package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/delivery"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/jobs"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []events.Deliver
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, jobID string, phase jobs.Phase) (jobs.Delivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, events.Deliver{JobID: jobID, Phase: phase})
	return jobs.Delivery{}, n.err
}

func (n *recordingNotifier) Calls() []events.Deliver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]events.Deliver(nil), n.calls...)
}

type recordingParser struct {
	jobs []string
	err  error
}

func (p *recordingParser) Parse(_ context.Context, jobID string) error {
	p.jobs = append(p.jobs, jobID)
	return p.err
}

func TestHandleRoutesByKind(t *testing.T) {
	t.Parallel()

	n := &recordingNotifier{}
	p := &recordingParser{}
	d := New(nil, n, p, 1, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, events.NewDeliver("j1", jobs.PhaseParsed)))
	require.NoError(t, d.Handle(ctx, events.NewParse("j2")))
	require.NoError(t, d.Handle(ctx, events.Message{Kind: "other"}))

	require.Equal(t, []events.Deliver{{JobID: "j1", Phase: jobs.PhaseParsed}}, n.Calls())
	require.Equal(t, []string{"j2"}, p.jobs)
}

func TestHandleClassifiesErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name      string
		notifyErr error
		parseErr  error
		msg       events.Message
		wantErr   bool
	}{
		{"no callback", delivery.ErrNoCallback, nil, events.NewDeliver("j", jobs.PhaseIngested), false},
		{"unknown job", jobs.ErrNotFound, nil, events.NewDeliver("j", jobs.PhaseIngested), false},
		{"store outage", errors.New("db down"), nil, events.NewDeliver("j", jobs.PhaseIngested), true},
		{"parse wrong state", nil, jobs.ErrInvalidState, events.NewParse("j"), false},
		{"parser outage", nil, errors.New("timeout"), events.NewParse("j"), true},
		{"corrupt raw content", nil, fmt.Errorf("verify: %w", jobs.ErrDigestMismatch), events.NewParse("j"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(nil, &recordingNotifier{err: tt.notifyErr}, &recordingParser{err: tt.parseErr}, 1, nil)
			err := d.Handle(ctx, tt.msg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestHandleParseDisabled(t *testing.T) {
	t.Parallel()

	d := New(nil, &recordingNotifier{}, nil, 1, nil)
	require.NoError(t, d.Handle(context.Background(), events.NewParse("j1")))
}

func TestRunConsumesUntilCanceled(t *testing.T) {
	t.Parallel()

	bus := events.NewMemory(4)
	n := &recordingNotifier{}
	d := New(bus, n, nil, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.NoError(t, bus.Publish(ctx, events.NewDeliver("j1", jobs.PhaseIngested)))
	require.Eventually(t, func() bool { return len(n.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}
