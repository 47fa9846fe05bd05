package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/hash/hmac"
	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/queue/memory"
)

// attempt performs one HTTP attempt for a pending delivery and records the
// outcome. Failures are stored on the delivery and job rows, never returned.
func (w *Worker) attempt(ctx context.Context, deliveryID string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("delivery attempt panicked", zap.String("delivery_id", deliveryID), zap.Any("panic", r))
		}
	}()
	logger := w.logger.With(zap.String("delivery_id", deliveryID))

	d, err := w.stores.Deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		logger.Warn("load delivery", zap.Error(err))
		return
	}
	if d.Status != jobs.DeliveryPending {
		return
	}
	job, err := w.stores.Jobs.Get(ctx, d.JobID)
	if err != nil {
		logger.Warn("load job for delivery", zap.String("job_id", d.JobID), zap.Error(err))
		w.reschedule(d)
		return
	}

	code, dur, sendErr := w.send(ctx, job, d)
	if sendErr != nil && ctx.Err() != nil {
		// Shutting down: leave the row pending for Recover.
		return
	}
	store := context.WithoutCancel(ctx)
	now := w.clock.Now()
	d.Attempts++
	d.UpdatedAt = now
	if code > 0 {
		c := code
		d.StatusCode = &c
	}
	w.events.Emit(progress.Event{
		JobID:       d.JobID,
		TS:          now,
		Stage:       progress.StageDeliveryAttempt,
		DeliveryID:  d.ID,
		Phase:       string(d.Phase),
		Attempt:     d.Attempts,
		StatusClass: progress.ClassifyStatus(code),
		Dur:         dur,
	})

	if sendErr == nil && code >= 200 && code < 300 {
		w.succeed(store, job, d, now)
		return
	}
	if sendErr != nil {
		d.LastError = sendErr.Error()
	} else {
		d.LastError = fmt.Sprintf("callback returned status %d", code)
	}
	if d.Attempts < w.cfg.MaxAttempts {
		next := now.Add(w.strategy.Delay(d.Attempts))
		d.NextAttemptAt = &next
		if err := w.stores.Deliveries.UpdateDelivery(store, d); err != nil {
			logger.Error("record delivery retry", zap.Error(err))
		}
		w.queue.Push(memory.Task{DeliveryID: d.ID, Due: next})
		metrics.SetScheduledDeliveries(w.queue.Len())
		logger.Info("delivery attempt failed; retry scheduled",
			zap.Int("attempt", d.Attempts),
			zap.Time("next_attempt_at", next),
			zap.String("error", d.LastError),
		)
		return
	}
	w.fail(store, job, d, now)
}

func (w *Worker) send(ctx context.Context, job jobs.Job, d jobs.Delivery) (int, time.Duration, error) {
	artifact, err := w.stores.Artifacts.GetArtifact(ctx, job.ID)
	var art *jobs.Artifact
	switch {
	case err == nil:
		art = &artifact
	case !errors.Is(err, jobs.ErrNotFound):
		return 0, 0, fmt.Errorf("load artifact: %w", err)
	}
	body, err := json.Marshal(BuildPayload(job, d.Phase, art))
	if err != nil {
		return 0, 0, fmt.Errorf("encode payload: %w", err)
	}
	var signature string
	if job.CallbackSecretRef != "" {
		if w.secrets == nil {
			return 0, 0, fmt.Errorf("resolve secret %q: %w", job.CallbackSecretRef, jobs.ErrSecretNotFound)
		}
		secret, err := w.secrets.Resolve(ctx, job.CallbackSecretRef)
		if err != nil {
			return 0, 0, fmt.Errorf("resolve secret: %w", err)
		}
		signature = hmac.Sign(secret, body)
	}
	start := time.Now()
	code, err := w.sender.Send(ctx, Request{URL: d.URL, DeliveryID: d.ID, Body: body, Signature: signature})
	return code, time.Since(start), err
}

func (w *Worker) succeed(ctx context.Context, job jobs.Job, d jobs.Delivery, now time.Time) {
	d.Status = jobs.DeliveryDelivered
	d.LastError = ""
	d.NextAttemptAt = nil
	d.DeliveredAt = &now
	if err := w.stores.Deliveries.UpdateDelivery(ctx, d); err != nil {
		w.logger.Error("record delivery success", zap.String("delivery_id", d.ID), zap.Error(err))
		return
	}
	w.events.Emit(progress.Event{
		JobID:      d.JobID,
		TS:         now,
		Stage:      progress.StageDeliveryDone,
		DeliveryID: d.ID,
		Phase:      string(d.Phase),
		Attempt:    d.Attempts,
	})
	if d.Phase != w.cfg.FinalPhase {
		return
	}
	w.advance(ctx, job.ID, jobs.StateDelivered, "", now)
}

func (w *Worker) fail(ctx context.Context, job jobs.Job, d jobs.Delivery, now time.Time) {
	d.Status = jobs.DeliveryFailed
	d.NextAttemptAt = nil
	if err := w.stores.Deliveries.UpdateDelivery(ctx, d); err != nil {
		w.logger.Error("record delivery failure", zap.String("delivery_id", d.ID), zap.Error(err))
	}
	w.events.Emit(progress.Event{
		JobID:      d.JobID,
		TS:         now,
		Stage:      progress.StageDeliveryFailed,
		DeliveryID: d.ID,
		Phase:      string(d.Phase),
		Attempt:    d.Attempts,
		Reason:     d.LastError,
	})
	w.logger.Warn("delivery failed permanently",
		zap.String("delivery_id", d.ID),
		zap.String("job_id", job.ID),
		zap.Int("attempts", d.Attempts),
		zap.String("error", d.LastError),
	)
	msg := fmt.Sprintf("%s delivery failed after %d attempts: %s", d.Phase, d.Attempts, d.LastError)
	w.advance(ctx, job.ID, jobs.StateFailed, msg, now)
}

// advance moves the job from its current non-terminal state to target. A lost
// race re-reads the row once.
func (w *Worker) advance(ctx context.Context, jobID string, target jobs.State, errMsg string, now time.Time) {
	for i := 0; i < 2; i++ {
		job, err := w.stores.Jobs.Get(ctx, jobID)
		if err != nil {
			w.logger.Warn("load job to advance", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		if job.State.Terminal() || job.State == jobs.StateQueued || job.State == jobs.StateLeased {
			return
		}
		_, ok, err := w.stores.Jobs.ConditionalTransition(ctx, jobs.Transition{
			JobID:        jobID,
			From:         job.State,
			To:           target,
			ErrorMessage: errMsg,
			At:           now,
		})
		if err != nil {
			w.logger.Warn("advance job", zap.String("job_id", jobID), zap.String("to", string(target)), zap.Error(err))
			return
		}
		if ok {
			return
		}
	}
}

func (w *Worker) reschedule(d jobs.Delivery) {
	w.queue.Push(memory.Task{DeliveryID: d.ID, Due: w.clock.Now().Add(w.cfg.PollInterval)})
}
