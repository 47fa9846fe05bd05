package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/broker"
	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/lease"
	"github.com/JakeFAU/scrapeq/internal/middleware"
)

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req broker.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobDTO(job))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(st))
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	ds, err := s.svc.Deliveries(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": toDeliveryDTOs(ds)})
}

// lease answers contention and an empty queue alike with an empty batch.
func (s *Server) lease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	batch, err := s.svc.Lease(r.Context(), req.BrowserID, req.Max)
	if errors.Is(err, jobs.ErrConflict) {
		batch, err = broker.LeaseBatch{}, nil
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaseBatchDTO(batch))
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req leaseIDRequest
	if !s.decode(w, r, &req) {
		return
	}
	hb, err := s.svc.Heartbeat(r.Context(), chi.URLParam(r, "job_id"), req.LeaseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatDTO{
		LeaseUntil:     jobs.EpochMillis(hb.LeaseUntil),
		HeartbeatCount: hb.HeartbeatCount,
	})
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	var req leaseIDRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Release(r.Context(), chi.URLParam(r, "job_id"), req.LeaseID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	art, err := s.svc.Submit(r.Context(), broker.SubmitRequest{
		JobID:       chi.URLParam(r, "job_id"),
		LeaseID:     req.LeaseID,
		Content:     []byte(req.Content),
		ContentType: req.ContentType,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toArtifactDTO(art))
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.svc.Status(r.Context(), jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.NotifyConsumer(r.Context(), jobID, req.Phase); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, jobs.ErrInvalidLease):
		return http.StatusConflict, "invalid_lease"
	case errors.Is(err, jobs.ErrLeaseExpired):
		return http.StatusGone, "lease_expired"
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, jobs.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, jobs.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, lease.ErrStopped):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
