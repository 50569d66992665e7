package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mailforge/platform/internal/events"
	"github.com/mailforge/platform/internal/pkg/logger"
	"github.com/mailforge/platform/internal/queue"
	"github.com/mailforge/platform/internal/sequence"
)

// WorkerRunner is the worker processor's run surface.
type WorkerRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// StatsReader serves campaign stat rollups.
type StatsReader interface {
	Campaign(ctx context.Context, campaignID uuid.UUID) (*events.CampaignStats, error)
}

// JobQueue accepts new jobs and exposes the dead-letter list.
type JobQueue interface {
	Push(ctx context.Context, name string, job *queue.Job, notBefore time.Time) error
	DeadLetters(ctx context.Context, name string, limit int64) ([]queue.Job, error)
}

// Handlers carries the /api endpoint implementations.
type Handlers struct {
	runner WorkerRunner
	stats  StatsReader
	jobs   JobQueue
}

func NewHandlers(runner WorkerRunner, stats StatsReader, jobs JobQueue) *Handlers {
	return &Handlers{runner: runner, stats: stats, jobs: jobs}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RunSequenceWorker triggers one worker batch. Cron services poke this
// endpoint; the response reports how many jobs the batch handled.
func (h *Handlers) RunSequenceWorker(w http.ResponseWriter, r *http.Request) {
	processed, err := h.runner.RunOnce(r.Context())
	if err != nil {
		logger.Error("sequence worker run failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"processed": processed,
			"success":   false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed": processed,
		"success":   true,
	})
}

// enrollRequest is the body of a manual enrollment request.
type enrollRequest struct {
	ContactID uuid.UUID              `json:"contact_id"`
	Email     string                 `json:"email"`
	BrandID   uuid.UUID              `json:"brand_id"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// EnrollContact queues a manual trigger event for a sequence. The worker
// performs the actual enrollment, so a burst of enrollments cannot stall the
// request path.
func (h *Handlers) EnrollContact(w http.ResponseWriter, r *http.Request) {
	sequenceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid sequence id", http.StatusBadRequest)
		return
	}

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.ContactID == uuid.Nil || req.Email == "" {
		http.Error(w, "contact_id and email are required", http.StatusBadRequest)
		return
	}

	evt := sequence.TriggerEvent{
		Type:       sequence.TriggerManual,
		ContactID:  req.ContactID,
		Email:      req.Email,
		BrandID:    req.BrandID,
		SequenceID: sequenceID,
		Fields:     req.Fields,
	}
	job := queue.NewJob(queue.JobEnrollContact, evt)
	if err := h.jobs.Push(r.Context(), queue.QueueSequences, job, time.Time{}); err != nil {
		logger.Error("enqueue enrollment failed", "sequence", sequenceID.String(), "error", err)
		http.Error(w, "something went wrong", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued": true,
		"job_id": job.ID,
	})
}

func (h *Handlers) CampaignStats(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	stats, err := h.stats.Campaign(r.Context(), campaignID)
	if err != nil {
		logger.Error("campaign stats read failed", "campaign", campaignID.String(), "error", err)
		http.Error(w, "something went wrong", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	dead, err := h.jobs.DeadLetters(r.Context(), name, 100)
	if err != nil {
		logger.Error("dead letter read failed", "queue", name, "error", err)
		http.Error(w, "something went wrong", http.StatusInternalServerError)
		return
	}
	if dead == nil {
		dead = []queue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue": name,
		"jobs":  dead,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("write response failed", "error", err)
	}
}
