// Package worker drains the sequence job queue. Advancement is cron-driven:
// each run pops one batch of due jobs and dispatches them to the engine, so
// the process stays stateless between invocations.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mailforge/platform/internal/mailer"
	"github.com/mailforge/platform/internal/pkg/distlock"
	"github.com/mailforge/platform/internal/pkg/logger"
	"github.com/mailforge/platform/internal/queue"
	"github.com/mailforge/platform/internal/sequence"
)

const (
	// DefaultBatchSize bounds one run so an HTTP-triggered invocation
	// returns promptly even with a deep backlog.
	DefaultBatchSize = 10

	defaultJobTimeout = 30 * time.Second
)

// Engine is the slice of the sequence engine the processor dispatches to.
type Engine interface {
	ProcessSendJob(ctx context.Context, p queue.SendSequenceEmailPayload) error
	HandleTrigger(ctx context.Context, evt sequence.TriggerEvent) error
}

// Processor pops due jobs from the sequence queue and runs them. A
// distributed lock keeps overlapping cron fires from double-processing.
type Processor struct {
	queue      *queue.Queue
	engine     Engine
	lock       distlock.DistLock
	batchSize  int
	jobTimeout time.Duration
}

func NewProcessor(q *queue.Queue, engine Engine, lock distlock.DistLock) *Processor {
	return &Processor{
		queue:      q,
		engine:     engine,
		lock:       lock,
		batchSize:  DefaultBatchSize,
		jobTimeout: defaultJobTimeout,
	}
}

// SetBatchSize overrides the per-run job cap.
func (p *Processor) SetBatchSize(n int) {
	if n > 0 {
		p.batchSize = n
	}
}

// RunOnce processes up to batchSize due jobs and returns how many were
// handled. When another invocation holds the lock it returns (0, nil): the
// backlog belongs to that run.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	if p.lock != nil {
		ok, err := p.lock.Acquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire worker lock: %w", err)
		}
		if !ok {
			logger.Debug("sequence run skipped, another worker holds the lock")
			return 0, nil
		}
		defer func() {
			if err := p.lock.Release(ctx); err != nil {
				logger.Warn("release worker lock failed", "error", err)
			}
		}()
	}

	processed := 0
	for processed < p.batchSize {
		job, err := p.queue.Pop(ctx, queue.QueueSequences)
		if err != nil {
			return processed, fmt.Errorf("pop job: %w", err)
		}
		if job == nil {
			break
		}

		p.handle(ctx, job)
		processed++
	}
	return processed, nil
}

// handle runs one job. Errors are isolated here: a failing job is retried or
// dead-lettered, never allowed to abort the batch.
func (p *Processor) handle(ctx context.Context, job *queue.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	err := p.dispatch(jobCtx, job)
	if err == nil {
		return
	}

	if mailer.IsPermanent(err) {
		// The engine has already settled the enrollment; requeueing
		// would only replay the same dead address.
		logger.Warn("job dropped on permanent failure",
			"job", job.Name, "id", job.ID, "error", err)
		return
	}

	requeued, retryErr := p.queue.Retry(ctx, queue.QueueSequences, job, err)
	if retryErr != nil {
		logger.Error("job retry failed", "job", job.Name, "id", job.ID, "error", retryErr)
		return
	}
	if requeued {
		logger.Warn("job requeued", "job", job.Name, "id", job.ID,
			"attempts", job.Attempts, "error", err)
	} else {
		logger.Error("job dead-lettered", "job", job.Name, "id", job.ID, "error", err)
	}
}

func (p *Processor) dispatch(ctx context.Context, job *queue.Job) error {
	switch job.Name {
	case queue.JobSendSequenceEmail:
		var payload queue.SendSequenceEmailPayload
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return mailer.Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
		}
		return p.engine.ProcessSendJob(ctx, payload)

	case queue.JobEnrollContact:
		var evt sequence.TriggerEvent
		if err := json.Unmarshal(job.Data, &evt); err != nil {
			return mailer.Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
		}
		return p.engine.HandleTrigger(ctx, evt)

	default:
		return mailer.Permanent(fmt.Errorf("unknown job %q", job.Name))
	}
}
