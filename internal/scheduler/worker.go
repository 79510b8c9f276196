package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/logger"
)

const claimBatchSize = 100

// JobHandler executes one claimed job. A returned error re-schedules the job
// with the worker's retry delay.
type JobHandler func(ctx context.Context, job Job) error

// Worker polls the job store and dispatches due jobs to handlers registered
// by key prefix ("dormancy:" routes to the dormancy handler).
type Worker struct {
	store        JobStore
	clock        clock.Clock
	pollInterval time.Duration
	retryDelay   time.Duration
	handlers     map[string]JobHandler
}

// NewWorker creates a scheduler worker.
func NewWorker(store JobStore, clk clock.Clock, pollInterval, retryDelay time.Duration) *Worker {
	if store == nil {
		panic("scheduler: job store cannot be nil")
	}
	if clk == nil {
		panic("scheduler: clock cannot be nil")
	}
	return &Worker{
		store:        store,
		clock:        clk,
		pollInterval: pollInterval,
		retryDelay:   retryDelay,
		handlers:     make(map[string]JobHandler),
	}
}

// Register binds a handler to a job key prefix. Must be called before Run.
func (w *Worker) Register(prefix string, handler JobHandler) {
	if handler == nil {
		panic("scheduler: handler cannot be nil")
	}
	w.handlers[prefix] = handler
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info("scheduler worker started", "poll_interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler worker shutting down")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	log := logger.FromContext(ctx)

	jobs, err := w.store.ClaimDue(ctx, claimBatchSize)
	if err != nil {
		log.Error("failed to claim due jobs", "error", err)
	}

	for _, job := range jobs {
		handler := w.handlerFor(job.Key)
		if handler == nil {
			log.Error("no handler for job, dropping", "job_key", job.Key)
			continue
		}

		if err := handler(ctx, job); err != nil {
			log.Warn("job failed, re-scheduling",
				"job_key", job.Key,
				"retry_delay", w.retryDelay,
				"error", err,
			)
			if schedErr := w.store.ScheduleAt(ctx, job.Key, job.Payload, w.clock.Now().Add(w.retryDelay)); schedErr != nil {
				log.Error("failed to re-schedule job", "job_key", job.Key, "error", schedErr)
			}
		}
	}
}

func (w *Worker) handlerFor(key string) JobHandler {
	for prefix, handler := range w.handlers {
		if strings.HasPrefix(key, prefix) {
			return handler
		}
	}
	return nil
}
