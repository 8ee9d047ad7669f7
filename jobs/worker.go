package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job. Handlers must tolerate duplicate invocation for
// the same logical event; wrap validation-class errors with Permanent to
// skip the retry budget.
type Handler func(ctx context.Context, job Job) error

const (
	popTimeout      = 2 * time.Second
	promoteInterval = time.Second
)

// Worker drains one queue with a bounded pool of goroutines, each pulling
// one job at a time.
type Worker struct {
	queue   string
	policy  Policy
	backend Backend
	handler Handler
	logger  *slog.Logger
}

func NewWorker(queue string, policy Policy, backend Backend, handler Handler, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, policy: policy, backend: backend, handler: handler, logger: logger}
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.policy.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		data, err := w.backend.PopWaiting(ctx, w.queue, popTimeout)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue pop failed", "queue", w.queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		w.process(ctx, data)
	}
}

func (w *Worker) process(ctx context.Context, data []byte) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		w.logger.Error("malformed job dropped to failed list", "queue", w.queue, "error", err)
		if err := w.backend.PushFailed(ctx, w.queue, data); err != nil {
			w.logger.Error("failed-list push failed", "queue", w.queue, "error", err)
		}
		w.ack(ctx, data)
		return
	}

	job.Attempt++
	err := w.handler(ctx, job)
	if err == nil {
		w.ack(ctx, data)
		return
	}

	job.LastError = err.Error()
	encoded, mErr := json.Marshal(job)
	if mErr != nil {
		encoded = data
	}

	if IsPermanent(err) || job.Attempt >= w.policy.Attempts {
		if pushErr := w.backend.PushFailed(ctx, w.queue, encoded); pushErr != nil {
			w.logger.Error("failed-list push failed", "queue", w.queue, "job", job.ID, "error", pushErr)
		}
		w.logger.Error("job failed terminally",
			"queue", w.queue, "job", job.ID, "type", job.Type, "attempt", job.Attempt, "error", err)
	} else {
		delay := backoffDelay(w.policy.BackoffBase, job.Attempt+1)
		if pushErr := w.backend.PushDelayed(ctx, w.queue, encoded, time.Now().Add(delay)); pushErr != nil {
			w.logger.Error("retry push failed", "queue", w.queue, "job", job.ID, "error", pushErr)
		}
		w.logger.Warn("job retry scheduled",
			"queue", w.queue, "job", job.ID, "type", job.Type, "attempt", job.Attempt, "delay", delay, "error", err)
	}
	w.ack(ctx, data)
}

func (w *Worker) ack(ctx context.Context, data []byte) {
	if err := w.backend.Ack(ctx, w.queue, data); err != nil {
		// Leaving the job on the active list only risks a duplicate
		// delivery after the next restart, which handlers tolerate.
		w.logger.Error("ack failed", "queue", w.queue, "error", err)
	}
}
