package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RepeatFunc runs on a queue's fixed repeat interval (the recurring
// data-sync scan).
type RepeatFunc func(ctx context.Context) error

// Orchestrator owns the queues: enqueueing, worker pools, delayed-job
// promotion, repeat schedules, and the admin status view.
type Orchestrator struct {
	backend  Backend
	policies map[string]Policy
	handlers map[string]Handler
	repeats  map[string]RepeatFunc
	logger   *slog.Logger
}

func NewOrchestrator(backend Backend, policies map[string]Policy, logger *slog.Logger) *Orchestrator {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		backend:  backend,
		policies: policies,
		handlers: map[string]Handler{},
		repeats:  map[string]RepeatFunc{},
		logger:   logger,
	}
}

// Handle registers the processor for a queue. Must be called before Run.
func (o *Orchestrator) Handle(queue string, h Handler) {
	o.handlers[queue] = h
}

// HandleRepeat registers the function driven by the queue's repeat interval.
func (o *Orchestrator) HandleRepeat(queue string, fn RepeatFunc) {
	o.repeats[queue] = fn
}

// Enqueue appends a job to a queue's waiting list.
func (o *Orchestrator) Enqueue(ctx context.Context, queue, jobType string, payload any) (Job, error) {
	if _, ok := o.policies[queue]; !ok {
		return Job{}, fmt.Errorf("jobs: unknown queue %q", queue)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: marshal payload: %w", err)
	}

	job := Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Type:       jobType,
		Payload:    encoded,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: marshal job: %w", err)
	}
	if err := o.backend.PushWaiting(ctx, queue, data); err != nil {
		return Job{}, err
	}

	o.logger.Info("job enqueued", "queue", queue, "type", jobType, "job", job.ID)
	return job, nil
}

// Run recovers in-flight jobs from a previous run, then drives every
// registered queue until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	for queue := range o.handlers {
		moved, err := o.backend.RequeueActive(ctx, queue)
		if err != nil {
			return fmt.Errorf("jobs: recover %s: %w", queue, err)
		}
		if moved > 0 {
			o.logger.Info("requeued in-flight jobs", "queue", queue, "count", moved)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for queue, handler := range o.handlers {
		policy := o.policies[queue]
		worker := NewWorker(queue, policy, o.backend, handler, o.logger)

		g.Go(func() error {
			worker.Run(ctx)
			return nil
		})
		g.Go(func() error {
			o.promoteLoop(ctx, queue)
			return nil
		})
		if policy.Repeat > 0 {
			if fn, ok := o.repeats[queue]; ok {
				g.Go(func() error {
					o.repeatLoop(ctx, queue, policy.Repeat, fn)
					return nil
				})
			}
		}
	}

	return g.Wait()
}

func (o *Orchestrator) promoteLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.backend.PromoteDue(ctx, queue, time.Now()); err != nil && ctx.Err() == nil {
				o.logger.Error("delayed-job promotion failed", "queue", queue, "error", err)
			}
		}
	}
}

func (o *Orchestrator) repeatLoop(ctx context.Context, queue string, every time.Duration, fn RepeatFunc) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("repeat run failed", "queue", queue, "error", err)
			}
		}
	}
}

// QueueStats is one row of the admin status view.
type QueueStats struct {
	Queue  string `json:"queue"`
	Counts Counts `json:"counts"`
}

// Stats reports depth counts for every configured queue.
func (o *Orchestrator) Stats(ctx context.Context) ([]QueueStats, error) {
	names := make([]string, 0, len(o.policies))
	for queue := range o.policies {
		names = append(names, queue)
	}
	sort.Strings(names)

	stats := make([]QueueStats, 0, len(names))
	for _, queue := range names {
		counts, err := o.backend.Counts(ctx, queue)
		if err != nil {
			return nil, err
		}
		stats = append(stats, QueueStats{Queue: queue, Counts: counts})
	}
	return stats, nil
}

// FailedJobs returns up to limit terminally failed jobs for a queue.
func (o *Orchestrator) FailedJobs(ctx context.Context, queue string, limit int64) ([]Job, error) {
	if _, ok := o.policies[queue]; !ok {
		return nil, fmt.Errorf("jobs: unknown queue %q", queue)
	}
	raw, err := o.backend.FailedJobs(ctx, queue, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(raw))
	for _, data := range raw {
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			o.logger.Warn("undecodable failed job skipped", "queue", queue, "error", err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
