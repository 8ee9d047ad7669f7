package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{time.Second, 1, 0},
		{time.Second, 2, time.Second},
		{time.Second, 3, 2 * time.Second},
		{time.Second, 4, 4 * time.Second},
		{2 * time.Second, 2, 2 * time.Second},
		{2 * time.Second, 5, 16 * time.Second},
		{time.Second, 10, maxBackoff},
		{time.Second, 40, maxBackoff},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.base, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%v, %d) = %v, want %v", tc.base, tc.attempt, got, tc.want)
		}
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	orch := NewOrchestrator(backend, nil, discardLogger())

	var attempts atomic.Int64
	handler := func(ctx context.Context, job Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient downstream failure")
		}
		return nil
	}
	worker := NewWorker(QueueNotification, Policy{Attempts: 3, BackoffBase: time.Millisecond, Concurrency: 1}, backend, handler, discardLogger())

	if _, err := orch.Enqueue(ctx, QueueNotification, TypeEnvelopeSigned, NotificationPayload{Type: TypeEnvelopeSigned, AgreementID: "a-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Drive pop/process/promote by hand instead of running the pool.
	for i := 0; i < 3; i++ {
		data, err := backend.PopWaiting(ctx, QueueNotification, time.Second)
		if err != nil {
			t.Fatalf("pop attempt %d: %v", i+1, err)
		}
		worker.process(ctx, data)
		if _, err := backend.PromoteDue(ctx, QueueNotification, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	counts, err := backend.Counts(ctx, QueueNotification)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 0 || counts.Active != 0 || counts.Delayed != 0 || counts.Failed != 0 {
		t.Errorf("expected drained queue, got %+v", counts)
	}
}

func TestWorkerExhaustedAttemptsLandInFailedList(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	orch := NewOrchestrator(backend, nil, discardLogger())

	handler := func(ctx context.Context, job Job) error {
		return errors.New("still broken")
	}
	worker := NewWorker(QueueDataSync, Policy{Attempts: 3, BackoffBase: time.Millisecond, Concurrency: 1}, backend, handler, discardLogger())

	if _, err := orch.Enqueue(ctx, QueueDataSync, "", SyncPayload{AgreementID: "a-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		data, err := backend.PopWaiting(ctx, QueueDataSync, time.Second)
		if err != nil {
			t.Fatalf("pop attempt %d: %v", i+1, err)
		}
		worker.process(ctx, data)
		if _, err := backend.PromoteDue(ctx, QueueDataSync, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}

	failed, err := orch.FailedJobs(ctx, QueueDataSync, 10)
	if err != nil {
		t.Fatalf("failed jobs: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 terminally failed job, got %d", len(failed))
	}
	if failed[0].Attempt != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", failed[0].Attempt)
	}
	if failed[0].LastError == "" {
		t.Errorf("expected last error recorded")
	}
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	orch := NewOrchestrator(backend, nil, discardLogger())

	var attempts atomic.Int64
	handler := func(ctx context.Context, job Job) error {
		attempts.Add(1)
		return Permanent(errors.New("agreement not found"))
	}
	worker := NewWorker(QueueEnvelope, Policy{Attempts: 5, BackoffBase: time.Millisecond, Concurrency: 1}, backend, handler, discardLogger())

	if _, err := orch.Enqueue(ctx, QueueEnvelope, "", EnvelopePayload{AgreementID: "missing"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	data, err := backend.PopWaiting(ctx, QueueEnvelope, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	worker.process(ctx, data)

	if got := attempts.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
	counts, err := backend.Counts(ctx, QueueEnvelope)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Failed != 1 || counts.Delayed != 0 {
		t.Errorf("expected terminal failure without retry, got %+v", counts)
	}
}

func TestEnqueueUnknownQueue(t *testing.T) {
	orch := NewOrchestrator(NewMemoryBackend(), nil, discardLogger())
	if _, err := orch.Enqueue(context.Background(), "no-such-queue", "", nil); err == nil {
		t.Fatalf("expected error for unknown queue")
	}
}

func TestRequeueActiveRecoversInFlightJobs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	orch := NewOrchestrator(backend, nil, discardLogger())

	if _, err := orch.Enqueue(ctx, QueueNotification, TypeEnvelopeSigned, NotificationPayload{AgreementID: "a-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Simulate a crash between pop and ack.
	if _, err := backend.PopWaiting(ctx, QueueNotification, time.Second); err != nil {
		t.Fatalf("pop: %v", err)
	}

	moved, err := backend.RequeueActive(ctx, QueueNotification)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if moved != 1 {
		t.Errorf("expected 1 recovered job, got %d", moved)
	}
	counts, err := backend.Counts(ctx, QueueNotification)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 || counts.Active != 0 {
		t.Errorf("expected job back on waiting list, got %+v", counts)
	}
}

func TestOrchestratorRunDrainsQueuesConcurrently(t *testing.T) {
	backend := NewMemoryBackend()
	orch := NewOrchestrator(backend, nil, discardLogger())

	const perQueue = 20
	var done atomic.Int64
	handler := func(ctx context.Context, job Job) error {
		time.Sleep(time.Millisecond)
		done.Add(1)
		return nil
	}
	orch.Handle(QueueDataSync, handler)
	orch.Handle(QueueNotification, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < perQueue; i++ {
		payload := SyncPayload{AgreementID: fmt.Sprintf("a-%d", i)}
		if _, err := orch.Enqueue(ctx, QueueDataSync, "", payload); err != nil {
			t.Fatalf("enqueue data-sync: %v", err)
		}
		if _, err := orch.Enqueue(ctx, QueueNotification, TypeEnvelopeSigned, payload); err != nil {
			t.Fatalf("enqueue notification: %v", err)
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for done.Load() < 2*perQueue {
		select {
		case <-deadline:
			t.Fatalf("timed out: processed %d of %d jobs", done.Load(), 2*perQueue)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}

	counts, err := backend.Counts(context.Background(), QueueDataSync)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Failed != 0 {
		t.Errorf("expected no failures, got %+v", counts)
	}
}

func TestStatsCoversAllQueues(t *testing.T) {
	ctx := context.Background()
	orch := NewOrchestrator(NewMemoryBackend(), nil, discardLogger())

	if _, err := orch.Enqueue(ctx, QueueDataSync, "", SyncPayload{AgreementID: "a-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := orch.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 4 {
		t.Fatalf("expected 4 queues, got %d", len(stats))
	}
	byQueue := map[string]Counts{}
	for _, s := range stats {
		byQueue[s.Queue] = s.Counts
	}
	if byQueue[QueueDataSync].Waiting != 1 {
		t.Errorf("expected 1 waiting data-sync job, got %+v", byQueue[QueueDataSync])
	}
}

func TestJobPayloadRoundTrip(t *testing.T) {
	payload := NotificationPayload{
		Type:         TypeThresholdBreach,
		AgreementID:  "a-1",
		Field:        "price",
		CurrentValue: 155,
		Threshold:    150,
		Operator:     ">",
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded NotificationPayload
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != payload {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}
