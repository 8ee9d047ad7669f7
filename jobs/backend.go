package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Counts is the queue depth snapshot exposed to the admin surface.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Backend is the storage behind a queue: a waiting list, an active list of
// in-flight jobs, a delayed set ordered by due time, and a terminal failed
// list. A popped job stays on the active list until acked, which is what
// makes delivery at-least-once: a crash between handling and ack leaves the
// job recoverable (and possibly re-executed).
type Backend interface {
	PushWaiting(ctx context.Context, queue string, data []byte) error
	// PopWaiting blocks up to timeout for the next job, moving it to the
	// active list; ErrEmpty on timeout.
	PopWaiting(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// Ack drops a job from the active list once its outcome is recorded.
	Ack(ctx context.Context, queue string, data []byte) error
	// RequeueActive moves jobs a previous run left in-flight back to
	// waiting; called once at startup.
	RequeueActive(ctx context.Context, queue string) (int, error)
	PushDelayed(ctx context.Context, queue string, data []byte, due time.Time) error
	// PromoteDue moves delayed jobs whose due time has passed back onto the
	// waiting list and reports how many moved.
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)
	PushFailed(ctx context.Context, queue string, data []byte) error
	Counts(ctx context.Context, queue string) (Counts, error)
	FailedJobs(ctx context.Context, queue string, limit int64) ([][]byte, error)
}

// MemoryBackend is an in-process Backend with the same semantics as the
// redis one. It backs unit tests and single-node development.
type MemoryBackend struct {
	mu      sync.Mutex
	waiting map[string][][]byte
	active  map[string][][]byte
	delayed map[string][]delayedJob
	failed  map[string][][]byte
	notify  map[string]chan struct{}
}

type delayedJob struct {
	data []byte
	due  time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		waiting: map[string][][]byte{},
		active:  map[string][][]byte{},
		delayed: map[string][]delayedJob{},
		failed:  map[string][][]byte{},
		notify:  map[string]chan struct{}{},
	}
}

func (m *MemoryBackend) signal(queue string) chan struct{} {
	ch, ok := m.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		m.notify[queue] = ch
	}
	return ch
}

func (m *MemoryBackend) PushWaiting(_ context.Context, queue string, data []byte) error {
	m.mu.Lock()
	m.waiting[queue] = append(m.waiting[queue], data)
	ch := m.signal(queue)
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryBackend) PopWaiting(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if items := m.waiting[queue]; len(items) > 0 {
			data := items[0]
			m.waiting[queue] = items[1:]
			m.active[queue] = append(m.active[queue], data)
			m.mu.Unlock()
			return data, nil
		}
		ch := m.signal(queue)
		m.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *MemoryBackend) Ack(_ context.Context, queue string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.active[queue]
	for i, item := range items {
		if string(item) == string(data) {
			m.active[queue] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryBackend) RequeueActive(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	stuck := m.active[queue]
	m.active[queue] = nil
	m.mu.Unlock()

	for _, data := range stuck {
		if err := m.PushWaiting(ctx, queue, data); err != nil {
			return 0, err
		}
	}
	return len(stuck), nil
}

func (m *MemoryBackend) PushDelayed(_ context.Context, queue string, data []byte, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed[queue] = append(m.delayed[queue], delayedJob{data: data, due: due})
	return nil
}

func (m *MemoryBackend) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	m.mu.Lock()
	var remaining []delayedJob
	var promoted [][]byte
	for _, d := range m.delayed[queue] {
		if d.due.After(now) {
			remaining = append(remaining, d)
			continue
		}
		promoted = append(promoted, d.data)
	}
	m.delayed[queue] = remaining
	m.mu.Unlock()

	for _, data := range promoted {
		if err := m.PushWaiting(ctx, queue, data); err != nil {
			return 0, err
		}
	}
	return len(promoted), nil
}

func (m *MemoryBackend) PushFailed(_ context.Context, queue string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[queue] = append(m.failed[queue], data)
	return nil
}

func (m *MemoryBackend) Counts(_ context.Context, queue string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		Waiting: int64(len(m.waiting[queue])),
		Active:  int64(len(m.active[queue])),
		Delayed: int64(len(m.delayed[queue])),
		Failed:  int64(len(m.failed[queue])),
	}, nil
}

func (m *MemoryBackend) FailedJobs(_ context.Context, queue string, limit int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.failed[queue]
	if limit > 0 && int64(len(jobs)) > limit {
		jobs = jobs[:limit]
	}
	out := make([][]byte, len(jobs))
	copy(out, jobs)
	return out, nil
}

// QueueNames returns every queue the backend has seen, for diagnostics.
func (m *MemoryBackend) QueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	for q := range m.waiting {
		seen[q] = struct{}{}
	}
	for q := range m.delayed {
		seen[q] = struct{}{}
	}
	for q := range m.failed {
		seen[q] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for q := range seen {
		names = append(names, q)
	}
	sort.Strings(names)
	return names
}
