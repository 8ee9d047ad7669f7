package datasync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docuflow/template"
)

type fakeKV struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
}

type fakeEntry struct {
	value     string
	expiresAt time.Time
}

func newFakeKV() *fakeKV {
	return &fakeKV{entries: map[string]fakeEntry{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return "", ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(f.entries, key)
		return "", ErrCacheMiss
	}
	return e.value, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := fakeEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	f.entries[key] = e
	return nil
}

type fakeFetcher struct {
	calls   atomic.Int64
	payload map[string]any
	err     error
	delay   time.Duration
}

func (f *fakeFetcher) Fetch(context.Context, string) (map[string]any, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func newSync(kv KV, fetcher Fetcher, ttls TTLs) *Sync {
	fetchers := map[template.SourceKind]Fetcher{
		template.KindPrice:   fetcher,
		template.KindIoT:     fetcher,
		template.KindWeather: fetcher,
	}
	return New(kv, fetchers, ttls, nil)
}

func TestGetServesCachedWithinTTL(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{payload: map[string]any{"price": 140.0}}
	s := newSync(newFakeKV(), fetcher, DefaultTTLs())

	first, err := s.Get(ctx, template.KindPrice, "AAPL")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if first["price"] != 140.0 {
		t.Fatalf("unexpected payload: %v", first)
	}

	fetcher.payload = map[string]any{"price": 155.0}
	second, err := s.Get(ctx, template.KindPrice, "AAPL")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second["price"] != 140.0 {
		t.Errorf("expected cached value within TTL, got %v", second["price"])
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{payload: map[string]any{"price": 140.0}}
	s := newSync(newFakeKV(), fetcher, TTLs{Price: 10 * time.Millisecond, IoT: time.Minute, Weather: time.Minute})

	if _, err := s.Get(ctx, template.KindPrice, "AAPL"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	fetcher.payload = map[string]any{"price": 155.0}
	got, err := s.Get(ctx, template.KindPrice, "AAPL")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if got["price"] != 155.0 {
		t.Errorf("expected fresh value after TTL, got %v", got["price"])
	}
	if calls := fetcher.calls.Load(); calls != 2 {
		t.Errorf("expected 2 fetches, got %d", calls)
	}
}

func TestIoTFetchFailureFallsBackToStale(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{payload: map[string]any{"temp": 21.5}}
	s := newSync(newFakeKV(), fetcher, TTLs{Price: time.Minute, IoT: 10 * time.Millisecond, Weather: time.Minute})

	if _, err := s.Get(ctx, template.KindIoT, "device-1"); err != nil {
		t.Fatalf("seed get: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	fetcher.err = errors.New("device offline")
	got, err := s.Get(ctx, template.KindIoT, "device-1")
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if got["temp"] != 21.5 {
		t.Errorf("expected last known state, got %v", got)
	}
}

func TestIoTFetchFailureWithoutAnyCacheRaises(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("device offline")}
	s := newSync(newFakeKV(), fetcher, DefaultTTLs())

	_, err := s.Get(context.Background(), template.KindIoT, "device-1")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestPriceFetchFailureNeverServesStale(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{payload: map[string]any{"price": 140.0}}
	kv := newFakeKV()
	s := newSync(kv, fetcher, TTLs{Price: 10 * time.Millisecond, IoT: time.Minute, Weather: time.Minute})

	if _, err := s.Get(ctx, template.KindPrice, "AAPL"); err != nil {
		t.Fatalf("seed get: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	fetcher.err = errors.New("rate limited")
	if _, err := s.Get(ctx, template.KindPrice, "AAPL"); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("stale financial data must not be substituted, got %v", err)
	}
}

func TestConcurrentMissesCollapseIntoOneFetch(t *testing.T) {
	fetcher := &fakeFetcher{payload: map[string]any{"price": 140.0}, delay: 100 * time.Millisecond}
	s := newSync(newFakeKV(), fetcher, DefaultTTLs())

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.Get(context.Background(), template.KindPrice, "AAPL"); err != nil {
				t.Errorf("concurrent get: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if calls := fetcher.calls.Load(); calls != 1 {
		t.Errorf("expected a single collapsed fetch, got %d", calls)
	}
}

func TestExtract(t *testing.T) {
	data := map[string]any{
		"quote": map[string]any{"price": 155.0},
		"readings": []any{
			map[string]any{"value": 1.0},
			map[string]any{"value": 2.0},
		},
	}

	if v, ok := Extract(data, "quote.price"); !ok || v != 155.0 {
		t.Errorf("Extract(quote.price) = %v, %v", v, ok)
	}
	if v, ok := Extract(data, "readings.1.value"); !ok || v != 2.0 {
		t.Errorf("Extract(readings.1.value) = %v, %v", v, ok)
	}
	if _, ok := Extract(data, "quote.volume"); ok {
		t.Errorf("missing segment must report false")
	}
	if _, ok := Extract(data, "readings.5.value"); ok {
		t.Errorf("out-of-range index must report false")
	}
	if _, ok := Extract(data, ""); ok {
		t.Errorf("empty path must report false")
	}
}
