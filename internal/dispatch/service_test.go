package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"richpush/internal/augment"
	"richpush/internal/eventbus"
	"richpush/internal/storage"
	kit "richpush/internal/transport"
	logx "richpush/pkg/logx"
)

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func release(id, title string) augment.Release {
	return augment.Release{RequestID: id, Content: augment.Content{Title: title, Body: "b"}}
}

func waitFor(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// waitAll waits for every type in any order.
func waitAll(t *testing.T, events <-chan eventbus.Event, types ...string) {
	t.Helper()
	pending := map[string]bool{}
	for _, typ := range types {
		pending[typ] = true
	}
	timeout := time.After(3 * time.Second)
	for len(pending) > 0 {
		select {
		case e := <-events:
			delete(pending, e.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for %v", pending)
		}
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestDeliversToSink(t *testing.T) {
	sink := kit.NewMemorySink()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(testConfig(), sink, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer stop(t, s)

	if err := s.Enqueue(context.Background(), release("r1", "hello")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e := waitFor(t, events, eventbus.TypeDelivered)
	ev := e.Data.(Event)
	if ev.RequestID != "r1" || ev.Attempts != 1 || ev.Sink != "memory" {
		t.Fatalf("event = %+v", ev)
	}
	if got := sink.Deliveries(); len(got) != 1 || got[0].Content.Title != "hello" {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestRetriesTransportFailures(t *testing.T) {
	sink := kit.NewMemorySink()
	sink.FailNext(errors.New("503"), errors.New("503"))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(testConfig(), sink, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer stop(t, s)

	_ = s.Enqueue(context.Background(), release("r2", "x"))
	ev := waitFor(t, events, eventbus.TypeDelivered).Data.(Event)
	if ev.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ev.Attempts)
	}
}

func TestGivesUpAfterRetryMax(t *testing.T) {
	sink := kit.NewMemorySink()
	sink.FailNext(errors.New("a"), errors.New("b"), errors.New("c"))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(testConfig(), sink, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer stop(t, s)

	_ = s.Enqueue(context.Background(), release("r3", "x"))
	ev := waitFor(t, events, eventbus.TypeFailed).Data.(Event)
	if ev.Attempts != 3 || ev.Error != "c" {
		t.Fatalf("event = %+v", ev)
	}
	if len(sink.Deliveries()) != 0 {
		t.Fatalf("nothing should be delivered")
	}
}

// blockingSink holds every send until released.
type blockingSink struct {
	kit.MemorySink
	gate chan struct{}
}

func (b *blockingSink) Send(ctx context.Context, d kit.Delivery) (kit.Receipt, error) {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return kit.Receipt{}, ctx.Err()
	}
	return b.MemorySink.Send(ctx, d)
}

func TestDropsOnFullQueue(t *testing.T) {
	sink := &blockingSink{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := New(cfg, sink, logx.Nop(), nil, nil)
	s.Start(context.Background())

	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := s.Enqueue(context.Background(), release(string(rune('a'+i)), "x"))
		if errors.Is(err, ErrQueueFull) {
			full = true
		}
	}
	close(sink.gate)
	stop(t, s)
	if !full {
		t.Fatalf("expected ErrQueueFull")
	}
}

func TestDedupWindow(t *testing.T) {
	sink := kit.NewMemorySink()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	s := New(cfg, sink, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer stop(t, s)

	_ = s.Enqueue(context.Background(), release("same", "x"))
	_ = s.Enqueue(context.Background(), release("same", "x"))
	waitAll(t, events, eventbus.TypeDeduped, eventbus.TypeDelivered)
	if n := len(sink.Deliveries()); n != 1 {
		t.Fatalf("deliveries = %d", n)
	}
}

func TestPersistentDedupSurvivesRestart(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer st.Close()

	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	cfg.PersistDedup = true

	first := New(cfg, kit.NewMemorySink(), logx.Nop(), nil, st)
	first.Start(context.Background())
	_ = first.Enqueue(context.Background(), release("p", "x"))
	stop(t, first)

	sink := kit.NewMemorySink()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	second := New(cfg, sink, logx.Nop(), bus, st)
	second.Start(context.Background())
	defer stop(t, second)

	_ = second.Enqueue(context.Background(), release("p", "x"))
	waitFor(t, events, eventbus.TypeDeduped)
}

func TestEnqueueStates(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, kit.NewMemorySink(), logx.Nop(), nil, nil)
	if err := s.Enqueue(context.Background(), release("x", "x")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}

	s = New(testConfig(), kit.NewMemorySink(), logx.Nop(), nil, nil)
	if err := s.Enqueue(context.Background(), release("x", "x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
	s.Start(context.Background())
	stop(t, s)
	if err := s.Enqueue(context.Background(), release("x", "x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter window", d)
	}
}

func TestDroppedJobIsNotDeduped(t *testing.T) {
	sink := &blockingSink{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = time.Minute
	s := New(cfg, sink, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer stop(t, s)

	var dropped string
	for i := 0; i < 10 && dropped == ""; i++ {
		id := string(rune('a' + i))
		if errors.Is(s.Enqueue(context.Background(), release(id, "x")), ErrQueueFull) {
			dropped = id
		}
	}
	if dropped == "" {
		t.Fatalf("expected ErrQueueFull")
	}

	// Still full: the retry must be dropped again, not swallowed as a duplicate.
	if err := s.Enqueue(context.Background(), release(dropped, "x")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("retry while full = %v, want ErrQueueFull", err)
	}

	close(sink.gate)
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := s.Enqueue(context.Background(), release(dropped, "x"))
		if err == nil {
			break
		}
		if !errors.Is(err, ErrQueueFull) || time.Now().After(deadline) {
			t.Fatalf("retry after drain = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	for time.Now().Before(deadline) {
		for _, d := range sink.Deliveries() {
			if d.RequestID == dropped {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%q was never delivered", dropped)
}
