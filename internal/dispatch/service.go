package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"richpush/internal/augment"
	"richpush/internal/eventbus"
	rtsup "richpush/internal/runtime/supervisor"
	"richpush/internal/storage"
	kit "richpush/internal/transport"
	logx "richpush/pkg/logx"
)

var (
	ErrDisabled  = errors.New("dispatcher disabled")
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

type job struct {
	d kit.Delivery
	// key is computed at enqueue time.
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service delivers released content to a sink:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use. Retries cover the sink call only.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sink  kit.Sink
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppress until

	persistCh chan dedupWrite
}

func New(cfg Config, sink kit.Sink, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sink:  sink,
		log:   log.With(logx.String("comp", "dispatch")),
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SinkName reports the configured sink, or "" when there is none.
func (s *Service) SinkName() string {
	if s.sink == nil {
		return ""
	}
	return s.sink.Name()
}

// Apply swaps rate, retry and dedup settings. Workers and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes do not block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.sink == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	// Dispatch failures never take down the app.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, pch, st := s.sup, s.queue, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitErr(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("dispatcher started", logx.Int("workers", workers), logx.String("sink", s.SinkName()))
}

// exitErr classifies a loop return: shutdown is clean, anything else restarts.
func (s *Service) exitErr(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return nil
	}
	if c.Err() != nil {
		return c.Err()
	}
	return fmt.Errorf("dispatch %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue best-effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes so workers can drain.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Enqueue schedules a released notification for delivery.
//
// A duplicate of something delivered within the dedup window is accepted and
// silently skipped.
func (s *Service) Enqueue(ctx context.Context, rel augment.Release) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries, persist := s.cfg.DedupWindow, s.cfg.DedupMaxEntries, s.cfg.PersistDedup
	st, pch := s.store, s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	d := kit.Delivery{RequestID: rel.RequestID, Content: rel.Content.Clone()}
	key := dedupKey(d)
	var until time.Time
	if window > 0 {
		var ok bool
		if until, ok = s.dedupReserve(ctx, key, window, maxEntries, persist, st); !ok {
			s.publish(eventbus.TypeDeduped, Event{RequestID: d.RequestID, Sink: s.SinkName(), Key: key})
			return nil
		}
	}

	select {
	case q <- job{d: d, key: key}:
		if window > 0 && persist {
			s.dedupPersist(pch, key, until)
		}
		s.publish(eventbus.TypeQueued, Event{RequestID: d.RequestID, Sink: s.SinkName(), Key: key})
		return nil
	default:
		// A dropped job was never sent; a retry must not be deduped.
		if window > 0 {
			s.dedupRelease(key, until)
		}
		s.publish(eventbus.TypeDropped, Event{RequestID: d.RequestID, Sink: s.SinkName(), Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	eventbus.PublishTo(s.bus, typ, e)
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	log := s.log.With(logx.String("request_id", j.d.RequestID))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		rc, err := s.sink.Send(callCtx, j.d)
		cancel()
		if err == nil {
			s.publish(eventbus.TypeDelivered, Event{
				RequestID: j.d.RequestID, Sink: s.sink.Name(), Key: j.key,
				Attempts: attempt, MessageID: rc.MessageID, At: rc.At,
			})
			log.Debug("delivered", logx.Int("attempt", attempt), logx.String("sink", s.sink.Name()))
			return
		}
		lastErr = err
		log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	log.Warn("delivery failed", logx.Err(lastErr), logx.Int("attempts", maxAttempts))
	s.publish(eventbus.TypeFailed, Event{
		RequestID: j.d.RequestID, Sink: s.sink.Name(), Key: j.key,
		Attempts: maxAttempts, Error: lastErr.Error(),
	})
}

// dedupKey identifies a notification by request id and visible content.
func dedupKey(d kit.Delivery) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(d.RequestID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(d.Content.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(d.Content.Body))
	_, _ = fmt.Fprintf(h, "|%d", len(d.Content.Attachments))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupReserve claims key for window unless an unexpired claim exists in
// memory or, with persist, in the store.
func (s *Service) dedupReserve(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, st storage.Store) (time.Time, bool) {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return time.Time{}, false
	}
	s.dmu.Unlock()

	// Cross-restart check, best-effort.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return time.Time{}, false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if u, ok := s.dedup[key]; ok && now.Before(u) {
		return time.Time{}, false
	}
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Over the cap: evict earliest expiries first.
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return until, true
}

// dedupRelease undoes a reservation that never reached the queue.
func (s *Service) dedupRelease(key string, until time.Time) {
	s.dmu.Lock()
	if u, ok := s.dedup[key]; ok && u.Equal(until) {
		delete(s.dedup, key)
	}
	s.dmu.Unlock()
}

func (s *Service) dedupPersist(pch chan dedupWrite, key string, until time.Time) {
	if pch == nil {
		return
	}
	select {
	case pch <- dedupWrite{key: key, until: until}:
	default:
	}
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
