// Package host drives Augmentors the way a push-notification host would:
// one instance per request, a deadline timer racing the enrichment.
package host

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"richpush/internal/augment"
	"richpush/internal/eventbus"
	logx "richpush/pkg/logx"
)

var ErrInvalidRequest = errors.New("request id is required")

const (
	defaultDeadline = 25 * time.Second
	defaultMax      = 60 * time.Second
)

type Config struct {
	DefaultDeadline time.Duration
	MaxDeadline     time.Duration
}

// Runner runs one Augmentor per request.
//
// Downloads run on the Runner's base context, not the caller's: a deadline
// release or a departed caller never cancels an in-flight fetch.
type Runner struct {
	base    context.Context
	fetcher augment.Fetcher
	stager  augment.Stager
	log     logx.Logger
	bus     eventbus.Bus

	mu  sync.RWMutex
	cfg Config

	wg     sync.WaitGroup
	active atomic.Int64
}

func New(base context.Context, cfg Config, fetcher augment.Fetcher, stager augment.Stager, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{base: base, fetcher: fetcher, stager: stager, log: log.With(logx.String("comp", "host")), bus: bus}
	r.Apply(cfg)
	return r
}

func (r *Runner) Apply(cfg Config) {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = defaultDeadline
	}
	if cfg.MaxDeadline <= 0 {
		cfg.MaxDeadline = defaultMax
	}
	cfg.DefaultDeadline = min(cfg.DefaultDeadline, cfg.MaxDeadline)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Deadline resolves a requested deadline: non-positive means the default,
// anything above the maximum is clamped.
func (r *Runner) Deadline(requested time.Duration) time.Duration {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()
	if requested <= 0 {
		return cfg.DefaultDeadline
	}
	return min(requested, cfg.MaxDeadline)
}

// Run hands req to a fresh Augmentor and returns its single release.
//
// The deadline timer calls OnDeadline; so does ctx being done. Either way Run
// returns promptly while the download, if any, finishes in the background.
func (r *Runner) Run(ctx context.Context, req augment.Request, deadline time.Duration) (augment.Release, error) {
	if strings.TrimSpace(req.ID) == "" {
		return augment.Release{}, ErrInvalidRequest
	}
	a := augment.New(augment.Options{
		Fetcher: r.fetcher,
		Stager:  r.stager,
		Log:     r.log,
		Bus:     r.bus,
	})

	delivered := make(chan augment.Content, 1)
	deliver := func(c augment.Content) { delivered <- c }

	d := r.Deadline(deadline)
	timer := time.AfterFunc(d, a.OnDeadline)
	defer timer.Stop()

	r.wg.Add(1)
	r.active.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)
		a.OnReceive(r.base, req, deliver)
	}()

	select {
	case <-a.Done():
	case <-ctx.Done():
		a.OnDeadline()
		<-a.Done()
	}

	// The callback runs before Done closes, so the content is already buffered.
	rel, _ := a.Result()
	rel.Content = <-delivered
	return rel, nil
}

// InFlight reports OnReceive calls that have not returned yet, including
// downloads whose result will be discarded.
func (r *Runner) InFlight() int64 { return r.active.Load() }

// Wait blocks until every background OnReceive returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
