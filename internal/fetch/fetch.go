// Package fetch downloads enrichment images over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	logx "richpush/pkg/logx"
)

var (
	ErrStatus      = errors.New("unexpected status")
	ErrEmptyBody   = errors.New("empty body")
	ErrTooLarge    = errors.New("body exceeds size limit")
	ErrRateLimited = errors.New("fetch rate limited")
)

const defaultMaxBytes = 10 << 20

// Config controls outbound image downloads.
//
// Timeout 0 means the fetch has no deadline of its own; the request context
// is the only bound.
type Config struct {
	Timeout    time.Duration
	MaxBytes   int64
	UserAgent  string
	RatePerSec int
}

// HTTPFetcher performs one GET per call. It is safe for concurrent use.
type HTTPFetcher struct {
	client *http.Client
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *HTTPFetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &HTTPFetcher{client: &http.Client{}, log: log}
	f.Apply(cfg)
	return f
}

// WithClient replaces the underlying HTTP client (tests, custom transports).
func (f *HTTPFetcher) WithClient(c *http.Client) *HTTPFetcher {
	if c != nil {
		f.client = c
	}
	return f
}

// Apply swaps the config at runtime.
func (f *HTTPFetcher) Apply(cfg Config) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "richpush/1"
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		// burst = rate per sec, so short spikes aren't rejected outright.
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	f.mu.Lock()
	f.cfg = cfg
	f.limiter = lim
	f.mu.Unlock()
}

// Fetch downloads u and returns its body. Only 200 responses with a
// non-empty body succeed.
func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if u == nil {
		return nil, errors.New("nil url")
	}

	f.mu.Lock()
	cfg := f.cfg
	lim := f.limiter
	f.mu.Unlock()

	// Never wait for a token: a throttled fetch falls back immediately.
	if lim != nil && !lim.Allow() {
		return nil, ErrRateLimited
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", cfg.UserAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > cfg.MaxBytes {
		return nil, fmt.Errorf("%w: limit %s", ErrTooLarge, humanize.Bytes(uint64(cfg.MaxBytes)))
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	f.log.Debug("fetched",
		logx.String("host", u.Host),
		logx.String("size", humanize.Bytes(uint64(len(body)))),
		logx.Duration("took", time.Since(start)),
	)
	return body, nil
}
