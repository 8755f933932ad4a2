// Package reclaim periodically removes stale staging directories.
//
// Staged attachments are never cleaned up by the code that writes them; this
// service plays the part of the host's temp-storage reclamation.
package reclaim

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"richpush/internal/eventbus"
	"richpush/internal/staging"
	logx "richpush/pkg/logx"
)

type Config struct {
	Enabled  bool
	Root     string
	Schedule string
	TTL      time.Duration
	Timezone string
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	last staging.SweepResult
	runs int
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "reclaim")), bus: bus, now: time.Now}
}

// Apply swaps the config. A running service restarts its cron when the
// schedule, timezone or enabled flag changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if running && (old.Schedule != cfg.Schedule || old.Timezone != cfg.Timezone || old.Enabled != cfg.Enabled) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(ctx)
		cancel()
		if err := s.Start(); err != nil {
			s.log.Warn("reclaim restart failed", logx.Err(err))
		}
	}
}

// Start registers the sweep on its schedule. It is a no-op when disabled or
// already running.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	sched, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := loadLocation(s.cfg.Timezone)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() { s.SweepNow() }))
	c.Start()
	s.c = c
	s.log.Info("reclaim started",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("ttl", s.cfg.TTL),
		logx.String("tz", loc.String()),
		logx.String("root", s.cfg.Root),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// SweepNow runs one sweep synchronously.
func (s *Service) SweepNow() staging.SweepResult {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := s.now()
	res, err := staging.Sweep(cfg.Root, cfg.TTL, start)
	if err != nil {
		s.log.Warn("sweep failed", logx.String("root", cfg.Root), logx.Err(err))
	}

	s.mu.Lock()
	s.last = res
	s.runs++
	s.mu.Unlock()

	if res.Removed > 0 || res.Errors > 0 {
		s.log.Info("staging swept",
			logx.Int("scanned", res.Scanned),
			logx.Int("removed", res.Removed),
			logx.Int("errors", res.Errors),
			logx.String("freed", humanize.Bytes(uint64(res.Bytes))),
			logx.Duration("took", time.Since(start)),
		)
	}
	eventbus.PublishTo(s.bus, eventbus.TypeReclaimed, res)
	return res
}

// Last returns the most recent sweep result and how many sweeps ran.
func (s *Service) Last() (staging.SweepResult, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
