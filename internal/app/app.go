// Package app wires the notification augmentor daemon together: config,
// logging, storage, the host runner, delivery and the intake API.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"

	"richpush/internal/config"
	"richpush/internal/dispatch"
	"richpush/internal/eventbus"
	"richpush/internal/fetch"
	"richpush/internal/host"
	"richpush/internal/intake"
	"richpush/internal/reclaim"
	"richpush/internal/runtime/supervisor"
	"richpush/internal/staging"
	"richpush/internal/storage"
	"richpush/internal/transport"
	logx "richpush/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sink    transport.Sink
	fetcher *fetch.HTTPFetcher
	stager  *staging.DirStager
	runner  *host.Runner
	disp    *dispatch.Service
	reclaim *reclaim.Service
	server  *intake.Server

	// base outlives individual requests so a late download can finish
	// after its deadline released the notification.
	base       context.Context
	cancelBase context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	fcfg, _ := mapFetchConfig(cfg)
	fetcher := fetch.New(fcfg, logSvc.Logger().With(logx.String("comp", "fetch")))
	stager := staging.New(staging.Config{Root: stagingRoot(cfg)}, logSvc.Logger().With(logx.String("comp", "staging")))

	base, cancelBase := context.WithCancel(context.Background())
	hcfg, _ := mapHostConfig(cfg)
	runner := host.New(base, hcfg, fetcher, stager, logSvc.Logger().With(logx.String("comp", "host")), bus)

	dcfg, sinkName, _ := mapDispatchConfig(cfg)
	sink, err := newSink(sinkName, cfg, logSvc.Logger().With(logx.String("comp", "sink")))
	if err != nil {
		cancelBase()
		closeStore()
		return nil, err
	}
	disp := dispatch.New(dcfg, sink, logSvc.Logger(), bus, store)

	rcfg, _ := mapReclaimConfig(cfg)
	rec := reclaim.New(rcfg, logSvc.Logger(), bus)

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		sink:       sink,
		fetcher:    fetcher,
		stager:     stager,
		runner:     runner,
		disp:       disp,
		reclaim:    rec,
		base:       base,
		cancelBase: cancelBase,
	}

	icfg, _ := mapIntakeConfig(cfg)
	intake.SetMode(icfg.Mode)
	h := &intake.Handler{
		Runner:     runner,
		Dispatcher: disp,
		Health:     a.health,
		Debug:      intake.DebugConfig{Enabled: cfg.HTTP.Pprof.Enabled, Token: cfg.HTTP.Pprof.Token},
		Log:        logSvc.Logger().With(logx.String("comp", "intake")),
	}
	if store != nil {
		h.Deliveries = store
	}
	a.server = intake.NewServer(icfg, intake.NewRouter(h), logSvc.Logger())
	return a, nil
}

// Addr is the intake listen address once started.
func (a *App) Addr() string { return a.server.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() gin.H {
	_, runs := a.reclaim.Last()
	return gin.H{
		"inflight":     a.runner.InFlight(),
		"dispatch":     a.disp.Enabled(),
		"sink":         a.disp.SinkName(),
		"storage":      a.store != nil,
		"reclaim_runs": runs,
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	events, unsub := a.bus.Subscribe(256)
	auditLog := a.log.With(logx.String("comp", "audit"))
	a.sup.Go0("audit", func(c context.Context) {
		defer unsub()
		auditLoop(c, events, a.store, auditLog)
	})

	if a.disp.Enabled() {
		a.disp.Start(a.sup.Context())
	}
	if err := a.reclaim.Start(); err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	if err := a.server.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("intake: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("addr", a.server.Addr()),
		logx.String("sink", a.disp.SinkName()),
		logx.String("staging", a.stager.Root()),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if hcfg, err := mapHostConfig(newCfg); err != nil {
		a.log.Warn("invalid augment config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(hcfg)
	}
	if fcfg, err := mapFetchConfig(newCfg); err != nil {
		a.log.Warn("invalid fetch config; keeping previous", logx.Err(err))
	} else {
		a.fetcher.Apply(fcfg)
	}

	if rcfg, err := mapReclaimConfig(newCfg); err != nil {
		a.log.Warn("invalid reclaim config; keeping previous", logx.Err(err))
	} else {
		// The staging root is restart-only.
		rcfg.Root = a.stager.Root()
		a.reclaim.Apply(rcfg)
		if err := a.reclaim.Start(); err != nil {
			a.log.Warn("reclaim start failed", logx.Err(err))
		}
	}

	// The sink is restart-only; everything else applies live.
	if dcfg, _, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		prev := a.disp.Enabled()
		a.disp.Apply(dcfg)
		switch {
		case prev && !dcfg.Enabled:
			a.log.Info("dispatch disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		case !prev && dcfg.Enabled:
			a.log.Info("dispatch enabled via config")
			a.disp.Start(c)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first so no new requests arrive; then let pending downloads settle.
	step("intake", 3*time.Second, a.server.Stop)
	step("runner", 2*time.Second, a.runner.Wait)
	a.cancelBase()
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("reclaim", 1*time.Second, func(c context.Context) error { a.reclaim.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("sink", 1*time.Second, a.sink.Close)
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
