package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"richpush/internal/config"
	"richpush/internal/dispatch"
	"richpush/internal/fetch"
	"richpush/internal/host"
	"richpush/internal/intake"
	"richpush/internal/reclaim"
	"richpush/internal/storage"
	"richpush/internal/transport"
	"richpush/internal/transport/telegram"
	logx "richpush/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapIntakeConfig(cfg *config.Config) (intake.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return intake.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return intake.Config{}, err
	}
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if cfg.HTTP.Pprof.Enabled && strings.TrimSpace(cfg.HTTP.Pprof.Token) == "" && addr != "" && !intake.IsLoopbackAddr(addr) {
		return intake.Config{}, fmt.Errorf("http.pprof: non-loopback http.addr %q requires http.pprof.token", addr)
	}
	return intake.Config{
		Addr:         addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Mode:         cfg.HTTP.Mode,
	}, nil
}

func mapHostConfig(cfg *config.Config) (host.Config, error) {
	def, err := config.ParseDurationField("augment.default_deadline", cfg.Augment.DefaultDeadline)
	if err != nil {
		return host.Config{}, err
	}
	max, err := config.ParseDurationField("augment.max_deadline", cfg.Augment.MaxDeadline)
	if err != nil {
		return host.Config{}, err
	}
	if def > 0 && max > 0 && def > max {
		return host.Config{}, fmt.Errorf("augment.default_deadline (%s) exceeds augment.max_deadline (%s)", def, max)
	}
	return host.Config{DefaultDeadline: def, MaxDeadline: max}, nil
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	timeout, err := config.ParseDurationField("fetch.timeout", cfg.Fetch.Timeout)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Timeout:    timeout,
		MaxBytes:   cfg.Fetch.MaxBytes,
		UserAgent:  strings.TrimSpace(cfg.Fetch.UserAgent),
		RatePerSec: cfg.Fetch.RatePerSec,
	}, nil
}

func stagingRoot(cfg *config.Config) string {
	if root := strings.TrimSpace(cfg.Staging.Root); root != "" {
		return root
	}
	return filepath.Join(os.TempDir(), "richpush")
}

func mapReclaimConfig(cfg *config.Config) (reclaim.Config, error) {
	rc := cfg.ReclaimOrDefault()
	ttl, err := config.ParseDurationOrDefault("reclaim.ttl", rc.TTL, time.Hour)
	if err != nil {
		return reclaim.Config{}, err
	}
	if rc.Enabled {
		if _, err := reclaim.ParseSchedule(rc.Schedule); err != nil {
			return reclaim.Config{}, fmt.Errorf("reclaim.schedule: %w", err)
		}
	}
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return reclaim.Config{}, fmt.Errorf("reclaim.timezone: invalid %q: %w", tz, err)
		}
	}
	return reclaim.Config{
		Enabled:  rc.Enabled,
		Root:     stagingRoot(cfg),
		Schedule: rc.Schedule,
		TTL:      ttl,
		Timezone: rc.Timezone,
	}, nil
}

// mapDispatchConfig returns the dispatcher settings and the sink name.
func mapDispatchConfig(cfg *config.Config) (dispatch.Config, string, error) {
	dc := cfg.DispatchOrDefault()
	if dc.Workers < 0 || dc.QueueSize < 0 || dc.RatePerSec < 0 || dc.RetryMax < 0 || dc.DedupMaxEntries < 0 {
		return dispatch.Config{}, "", fmt.Errorf("dispatch: workers, queue_size, rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	base, err := config.ParseDurationField("dispatch.retry_base", dc.RetryBase)
	if err != nil {
		return dispatch.Config{}, "", err
	}
	maxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, "", err
	}
	window, err := config.ParseDurationField("dispatch.dedup_window", dc.DedupWindow)
	if err != nil {
		return dispatch.Config{}, "", err
	}
	sink := strings.ToLower(strings.TrimSpace(dc.Sink))
	if sink == "" {
		sink = "log"
	}
	return dispatch.Config{
		Enabled:         dc.Enabled,
		Workers:         dc.Workers,
		QueueSize:       dc.QueueSize,
		RatePerSec:      dc.RatePerSec,
		RetryMax:        dc.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: dc.DedupMaxEntries,
		PersistDedup:    dc.PersistDedup,
	}, sink, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.StorageOrDisabled()
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// newSink builds the delivery sink named by dispatch.sink.
func newSink(name string, cfg *config.Config, log logx.Logger) (transport.Sink, error) {
	switch name {
	case "", "log":
		return transport.NewLogSink(log), nil
	case "memory":
		return transport.NewMemorySink(), nil
	case "telegram":
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		s, err := telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			ChatID:  cfg.Telegram.ChatID,
			Timeout: timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown dispatch.sink: %s", name)
	}
}

// validate runs every mapping so a hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapIntakeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHostConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReclaimConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
