package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks fields that can be checked without touching the network or
// the filesystem. Errors name the offending field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("http.read_timeout", cfg.HTTP.ReadTimeout)
	check("http.write_timeout", cfg.HTTP.WriteTimeout)
	switch strings.ToLower(strings.TrimSpace(cfg.HTTP.Mode)) {
	case "", "release", "debug", "test":
	default:
		errs = append(errs, fmt.Errorf("http.mode: unknown mode %q", cfg.HTTP.Mode))
	}

	check("augment.default_deadline", cfg.Augment.DefaultDeadline)
	check("augment.max_deadline", cfg.Augment.MaxDeadline)
	check("fetch.timeout", cfg.Fetch.Timeout)
	if cfg.Fetch.MaxBytes < 0 {
		errs = append(errs, errors.New("fetch.max_bytes: must be >= 0"))
	}
	if cfg.Fetch.RatePerSec < 0 {
		errs = append(errs, errors.New("fetch.rate_per_sec: must be >= 0"))
	}
	check("telegram.timeout", cfg.Telegram.Timeout)

	if r := cfg.Reclaim; r != nil {
		check("reclaim.ttl", r.TTL)
		if r.Enabled && strings.TrimSpace(r.Schedule) == "" {
			errs = append(errs, errors.New("reclaim.schedule: required when enabled"))
		}
	}

	if d := cfg.Dispatch; d != nil {
		check("dispatch.retry_base", d.RetryBase)
		check("dispatch.retry_max_delay", d.RetryMaxDelay)
		check("dispatch.dedup_window", d.DedupWindow)
		switch strings.ToLower(strings.TrimSpace(d.Sink)) {
		case "", "log", "memory":
		case "telegram":
			if strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0 {
				errs = append(errs, errors.New("dispatch.sink: telegram requires telegram.token and telegram.chat_id"))
			}
		default:
			errs = append(errs, fmt.Errorf("dispatch.sink: unknown sink %q", d.Sink))
		}
	}

	if s := cfg.Storage; s != nil {
		check("storage.busy_timeout", s.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path: required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}
	return errors.Join(errs...)
}
