package config

import (
	"reflect"
	"sort"
	"strings"

	logx "richpush/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never secrets such as tokens), and the subset of changed
// sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	mark := func(section string, needsRestart bool, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if needsRestart {
			restart = append(restart, section)
		}
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", true,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.String("http.mode", newCfg.HTTP.Mode),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof.Enabled),
			logx.Bool("http.pprof_token_set", strings.TrimSpace(newCfg.HTTP.Pprof.Token) != ""),
		)
	}
	if oldCfg.Augment != newCfg.Augment {
		mark("augment", false,
			logx.String("augment.default_deadline", newCfg.Augment.DefaultDeadline),
			logx.String("augment.max_deadline", newCfg.Augment.MaxDeadline),
		)
	}
	if oldCfg.Fetch != newCfg.Fetch {
		mark("fetch", false,
			logx.String("fetch.timeout", newCfg.Fetch.Timeout),
			logx.Int64("fetch.max_bytes", newCfg.Fetch.MaxBytes),
			logx.Int("fetch.rate_per_sec", newCfg.Fetch.RatePerSec),
		)
	}
	if oldCfg.Staging != newCfg.Staging {
		mark("staging", true, logx.String("staging.root", newCfg.Staging.Root))
	}

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) {
		mark("telegram", true,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if o, n := oldCfg.ReclaimOrDefault(), newCfg.ReclaimOrDefault(); o != n {
		mark("reclaim", false,
			logx.Bool("reclaim.enabled", n.Enabled),
			logx.String("reclaim.schedule", n.Schedule),
			logx.String("reclaim.ttl", n.TTL),
		)
	}

	if o, n := oldCfg.DispatchOrDefault(), newCfg.DispatchOrDefault(); !reflect.DeepEqual(o, n) {
		// Sink and enabled need a rebuild of the pipeline; the rest applies live.
		mark("dispatch", o.Enabled != n.Enabled || !strings.EqualFold(o.Sink, n.Sink),
			logx.Bool("dispatch.enabled", n.Enabled),
			logx.String("dispatch.sink", n.Sink),
			logx.Int("dispatch.workers", n.Workers),
			logx.Int("dispatch.rate_per_sec", n.RatePerSec),
			logx.Int("dispatch.retry_max", n.RetryMax),
		)
	}

	// Storage: path is summarized as set/unset only.
	if o, n := oldCfg.StorageOrDisabled(), newCfg.StorageOrDisabled(); o != n {
		mark("storage", true,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(n.BusyTimeout)),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
