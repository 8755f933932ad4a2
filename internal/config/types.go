package config

// Config is the daemon configuration file (JSON, or YAML by extension).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Augment  AugmentConfig  `json:"augment"`
	Fetch    FetchConfig    `json:"fetch"`
	Staging  StagingConfig  `json:"staging"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Optional sections. Omitted means "defaults".
	Reclaim  *ReclaimConfig  `json:"reclaim,omitempty"`
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

// HTTPConfig controls the intake API.
//
// Defaults:
//   - addr: "127.0.0.1:8088"
//   - read_timeout: "10s"
//   - write_timeout: "0s" (disabled; a request may wait for its deadline)
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Mode is the gin mode: "release" (default), "debug" or "test".
	Mode string `json:"mode,omitempty"`

	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig mounts /debug/pprof on the intake listener.
// A non-loopback http.addr requires a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// AugmentConfig controls the per-request deadline used by the intake API
// when a request does not carry its own.
type AugmentConfig struct {
	DefaultDeadline string `json:"default_deadline,omitempty"` // default "25s"
	MaxDeadline     string `json:"max_deadline,omitempty"`     // default "60s"
}

// FetchConfig controls image downloads.
//
// Timeout "0s" (default) means no own timeout: the download lives as long as
// the request context.
type FetchConfig struct {
	Timeout    string `json:"timeout,omitempty"`
	MaxBytes   int64  `json:"max_bytes,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StagingConfig controls where fetched images are persisted.
type StagingConfig struct {
	Root string `json:"root,omitempty"` // default: <tmp>/richpush
}

// ReclaimConfig controls the sweeper that removes old staging directories.
//
// Example:
//
//	"reclaim": { "enabled": true, "schedule": "0 */10 * * * *", "ttl": "1h" }
type ReclaimConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron (seconds optional) or "every:<dur>"
	TTL      string `json:"ttl,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig controls the async delivery pipeline.
//
// If the whole section is omitted, the dispatcher defaults to enabled=true
// with the log sink.
type DispatchConfig struct {
	Enabled         bool   `json:"enabled"`
	Sink            string `json:"sink,omitempty"` // "log" (default), "memory", "telegram"
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./richpush.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TelegramConfig is used only by the telegram sink.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// Timeout bounds each Bot API call, e.g. "10s". Default "10s".
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
