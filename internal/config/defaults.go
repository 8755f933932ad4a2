package config

// DefaultDispatch is the dispatcher configuration used when the section is
// omitted.
func DefaultDispatch() DispatchConfig {
	return DispatchConfig{
		Enabled:         true,
		Sink:            "log",
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// DispatchOrDefault returns cfg.Dispatch or DefaultDispatch.
func (c *Config) DispatchOrDefault() DispatchConfig {
	if c == nil || c.Dispatch == nil {
		return DefaultDispatch()
	}
	return *c.Dispatch
}

// ReclaimOrDefault returns cfg.Reclaim, or a disabled section.
func (c *Config) ReclaimOrDefault() ReclaimConfig {
	if c == nil || c.Reclaim == nil {
		return ReclaimConfig{Schedule: "every:10m", TTL: "1h"}
	}
	return *c.Reclaim
}

// StorageOrDisabled returns cfg.Storage, or an empty (disabled) section.
func (c *Config) StorageOrDisabled() StorageConfig {
	if c == nil || c.Storage == nil {
		return StorageConfig{}
	}
	return *c.Storage
}
