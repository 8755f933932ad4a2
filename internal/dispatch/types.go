package dispatch

import "time"

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Event is the Data of dispatch.* bus events.
// Keep it small; subscribers log and persist it.
type Event struct {
	RequestID string    `json:"request_id"`
	Sink      string    `json:"sink"`
	Key       string    `json:"key,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
