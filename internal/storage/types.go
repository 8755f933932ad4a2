package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record kinds.
const (
	KindReleased  = "released"
	KindDiscarded = "discarded"
	KindDelivered = "delivered"
	KindFailed    = "failed"
	KindDropped   = "dropped"
)

// DeliveryRecord is one audit line about a notification.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At          time.Time `json:"at"`
	RequestID   string    `json:"request_id"`
	Kind        string    `json:"kind"`
	Trigger     string    `json:"trigger,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attachments int       `json:"attachments"`
	Sink        string    `json:"sink,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Error       string    `json:"error,omitempty"`
	ElapsedMS   int64     `json:"elapsed_ms"`
}
