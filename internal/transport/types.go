// Package transport holds the delivery sinks used by the dispatcher.
package transport

import (
	"context"
	"errors"
	"time"

	"richpush/internal/augment"
)

// ErrClosed is returned by sinks after Close.
var ErrClosed = errors.New("sink closed")

// Delivery is one released notification on its way to a user-visible channel.
type Delivery struct {
	RequestID string
	Content   augment.Content
}

// Receipt describes a successful send.
type Receipt struct {
	Sink      string    `json:"sink"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Sink sends released content somewhere a user can see it.
//
// Send may be called from several dispatcher workers at once.
type Sink interface {
	Name() string
	Send(ctx context.Context, d Delivery) (Receipt, error)
	Close(ctx context.Context) error
}
