package transport

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemorySink keeps every delivery in memory. It backs tests and the
// "memory" sink option.
type MemorySink struct {
	mu     sync.Mutex
	sent   []Delivery
	fail   []error
	closed bool
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Name() string { return "memory" }

// FailNext makes the next len(errs) sends return those errors, in order.
func (m *MemorySink) FailNext(errs ...error) {
	m.mu.Lock()
	m.fail = append(m.fail, errs...)
	m.mu.Unlock()
}

func (m *MemorySink) Send(ctx context.Context, d Delivery) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Receipt{}, ErrClosed
	}
	if len(m.fail) > 0 {
		err := m.fail[0]
		m.fail = m.fail[1:]
		return Receipt{}, err
	}
	d.Content = d.Content.Clone()
	m.sent = append(m.sent, d)
	return Receipt{Sink: m.Name(), MessageID: strconv.Itoa(len(m.sent)), At: time.Now()}, nil
}

// Deliveries returns a copy of everything sent so far.
func (m *MemorySink) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.sent...)
}

func (m *MemorySink) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
