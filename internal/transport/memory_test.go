package transport

import (
	"context"
	"errors"
	"testing"

	"richpush/internal/augment"
	logx "richpush/pkg/logx"
)

func TestMemorySink(t *testing.T) {
	m := NewMemorySink()
	ctx := context.Background()
	boom := errors.New("boom")
	m.FailNext(boom)

	d := Delivery{RequestID: "r1", Content: augment.Content{Title: "t", Metadata: map[string]any{"k": "v"}}}
	if _, err := m.Send(ctx, d); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	r, err := m.Send(ctx, d)
	if err != nil || r.Sink != "memory" || r.MessageID != "1" {
		t.Fatalf("send: %+v %v", r, err)
	}

	d.Content.Metadata["k"] = "changed"
	got := m.Deliveries()
	if len(got) != 1 || got[0].Content.Metadata["k"] != "v" {
		t.Fatalf("stored delivery aliased caller content: %+v", got)
	}

	_ = m.Close(ctx)
	if _, err := m.Send(ctx, d); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(logx.Logger{})
	r, err := s.Send(context.Background(), Delivery{RequestID: "r", Content: augment.Content{
		Attachments: []augment.Attachment{{Path: "/x", Size: 2048}},
	}})
	if err != nil || r.Sink != "log" {
		t.Fatalf("send: %+v %v", r, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Send(ctx, Delivery{}); err == nil {
		t.Fatalf("expected context error")
	}
}
