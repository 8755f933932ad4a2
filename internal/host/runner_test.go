package host

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"richpush/internal/augment"
	logx "richpush/pkg/logx"
)

type slowFetcher struct {
	delay time.Duration
	data  []byte
}

func (f slowFetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	select {
	case <-time.After(f.delay):
		return f.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type okStager struct{}

func (okStager) Stage(id string, data []byte) (augment.Attachment, error) {
	return augment.Attachment{ID: id, Path: "/tmp/" + id, Size: int64(len(data))}, nil
}

func imageRequest(id string) augment.Request {
	return augment.Request{ID: id, Content: augment.Content{
		Title:    "t",
		Body:     "b",
		Metadata: map[string]any{augment.ImageKey: "https://cdn.example.com/x.jpg"},
	}}
}

func TestRunCompletesBeforeDeadline(t *testing.T) {
	r := New(context.Background(), Config{}, slowFetcher{data: []byte("img")}, okStager{}, logx.Nop(), nil)
	rel, err := r.Run(context.Background(), imageRequest("fast"), time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rel.Trigger != augment.TriggerCompleted || rel.Reason != augment.ReasonAttached {
		t.Fatalf("release = %+v", rel)
	}
	if len(rel.Content.Attachments) != 1 || rel.Content.Attachments[0].ID != "notification_fast.jpg" {
		t.Fatalf("attachments = %+v", rel.Content.Attachments)
	}
}

func TestRunDeadlineWins(t *testing.T) {
	r := New(context.Background(), Config{}, slowFetcher{delay: 300 * time.Millisecond, data: []byte("img")}, okStager{}, logx.Nop(), nil)

	start := time.Now()
	rel, err := r.Run(context.Background(), imageRequest("slow"), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if took := time.Since(start); took > 200*time.Millisecond {
		t.Fatalf("Run waited for the download: %v", took)
	}
	if rel.Trigger != augment.TriggerDeadline || len(rel.Content.Attachments) != 0 {
		t.Fatalf("release = %+v", rel)
	}
	if r.InFlight() != 1 {
		t.Fatalf("download should still be running, inflight=%d", r.InFlight())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.InFlight() != 0 {
		t.Fatalf("inflight = %d", r.InFlight())
	}
}

func TestRunCallerCancelReleasesImmediately(t *testing.T) {
	r := New(context.Background(), Config{}, slowFetcher{delay: time.Second, data: []byte("img")}, okStager{}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rel, err := r.Run(ctx, imageRequest("gone"), 10*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rel.Trigger != augment.TriggerDeadline {
		t.Fatalf("trigger = %s", rel.Trigger)
	}
}

func TestRunRejectsMissingID(t *testing.T) {
	r := New(context.Background(), Config{}, nil, nil, logx.Nop(), nil)
	if _, err := r.Run(context.Background(), augment.Request{}, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeadlineResolution(t *testing.T) {
	r := New(context.Background(), Config{DefaultDeadline: 2 * time.Second, MaxDeadline: 5 * time.Second}, nil, nil, logx.Nop(), nil)
	cases := map[time.Duration]time.Duration{
		0:                2 * time.Second,
		-time.Second:     2 * time.Second,
		time.Second:      time.Second,
		10 * time.Second: 5 * time.Second,
	}
	for in, want := range cases {
		if got := r.Deadline(in); got != want {
			t.Fatalf("Deadline(%v) = %v, want %v", in, got, want)
		}
	}

	r.Apply(Config{DefaultDeadline: time.Minute, MaxDeadline: 10 * time.Second})
	if got := r.Deadline(0); got != 10*time.Second {
		t.Fatalf("default should be clamped to max, got %v", got)
	}
}

type pathStager struct{ path string }

func (s pathStager) Stage(id string, data []byte) (augment.Attachment, error) {
	return augment.Attachment{ID: id, Path: s.path, Size: int64(len(data))}, nil
}

func TestRunReturnsDeliveredContent(t *testing.T) {
	r := New(context.Background(), Config{}, slowFetcher{data: []byte("img")}, pathStager{path: "/staged/from-callback.jpg"}, logx.Nop(), nil)
	rel, err := r.Run(context.Background(), imageRequest("cb"), time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rel.Content.Attachments) != 1 || rel.Content.Attachments[0].Path != "/staged/from-callback.jpg" {
		t.Fatalf("attachments = %+v", rel.Content.Attachments)
	}
	if rel.Content.Title != "t" || rel.Content.Body != "b" {
		t.Fatalf("content = %+v", rel.Content)
	}
}

func TestRunLateCompletionDoesNotDeliverTwice(t *testing.T) {
	r := New(context.Background(), Config{}, slowFetcher{delay: 80 * time.Millisecond, data: []byte("img")}, pathStager{path: "/staged/late.jpg"}, logx.Nop(), nil)
	rel, err := r.Run(context.Background(), imageRequest("late"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rel.Trigger != augment.TriggerDeadline || len(rel.Content.Attachments) != 0 {
		t.Fatalf("release = %+v", rel)
	}

	// The discarded completion still finishes in the background.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("background receive did not finish: %v", err)
	}
	if r.InFlight() != 0 {
		t.Fatalf("in flight = %d", r.InFlight())
	}
}
