package telegram

import (
	"context"
	"strings"
	"testing"

	"richpush/internal/augment"
	kit "richpush/internal/transport"
	logx "richpush/pkg/logx"
)

func TestFormatText(t *testing.T) {
	cases := []struct {
		title, body, want string
	}{
		{"Hello", "World", "Hello\n\nWorld"},
		{"", "World", "World"},
		{"Hello", "  ", "Hello"},
	}
	for _, tc := range cases {
		if got := FormatText(augment.Content{Title: tc.title, Body: tc.body}); got != tc.want {
			t.Fatalf("FormatText(%q, %q) = %q", tc.title, tc.body, got)
		}
	}
}

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := SplitText(long, 8)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("newline split: %q", got)
	}

	got = SplitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("hard split: %q", got)
	}
}

func TestPhotoAttachment(t *testing.T) {
	c := augment.Content{Attachments: []augment.Attachment{
		{ID: "doc", Path: "/a/doc.pdf", TypeHint: "application/pdf"},
		{ID: "img", Path: "/a/img.jpg", TypeHint: "image/jpeg"},
	}}
	att, ok := photoAttachment(c)
	if !ok || att.ID != "img" {
		t.Fatalf("got %+v %v", att, ok)
	}
	if _, ok := photoAttachment(augment.Content{}); ok {
		t.Fatalf("no attachment should mean text")
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo wörld", 5); got != "héll…" {
		t.Fatalf("got %q", got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatalf("expected token error")
	}
	if _, err := New(Config{Token: "123:abc"}, logx.Nop()); err == nil {
		t.Fatalf("expected chat id error")
	}
}

func TestClosedSinkRejects(t *testing.T) {
	s, err := New(Config{Token: "123:abc", ChatID: 42, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = s.Close(context.Background())
	if _, err := s.Send(context.Background(), kit.Delivery{RequestID: "x"}); err != kit.ErrClosed {
		t.Fatalf("err = %v", err)
	}
}
