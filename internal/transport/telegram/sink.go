// Package telegram delivers released notifications to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"richpush/internal/augment"
	kit "richpush/internal/transport"
	logx "richpush/pkg/logx"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Timeout bounds each Bot API call.
	Timeout time.Duration
	// Offline skips the getMe check on construction.
	Offline bool
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

// Sink sends a photo when the content carries an image attachment and plain
// text otherwise.
type Sink struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	chat *tele.Chat

	mu     sync.Mutex
	closed bool
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Sink{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "sink.telegram")),
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
	}, nil
}

func (s *Sink) Name() string { return "telegram" }

func (s *Sink) Send(ctx context.Context, d kit.Delivery) (kit.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return kit.Receipt{}, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return kit.Receipt{}, kit.ErrClosed
	}

	opts := &tele.SendOptions{ThreadID: s.cfg.ThreadID, DisableWebPagePreview: true}
	text := FormatText(d.Content)

	if att, ok := photoAttachment(d.Content); ok {
		photo := &tele.Photo{File: tele.FromDisk(att.Path), Caption: truncateRunes(text, captionLimit)}
		msg, err := s.bot.Send(s.chat, photo, opts)
		if err != nil {
			return kit.Receipt{}, err
		}
		return s.receipt(msg), nil
	}

	var first *tele.Message
	for _, chunk := range SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return kit.Receipt{}, err
		}
		msg, err := s.bot.Send(s.chat, chunk, opts)
		if err != nil {
			return kit.Receipt{}, err
		}
		if first == nil {
			first = msg
		}
	}
	return s.receipt(first), nil
}

func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Sink) receipt(m *tele.Message) kit.Receipt {
	r := kit.Receipt{Sink: s.Name(), At: time.Now()}
	if m != nil {
		r.MessageID = strconv.Itoa(m.ID)
	}
	return r
}

// FormatText renders title and body the way they appear in the chat.
func FormatText(c augment.Content) string {
	title := strings.TrimSpace(c.Title)
	body := strings.TrimSpace(c.Body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n\n" + body
	}
}

func photoAttachment(c augment.Content) (augment.Attachment, bool) {
	for _, a := range c.Attachments {
		if a.Path == "" {
			continue
		}
		if a.TypeHint == "" || strings.HasPrefix(a.TypeHint, "image/") {
			return a, true
		}
	}
	return augment.Attachment{}, false
}

// SplitText splits s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func truncateRunes(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit-1]) + "…"
}
