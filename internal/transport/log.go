package transport

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	logx "richpush/pkg/logx"
)

// LogSink writes each delivery as a structured log line.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log.With(logx.String("comp", "sink.log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, d Delivery) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	fields := []logx.Field{
		logx.String("request_id", d.RequestID),
		logx.String("title", d.Content.Title),
		logx.String("body", d.Content.Body),
		logx.Int("attachments", len(d.Content.Attachments)),
	}
	for _, a := range d.Content.Attachments {
		fields = append(fields,
			logx.String("attachment", a.Path),
			logx.String("attachment_size", humanize.Bytes(uint64(max(a.Size, 0)))),
		)
	}
	s.log.Info("notification delivered", fields...)
	return Receipt{Sink: s.Name(), At: time.Now()}, nil
}

func (s *LogSink) Close(context.Context) error { return nil }
