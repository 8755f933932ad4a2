package augment

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// ImageKey is the metadata key carrying the enrichment image URL.
const ImageKey = "native_push_image"

// Request is one delivery attempt handed over by the host.
type Request struct {
	ID      string
	Content Content
}

// Content is the displayable part of a notification.
//
// Values are treated as immutable once shared: use Clone and WithAttachment to
// derive new values instead of mutating slices or maps in place.
type Content struct {
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Attachments []Attachment   `json:"attachments"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Attachment references bytes persisted by a Stager.
type Attachment struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	TypeHint string `json:"type_hint,omitempty"`
	Size     int64  `json:"size"`
}

// DeliveryFunc receives the final content. The Augmentor calls it at most once.
type DeliveryFunc func(Content)

// Fetcher downloads the bytes behind an absolute URL.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) ([]byte, error)
}

// Stager persists bytes under a unique location and describes them.
type Stager interface {
	Stage(id string, data []byte) (Attachment, error)
}

// Trigger names the path that performed the release.
type Trigger string

const (
	TriggerCompleted Trigger = "completed"
	TriggerDeadline  Trigger = "deadline"
)

// Reason records how far enrichment got before release.
type Reason string

const (
	ReasonAttached         Reason = "attached"
	ReasonMissingReference Reason = "missing_reference"
	ReasonFetchFailed      Reason = "fetch_failed"
	ReasonStageFailed      Reason = "stage_failed"
	// ReasonPending means the deadline fired before enrichment was decided.
	ReasonPending Reason = "pending"
)

// Release describes a single release (or a discarded completion).
type Release struct {
	RequestID string        `json:"request_id"`
	Trigger   Trigger       `json:"trigger"`
	Reason    Reason        `json:"reason"`
	Content   Content       `json:"content"`
	At        time.Time     `json:"at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// AttachmentID is the identifier (and file name) used for a request's image.
func AttachmentID(requestID string) string {
	return "notification_" + requestID + ".jpg"
}

// Clone returns a deep copy of c. Mutating the copy never affects c.
func (c Content) Clone() Content {
	out := Content{Title: c.Title, Body: c.Body}
	if len(c.Attachments) > 0 {
		out.Attachments = append([]Attachment(nil), c.Attachments...)
	}
	if c.Metadata != nil {
		out.Metadata = cloneMap(c.Metadata)
	}
	return out
}

// WithAttachment returns a copy of c with a appended. The receiver is untouched.
func (c Content) WithAttachment(a Attachment) Content {
	out := c
	out.Attachments = make([]Attachment, 0, len(c.Attachments)+1)
	out.Attachments = append(out.Attachments, c.Attachments...)
	out.Attachments = append(out.Attachments, a)
	return out
}

// ImageURL returns the enrichment image URL from metadata.
//
// A missing key, a non-string value, an unparsable string and anything that is
// not an absolute http(s) URL with a host all report false.
func ImageURL(metadata map[string]any) (*url.URL, bool) {
	raw, ok := metadata[ImageKey].(string)
	if !ok {
		return nil, false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
