// Package intake is the HTTP surface for submitting notifications.
package intake

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"richpush/internal/augment"
	"richpush/internal/dispatch"
	"richpush/internal/storage"
	logx "richpush/pkg/logx"
)

// Runner releases a notification within a deadline.
type Runner interface {
	Run(ctx context.Context, req augment.Request, deadline time.Duration) (augment.Release, error)
}

// Enqueuer accepts released notifications for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, rel augment.Release) error
}

// DeliveryLister lists recent audit records, newest first.
type DeliveryLister interface {
	RecentDeliveries(ctx context.Context, limit int) ([]storage.DeliveryRecord, error)
}

// Handler bundles the dependencies of the intake routes. Dispatcher, Deliveries
// and Health are optional.
type Handler struct {
	Runner     Runner
	Dispatcher Enqueuer
	Deliveries DeliveryLister
	Health     func() gin.H
	Debug      DebugConfig
	Log        logx.Logger
}

type notificationRequest struct {
	ID         string         `json:"id" binding:"required"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Metadata   map[string]any `json:"metadata"`
	DeadlineMS int64          `json:"deadline_ms"`
}

type notificationResponse struct {
	RequestID     string          `json:"request_id"`
	Trigger       augment.Trigger `json:"trigger"`
	Reason        augment.Reason  `json:"reason"`
	Content       augment.Content `json:"content"`
	ElapsedMS     int64           `json:"elapsed_ms"`
	Dispatch      string          `json:"dispatch"`
	DispatchError string          `json:"dispatch_error,omitempty"`
}

// Dispatch outcomes reported to the client.
const (
	dispatchQueued   = "queued"
	dispatchNone     = "none"
	dispatchDisabled = "disabled"
	dispatchFailed   = "failed"
)

// NewRouter builds the gin engine with every intake route.
func NewRouter(h *Handler) *gin.Engine {
	if h.Log.IsZero() {
		h.Log = logx.Nop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Log))

	r.GET("/healthz", h.healthz)
	v1 := r.Group("/v1")
	{
		v1.POST("/notifications", h.postNotification)
		v1.GET("/deliveries", h.listDeliveries)
	}
	if h.Debug.Enabled {
		mountDebug(r, h.Debug)
	}
	return r
}

func (h *Handler) postNotification(c *gin.Context) {
	var in notificationRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(in.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	if in.DeadlineMS < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deadline_ms must be >= 0"})
		return
	}

	req := augment.Request{
		ID: in.ID,
		Content: augment.Content{
			Title:    in.Title,
			Body:     in.Body,
			Metadata: in.Metadata,
		},
	}
	rel, err := h.Runner.Run(c.Request.Context(), req, deadlineFromMS(in.DeadlineMS))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out := notificationResponse{
		RequestID: rel.RequestID,
		Trigger:   rel.Trigger,
		Reason:    rel.Reason,
		Content:   rel.Content,
		ElapsedMS: rel.Elapsed.Milliseconds(),
		Dispatch:  dispatchNone,
	}
	if h.Dispatcher != nil {
		// The release already happened; a dispatch problem is reported, not fatal.
		switch err := h.Dispatcher.Enqueue(context.WithoutCancel(c.Request.Context()), rel); {
		case err == nil:
			out.Dispatch = dispatchQueued
		case errors.Is(err, dispatch.ErrDisabled):
			out.Dispatch = dispatchDisabled
		default:
			out.Dispatch = dispatchFailed
			out.DispatchError = err.Error()
			h.Log.Warn("enqueue failed", logx.String("request_id", rel.RequestID), logx.Err(err))
		}
	}
	c.JSON(http.StatusOK, out)
}

// maxDeadlineMS is the largest millisecond count a time.Duration can hold.
const maxDeadlineMS = int64(math.MaxInt64 / int64(time.Millisecond))

// deadlineFromMS converts a non-negative deadline_ms, saturating instead of
// overflowing. The runner clamps the result to its configured maximum.
func deadlineFromMS(ms int64) time.Duration {
	return time.Duration(min(ms, maxDeadlineMS)) * time.Millisecond
}

func (h *Handler) listDeliveries(c *gin.Context) {
	if h.Deliveries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": storage.ErrDisabled.Error()})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := h.Deliveries.RecentDeliveries(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []storage.DeliveryRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": recs, "count": len(recs)})
}

func (h *Handler) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.Health != nil {
		for k, v := range h.Health() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
