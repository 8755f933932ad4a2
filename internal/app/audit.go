package app

import (
	"context"
	"time"

	"richpush/internal/augment"
	"richpush/internal/dispatch"
	"richpush/internal/eventbus"
	"richpush/internal/storage"
	logx "richpush/pkg/logx"
)

// auditRecord turns a bus event into a delivery record. Events that are not
// part of the audit trail report false.
func auditRecord(e eventbus.Event) (storage.DeliveryRecord, bool) {
	var kind string
	switch e.Type {
	case eventbus.TypeReleased:
		kind = storage.KindReleased
	case eventbus.TypeDiscarded:
		kind = storage.KindDiscarded
	case eventbus.TypeDelivered:
		kind = storage.KindDelivered
	case eventbus.TypeFailed:
		kind = storage.KindFailed
	case eventbus.TypeDropped:
		kind = storage.KindDropped
	default:
		return storage.DeliveryRecord{}, false
	}

	switch d := e.Data.(type) {
	case augment.Release:
		at := d.At
		if at.IsZero() {
			at = e.Time
		}
		return storage.DeliveryRecord{
			At:          at,
			RequestID:   d.RequestID,
			Kind:        kind,
			Trigger:     string(d.Trigger),
			Reason:      string(d.Reason),
			Attachments: len(d.Content.Attachments),
			ElapsedMS:   d.Elapsed.Milliseconds(),
		}, true
	case dispatch.Event:
		at := d.At
		if at.IsZero() {
			at = e.Time
		}
		return storage.DeliveryRecord{
			At:        at,
			RequestID: d.RequestID,
			Kind:      kind,
			Sink:      d.Sink,
			Attempts:  d.Attempts,
			Error:     d.Error,
		}, true
	default:
		return storage.DeliveryRecord{}, false
	}
}

// auditLoop persists audit events until ctx is done or the subscription
// closes. Events already buffered at shutdown are still written.
func auditLoop(ctx context.Context, events <-chan eventbus.Event, st storage.Store, log logx.Logger) {
	write := func(wctx context.Context, e eventbus.Event) {
		log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		if st == nil {
			return
		}
		rec, ok := auditRecord(e)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(wctx, 2*time.Second)
		defer cancel()
		if err := st.AppendDelivery(wctx, rec); err != nil {
			log.Warn("audit write failed", logx.String("request_id", rec.RequestID), logx.String("kind", rec.Kind), logx.Err(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx := context.WithoutCancel(ctx)
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					write(drainCtx, e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			write(ctx, e)
		}
	}
}
