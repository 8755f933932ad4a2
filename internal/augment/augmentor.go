package augment

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"richpush/internal/eventbus"
	logx "richpush/pkg/logx"
)

// Lifecycle states. stateArming is the short window in which OnReceive has
// claimed the instance but not yet published the callback.
const (
	stateIdle int32 = iota
	stateArming
	stateReceiving
	stateReleased
)

// Options configures an Augmentor.
type Options struct {
	Fetcher Fetcher
	Stager  Stager
	Log     logx.Logger
	Bus     eventbus.Bus
	Now     func() time.Time
}

// Augmentor handles exactly one notification request.
//
// OnReceive and OnDeadline may run concurrently. It is not reusable: create a
// new instance per request.
type Augmentor struct {
	fetcher Fetcher
	stager  Stager
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	state atomic.Int32

	// Written once in OnReceive before state becomes stateReceiving.
	requestID string
	startedAt time.Time
	deliver   DeliveryFunc

	// cur is replaced whole, never mutated: a racing OnDeadline reads
	// content and reason from one snapshot.
	cur atomic.Pointer[progress]

	// deadline latches an OnDeadline that arrived before the callback was
	// known; OnReceive honours it as soon as it publishes stateReceiving.
	deadline atomic.Bool

	result atomic.Pointer[Release]
	done   chan struct{}
}

// New returns an idle Augmentor.
func New(opts Options) *Augmentor {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Augmentor{
		fetcher: opts.Fetcher,
		stager:  opts.Stager,
		log:     opts.Log,
		bus:     opts.Bus,
		now:     opts.Now,
		done:    make(chan struct{}),
	}
}

// OnReceive runs the enrichment pipeline for req and releases the result to cb.
//
// It blocks for the duration of the image download. Only the first call has an
// effect; later calls return immediately.
func (a *Augmentor) OnReceive(ctx context.Context, req Request, cb DeliveryFunc) {
	if !a.state.CompareAndSwap(stateIdle, stateArming) {
		a.log.Debug("duplicate receive ignored", logx.String("request_id", req.ID))
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if cb == nil {
		cb = func(Content) {}
	}

	working := req.Content.Clone()
	a.requestID = req.ID
	a.startedAt = a.now()
	a.deliver = cb
	a.cur.Store(&progress{content: working})
	a.state.Store(stateReceiving)

	log := a.log.With(logx.String("request_id", req.ID))

	if a.deadline.Load() {
		a.release(TriggerDeadline)
		log.Debug("deadline already expired; enrichment skipped")
		return
	}

	att, err := a.enrich(ctx, req.ID, working.Metadata, log)
	final := &progress{content: working, reason: ReasonOf(err), decided: true}
	if err == nil {
		final.content = working.WithAttachment(att)
	}
	a.cur.Store(final)
	reason := final.reason
	if err != nil {
		log.Debug("enrichment skipped", logx.String("reason", string(reason)), logx.Err(err))
	}

	if !a.release(TriggerCompleted) {
		rel := a.snapshot(TriggerCompleted, final)
		eventbus.PublishTo(a.bus, eventbus.TypeDiscarded, rel)
		log.Debug("late enrichment discarded", logx.String("reason", string(reason)), logx.Duration("elapsed", rel.Elapsed))
	}
}

// OnDeadline releases whatever content exists right now, unless a release
// already happened. It does not interrupt an in-flight download.
//
// Called before OnReceive has published its callback, the deadline is
// remembered and OnReceive releases the pristine copy without fetching.
func (a *Augmentor) OnDeadline() {
	a.deadline.Store(true)
	if !a.release(TriggerDeadline) && a.state.Load() != stateReleased {
		a.log.Debug("deadline before receive; latched")
	}
}

// Released reports whether the callback has been invoked.
func (a *Augmentor) Released() bool { return a.state.Load() == stateReleased }

// Done is closed once the callback has returned.
func (a *Augmentor) Done() <-chan struct{} { return a.done }

// Result returns the release, or false if none happened yet.
func (a *Augmentor) Result() (Release, bool) {
	r := a.result.Load()
	if r == nil {
		return Release{}, false
	}
	return *r, true
}

func (a *Augmentor) enrich(ctx context.Context, requestID string, metadata map[string]any, log logx.Logger) (Attachment, error) {
	u, ok := ImageURL(metadata)
	if !ok {
		return Attachment{}, ErrMissingReference
	}
	if a.fetcher == nil {
		return Attachment{}, fetchError(errNoFetcher)
	}
	data, err := a.fetcher.Fetch(ctx, u)
	if err != nil {
		return Attachment{}, fetchError(err)
	}
	if len(data) == 0 {
		return Attachment{}, fetchError(errEmptyBody)
	}
	log.Debug("image fetched", logx.String("host", u.Host), logx.String("size", humanize.Bytes(uint64(len(data)))))

	if a.stager == nil {
		return Attachment{}, stagingError(errNoStager)
	}
	att, err := a.stager.Stage(AttachmentID(requestID), data)
	if err != nil {
		return Attachment{}, stagingError(err)
	}
	return att, nil
}

// release is the single exit point shared by both trigger paths. The
// snapshot is taken after the CAS so it is never older than the callback.
func (a *Augmentor) release(trigger Trigger) bool {
	if !a.state.CompareAndSwap(stateReceiving, stateReleased) {
		return false
	}
	defer close(a.done)

	rel := a.snapshot(trigger, a.cur.Load())
	a.result.Store(&rel)

	a.deliver(rel.Content.Clone())

	eventbus.PublishTo(a.bus, eventbus.TypeReleased, rel)
	a.log.Info("notification released",
		logx.String("request_id", rel.RequestID),
		logx.String("trigger", string(trigger)),
		logx.String("reason", string(rel.Reason)),
		logx.Int("attachments", len(rel.Content.Attachments)),
		logx.Duration("elapsed", rel.Elapsed),
	)
	return true
}

// snapshot describes a release of p. A missing or undecided p reports
// ReasonPending.
func (a *Augmentor) snapshot(trigger Trigger, p *progress) Release {
	now := a.now()
	rel := Release{
		RequestID: a.requestID,
		Trigger:   trigger,
		Reason:    ReasonPending,
		At:        now,
		Elapsed:   now.Sub(a.startedAt),
	}
	if p != nil {
		rel.Content = p.content
		if p.decided {
			rel.Reason = p.reason
		}
	}
	return rel
}

// progress is the working content plus the enrichment outcome, once known.
type progress struct {
	content Content
	reason  Reason
	decided bool
}
