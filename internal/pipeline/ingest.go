// Package pipeline drives one calendar document from raw bytes to a stream
// of sink notifications: the event, each occurrence, then a completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/tz"
)

const (
	DefaultLookahead    = 90 * 24 * time.Hour
	DefaultMaxLookahead = 365 * 24 * time.Hour
)

type State int

const (
	StateStart State = iota
	StateParsed
	StateClassified
	StateFormatting
	StateExpanding
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateParsed:
		return "parsed"
	case StateClassified:
		return "classified"
	case StateFormatting:
		return "formatting"
	case StateExpanding:
		return "expanding"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrStop may be returned by a sink to end an ingestion early. The run ends
// without error and without a completion.
var ErrStop = errors.New("pipeline: stop requested by sink")

// IngestionError wraps the failure of one run with the state it failed in.
type IngestionError struct {
	State State
	Err   error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest failed while %s: %v", e.State, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// EventSink receives the notifications of a run, synchronously and in
// order: OnEvent first, then OnComponent per occurrence, then
// OnEventComplete.
type EventSink interface {
	OnEvent(ctx context.Context, ev model.Event) error
	OnComponent(ctx context.Context, c model.Component) error
	OnEventComplete(ctx context.Context, c model.Completion) error
}

type Options struct {
	// Lookahead is the default horizon past now. Clamped to MaxLookahead.
	Lookahead    time.Duration
	MaxLookahead time.Duration
	// Limit caps occurrences per event (ics.DefaultLimit when zero).
	Limit int
	// Floating resolves floating and all-day values. UTC when nil.
	Floating *time.Location
	Now      func() time.Time
}

// Ingester is safe for concurrent use; runs share only the registry.
type Ingester struct {
	reg      *tz.Registry
	opts     Options
	expander *ics.Expander
	log      appLog.Logger
}

func New(reg *tz.Registry, opts Options) *Ingester {
	if reg == nil {
		reg = tz.NewRegistry()
	}
	if opts.MaxLookahead <= 0 {
		opts.MaxLookahead = DefaultMaxLookahead
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	if opts.Lookahead > opts.MaxLookahead {
		opts.Lookahead = opts.MaxLookahead
	}
	if opts.Limit <= 0 {
		opts.Limit = ics.DefaultLimit
	}
	if opts.Floating == nil {
		opts.Floating = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingester{
		reg:      reg,
		opts:     opts,
		expander: ics.NewExpander(reg, opts.Floating),
		log:      appLog.Named("pipeline"),
	}
}

// Registry returns the registry shared by every run of this ingester.
func (in *Ingester) Registry() *tz.Registry { return in.reg }

// Horizon returns the default window [now, now+Lookahead].
func (in *Ingester) Horizon() ics.Horizon {
	now := in.opts.Now().UTC()
	return ics.Horizon{Now: now, MaxDate: now.Add(in.opts.Lookahead), Limit: in.opts.Limit}
}

// HorizonUntil returns a window ending at maxDate, clamped to MaxLookahead.
func (in *Ingester) HorizonUntil(maxDate time.Time) ics.Horizon {
	h := in.Horizon()
	if limit := h.Now.Add(in.opts.MaxLookahead); maxDate.After(limit) {
		maxDate = limit
	}
	h.MaxDate = maxDate
	return h
}

// Ingest runs a document through the pipeline with the default horizon.
func (in *Ingester) Ingest(ctx context.Context, src ics.Source, body []byte, sink EventSink) error {
	return in.IngestWithHorizon(ctx, src, body, in.Horizon(), sink)
}

func (in *Ingester) IngestWithHorizon(ctx context.Context, src ics.Source, body []byte, h ics.Horizon, sink EventSink) error {
	r := in.newRun(src)
	root, err := ics.Parse(body)
	if err != nil {
		return r.fail(err)
	}
	r.state = StateParsed
	return in.process(ctx, r, root, h, sink, true)
}

// IngestTree runs an already parsed document, e.g. one part of a feed split
// with ics.SplitByUID.
func (in *Ingester) IngestTree(ctx context.Context, src ics.Source, root *ics.RawComponent, h ics.Horizon, sink EventSink) error {
	r := in.newRun(src)
	r.state = StateParsed
	return in.process(ctx, r, root, h, sink, true)
}

// Resume continues a stored expansion after lastRecurrenceID up to maxDate.
// The event itself was delivered by the original run, so only components
// and the completion are emitted.
func (in *Ingester) Resume(ctx context.Context, src ics.Source, root *ics.RawComponent, lastRecurrenceID, maxDate time.Time, sink EventSink) error {
	h := in.Horizon()
	h.MaxDate = maxDate
	h.After = lastRecurrenceID

	r := in.newRun(src)
	r.state = StateParsed
	return in.process(ctx, r, root, h, sink, false)
}

type run struct {
	id    string
	src   ics.Source
	state State
	log   appLog.Logger
	start time.Time
}

func (in *Ingester) newRun(src ics.Source) *run {
	return &run{
		id:    uuid.NewString(),
		src:   src,
		state: StateStart,
		log:   in.log,
		start: time.Now(),
	}
}

func (r *run) fail(err error) error {
	failed := r.state
	r.state = StateFailed
	r.log.Error("ingest failed", err, "run", r.id, "source", r.src.ID, "state", failed.String())
	return &IngestionError{State: failed, Err: err}
}

func (in *Ingester) process(ctx context.Context, r *run, root *ics.RawComponent, h ics.Horizon, sink EventSink, emitEvent bool) error {
	if h.Limit <= 0 {
		h.Limit = in.opts.Limit
	}

	c, err := ics.Classify(root, in.reg)
	if err != nil {
		return r.fail(err)
	}
	r.state = StateClassified

	// Building the representation resolves the primary's zones, so an
	// unknown TZID there fails in the formatting state with nothing emitted.
	r.state = StateFormatting
	ev, err := in.expander.Event(c.Primary, c.Exceptions)
	if err != nil {
		return r.fail(err)
	}
	ev.SourceID = r.src.ID

	if emitEvent {
		if err := sink.OnEvent(ctx, ev); err != nil {
			return r.sinkError(err)
		}
	}

	r.state = StateExpanding
	r.log.Debug("ingest expanding", "run", r.id, "uid", ev.UID, "max_date", h.MaxDate, "after", h.After)

	it := in.expander.Expand(c.Primary, c.Exceptions, h)
	defer it.Close()

	// One occurrence is held back so the final component can carry the
	// checkpoint.
	var pending *model.Component
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return r.fail(err)
		}
		occ := it.Occurrence()
		occ.SourceID = r.src.ID
		comp := model.Component{EventID: ev.ID(), Occurrence: occ, IsRecurring: it.Recurring()}

		if pending != nil {
			if err := sink.OnComponent(ctx, *pending); err != nil {
				return r.sinkError(err)
			}
		}
		pending = &comp
	}

	if err := it.Err(); err != nil {
		if pending != nil {
			if serr := sink.OnComponent(ctx, *pending); serr != nil && !errors.Is(serr, ErrStop) {
				r.log.Error("sink rejected component", serr, "run", r.id, "uid", ev.UID)
			}
		}
		return r.fail(err)
	}

	var checkpoint *time.Time
	if last, ok := it.Last(); ok {
		checkpoint = &last
	} else if !h.After.IsZero() {
		after := h.After
		checkpoint = &after
	}

	if pending != nil {
		pending.LastRecurrenceID = checkpoint
		if err := sink.OnComponent(ctx, *pending); err != nil {
			return r.sinkError(err)
		}
	}

	r.state = StateComplete
	done := model.Completion{
		EventID:          ev.ID(),
		LastRecurrenceID: checkpoint,
		Truncated:        it.Truncated(),
		Count:            it.Count(),
	}
	if err := sink.OnEventComplete(ctx, done); err != nil {
		return r.sinkError(err)
	}

	r.log.Info("ingest complete", "run", r.id, "source", r.src.ID, "uid", ev.UID,
		"count", done.Count, "truncated", done.Truncated, "took", time.Since(r.start))
	return nil
}

// sinkError ends the run. ErrStop is a clean stop.
func (r *run) sinkError(err error) error {
	if errors.Is(err, ErrStop) {
		r.log.Debug("ingest stopped by sink", "run", r.id, "state", r.state.String())
		return nil
	}
	return r.fail(err)
}
