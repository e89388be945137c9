package ics

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/tz"
)

// DefaultLimit caps the occurrences produced for one event.
const DefaultLimit = 5000

const day = 24 * time.Hour

// Horizon bounds an expansion.
type Horizon struct {
	// Now is the reference time the window was derived from.
	Now time.Time
	// MinDate drops occurrences that end before it. Optional.
	MinDate time.Time
	// MaxDate stops expansion at the first occurrence starting after it.
	// Required for recurring events.
	MaxDate time.Time
	// After skips occurrences whose recurrence id is not after it. It is
	// the checkpoint of a previous expansion.
	After time.Time
	// Limit caps the number of occurrences; DefaultLimit when <= 0.
	Limit int
}

// Expander turns a classified event into concrete occurrences. It only
// reads the registry.
type Expander struct {
	reg      *tz.Registry
	floating *time.Location
}

// NewExpander returns an Expander that resolves floating and all-day values
// in floating (time.UTC when nil).
func NewExpander(reg *tz.Registry, floating *time.Location) *Expander {
	if floating == nil {
		floating = time.UTC
	}
	if reg == nil {
		reg = tz.NewRegistry()
	}
	return &Expander{reg: reg, floating: floating}
}

// zoneFor returns the zone a date value is resolved in and the label stored
// on stamps built from it.
func (x *Expander) zoneFor(d DateValue) (tz.Zone, string, error) {
	switch {
	case d.UTC:
		return tz.UTC, "UTC", nil
	case d.AllDay || d.TZID == "":
		return tz.LocationZone(x.floating), model.FloatingTZID, nil
	default:
		z, err := x.reg.Zone(d.TZID)
		if err != nil {
			return nil, "", err
		}
		return z, d.TZID, nil
	}
}

func (x *Expander) instant(d DateValue) (time.Time, tz.Zone, string, error) {
	z, label, err := x.zoneFor(d)
	if err != nil {
		return time.Time{}, nil, "", err
	}
	return tz.ResolveWall(z, d.Wall), z, label, nil
}

func stamp(z tz.Zone, label string, at time.Time, allDay bool) model.Stamp {
	return model.Stamp{
		UTC:    at.UTC(),
		TZID:   label,
		Offset: int(z.OffsetAt(at) / time.Second),
		AllDay: allDay,
	}
}

// Event describes the primary event itself. SourceID is left to the caller.
// Exceptions whose RECURRENCE-ID cannot be resolved are counted but left out
// of the summary; expansion reports them.
func (x *Expander) Event(p *PrimaryEvent, exceptions []ExceptionEvent) (model.Event, error) {
	start, sz, sl, err := x.instant(p.Start)
	if err != nil {
		return model.Event{}, err
	}
	end, ez, el, err := x.instant(p.End)
	if err != nil {
		return model.Event{}, err
	}
	return model.Event{
		UID:            p.UID,
		Sequence:       p.Sequence,
		Summary:        p.Summary,
		Description:    p.Description,
		Location:       p.Location,
		Status:         p.Status,
		Start:          stamp(sz, sl, start, p.Start.AllDay),
		End:            stamp(ez, el, end, p.End.AllDay),
		IsRecurring:    p.Recurring(),
		RRule:          p.RRule,
		ExceptionCount: len(exceptions),
		Exceptions:     x.exceptionRefs(exceptions),
	}, nil
}

func (x *Expander) exceptionRefs(exceptions []ExceptionEvent) []model.ExceptionRef {
	var refs []model.ExceptionRef
	for _, ex := range exceptions {
		rid, z, label, err := x.instant(ex.RecurrenceID)
		if err != nil {
			continue
		}
		refs = append(refs, model.ExceptionRef{
			RecurrenceID: stamp(z, label, rid, ex.RecurrenceID.AllDay),
			Sequence:     ex.Sequence,
			Summary:      ex.Summary,
			Status:       ex.Status,
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].RecurrenceID.UTC.Before(refs[j].RecurrenceID.UTC)
	})
	return refs
}

type exceptionEntry struct {
	ev      ExceptionEvent
	rid     time.Time
	matched bool
}

// Iterator yields occurrences lazily in recurrence-id order. It starts no
// goroutines; a consumer may simply stop calling Next.
type Iterator struct {
	x   *Expander
	ev  *PrimaryEvent
	h   Horizon
	err error

	started   bool
	done      bool
	recurring bool

	zone   tz.Zone
	label  string
	allDay bool
	// length is the absolute duration of timed events; days is used for
	// all-day events so that they stay whole days in the floating zone.
	length time.Duration
	days   int

	next      func() (time.Time, bool)
	rdates    map[int64]struct{}
	until     time.Time
	exhausted bool

	held     bool
	heldWall time.Time
	heldAt   time.Time

	input     []ExceptionEvent
	overrides map[int64]*exceptionEntry
	pending   []*exceptionEntry

	cur       model.Occurrence
	last      time.Time
	hasLast   bool
	count     int
	truncated bool
}

// Expand prepares an iterator over primary's occurrences. Problems with the
// input surface through Err after the first Next.
func (x *Expander) Expand(primary *PrimaryEvent, exceptions []ExceptionEvent, h Horizon) *Iterator {
	if h.Limit <= 0 {
		h.Limit = DefaultLimit
	}
	it := &Iterator{x: x, ev: primary, h: h}
	if primary == nil {
		it.err = ErrNoPrimaryEvent
		it.done = true
		return it
	}
	it.recurring = primary.Recurring()
	it.input = exceptions
	return it
}

// Next advances to the next occurrence.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		if err := it.init(); err != nil {
			it.fail(err)
			return false
		}
	}

	occ, ok, err := it.step()
	if err != nil {
		it.fail(err)
		return false
	}
	if !ok {
		it.finish()
		return false
	}
	if it.count >= it.h.Limit {
		it.truncated = true
		appLog.Info("ics expansion truncated", "uid", it.ev.UID, "limit", it.h.Limit)
		it.finish()
		return false
	}

	it.cur = occ
	it.count++
	it.last = occ.RecurrenceID.UTC
	it.hasLast = true
	return true
}

// Occurrence returns the current occurrence.
func (it *Iterator) Occurrence() model.Occurrence { return it.cur }

func (it *Iterator) Err() error { return it.err }

// Last returns the recurrence id of the last yielded occurrence.
func (it *Iterator) Last() (time.Time, bool) { return it.last, it.hasLast }

// Truncated reports whether the occurrence cap ended the expansion.
func (it *Iterator) Truncated() bool { return it.truncated }

// Recurring reports whether the primary event has RRULE or RDATE.
func (it *Iterator) Recurring() bool { return it.recurring }

// Count is the number of occurrences yielded so far.
func (it *Iterator) Count() int { return it.count }

// Close releases the generator state. The iterator yields nothing after.
func (it *Iterator) Close() { it.finish() }

// All adapts the iterator to a range-over-func sequence. Breaking out of the
// loop stops expansion.
func (it *Iterator) All() iter.Seq[model.Occurrence] {
	return func(yield func(model.Occurrence) bool) {
		for it.Next() {
			if !yield(it.cur) {
				return
			}
		}
	}
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.finish()
}

func (it *Iterator) finish() {
	it.done = true
	it.next = nil
	it.pending = nil
	it.overrides = nil
	it.input = nil
}

func (it *Iterator) init() error {
	p := it.ev

	zone, label, err := it.x.zoneFor(p.Start)
	if err != nil {
		return err
	}
	it.zone, it.label, it.allDay = zone, label, p.Start.AllDay

	startAt := tz.ResolveWall(zone, p.Start.Wall)
	if it.allDay {
		it.days = int(tz.Wall(p.End.Wall).Sub(tz.Wall(p.Start.Wall)).Round(day) / day)
		if it.days < 0 {
			it.days = 0
		}
	} else {
		endAt, _, _, err := it.x.instant(p.End)
		if err != nil {
			return err
		}
		it.length = max(endAt.Sub(startAt), 0)
	}

	if err := it.indexExceptions(); err != nil {
		return err
	}

	if !it.recurring {
		return nil
	}
	if it.h.MaxDate.IsZero() {
		return ErrHorizonRequired
	}
	return it.buildSet()
}

// indexExceptions resolves every RECURRENCE-ID once. Of two exceptions for
// the same instance the higher SEQUENCE wins, then the later one.
func (it *Iterator) indexExceptions() error {
	it.overrides = make(map[int64]*exceptionEntry, len(it.input))
	for _, ex := range it.input {
		rid, _, _, err := it.x.instant(ex.RecurrenceID)
		if err != nil {
			return err
		}
		key := rid.UnixNano()
		if prev, ok := it.overrides[key]; ok {
			if ex.Sequence >= prev.ev.Sequence {
				prev.ev = ex
			}
			continue
		}
		e := &exceptionEntry{ev: ex, rid: rid}
		it.overrides[key] = e
		it.pending = append(it.pending, e)
	}
	sort.SliceStable(it.pending, func(i, j int) bool {
		return it.pending[i].rid.Before(it.pending[j].rid)
	})
	return nil
}

// buildSet prepares the candidate generator. Candidates are wall clocks in
// the event's zone; RRULE, RDATE and EXDATE are combined by rrule.Set.
func (it *Iterator) buildSet() error {
	p := it.ev
	startWall := tz.Wall(p.Start.Wall)

	var set rrule.Set
	if p.RRule != "" {
		opt, err := rrule.StrToROption(p.RRule)
		if err != nil {
			return malformed(0, fmt.Sprintf("VEVENT %s RRULE %q", p.UID, p.RRule), err)
		}
		opt.Dtstart = startWall
		if !opt.Until.IsZero() {
			until, err := it.untilInstant(p.RRule)
			if err != nil {
				return malformed(0, fmt.Sprintf("VEVENT %s RRULE UNTIL", p.UID), err)
			}
			it.until = until
			// The generator only needs to run a little past UNTIL; the exact
			// cut happens on resolved instants.
			opt.Until = tz.WallAt(it.zone, until).Add(day)
		}
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return malformed(0, fmt.Sprintf("VEVENT %s RRULE %q", p.UID, p.RRule), err)
		}
		// DTSTART is always the first instance and counts against COUNT,
		// even when the rule itself would not produce it.
		if opt.Count > 0 {
			if first, ok := r.Iterator()(); !ok || !first.Equal(startWall) {
				opt.Count--
				r = nil
				if opt.Count > 0 {
					if r, err = rrule.NewRRule(*opt); err != nil {
						return malformed(0, fmt.Sprintf("VEVENT %s RRULE %q", p.UID, p.RRule), err)
					}
				}
			}
		}
		if r != nil {
			set.RRule(r)
		}
	}

	it.rdates = map[int64]struct{}{startWall.Unix(): {}}
	set.RDate(startWall)
	for _, d := range p.RDates {
		w, err := it.eventWall(d)
		if err != nil {
			return err
		}
		it.rdates[w.Unix()] = struct{}{}
		set.RDate(w)
	}
	for _, d := range p.ExDates {
		w, err := it.eventWall(d)
		if err != nil {
			return err
		}
		set.ExDate(w)
	}

	it.next = set.Iterator()
	return nil
}

// eventWall expresses an RDATE/EXDATE value as a wall clock of the event's
// zone. Values without TZID are taken as written.
func (it *Iterator) eventWall(d DateValue) (time.Time, error) {
	switch {
	case d.AllDay && it.allDay:
		return tz.Wall(d.Wall), nil
	case d.AllDay:
		s := it.ev.Start.Wall
		return time.Date(d.Wall.Year(), d.Wall.Month(), d.Wall.Day(), s.Hour(), s.Minute(), s.Second(), 0, time.UTC), nil
	case d.Floating():
		w := tz.Wall(d.Wall)
		if it.allDay {
			w = time.Date(w.Year(), w.Month(), w.Day(), 0, 0, 0, 0, time.UTC)
		}
		return w, nil
	}

	at, _, _, err := it.x.instant(d)
	if err != nil {
		return time.Time{}, err
	}
	w := tz.WallAt(it.zone, at)
	if it.allDay {
		w = time.Date(w.Year(), w.Month(), w.Day(), 0, 0, 0, 0, time.UTC)
	}
	return w, nil
}

// untilInstant resolves the UNTIL part of rule. A DATE until on a timed event
// includes the whole day.
func (it *Iterator) untilInstant(rule string) (time.Time, error) {
	var raw string
	for _, part := range strings.Split(rule, ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "UNTIL="); ok {
			raw = v
		}
	}
	if raw == "" {
		return time.Time{}, errors.New("missing UNTIL value")
	}

	d, err := parseDate(raw, "", false)
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case d.UTC:
		return d.Wall, nil
	case d.AllDay && !it.allDay:
		return tz.ResolveWall(it.zone, d.Wall.Add(day-time.Second)), nil
	default:
		return tz.ResolveWall(it.zone, d.Wall), nil
	}
}

func (it *Iterator) isRDate(wall time.Time) bool {
	_, ok := it.rdates[wall.Unix()]
	return ok
}

// skip reports whether a recurrence id lies at or before the resume point.
func (it *Iterator) skip(rid time.Time) bool {
	return !it.h.After.IsZero() && !rid.After(it.h.After)
}

func (it *Iterator) beforeWindow(occ model.Occurrence) bool {
	return !it.h.MinDate.IsZero() && occ.End.UTC.Before(it.h.MinDate)
}

// step produces the next occurrence that passes the horizon.
func (it *Iterator) step() (model.Occurrence, bool, error) {
	if !it.recurring {
		return it.single()
	}

	for {
		if !it.held && !it.exhausted {
			wall, ok := it.next()
			if !ok {
				it.exhausted = true
			} else {
				at := tz.ResolveWall(it.zone, wall)
				if !it.until.IsZero() && at.After(it.until) && !it.isRDate(wall) {
					continue
				}
				if at.After(it.h.MaxDate) {
					it.exhausted = true
				} else {
					it.held, it.heldWall, it.heldAt = true, wall, at
				}
			}
		}

		// Exceptions that sort before the next candidate and were never
		// matched are inserted on their own.
		if len(it.pending) > 0 {
			e := it.pending[0]
			if e.matched {
				it.pending = it.pending[1:]
				continue
			}
			if !it.held || e.rid.Before(it.heldAt) {
				it.pending = it.pending[1:]
				occ, ok, err := it.detached(e)
				if err != nil || ok {
					return occ, ok, err
				}
				continue
			}
		}

		if !it.held {
			return model.Occurrence{}, false, nil
		}
		it.held = false

		if it.skip(it.heldAt) {
			if e := it.overrides[it.heldAt.UnixNano()]; e != nil {
				e.matched = true
			}
			continue
		}
		occ, err := it.occurrence(it.heldWall, it.heldAt)
		if err != nil {
			return model.Occurrence{}, false, err
		}
		if it.beforeWindow(occ) {
			continue
		}
		return occ, true, nil
	}
}

// single yields the only occurrence of a non-recurring event regardless of
// the horizon.
func (it *Iterator) single() (model.Occurrence, bool, error) {
	if it.exhausted {
		return model.Occurrence{}, false, nil
	}
	it.exhausted = true

	wall := tz.Wall(it.ev.Start.Wall)
	occ, err := it.occurrence(wall, tz.ResolveWall(it.zone, wall))
	if err != nil {
		return model.Occurrence{}, false, err
	}
	for _, e := range it.pending {
		if !e.matched {
			appLog.Warn("ics exception ignored", "uid", it.ev.UID,
				"error", &UnmatchedExceptionError{UID: it.ev.UID, RecurrenceID: e.rid})
		}
	}
	return occ, true, nil
}

// occurrence builds the instance generated at wall/at, applying a matching
// exception.
func (it *Iterator) occurrence(wall, at time.Time) (model.Occurrence, error) {
	if e := it.overrides[at.UnixNano()]; e != nil {
		e.matched = true
		return it.override(e)
	}

	var endAt time.Time
	if it.allDay {
		endAt = tz.ResolveWall(it.zone, wall.AddDate(0, 0, it.days))
	} else {
		endAt = at.Add(it.length)
	}

	start := stamp(it.zone, it.label, at, it.allDay)
	return model.Occurrence{
		UID:          it.ev.UID,
		InstanceKey:  instanceKey(at),
		RecurrenceID: start,
		Start:        start,
		End:          stamp(it.zone, it.label, endAt, it.allDay),
		Summary:      it.ev.Summary,
		Description:  it.ev.Description,
		Location:     it.ev.Location,
		AllDay:       it.allDay,
	}, nil
}

// override builds the occurrence carried by an exception. Its own DTSTART
// and DTEND are resolved here, so an unknown TZID fails mid-stream.
func (it *Iterator) override(e *exceptionEntry) (model.Occurrence, error) {
	ex := e.ev
	startAt, sz, sl, err := it.x.instant(ex.Start)
	if err != nil {
		return model.Occurrence{}, err
	}
	endAt, ez, el, err := it.x.instant(ex.End)
	if err != nil {
		return model.Occurrence{}, err
	}
	if endAt.Before(startAt) {
		endAt = startAt
	}

	return model.Occurrence{
		UID:          it.ev.UID,
		InstanceKey:  instanceKey(e.rid),
		RecurrenceID: stamp(it.zone, it.label, e.rid, it.allDay),
		Start:        stamp(sz, sl, startAt, ex.Start.AllDay),
		End:          stamp(ez, el, endAt, ex.End.AllDay),
		Summary:      ex.Summary,
		Description:  ex.Description,
		Location:     ex.Location,
		AllDay:       ex.Start.AllDay,
		Overridden:   true,
	}, nil
}

// detached turns an unmatched exception into an insertion, subject to the
// same bounds as generated instances.
func (it *Iterator) detached(e *exceptionEntry) (model.Occurrence, bool, error) {
	if it.skip(e.rid) || e.rid.After(it.h.MaxDate) {
		return model.Occurrence{}, false, nil
	}
	appLog.Warn("ics exception inserted as detached occurrence", "uid", it.ev.UID,
		"error", &UnmatchedExceptionError{UID: it.ev.UID, RecurrenceID: e.rid})

	occ, err := it.override(e)
	if err != nil {
		return model.Occurrence{}, false, err
	}
	occ.Detached = true
	if it.beforeWindow(occ) {
		return model.Occurrence{}, false, nil
	}
	return occ, true, nil
}

func instanceKey(rid time.Time) string {
	return rid.UTC().Format(layoutUTC)
}
