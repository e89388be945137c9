package tz

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teambition/rrule-go"
)

const day = 24 * time.Hour

// Zone maps an absolute instant to the UTC offset in effect at that instant.
type Zone interface {
	ID() string
	OffsetAt(instant time.Time) time.Duration
}

// Observance is one STANDARD or DAYLIGHT block of a VTIMEZONE.
type Observance struct {
	Name string
	DST  bool

	// Start is the first onset as a wall clock in OffsetFrom, UTC-labelled.
	Start      time.Time
	OffsetFrom time.Duration
	OffsetTo   time.Duration

	// RRule is the raw recurrence of the onset (e.g. "FREQ=YEARLY;BYMONTH=3;BYDAY=-1SU").
	RRule string
	// RDates are additional onsets, wall clock in OffsetFrom, UTC-labelled.
	RDates []time.Time
}

// Rule is a decoded VTIMEZONE. It is immutable after NewRule apart from an
// internal onset cache.
type Rule struct {
	TZID        string
	Observances []Observance

	mu     sync.Mutex
	onsets []onsetCache
}

type onsetCache struct {
	next       rrule.Next
	pending    time.Time
	hasPending bool
	walls      []time.Time
}

// NewRule validates the observances and compiles their recurrence rules.
func NewRule(tzid string, observances []Observance) (*Rule, error) {
	if strings.TrimSpace(tzid) == "" {
		return nil, fmt.Errorf("tz: empty TZID")
	}
	if len(observances) == 0 {
		return nil, fmt.Errorf("tz: %s has no STANDARD or DAYLIGHT observance", tzid)
	}

	r := &Rule{
		TZID:        tzid,
		Observances: observances,
		onsets:      make([]onsetCache, len(observances)),
	}
	for i, o := range observances {
		if o.Start.IsZero() {
			return nil, fmt.Errorf("tz: %s observance %d has no DTSTART", tzid, i)
		}
		sort.Slice(r.Observances[i].RDates, func(a, b int) bool {
			return r.Observances[i].RDates[a].Before(r.Observances[i].RDates[b])
		})
		if o.RRule == "" {
			continue
		}
		rr, err := compileOnsetRule(o)
		if err != nil {
			return nil, fmt.Errorf("tz: %s observance %d: %w", tzid, i, err)
		}
		r.onsets[i].next = rr.Iterator()
	}
	return r, nil
}

func compileOnsetRule(o Observance) (*rrule.RRule, error) {
	opt, err := rrule.StrToROption(o.RRule)
	if err != nil {
		return nil, err
	}
	opt.Dtstart = Wall(o.Start)
	// UNTIL in a VTIMEZONE is a UTC instant; onsets are iterated as wall
	// clocks in OffsetFrom.
	if !opt.Until.IsZero() && untilIsUTC(o.RRule) {
		opt.Until = opt.Until.Add(o.OffsetFrom)
	}
	return rrule.NewRRule(*opt)
}

func untilIsUTC(raw string) bool {
	for _, part := range strings.Split(strings.ToUpper(raw), ";") {
		if v, ok := strings.CutPrefix(part, "UNTIL="); ok {
			return strings.HasSuffix(v, "Z")
		}
	}
	return false
}

func (r *Rule) ID() string { return r.TZID }

// OffsetAt returns the OffsetTo of the observance with the latest onset not
// after instant. Before the first onset the earliest observance's OffsetFrom
// applies.
func (r *Rule) OffsetAt(instant time.Time) time.Duration {
	instant = instant.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		best    time.Time
		bestOff time.Duration
		found   bool
	)
	for i := range r.Observances {
		o := &r.Observances[i]
		onset, ok := r.latestOnset(i, instant.Add(o.OffsetFrom))
		if !ok {
			continue
		}
		at := onset.Add(-o.OffsetFrom)
		if !found || at.After(best) {
			best, bestOff, found = at, o.OffsetTo, true
		}
	}
	if found {
		return bestOff
	}

	var (
		first    time.Time
		firstOff time.Duration
	)
	for i, o := range r.Observances {
		at := Wall(o.Start).Add(-o.OffsetFrom)
		if i == 0 || at.Before(first) {
			first, firstOff = at, o.OffsetFrom
		}
	}
	return firstOff
}

// latestOnset returns the latest onset wall clock of observance i that is not
// after limit. Caller holds r.mu.
func (r *Rule) latestOnset(i int, limit time.Time) (time.Time, bool) {
	o := &r.Observances[i]
	c := &r.onsets[i]

	for c.next != nil {
		if !c.hasPending {
			v, ok := c.next()
			if !ok {
				c.next = nil
				break
			}
			c.pending, c.hasPending = v, true
		}
		if c.pending.After(limit) {
			break
		}
		c.walls = append(c.walls, c.pending)
		c.hasPending = false
	}

	var (
		best  time.Time
		found bool
	)
	consider := func(t time.Time) {
		if t.After(limit) {
			return
		}
		if !found || t.After(best) {
			best, found = t, true
		}
	}

	consider(Wall(o.Start))
	if n := sort.Search(len(c.walls), func(k int) bool { return c.walls[k].After(limit) }); n > 0 {
		consider(c.walls[n-1])
	}
	if n := sort.Search(len(o.RDates), func(k int) bool { return Wall(o.RDates[k]).After(limit) }); n > 0 {
		consider(Wall(o.RDates[n-1]))
	}
	return best, found
}

// locationZone adapts a *time.Location from the Go tz database.
type locationZone struct {
	loc *time.Location
}

// LocationZone returns a Zone backed by loc.
func LocationZone(loc *time.Location) Zone {
	if loc == nil {
		loc = time.UTC
	}
	return locationZone{loc: loc}
}

func (z locationZone) ID() string { return z.loc.String() }

func (z locationZone) OffsetAt(instant time.Time) time.Duration {
	_, off := instant.In(z.loc).Zone()
	return time.Duration(off) * time.Second
}

// UTC is the zero-offset zone used for Z-suffixed values.
var UTC Zone = LocationZone(time.UTC)

// Wall returns t's wall clock fields as a UTC-labelled time. Wall clocks in
// this package are always carried that way.
func Wall(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d, hh, mm, ss, t.Nanosecond(), time.UTC)
}

// ResolveWall converts a wall clock in z into an absolute instant. Wall
// clocks that occur twice (fall back) resolve to the earlier instant; wall
// clocks skipped by a forward transition are shifted forward by the gap.
func ResolveWall(z Zone, local time.Time) time.Time {
	wall := Wall(local)
	before := z.OffsetAt(wall.Add(-day))
	after := z.OffsetAt(wall.Add(day))

	candidates := []time.Duration{before, after}
	if after > before {
		candidates[0], candidates[1] = after, before
	}
	for _, off := range candidates {
		inst := wall.Add(-off)
		if z.OffsetAt(inst) == off {
			return inst
		}
	}
	return wall.Add(-before)
}

// WallAt converts an absolute instant into the wall clock of z.
func WallAt(z Zone, instant time.Time) time.Time {
	return instant.UTC().Add(z.OffsetAt(instant))
}
