package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	appLog "calfeed/internal/log"
	"calfeed/internal/tz"
)

// VEvent is a decoded VEVENT. Date values are kept as written; the expander
// resolves them.
type VEvent struct {
	UID         string
	Sequence    int
	Summary     string
	Description string
	Location    string
	Status      string

	Start DateValue
	// End is DTEND, or DTSTART plus DURATION, or the all-day/zero default.
	End DateValue

	RRule        string
	RDates       []DateValue
	ExDates      []DateValue
	RecurrenceID DateValue
}

// Recurring reports whether the event generates more than its own start.
func (e *VEvent) Recurring() bool {
	return e.RRule != "" || len(e.RDates) > 0
}

// PrimaryEvent is the VEVENT without RECURRENCE-ID that defines the series.
type PrimaryEvent struct {
	VEvent
}

// ExceptionEvent overrides one generated instance of the primary event.
type ExceptionEvent struct {
	VEvent
}

type Classified struct {
	Primary    *PrimaryEvent
	Exceptions []ExceptionEvent
	Timezones  []*tz.Rule
	// Ignored counts additional primary VEVENTs that were dropped.
	Ignored int
}

// Classify walks the root's children in document order. VTIMEZONEs are
// registered as they are met, the first VEVENT without RECURRENCE-ID becomes
// the primary and VEVENTs with RECURRENCE-ID become exceptions.
func Classify(root *RawComponent, reg *tz.Registry) (*Classified, error) {
	if root == nil {
		return nil, malformed(0, "nil document", nil)
	}

	out := &Classified{}
	var exceptions []ExceptionEvent

	for _, c := range root.Children {
		switch c.Name {
		case "vtimezone":
			rule, err := decodeTimezone(c)
			if err != nil {
				appLog.Error("ics vtimezone skipped", err, "tzid", c.Value("TZID"))
				continue
			}
			if reg != nil && !reg.Register(rule) {
				appLog.Debug("ics vtimezone already registered", "tzid", rule.TZID)
			}
			out.Timezones = append(out.Timezones, rule)

		case "vevent":
			if _, isException := c.Prop("RECURRENCE-ID"); isException {
				ev, err := decodeEvent(c)
				if err != nil {
					return nil, err
				}
				exceptions = append(exceptions, ExceptionEvent{VEvent: ev})
				continue
			}
			if out.Primary != nil {
				out.Ignored++
				appLog.Info("ics additional primary vevent ignored", "uid", c.Value("UID"), "primary", out.Primary.UID)
				continue
			}
			ev, err := decodeEvent(c)
			if err != nil {
				return nil, err
			}
			out.Primary = &PrimaryEvent{VEvent: ev}
		}
	}

	if out.Primary == nil {
		return nil, ErrNoPrimaryEvent
	}

	for _, ex := range exceptions {
		if ex.UID != out.Primary.UID {
			appLog.Info("ics exception for other uid ignored", "uid", ex.UID, "primary", out.Primary.UID)
			continue
		}
		out.Exceptions = append(out.Exceptions, ex)
	}
	return out, nil
}

func decodeEvent(c *RawComponent) (VEvent, error) {
	ev := VEvent{
		UID:         c.Value("UID"),
		Summary:     c.Value("SUMMARY"),
		Description: c.Value("DESCRIPTION"),
		Location:    c.Value("LOCATION"),
		Status:      strings.ToUpper(c.Value("STATUS")),
		RRule:       strings.ToUpper(c.Value("RRULE")),
	}
	if ev.UID == "" {
		return ev, malformed(0, "VEVENT without UID", nil)
	}
	if s := c.Value("SEQUENCE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			ev.Sequence = n
		}
	}

	startProp, ok := c.Prop("DTSTART")
	if !ok {
		return ev, malformed(0, fmt.Sprintf("VEVENT %s without DTSTART", ev.UID), nil)
	}
	start, err := dateValue(startProp)
	if err != nil {
		return ev, malformed(0, fmt.Sprintf("VEVENT %s DTSTART", ev.UID), err)
	}
	ev.Start = start

	switch {
	case hasProp(c, "DTEND"):
		p, _ := c.Prop("DTEND")
		end, err := dateValue(p)
		if err != nil {
			return ev, malformed(0, fmt.Sprintf("VEVENT %s DTEND", ev.UID), err)
		}
		ev.End = end
	case hasProp(c, "DURATION"):
		d, err := parseDuration(c.Value("DURATION"))
		if err != nil {
			return ev, malformed(0, fmt.Sprintf("VEVENT %s DURATION", ev.UID), err)
		}
		ev.End = start
		ev.End.Wall = start.Wall.Add(d)
	default:
		ev.End = start
		if start.AllDay {
			ev.End.Wall = start.Wall.AddDate(0, 0, 1)
		}
	}

	for _, p := range c.Props("RDATE") {
		ds, err := dateList(p)
		if err != nil {
			return ev, malformed(0, fmt.Sprintf("VEVENT %s RDATE", ev.UID), err)
		}
		ev.RDates = append(ev.RDates, ds...)
	}
	for _, p := range c.Props("EXDATE") {
		ds, err := dateList(p)
		if err != nil {
			return ev, malformed(0, fmt.Sprintf("VEVENT %s EXDATE", ev.UID), err)
		}
		ev.ExDates = append(ev.ExDates, ds...)
	}

	if p, ok := c.Prop("RECURRENCE-ID"); ok {
		rid, err := dateValue(p)
		if err != nil {
			return ev, malformed(0, fmt.Sprintf("VEVENT %s RECURRENCE-ID", ev.UID), err)
		}
		ev.RecurrenceID = rid
	}
	return ev, nil
}

func hasProp(c *RawComponent, name string) bool {
	_, ok := c.Prop(name)
	return ok
}

// decodeTimezone turns a VTIMEZONE into a registry rule.
func decodeTimezone(c *RawComponent) (*tz.Rule, error) {
	tzid := c.Value("TZID")

	var observances []tz.Observance
	for _, ch := range c.Children {
		var dst bool
		switch ch.Name {
		case "standard":
		case "daylight":
			dst = true
		default:
			continue
		}

		p, ok := ch.Prop("DTSTART")
		if !ok {
			return nil, fmt.Errorf("%s %s without DTSTART", tzid, ch.Name)
		}
		start, err := dateValue(p)
		if err != nil {
			return nil, fmt.Errorf("%s %s DTSTART: %w", tzid, ch.Name, err)
		}
		from, err := parseUTCOffset(ch.Value("TZOFFSETFROM"))
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", tzid, ch.Name, err)
		}
		to, err := parseUTCOffset(ch.Value("TZOFFSETTO"))
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", tzid, ch.Name, err)
		}

		o := tz.Observance{
			Name:       ch.Value("TZNAME"),
			DST:        dst,
			Start:      onsetWall(start, from),
			OffsetFrom: from,
			OffsetTo:   to,
			RRule:      strings.ToUpper(ch.Value("RRULE")),
		}
		for _, rp := range ch.Props("RDATE") {
			ds, err := dateList(rp)
			if err != nil {
				return nil, fmt.Errorf("%s %s RDATE: %w", tzid, ch.Name, err)
			}
			for _, d := range ds {
				o.RDates = append(o.RDates, onsetWall(d, from))
			}
		}
		observances = append(observances, o)
	}
	return tz.NewRule(tzid, observances)
}

// onsetWall returns an observance onset as a wall clock in OffsetFrom.
// Onsets are normally written as local times; a UTC value is shifted.
func onsetWall(d DateValue, from time.Duration) time.Time {
	if d.UTC {
		return d.Wall.Add(from)
	}
	return d.Wall
}
