package ics

import (
	"errors"
	"testing"
	"time"

	"calfeed/internal/tz"
)

func classify(t *testing.T, doc []byte, reg *tz.Registry) (*Classified, error) {
	t.Helper()
	root, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return Classify(root, reg)
}

func TestClassifyFirstPrimaryWins(t *testing.T) {
	doc := calendar(
		vevent("UID:first", "SUMMARY:First", "DTSTART:20240101T090000Z"),
		vevent("UID:second", "SUMMARY:Second", "DTSTART:20240102T090000Z"),
		vevent("UID:first", "RECURRENCE-ID:20240108T090000Z", "DTSTART:20240108T100000Z"),
		vevent("UID:other", "RECURRENCE-ID:20240108T090000Z", "DTSTART:20240108T100000Z"),
		"BEGIN:VTODO\nUID:todo\nEND:VTODO",
	)

	c, err := classify(t, doc, tz.NewRegistry())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if c.Primary.UID != "first" || c.Primary.Summary != "First" {
		t.Fatalf("primary = %+v", c.Primary)
	}
	if c.Ignored != 1 {
		t.Fatalf("Ignored = %d, want 1", c.Ignored)
	}
	if len(c.Exceptions) != 1 || c.Exceptions[0].UID != "first" {
		t.Fatalf("exceptions = %+v", c.Exceptions)
	}
}

func TestClassifyNoPrimary(t *testing.T) {
	doc := calendar(vevent("UID:x", "RECURRENCE-ID:20240108T090000Z", "DTSTART:20240108T100000Z"))
	_, err := classify(t, doc, tz.NewRegistry())
	if !errors.Is(err, ErrNoPrimaryEvent) {
		t.Fatalf("want ErrNoPrimaryEvent, got %v", err)
	}
}

func TestClassifyMalformedEvent(t *testing.T) {
	cases := map[string][]byte{
		"missing uid":     calendar(vevent("DTSTART:20240101T090000Z")),
		"missing dtstart": calendar(vevent("UID:x")),
		"bad duration":    calendar(vevent("UID:x", "DTSTART:20240101T090000Z", "DURATION:soon")),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := classify(t, doc, tz.NewRegistry())
			if !errors.Is(err, ErrMalformedDocument) {
				t.Fatalf("want ErrMalformedDocument, got %v", err)
			}
		})
	}
}

func TestClassifyEventFields(t *testing.T) {
	doc := calendar(vevent(
		"UID:fields",
		"SEQUENCE:3",
		"STATUS:confirmed",
		"DTSTART;TZID=Europe/Berlin:20240101T090000",
		"DURATION:PT90M",
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"EXDATE;TZID=Europe/Berlin:20240108T090000,20240115T090000",
		"RDATE:20240201T090000Z",
	))
	c, err := classify(t, doc, tz.NewRegistry())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	p := c.Primary
	if p.Sequence != 3 || p.Status != "CONFIRMED" || !p.Recurring() {
		t.Fatalf("unexpected primary: %+v", p)
	}
	if p.Start.TZID != "Europe/Berlin" || p.End.TZID != "Europe/Berlin" {
		t.Fatalf("zone not carried to computed end: %+v", p.End)
	}
	if got := p.End.Wall.Sub(p.Start.Wall); got != 90*time.Minute {
		t.Fatalf("duration = %s", got)
	}
	if len(p.ExDates) != 2 || len(p.RDates) != 1 {
		t.Fatalf("exdates %d rdates %d", len(p.ExDates), len(p.RDates))
	}
}

func TestClassifyAllDayDefaultEnd(t *testing.T) {
	doc := calendar(vevent("UID:day", "DTSTART;VALUE=DATE:20240301"))
	c, err := classify(t, doc, tz.NewRegistry())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !c.Primary.Start.AllDay || !c.Primary.End.Wall.Equal(utc(2024, 3, 2, 0, 0)) {
		t.Fatalf("all-day end = %+v", c.Primary.End)
	}
}

func TestClassifyRegistersTimezones(t *testing.T) {
	reg := tz.NewRegistry()
	doc := calendar(berlinTZ, vevent("UID:tz", "DTSTART;TZID=Europe/Berlin:20240101T090000"))

	c, err := classify(t, doc, reg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(c.Timezones) != 1 || !reg.Has("Europe/Berlin") {
		t.Fatalf("timezone not registered: %v", reg.IDs())
	}

	got, err := reg.Resolve("Europe/Berlin", utc(2024, 7, 1, 12, 0))
	if err != nil || !got.Equal(utc(2024, 7, 1, 10, 0)) {
		t.Fatalf("Resolve = %s, %v", got, err)
	}

	// A second document with the same TZID leaves the registry untouched.
	if _, err := classify(t, doc, reg); err != nil {
		t.Fatalf("second Classify: %v", err)
	}
	if ids := reg.IDs(); len(ids) != 1 {
		t.Fatalf("IDs = %v", ids)
	}
}
