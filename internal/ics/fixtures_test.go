package ics

import (
	"strings"
	"testing"
	"time"

	"calfeed/internal/model"
	"calfeed/internal/tz"
)

const berlinTZ = `BEGIN:VTIMEZONE
TZID:Europe/Berlin
BEGIN:DAYLIGHT
TZOFFSETFROM:+0100
TZOFFSETTO:+0200
TZNAME:CEST
DTSTART:19700329T020000
RRULE:FREQ=YEARLY;BYMONTH=3;BYDAY=-1SU
END:DAYLIGHT
BEGIN:STANDARD
TZOFFSETFROM:+0200
TZOFFSETTO:+0100
TZNAME:CET
DTSTART:19701025T030000
RRULE:FREQ=YEARLY;BYMONTH=10;BYDAY=-1SU
END:STANDARD
END:VTIMEZONE`

// calendar wraps body in a VCALENDAR and converts it to CRLF line endings.
func calendar(body ...string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//calfeed//test//EN"}
	for _, b := range body {
		lines = append(lines, strings.Split(strings.TrimSpace(b), "\n")...)
	}
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func vevent(lines ...string) string {
	return "BEGIN:VEVENT\n" + strings.Join(lines, "\n") + "\nEND:VEVENT"
}

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func defaultHorizon() Horizon {
	return Horizon{Now: utc(2024, 1, 1, 0, 0), MaxDate: utc(2025, 1, 1, 0, 0)}
}

// expandDoc runs the whole parse/classify/expand chain and returns every
// occurrence plus the drained iterator.
func expandDoc(t *testing.T, doc []byte, floating *time.Location, h Horizon) ([]model.Occurrence, *Iterator) {
	t.Helper()

	root, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg := tz.NewRegistry()
	c, err := Classify(root, reg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	it := NewExpander(reg, floating).Expand(c.Primary, c.Exceptions, h)
	var out []model.Occurrence
	for it.Next() {
		out = append(out, it.Occurrence())
	}
	return out, it
}
