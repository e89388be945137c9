package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	layoutUTC      = "20060102T150405Z"
	layoutFloating = "20060102T150405"
	layoutDate     = "20060102"
)

// DateValue is a DATE or DATE-TIME exactly as written. Wall is the written
// wall clock, UTC-labelled; no timezone lookup has happened yet.
type DateValue struct {
	Wall   time.Time
	TZID   string
	UTC    bool
	AllDay bool
}

func (d DateValue) IsZero() bool { return d.Wall.IsZero() }

// Floating reports a DATE-TIME with neither TZID nor Z suffix.
func (d DateValue) Floating() bool {
	return !d.UTC && d.TZID == "" && !d.AllDay
}

func (d DateValue) String() string {
	switch {
	case d.AllDay:
		return d.Wall.Format(layoutDate)
	case d.UTC:
		return d.Wall.Format(layoutUTC)
	case d.TZID != "":
		return "TZID=" + d.TZID + ":" + d.Wall.Format(layoutFloating)
	default:
		return d.Wall.Format(layoutFloating)
	}
}

// dateValue decodes a single-valued DATE/DATE-TIME property.
func dateValue(p Property) (DateValue, error) {
	return parseDate(strings.TrimSpace(p.Value), p.Param("TZID"), strings.EqualFold(p.Param("VALUE"), "DATE"))
}

// dateList decodes a comma separated EXDATE/RDATE property. PERIOD values
// contribute their start.
func dateList(p Property) ([]DateValue, error) {
	tzid := p.Param("TZID")
	isDate := strings.EqualFold(p.Param("VALUE"), "DATE")

	var out []DateValue
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '/'); i >= 0 {
			part = part[:i]
		}
		d, err := parseDate(part, tzid, isDate)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDate(raw, tzid string, isDate bool) (DateValue, error) {
	if raw == "" {
		return DateValue{}, fmt.Errorf("empty date value")
	}

	switch {
	case isDate || len(raw) == len(layoutDate):
		if len(raw) != len(layoutDate) {
			return DateValue{}, fmt.Errorf("bad DATE %q: want YYYYMMDD", raw)
		}
		t, err := time.Parse(layoutDate, raw)
		if err != nil {
			return DateValue{}, fmt.Errorf("bad DATE %q: %w", raw, err)
		}
		return DateValue{Wall: t, AllDay: true}, nil

	case strings.HasSuffix(raw, "Z") || strings.HasSuffix(raw, "z"):
		t, err := time.Parse(layoutUTC, strings.ToUpper(raw))
		if err != nil {
			return DateValue{}, fmt.Errorf("bad DATE-TIME %q: %w", raw, err)
		}
		return DateValue{Wall: t, UTC: true}, nil

	default:
		t, err := time.Parse(layoutFloating, raw)
		if err != nil {
			return DateValue{}, fmt.Errorf("bad DATE-TIME %q: %w", raw, err)
		}
		return DateValue{Wall: t, TZID: strings.TrimSpace(tzid)}, nil
	}
}

// parseDuration decodes an RFC 5545 dur-value such as "PT1H30M", "P1D" or
// "-P2W". Days and weeks are 24h multiples, applied to wall clocks.
func parseDuration(raw string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("bad duration %q", raw)
	}
	s = s[1:]

	var (
		total  time.Duration
		inTime bool
		num    strings.Builder
		units  int
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num.WriteRune(r)
			continue
		case r == 'T':
			if inTime || num.Len() > 0 {
				return 0, fmt.Errorf("bad duration %q", raw)
			}
			inTime = true
			continue
		}

		if num.Len() == 0 {
			return 0, fmt.Errorf("bad duration %q", raw)
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return 0, fmt.Errorf("bad duration %q: %w", raw, err)
		}
		num.Reset()
		units++

		v := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += v * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += v * 24 * time.Hour
		case r == 'H' && inTime:
			total += v * time.Hour
		case r == 'M' && inTime:
			total += v * time.Minute
		case r == 'S' && inTime:
			total += v * time.Second
		default:
			return 0, fmt.Errorf("bad duration %q", raw)
		}
	}
	if num.Len() > 0 || units == 0 {
		return 0, fmt.Errorf("bad duration %q", raw)
	}
	return sign * total, nil
}

// parseUTCOffset decodes a TZOFFSETFROM/TZOFFSETTO value ("+0100", "-023000").
func parseUTCOffset(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if len(s) != 5 && len(s) != 7 {
		return 0, fmt.Errorf("bad UTC offset %q", raw)
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
	case '+':
	default:
		return 0, fmt.Errorf("bad UTC offset %q", raw)
	}

	parts := []string{s[1:3], s[3:5]}
	if len(s) == 7 {
		parts = append(parts, s[5:7])
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}

	var total time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 59 {
			return 0, fmt.Errorf("bad UTC offset %q", raw)
		}
		total += time.Duration(n) * units[i]
	}
	return sign * total, nil
}
