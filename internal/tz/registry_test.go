package tz

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "time/tzdata"
)

func berlin(t *testing.T) *Rule {
	t.Helper()
	r, err := NewRule("Europe/Berlin", []Observance{
		{
			Name:       "CEST",
			DST:        true,
			Start:      time.Date(1970, 3, 29, 2, 0, 0, 0, time.UTC),
			OffsetFrom: time.Hour,
			OffsetTo:   2 * time.Hour,
			RRule:      "FREQ=YEARLY;BYMONTH=3;BYDAY=-1SU",
		},
		{
			Name:       "CET",
			Start:      time.Date(1970, 10, 25, 3, 0, 0, 0, time.UTC),
			OffsetFrom: 2 * time.Hour,
			OffsetTo:   time.Hour,
			RRule:      "FREQ=YEARLY;BYMONTH=10;BYDAY=-1SU",
		},
	})
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	return r
}

func wall(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestResolveAcrossTransitions(t *testing.T) {
	reg := NewRegistry()
	if !reg.Register(berlin(t)) {
		t.Fatalf("first registration rejected")
	}

	cases := []struct {
		name  string
		local time.Time
		want  time.Time
	}{
		{"winter", wall(2024, 1, 15, 12, 0), wall(2024, 1, 15, 11, 0)},
		{"summer", wall(2024, 7, 1, 12, 0), wall(2024, 7, 1, 10, 0)},
		// 02:30 does not exist on 2024-03-31; shifted forward to 03:30 CEST.
		{"gap", wall(2024, 3, 31, 2, 30), wall(2024, 3, 31, 1, 30)},
		// 02:30 occurs twice on 2024-10-27; the CEST reading is earlier.
		{"overlap", wall(2024, 10, 27, 2, 30), wall(2024, 10, 27, 0, 30)},
		{"before first onset", wall(1960, 6, 1, 12, 0), wall(1960, 6, 1, 11, 0)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := reg.Resolve("Europe/Berlin", c.local)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !got.Equal(c.want) {
				t.Fatalf("Resolve(%s) = %s, want %s", c.local, got, c.want)
			}
		})
	}
}

func TestWallClock(t *testing.T) {
	reg := NewRegistry()
	reg.Register(berlin(t))

	got, err := reg.WallClock("Europe/Berlin", wall(2024, 7, 1, 10, 0))
	if err != nil {
		t.Fatalf("WallClock: %v", err)
	}
	if want := wall(2024, 7, 1, 12, 0); !got.Equal(want) {
		t.Fatalf("WallClock = %s, want %s", got, want)
	}
}

func TestDoubleRegistrationIsNoop(t *testing.T) {
	reg := NewRegistry()
	reg.Register(berlin(t))

	before, _ := reg.Resolve("Europe/Berlin", wall(2024, 7, 1, 12, 0))

	bogus, err := NewRule("Europe/Berlin", []Observance{{
		Start:      wall(1970, 1, 1, 0, 0),
		OffsetFrom: 5 * time.Hour,
		OffsetTo:   5 * time.Hour,
	}})
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	if reg.Register(bogus) {
		t.Fatalf("second registration of the same TZID reported success")
	}

	after, _ := reg.Resolve("Europe/Berlin", wall(2024, 7, 1, 12, 0))
	if !before.Equal(after) {
		t.Fatalf("offsets changed after re-registration: %s -> %s", before, after)
	}
	if ids := reg.IDs(); len(ids) != 1 || ids[0] != "Europe/Berlin" {
		t.Fatalf("IDs = %v", ids)
	}
}

func TestUnknownTimezone(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Resolve("America/New_York", wall(2024, 7, 1, 12, 0))
	var unk *UnknownTimezoneError
	if !errors.As(err, &unk) || unk.TZID != "America/New_York" {
		t.Fatalf("want UnknownTimezoneError, got %v", err)
	}
	if reg.Has("America/New_York") {
		t.Fatalf("Has reported an unregistered zone")
	}

	got, err := reg.Resolve("UTC", wall(2024, 7, 1, 12, 0))
	if err != nil || !got.Equal(wall(2024, 7, 1, 12, 0)) {
		t.Fatalf("UTC alias: %s, %v", got, err)
	}
}

func TestSystemFallback(t *testing.T) {
	reg := NewRegistry(WithSystemFallback())

	got, err := reg.Resolve("America/New_York", wall(2024, 7, 1, 12, 0))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := wall(2024, 7, 1, 16, 0); !got.Equal(want) {
		t.Fatalf("Resolve = %s, want %s", got, want)
	}
	if reg.Has("America/New_York") {
		t.Fatalf("fallback zones must not count as registered")
	}

	// A document definition still wins over the cached system zone.
	rule, _ := NewRule("America/New_York", []Observance{{
		Start:      wall(1970, 1, 1, 0, 0),
		OffsetFrom: -5 * time.Hour,
		OffsetTo:   -5 * time.Hour,
	}})
	if !reg.Register(rule) {
		t.Fatalf("registration after fallback lookup rejected")
	}
	got, _ = reg.Resolve("America/New_York", wall(2024, 7, 1, 12, 0))
	if want := wall(2024, 7, 1, 17, 0); !got.Equal(want) {
		t.Fatalf("Resolve after Register = %s, want %s", got, want)
	}

	if _, err := reg.Zone("Not/AZone"); err == nil {
		t.Fatalf("invalid IANA name resolved")
	}
}

func TestConcurrentRegister(t *testing.T) {
	reg := NewRegistry()

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(off int) {
			defer wg.Done()
			r, err := NewRule("Test/Zone", []Observance{{
				Start:      wall(1970, 1, 1, 0, 0),
				OffsetFrom: time.Duration(off) * time.Minute,
				OffsetTo:   time.Duration(off) * time.Minute,
			}})
			if err != nil {
				t.Errorf("NewRule: %v", err)
				return
			}
			if reg.Register(r) {
				won.Add(1)
			}
			if _, err := reg.Resolve("Test/Zone", wall(2024, 1, 1, 0, 0)); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("%d registrations succeeded, want 1", won.Load())
	}
}

func TestNewRuleValidation(t *testing.T) {
	if _, err := NewRule("", []Observance{{Start: wall(1970, 1, 1, 0, 0)}}); err == nil {
		t.Fatalf("empty TZID accepted")
	}
	if _, err := NewRule("X", nil); err == nil {
		t.Fatalf("rule without observances accepted")
	}
	if _, err := NewRule("X", []Observance{{Start: wall(1970, 1, 1, 0, 0), RRule: "FREQ=NEVER"}}); err == nil {
		t.Fatalf("bad RRULE accepted")
	}
}
