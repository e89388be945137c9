package refresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"calfeed/internal/ics"
	"calfeed/internal/pipeline"
	"calfeed/internal/store"
	"calfeed/internal/tz"
)

const feedTwoEvents = `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VTIMEZONE
TZID:Europe/Berlin
BEGIN:STANDARD
TZOFFSETFROM:+0200
TZOFFSETTO:+0100
DTSTART:19701025T030000
RRULE:FREQ=YEARLY;BYMONTH=10;BYDAY=-1SU
END:STANDARD
BEGIN:DAYLIGHT
TZOFFSETFROM:+0100
TZOFFSETTO:+0200
DTSTART:19700329T020000
RRULE:FREQ=YEARLY;BYMONTH=3;BYDAY=-1SU
END:DAYLIGHT
END:VTIMEZONE
BEGIN:VEVENT
UID:standup
SUMMARY:Standup
DTSTART;TZID=Europe/Berlin:20240101T100000
DURATION:PT15M
RRULE:FREQ=DAILY
END:VEVENT
BEGIN:VEVENT
UID:standup
RECURRENCE-ID;TZID=Europe/Berlin:20240103T100000
SUMMARY:Standup (late)
DTSTART;TZID=Europe/Berlin:20240103T110000
DURATION:PT15M
END:VEVENT
BEGIN:VEVENT
UID:review
SUMMARY:Review
DTSTART:20240105T140000Z
DTEND:20240105T150000Z
END:VEVENT
END:VCALENDAR`

const feedOneEvent = `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:review
SUMMARY:Review
DTSTART:20240105T140000Z
DTEND:20240105T150000Z
END:VEVENT
END:VCALENDAR`

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n") + "\r\n"
}

type fixture struct {
	store  *store.Store
	syncer *Syncer
	body   atomic.Value
	hits   atomic.Int32
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()
	f := &fixture{}
	f.body.Store(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(crlf(f.body.Load().(string))))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "calfeed.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	f.store = st

	in := pipeline.New(tz.NewRegistry(), pipeline.Options{
		Lookahead: 10 * 24 * time.Hour,
		Now:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	sources := []ics.Source{
		{ID: "team", URL: srv.URL + "/team.ics"},
		{ID: "broken", URL: "ftp://example.com/x.ics"},
	}
	f.syncer = NewSyncer(ics.NewFetcher(filepath.Join(dir, "cache"), 5*time.Second), in, st, sources, 2)
	return f
}

func TestSyncAllStoresEveryEvent(t *testing.T) {
	f := newFixture(t, feedTwoEvents)

	rep, err := f.syncer.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if rep.Documents != 2 || rep.Failed != 0 || rep.FeedErrors != 1 {
		t.Fatalf("report = %+v", rep)
	}

	// Daily standup Jan 1..10 plus the review.
	occs, err := f.store.Occurrences(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Occurrences: %v", err)
	}
	if len(occs) != 11 || rep.Occurrences != 11 {
		t.Fatalf("stored %d occurrences, reported %d", len(occs), rep.Occurrences)
	}
	if occs[0].Start.UTC.Hour() != 9 {
		t.Fatalf("Berlin 10:00 should be 09:00Z, got %s", occs[0].Start.UTC)
	}
	var late bool
	for _, o := range occs {
		if o.Summary == "Standup (late)" && o.Overridden && o.Start.UTC.Hour() == 10 {
			late = true
		}
	}
	if !late {
		t.Fatalf("override not stored")
	}
	if last, ok := f.syncer.Last(); !ok || last.Documents != 2 {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
}

func TestSyncAllPrunesRemovedEvents(t *testing.T) {
	f := newFixture(t, feedTwoEvents)
	if _, err := f.syncer.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	f.body.Store(feedOneEvent)
	rep, err := f.syncer.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if rep.Removed != 1 {
		t.Fatalf("removed = %d", rep.Removed)
	}
	evs, _ := f.store.Events()
	if len(evs) != 1 || evs[0].UID != "review" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestExtendContinuesFromCheckpoint(t *testing.T) {
	f := newFixture(t, feedTwoEvents)
	if _, err := f.syncer.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	n, err := f.syncer.Extend(context.Background(), time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 1 {
		t.Fatalf("Extend = %d, %v", n, err)
	}
	occs, _ := f.store.Occurrences(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if len(occs) != 21 {
		t.Fatalf("occurrences after extend = %d", len(occs))
	}

	rec, err := f.store.Component("team", "standup")
	if err != nil || rec.LastRecurrenceID == nil {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	if want := time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC); !rec.LastRecurrenceID.Equal(want) {
		t.Fatalf("checkpoint = %s", rec.LastRecurrenceID)
	}

	// Already expanded that far.
	if n, err := f.syncer.Extend(context.Background(), time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)); err != nil || n != 0 {
		t.Fatalf("second Extend = %d, %v", n, err)
	}
}

func TestSchedulerRunsInitialSync(t *testing.T) {
	if _, err := NewScheduler("every now and then", nil); err == nil {
		t.Fatalf("bad schedule accepted")
	}

	f := newFixture(t, feedOneEvent)
	sch, err := NewScheduler("@every 1h", f.syncer)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sch.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := f.syncer.Last(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("initial sync did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
