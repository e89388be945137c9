package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"calfeed/internal/config"
	"calfeed/internal/model"
	"calfeed/internal/store"
	"calfeed/internal/tz"
)

var fixedNow = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, auth *config.BasicAuthConfig) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calfeed.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := tz.NewRegistry()
	rule, err := tz.NewRule("Europe/Berlin", []tz.Observance{
		{
			DST:        true,
			Start:      time.Date(1970, 3, 29, 2, 0, 0, 0, time.UTC),
			OffsetFrom: time.Hour,
			OffsetTo:   2 * time.Hour,
			RRule:      "FREQ=YEARLY;BYMONTH=3;BYDAY=-1SU",
		},
		{
			Start:      time.Date(1970, 10, 25, 3, 0, 0, 0, time.UTC),
			OffsetFrom: 2 * time.Hour,
			OffsetTo:   time.Hour,
			RRule:      "FREQ=YEARLY;BYMONTH=10;BYDAY=-1SU",
		},
	})
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	reg.Register(rule)

	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth

	s := NewServer(cfg, st, reg, nil)
	s.now = func() time.Time { return fixedNow }
	return s, st
}

func occurrenceAt(uid string, start time.Time) model.Occurrence {
	return model.Occurrence{
		SourceID:    "work",
		UID:         uid,
		InstanceKey: start.Format("20060102T150405Z"),
		Summary:     uid,
		Start:       model.Stamp{UTC: start, TZID: "UTC"},
		End:         model.Stamp{UTC: start.Add(time.Hour), TZID: "UTC"},
	}
}

func do(t *testing.T, s *Server, method, target string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthSkipsAuth(t *testing.T) {
	s, _ := newTestServer(t, &config.BasicAuthConfig{Username: "admin", Password: "secret"})

	if rec := do(t, s, http.MethodGet, "/health", false); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, http.MethodGet, "/api/events", false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("events without auth = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/events", true); rec.Code != http.StatusOK {
		t.Fatalf("events with auth = %d", rec.Code)
	}
}

func TestEventsWindowAndCache(t *testing.T) {
	s, st := newTestServer(t, nil)
	err := st.SaveOccurrence(
		occurrenceAt("yesterday", fixedNow.Add(-20*time.Hour)),
		occurrenceAt("soon", fixedNow.Add(48*time.Hour)),
		occurrenceAt("far", fixedNow.AddDate(0, 0, 30)),
	)
	if err != nil {
		t.Fatal(err)
	}

	rec := do(t, s, http.MethodGet, "/api/events?days=7&backfill=1", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp eventsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Occurrences) != 2 || resp.Occurrences[0].UID != "yesterday" || resp.Occurrences[1].UID != "soon" {
		t.Fatalf("occurrences = %+v", resp.Occurrences)
	}

	// Served from cache until the TTL passes.
	if err := st.SaveOccurrence(occurrenceAt("late", fixedNow.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	rec = do(t, s, http.MethodGet, "/api/events?days=7&backfill=1", false)
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Occurrences) != 2 {
		t.Fatalf("cache bypassed: %d", len(resp.Occurrences))
	}

	s.now = func() time.Time { return fixedNow.Add(eventsCacheTTL) }
	rec = do(t, s, http.MethodGet, "/api/events?days=7&backfill=1", false)
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Occurrences) != 3 {
		t.Fatalf("cache not refreshed: %d", len(resp.Occurrences))
	}
}

func TestTimezones(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/timezones", false)
	var list map[string][]string
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list["timezones"]) != 1 {
		t.Fatalf("timezones = %v, %v", list, err)
	}

	rec = do(t, s, http.MethodGet, "/api/timezones/Europe/Berlin?at=2024-07-01T12:00:00Z", false)
	var got timezoneResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Registered || got.OffsetSeconds != 7200 || got.WallClock != "2024-07-01T14:00:00" {
		t.Fatalf("berlin = %+v", got)
	}

	if rec := do(t, s, http.MethodGet, "/api/timezones/Nowhere/Land", false); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown zone = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/timezones/UTC?at=yesterday", false); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad at = %d", rec.Code)
	}
}

func TestRefreshWithoutSyncer(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if rec := do(t, s, http.MethodPost, "/api/refresh", false); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("refresh = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/refresh", false); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET refresh = %d", rec.Code)
	}
}
