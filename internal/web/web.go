package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"calfeed/internal/config"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/refresh"
	"calfeed/internal/store"
	"calfeed/internal/tz"
)

const eventsCacheTTL = 30 * time.Second

// Server exposes stored occurrences and registry diagnostics over HTTP.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	reg    *tz.Registry
	syncer *refresh.Syncer
	router chi.Router
	now    func() time.Time
	log    appLog.Logger

	// In-memory cache for /api/events responses, keyed by query.
	eventsMu    sync.RWMutex
	eventsCache map[eventsKey]*eventsCache
}

// NewServer constructs a new Server. syncer may be nil, which disables
// POST /api/refresh.
func NewServer(cfg *config.Config, st *store.Store, reg *tz.Registry, syncer *refresh.Syncer) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		reg:         reg,
		syncer:      syncer,
		now:         time.Now,
		log:         appLog.Named("web"),
		eventsCache: make(map[eventsKey]*eventsCache),
	}
	s.router = s.routes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			s.log.Info("HTTP basic auth enabled")
			r.Use(s.basicAuth)
		}
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/timezones", s.handleTimezones)
		r.Get("/api/timezones/*", s.handleTimezone)
		r.Post("/api/refresh", s.handleRefresh)
	})
	return r
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calfeed", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

type eventsKey struct {
	days, backfill int
}

type eventsCache struct {
	resp      eventsResponse
	updatedAt time.Time
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	SourceID    string    `json:"source_id"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"all_day"`
	Overridden  bool      `json:"overridden,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	StartTZID   string    `json:"start_tzid"`
}

func toDTO(o model.Occurrence, loc *time.Location) occurrenceDTO {
	return occurrenceDTO{
		SourceID:    o.SourceID,
		UID:         o.UID,
		InstanceKey: o.InstanceKey,
		Summary:     o.Summary,
		Description: o.Description,
		Location:    o.Location,
		AllDay:      o.AllDay,
		Overridden:  o.Overridden,
		Start:       o.Start.UTC.In(loc),
		End:         o.End.UTC.In(loc),
		StartTZID:   o.Start.TZID,
	}
}

// handleEvents returns stored occurrences within a window around now.
//
// GET /api/events?days=7&backfill=1
//   - days:     how many days ahead (default 7)
//   - backfill: how many past days to include (default 1)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}
	key := eventsKey{days: days, backfill: backfill}

	s.eventsMu.RLock()
	ec := s.eventsCache[key]
	s.eventsMu.RUnlock()
	if ec != nil && s.now().Sub(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	loc := s.location()
	now := s.now().In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	occs, err := s.store.Occurrences(rangeStart, rangeEnd)
	if err != nil {
		s.log.Error("api events: store read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(occs))
	for _, o := range occs {
		dtos = append(dtos, toDTO(o, loc))
	}
	resp := eventsResponse{
		Occurrences:     dtos,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	}

	s.eventsMu.Lock()
	s.eventsCache[key] = &eventsCache{resp: resp, updatedAt: s.now()}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimezones(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"timezones": s.reg.IDs()})
}

type timezoneResponse struct {
	TZID          string    `json:"tzid"`
	Registered    bool      `json:"registered"`
	At            time.Time `json:"at"`
	OffsetSeconds int       `json:"offset_seconds"`
	WallClock     string    `json:"wall_clock"`
}

// handleTimezone reports the offset of a zone at an instant.
//
// GET /api/timezones/{tzid}?at=2024-07-01T12:00:00Z
func (s *Server) handleTimezone(w http.ResponseWriter, r *http.Request) {
	tzid := chi.URLParam(r, "*")
	at := s.now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = t.UTC()
	}

	zone, err := s.reg.Zone(tzid)
	if err != nil {
		var unk *tz.UnknownTimezoneError
		if errors.As(err, &unk) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve timezone")
		return
	}

	writeJSON(w, http.StatusOK, timezoneResponse{
		TZID:          tzid,
		Registered:    s.reg.Has(tzid),
		At:            at,
		OffsetSeconds: int(zone.OffsetAt(at) / time.Second),
		WallClock:     tz.WallAt(zone, at).Format("2006-01-02T15:04:05"),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not available")
		return
	}
	rep, err := s.syncer.SyncAll(r.Context())
	if err != nil {
		s.log.Error("api refresh failed", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	s.eventsMu.Lock()
	clear(s.eventsCache)
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) location() *time.Location {
	if s.cfg == nil {
		return time.UTC
	}
	loc, err := s.cfg.Location()
	if err != nil {
		s.log.Error("failed to load timezone; falling back to UTC", err, "name", s.cfg.Timezone)
		return time.UTC
	}
	return loc
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
