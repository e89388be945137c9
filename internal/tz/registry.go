// Package tz keeps the timezone definitions that calendar documents bring
// with them (VTIMEZONE) and resolves wall clocks against them.
package tz

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// UnknownTimezoneError is returned when a TZID is referenced that no
// document registered.
type UnknownTimezoneError struct {
	TZID string
}

func (e *UnknownTimezoneError) Error() string {
	return fmt.Sprintf("unknown timezone %q", e.TZID)
}

type Option func(*Registry)

// WithSystemFallback lets TZIDs that were never registered resolve through
// the Go tz database when they are valid IANA names.
func WithSystemFallback() Option {
	return func(r *Registry) { r.fallback = true }
}

// Registry is shared by every ingestion of a process. Registration is the
// only mutation and never overwrites an existing definition.
type Registry struct {
	mu       sync.RWMutex
	zones    map[string]Zone
	system   map[string]Zone
	fallback bool
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		zones:  make(map[string]Zone),
		system: make(map[string]Zone),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Has reports whether a document registered tzid.
func (r *Registry) Has(tzid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.zones[tzid]
	return ok
}

// Register stores rule under its TZID unless one is already present. It
// returns false when the id was taken.
func (r *Registry) Register(rule *Rule) bool {
	if rule == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.zones[rule.TZID]; ok {
		return false
	}
	r.zones[rule.TZID] = rule
	return true
}

// Zone looks up tzid. UTC aliases always resolve.
func (r *Registry) Zone(tzid string) (Zone, error) {
	r.mu.RLock()
	z, ok := r.zones[tzid]
	if !ok {
		z, ok = r.system[tzid]
	}
	r.mu.RUnlock()
	if ok {
		return z, nil
	}

	if isUTCAlias(tzid) {
		return UTC, nil
	}
	if !r.fallback {
		return nil, &UnknownTimezoneError{TZID: tzid}
	}

	loc, err := time.LoadLocation(tzid)
	if err != nil || tzid == "" || strings.EqualFold(tzid, "local") {
		return nil, &UnknownTimezoneError{TZID: tzid}
	}
	z = LocationZone(loc)

	r.mu.Lock()
	if existing, ok := r.system[tzid]; ok {
		z = existing
	} else {
		r.system[tzid] = z
	}
	r.mu.Unlock()
	return z, nil
}

// Resolve converts a wall clock in tzid into an absolute instant.
func (r *Registry) Resolve(tzid string, local time.Time) (time.Time, error) {
	z, err := r.Zone(tzid)
	if err != nil {
		return time.Time{}, err
	}
	return ResolveWall(z, local), nil
}

// WallClock converts an instant into tzid's wall clock (UTC-labelled).
func (r *Registry) WallClock(tzid string, instant time.Time) (time.Time, error) {
	z, err := r.Zone(tzid)
	if err != nil {
		return time.Time{}, err
	}
	return WallAt(z, instant), nil
}

// IDs returns the registered TZIDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.zones))
	for id := range r.zones {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func isUTCAlias(tzid string) bool {
	switch strings.ToUpper(tzid) {
	case "UTC", "Z", "GMT", "ETC/UTC", "ETC/GMT":
		return true
	}
	return false
}
