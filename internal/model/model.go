package model

import "time"

// FloatingTZID marks a Stamp whose wall clock is not bound to a timezone in
// the source document. It was resolved through the configured display zone.
const FloatingTZID = "floating"

// Stamp is the transport form of a resolved calendar time: the absolute
// instant plus enough of the source representation to render it the way the
// calendar author wrote it.
type Stamp struct {
	// UTC is the absolute instant.
	UTC time.Time `json:"utc"`
	// TZID is the source timezone id, "UTC" for Z-suffixed values or
	// FloatingTZID.
	TZID string `json:"tzid"`
	// Offset is the UTC offset in seconds in effect at UTC for TZID.
	Offset int `json:"offset"`
	// AllDay marks DATE (not DATE-TIME) values.
	AllDay bool `json:"is_date,omitempty"`
}

// Local returns the instant shifted into the stamp's own offset.
func (s Stamp) Local() time.Time {
	return s.UTC.In(time.FixedZone(s.TZID, s.Offset))
}

// Event is the externally visible description of one logical calendar event
// (the primary VEVENT of a document), emitted once per ingestion before any
// of its occurrences.
type Event struct {
	SourceID string `json:"source_id"`
	UID      string `json:"uid"`
	Sequence int    `json:"sequence"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status,omitempty"`

	Start Stamp `json:"start"`
	End   Stamp `json:"end"`

	IsRecurring    bool   `json:"is_recurring"`
	RRule          string `json:"rrule,omitempty"`
	ExceptionCount int    `json:"exception_count"`
	// Exceptions lists the RECURRENCE-ID overrides in recurrence-id order.
	Exceptions []ExceptionRef `json:"exceptions,omitempty"`
}

// ExceptionRef is the summary of one exception VEVENT carried on its event.
type ExceptionRef struct {
	RecurrenceID Stamp  `json:"recurrence_id"`
	Sequence     int    `json:"sequence"`
	Summary      string `json:"summary"`
	Status       string `json:"status,omitempty"`
}

// ID returns the identity used for all notifications about this event.
func (e Event) ID() string {
	return e.UID
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string `json:"source_id"`
	UID      string `json:"uid"`

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event. It is derived from the recurrence id, not the (possibly moved)
	// start.
	InstanceKey string `json:"instance_key"`

	// RecurrenceID is the generated start this occurrence stands for. For a
	// detached exception it is the exception's own RECURRENCE-ID.
	RecurrenceID Stamp `json:"recurrence_id"`
	Start        Stamp `json:"start"`
	End          Stamp `json:"end"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	AllDay bool `json:"all_day"`

	// Overridden is set when the fields come from a RECURRENCE-ID exception.
	Overridden bool `json:"overridden"`
	// Detached is set for exceptions whose RECURRENCE-ID matched no
	// generated instance; they are surfaced as insertions.
	Detached bool `json:"detached,omitempty"`
}

// Component is one notification of the occurrence stream.
type Component struct {
	EventID     string     `json:"event_id"`
	Occurrence  Occurrence `json:"occurrence"`
	IsRecurring bool       `json:"is_recurring"`
	// LastRecurrenceID is only set on the final component of an expansion.
	// Callers persist it to resume expansion later.
	LastRecurrenceID *time.Time `json:"last_recurrence_id,omitempty"`
}

// Completion terminates the notifications for one event.
type Completion struct {
	EventID          string     `json:"event_id"`
	LastRecurrenceID *time.Time `json:"last_recurrence_id,omitempty"`
	// Truncated reports that expansion stopped on the occurrence cap rather
	// than on the rule's own bound or the horizon.
	Truncated bool `json:"truncated,omitempty"`
	Count     int  `json:"count"`
}
