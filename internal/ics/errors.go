package ics

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedDocument matches every *MalformedDocumentError.
	ErrMalformedDocument = errors.New("malformed calendar document")
	// ErrNoPrimaryEvent is returned when a document has no VEVENT without
	// RECURRENCE-ID.
	ErrNoPrimaryEvent = errors.New("no primary event in calendar document")
	// ErrHorizonRequired is returned when a recurring event is expanded
	// without a max date.
	ErrHorizonRequired = errors.New("recurring event expansion requires a max date")
)

// MalformedDocumentError describes why a payload could not be turned into a
// component tree (or a VEVENT could not be decoded).
type MalformedDocumentError struct {
	// Line is the 1-based unfolded content line, 0 when not tied to a line.
	Line   int
	Reason string
	Err    error
}

func (e *MalformedDocumentError) Error() string {
	msg := "malformed calendar document"
	if e.Line > 0 {
		msg = fmt.Sprintf("%s at line %d", msg, e.Line)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

func (e *MalformedDocumentError) Is(target error) bool {
	return target == ErrMalformedDocument
}

func malformed(line int, reason string, err error) error {
	return &MalformedDocumentError{Line: line, Reason: reason, Err: err}
}

// UnmatchedExceptionError reports a RECURRENCE-ID that no generated instance
// carries. It is logged, never returned from the iterator.
type UnmatchedExceptionError struct {
	UID          string
	RecurrenceID time.Time
}

func (e *UnmatchedExceptionError) Error() string {
	return fmt.Sprintf("exception %s of %s matches no generated occurrence",
		e.RecurrenceID.UTC().Format(time.RFC3339), e.UID)
}
