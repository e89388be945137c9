package store

import (
	"context"
	"sync"
	"time"

	"calfeed/internal/ics"
	"calfeed/internal/model"
)

// flushEvery bounds how many occurrences a Sink holds before writing.
const flushEvery = 128

// Sink persists one ingestion run. It implements pipeline.EventSink.
type Sink struct {
	store  *Store
	source string
	tree   *ics.RawComponent
	until  time.Time

	mu      sync.Mutex
	pending []model.Occurrence
}

// Sink returns a sink for runs over tree (the parsed document of a single
// event) from sourceID, expanded up to until.
func (s *Store) Sink(sourceID string, tree *ics.RawComponent, until time.Time) *Sink {
	return &Sink{store: s, source: sourceID, tree: tree, until: until}
}

func (k *Sink) OnEvent(_ context.Context, ev model.Event) error {
	if err := k.store.SaveEvent(ev); err != nil {
		return err
	}
	return k.store.SaveComponent(Record{
		SourceID:  k.source,
		UID:       ev.UID,
		Tree:      k.tree,
		Recurring: ev.IsRecurring,
	})
}

func (k *Sink) OnComponent(_ context.Context, c model.Component) error {
	k.mu.Lock()
	k.pending = append(k.pending, c.Occurrence)
	full := len(k.pending) >= flushEvery
	k.mu.Unlock()

	if full {
		return k.Flush()
	}
	return nil
}

func (k *Sink) OnEventComplete(_ context.Context, done model.Completion) error {
	if err := k.Flush(); err != nil {
		return err
	}
	return k.store.Checkpoint(k.source, done, k.until)
}

// Flush writes buffered occurrences. Callers flush after a failed run so
// the occurrences emitted before the failure are kept.
func (k *Sink) Flush() error {
	k.mu.Lock()
	batch := k.pending
	k.pending = nil
	k.mu.Unlock()

	return k.store.SaveOccurrence(batch...)
}
