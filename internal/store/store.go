// Package store persists ingested events, their occurrences and the parsed
// document needed to resume expansion, in a single bbolt file.
//
// Layout (nested buckets):
//
//	events/<source>/<uid>                       model.Event
//	occurrences/<source>/<uid>/<start>/<key>    model.Occurrence
//	components/<source>/<uid>                   Record
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"calfeed/internal/ics"
	"calfeed/internal/model"
)

var (
	bucketEvents      = []byte("events")
	bucketOccurrences = []byte("occurrences")
	bucketComponents  = []byte("components")
)

// ErrNotFound is returned for unknown source/uid pairs.
var ErrNotFound = errors.New("store: not found")

const keyLayout = "20060102T150405Z"

// Record is everything needed to continue the expansion of one event.
type Record struct {
	SourceID  string            `json:"source_id"`
	UID       string            `json:"uid"`
	Tree      *ics.RawComponent `json:"tree"`
	Recurring bool              `json:"recurring"`
	// LastRecurrenceID is the checkpoint of the latest completed run.
	LastRecurrenceID *time.Time `json:"last_recurrence_id,omitempty"`
	Truncated        bool       `json:"truncated,omitempty"`
	// ExpandedUntil is the horizon end of the latest completed run.
	ExpandedUntil time.Time `json:"expanded_until"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store wraps a bbolt database.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the database at path and makes sure the top level
// buckets exist.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketOccurrences, bucketComponents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("unable to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string { return s.path }

// nested walks (and with create set, makes) the bucket path below root.
func nested(tx *bolt.Tx, create bool, root []byte, path ...string) (*bolt.Bucket, error) {
	b := tx.Bucket(root)
	if b == nil {
		return nil, fmt.Errorf("missing bucket %s", root)
	}
	for _, p := range path {
		key := []byte(p)
		if create {
			next, err := b.CreateBucketIfNotExists(key)
			if err != nil {
				return nil, fmt.Errorf("bucket %s/%s: %w", root, p, err)
			}
			b = next
			continue
		}
		if b = b.Bucket(key); b == nil {
			return nil, ErrNotFound
		}
	}
	return b, nil
}

// SaveEvent stores ev and drops any previously stored occurrences of it,
// since a full ingestion re-emits them all.
func (s *Store) SaveEvent(ev model.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := nested(tx, true, bucketEvents, ev.SourceID)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(ev.UID), raw); err != nil {
			return err
		}
		occ, err := nested(tx, true, bucketOccurrences, ev.SourceID)
		if err != nil {
			return err
		}
		if occ.Bucket([]byte(ev.UID)) != nil {
			return occ.DeleteBucket([]byte(ev.UID))
		}
		return nil
	})
}

// Event loads one stored event.
func (s *Store) Event(sourceID, uid string) (model.Event, error) {
	var ev model.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := nested(tx, false, bucketEvents, sourceID)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(uid))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &ev)
	})
	return ev, err
}

// Events returns every stored event ordered by source and uid.
func (s *Store) Events() ([]model.Event, error) {
	var out []model.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEvents)
		return eachBucket(root, func(src []byte) error {
			return root.Bucket(src).ForEach(func(_, raw []byte) error {
				var ev model.Event
				if err := json.Unmarshal(raw, &ev); err != nil {
					return err
				}
				out = append(out, ev)
				return nil
			})
		})
	})
	return out, err
}

// eachBucket calls fn for every nested bucket of b; plain keys are skipped.
func eachBucket(b *bolt.Bucket, fn func(name []byte) error) error {
	return b.ForEach(func(k, v []byte) error {
		if v != nil {
			return nil
		}
		return fn(k)
	})
}

func occurrenceKey(o model.Occurrence) []byte {
	return []byte(o.Start.UTC.UTC().Format(keyLayout) + "/" + o.InstanceKey)
}

// SaveOccurrence stores occurrences in one transaction.
func (s *Store) SaveOccurrence(occs ...model.Occurrence) error {
	if len(occs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, o := range occs {
			b, err := nested(tx, true, bucketOccurrences, o.SourceID, o.UID)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(o)
			if err != nil {
				return err
			}
			if err := b.Put(occurrenceKey(o), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Occurrences returns stored occurrences overlapping [from, to), ordered by
// start. A zero-length occurrence overlaps when its start is in the window.
func (s *Store) Occurrences(from, to time.Time) ([]model.Occurrence, error) {
	var out []model.Occurrence
	limit := []byte(to.UTC().Format(keyLayout))

	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketOccurrences)
		return eachBucket(root, func(src []byte) error {
			sb := root.Bucket(src)
			return eachBucket(sb, func(uid []byte) error {
				c := sb.Bucket(uid).Cursor()
				for k, raw := c.First(); k != nil && bytes.Compare(k[:len(limit)], limit) < 0; k, raw = c.Next() {
					var o model.Occurrence
					if err := json.Unmarshal(raw, &o); err != nil {
						return err
					}
					if o.End.UTC.After(from) || !o.Start.UTC.Before(from) {
						out = append(out, o)
					}
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.UTC.Equal(out[j].Start.UTC) {
			return out[i].Start.UTC.Before(out[j].Start.UTC)
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

// SaveComponent stores the resume record of one event.
func (s *Store) SaveComponent(rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := nested(tx, true, bucketComponents, rec.SourceID)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.UID), raw)
	})
}

// Component loads the resume record of one event.
func (s *Store) Component(sourceID, uid string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := nested(tx, false, bucketComponents, sourceID)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(uid))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// Components returns every resume record.
func (s *Store) Components() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketComponents)
		return eachBucket(root, func(src []byte) error {
			return root.Bucket(src).ForEach(func(_, raw []byte) error {
				var rec Record
				if err := json.Unmarshal(raw, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
		})
	})
	return out, err
}

// Checkpoint records the completion of a run for sourceID, moving the
// resume point forward.
func (s *Store) Checkpoint(sourceID string, done model.Completion, until time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := nested(tx, true, bucketComponents, sourceID)
		if err != nil {
			return err
		}
		var rec Record
		if raw := b.Get([]byte(done.EventID)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		} else {
			rec = Record{SourceID: sourceID, UID: done.EventID}
		}
		rec.LastRecurrenceID = done.LastRecurrenceID
		rec.Truncated = done.Truncated
		if until.After(rec.ExpandedUntil) {
			rec.ExpandedUntil = until
		}
		rec.UpdatedAt = time.Now().UTC()

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(done.EventID), raw)
	})
}

// DeleteEvent removes an event with its occurrences and resume record.
func (s *Store) DeleteEvent(sourceID, uid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteEvent(tx, sourceID, uid)
	})
}

func deleteEvent(tx *bolt.Tx, sourceID, uid string) error {
	key := []byte(uid)
	for _, root := range [][]byte{bucketEvents, bucketComponents} {
		if b, err := nested(tx, false, root, sourceID); err == nil {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
	}
	if b, err := nested(tx, false, bucketOccurrences, sourceID); err == nil && b.Bucket(key) != nil {
		return b.DeleteBucket(key)
	}
	return nil
}

// Retain deletes every event of sourceID whose uid is not in keep and
// returns how many were removed.
func (s *Store) Retain(sourceID string, keep []string) (int, error) {
	wanted := make(map[string]struct{}, len(keep))
	for _, uid := range keep {
		wanted[uid] = struct{}{}
	}

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := nested(tx, false, bucketEvents, sourceID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var stale []string
		if err := b.ForEach(func(k, _ []byte) error {
			if _, ok := wanted[string(k)]; !ok {
				stale = append(stale, string(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, uid := range stale {
			if err := deleteEvent(tx, sourceID, uid); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
