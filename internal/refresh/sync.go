// Package refresh keeps the store in step with the subscribed feeds.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/pipeline"
	"calfeed/internal/store"
)

// Report summarizes one sync.
type Report struct {
	Feeds       int           `json:"feeds"`
	FeedErrors  int           `json:"feed_errors"`
	Documents   int           `json:"documents"`
	Failed      int           `json:"failed"`
	Removed     int           `json:"removed"`
	StartedAt   time.Time     `json:"started_at"`
	Took        time.Duration `json:"took"`
	FromCache   int           `json:"from_cache"`
	Occurrences int           `json:"occurrences"`
}

// Syncer fetches feeds and ingests every event they carry. One sync runs at
// a time; feeds within a sync are processed concurrently.
type Syncer struct {
	fetcher     *ics.Fetcher
	ingester    *pipeline.Ingester
	store       *store.Store
	sources     []ics.Source
	concurrency int
	log         appLog.Logger

	run sync.Mutex

	mu   sync.Mutex
	last *Report
}

func NewSyncer(f *ics.Fetcher, in *pipeline.Ingester, st *store.Store, sources []ics.Source, concurrency int) *Syncer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Syncer{
		fetcher:     f,
		ingester:    in,
		store:       st,
		sources:     sources,
		concurrency: concurrency,
		log:         appLog.Named("refresh"),
	}
}

// Last returns the report of the most recent completed sync.
func (s *Syncer) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// SyncAll fetches every feed, splits it per UID and ingests each part with
// the default horizon. Per-feed and per-event failures are logged and
// counted; only cancellation aborts the sync.
func (s *Syncer) SyncAll(ctx context.Context) (Report, error) {
	s.run.Lock()
	defer s.run.Unlock()

	rep := Report{Feeds: len(s.sources), StartedAt: time.Now().UTC()}
	var repMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, src := range s.sources {
		g.Go(func() error {
			res, err := s.fetcher.FetchOne(gctx, src)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				repMu.Lock()
				rep.FeedErrors++
				repMu.Unlock()
				return nil
			}

			fr, err := s.syncFeed(gctx, res)
			repMu.Lock()
			rep.Documents += fr.documents
			rep.Failed += fr.failed
			rep.Removed += fr.removed
			rep.Occurrences += fr.occurrences
			if res.FromCache {
				rep.FromCache++
			}
			repMu.Unlock()
			return err
		})
	}

	err := g.Wait()
	rep.Took = time.Since(rep.StartedAt)
	if err != nil {
		s.log.Error("sync aborted", err, "took", rep.Took)
		return rep, err
	}

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()

	s.log.Info("sync complete",
		"feeds", rep.Feeds,
		"feed_errors", rep.FeedErrors,
		"documents", rep.Documents,
		"failed", rep.Failed,
		"removed", rep.Removed,
		"occurrences", rep.Occurrences,
		"took", rep.Took,
	)
	return rep, nil
}

type feedResult struct {
	documents   int
	failed      int
	removed     int
	occurrences int
}

func (s *Syncer) syncFeed(ctx context.Context, res ics.FetchResult) (feedResult, error) {
	var fr feedResult
	src := res.Source

	root, err := ics.Parse(res.Body)
	if err != nil {
		s.log.Error("feed parse failed", err, "source", src.ID)
		fr.failed++
		return fr, nil
	}

	parts := ics.SplitByUID(root)
	seen := make([]string, 0, len(parts))
	h := s.ingester.Horizon()

	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return fr, err
		}
		uid := primaryUID(part)
		seen = append(seen, uid)
		fr.documents++

		counter := &countingSink{Sink: s.store.Sink(src.ID, part, h.MaxDate)}
		err := s.ingester.IngestTree(ctx, src, part, h, counter)
		fr.occurrences += counter.n
		if err == nil {
			continue
		}
		if ferr := counter.Flush(); ferr != nil {
			s.log.Error("flush after failed ingest", ferr, "source", src.ID, "uid", uid)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fr, err
		}
		fr.failed++
		if errors.Is(err, ics.ErrNoPrimaryEvent) {
			s.log.Warn("feed entry has only exceptions", "source", src.ID, "uid", uid)
			continue
		}
		s.log.Error("event ingest failed", err, "source", src.ID, "uid", uid)
	}

	removed, err := s.store.Retain(src.ID, seen)
	if err != nil {
		s.log.Error("prune stale events failed", err, "source", src.ID)
	}
	fr.removed = removed
	return fr, nil
}

// Extend resumes every recurring event whose stored expansion ends before
// maxDate, continuing from its checkpoint.
func (s *Syncer) Extend(ctx context.Context, maxDate time.Time) (int, error) {
	s.run.Lock()
	defer s.run.Unlock()

	maxDate = s.ingester.HorizonUntil(maxDate).MaxDate
	recs, err := s.store.Components()
	if err != nil {
		return 0, err
	}

	extended := 0
	for _, rec := range recs {
		if !rec.Recurring || rec.Tree == nil || !rec.ExpandedUntil.Before(maxDate) {
			continue
		}
		var after time.Time
		if rec.LastRecurrenceID != nil {
			after = *rec.LastRecurrenceID
		}

		sink := s.store.Sink(rec.SourceID, rec.Tree, maxDate)
		err := s.ingester.Resume(ctx, ics.Source{ID: rec.SourceID}, rec.Tree, after, maxDate, sink)
		if err != nil {
			if ferr := sink.Flush(); ferr != nil {
				s.log.Error("flush after failed resume", ferr, "source", rec.SourceID, "uid", rec.UID)
			}
			if ctx.Err() != nil {
				return extended, ctx.Err()
			}
			s.log.Error("resume failed", err, "source", rec.SourceID, "uid", rec.UID)
			continue
		}
		extended++
	}

	s.log.Info("extend complete", "max_date", maxDate, "extended", extended)
	return extended, nil
}

func primaryUID(part *ics.RawComponent) string {
	for _, ev := range part.ChildrenNamed("vevent") {
		if uid := ev.Value("UID"); uid != "" {
			return uid
		}
	}
	return ""
}

// countingSink counts persisted occurrences of a run.
type countingSink struct {
	*store.Sink
	n int
}

func (c *countingSink) OnComponent(ctx context.Context, comp model.Component) error {
	if err := c.Sink.OnComponent(ctx, comp); err != nil {
		return err
	}
	c.n++
	return nil
}
