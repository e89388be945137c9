package refresh

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	appLog "calfeed/internal/log"
)

// Scheduler runs SyncAll on a cron spec. Overlapping runs are skipped.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	syncer   *Syncer
	spec     string
	log      appLog.Logger
}

// NewScheduler validates spec (standard five field cron syntax or a
// descriptor such as "@every 15m").
func NewScheduler(spec string, s *Syncer) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	l := cronLogger{appLog.Named("cron")}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	return &Scheduler{
		cron:     c,
		schedule: schedule,
		syncer:   s,
		spec:     spec,
		log:      appLog.Named("refresh"),
	}, nil
}

// Run schedules the sync, runs one immediately and blocks until ctx is
// done. Running jobs are waited for before returning.
func (sch *Scheduler) Run(ctx context.Context) {
	sch.cron.Schedule(sch.schedule, cron.FuncJob(func() {
		if _, err := sch.syncer.SyncAll(ctx); err != nil {
			sch.log.Error("scheduled sync failed", err, "spec", sch.spec)
		}
	}))

	sch.cron.Start()
	sch.log.Info("refresh scheduler started", "spec", sch.spec)

	if _, err := sch.syncer.SyncAll(ctx); err != nil && ctx.Err() == nil {
		sch.log.Error("initial sync failed", err)
	}

	<-ctx.Done()
	<-sch.cron.Stop().Done()
	sch.log.Info("refresh scheduler stopped")
}

// cronLogger adapts the app logger to cron.Logger.
type cronLogger struct {
	l appLog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, err, keysAndValues...)
}
