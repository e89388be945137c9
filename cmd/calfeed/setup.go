package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"calfeed/internal/config"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/pipeline"
	"calfeed/internal/tz"
)

// env is what every command shares after loading the config.
type env struct {
	cfg      *config.Config
	reg      *tz.Registry
	ingester *pipeline.Ingester
	fetcher  *ics.Fetcher
}

func setup(c *cli.Context) (*env, error) {
	path := c.GlobalString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := appLog.ParseLevel(cfg.Log.Level)
	if c.GlobalBool("debug") {
		level = appLog.LevelDebug
	}
	appLog.Init(appLog.Options{Level: level, Format: cfg.Log.Format, Component: appName})

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var opts []tz.Option
	if cfg.SystemTimezones {
		opts = append(opts, tz.WithSystemFallback())
	}
	reg := tz.NewRegistry(opts...)

	appLog.Info("effective config",
		"config_path", path,
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"lookahead_days", cfg.LookaheadDays,
		"max_occurrences", cfg.MaxOccurrences,
		"feeds", len(cfg.Feeds),
	)

	return &env{
		cfg: cfg,
		reg: reg,
		ingester: pipeline.New(reg, pipeline.Options{
			Lookahead:    cfg.Lookahead(),
			MaxLookahead: cfg.MaxLookahead(),
			Limit:        cfg.MaxOccurrences,
			Floating:     loc,
		}),
		fetcher: ics.NewFetcher(cfg.CacheDir, cfg.FetchTimeout()),
	}, nil
}

func (e *env) sources() []ics.Source {
	out := make([]ics.Source, 0, len(e.cfg.Feeds))
	for _, f := range e.cfg.Feeds {
		out = append(out, ics.Source{ID: f.ID, Name: f.Name, URL: f.URL})
	}
	return out
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func parseDay(raw string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", raw, loc)
}
