package main

import (
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	appLog "calfeed/internal/log"
	"calfeed/internal/refresh"
	"calfeed/internal/store"
	"calfeed/internal/web"
)

var serveCmd = cli.Command{
	Name:  "serve",
	Usage: "Runs the HTTP API and the refresh scheduler",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "HTTP listen address (overrides config if set)",
		},
	},
	Action: serveAction,
}

func serveAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	if l := c.String("listen"); l != "" {
		e.cfg.Listen = l
	}

	st, err := store.Open(e.cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	syncer := refresh.NewSyncer(e.fetcher, e.ingester, st, e.sources(), e.cfg.Concurrency)
	sched, err := refresh.NewScheduler(e.cfg.RefreshCron, syncer)
	if err != nil {
		return err
	}
	srv := web.NewServer(e.cfg, st, e.reg, syncer)

	ctx, cancel := signalContext()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()
	appLog.Info("calfeed exiting")
	return err
}
