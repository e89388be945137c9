package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"calfeed/internal/refresh"
	"calfeed/internal/store"
)

var syncCmd = cli.Command{
	Name:  "sync",
	Usage: "Fetches every configured feed once and stores the expansion",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "extend-days",
			Usage: "After syncing, extend recurring events this many days past now",
		},
	},
	Action: syncAction,
}

func syncAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	st, err := store.Open(e.cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	syncer := refresh.NewSyncer(e.fetcher, e.ingester, st, e.sources(), e.cfg.Concurrency)
	rep, err := syncer.SyncAll(ctx)
	if err != nil {
		return err
	}

	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()
	fmt.Printf("%s %d feed(s), %d event(s), %d occurrence(s) in %s\n",
		ok("synced"), rep.Feeds, rep.Documents, rep.Occurrences, rep.Took.Round(time.Millisecond))
	if rep.FeedErrors > 0 || rep.Failed > 0 {
		fmt.Printf("%s %d feed error(s), %d event error(s)\n", bad("problems"), rep.FeedErrors, rep.Failed)
	}
	if rep.Removed > 0 {
		fmt.Printf("removed %d stale event(s)\n", rep.Removed)
	}

	if days := c.Int("extend-days"); days > 0 {
		n, err := syncer.Extend(ctx, time.Now().AddDate(0, 0, days))
		if err != nil {
			return err
		}
		fmt.Printf("%s %d recurring event(s)\n", ok("extended"), n)
	}
	return nil
}
