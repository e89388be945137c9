package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"calfeed/internal/ics"
	"calfeed/internal/model"
	"calfeed/internal/pipeline"
)

var ingestCmd = cli.Command{
	Name:      "ingest",
	Usage:     "Expands one calendar document and prints its occurrences",
	ArgsUsage: "<file|url|->",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "days",
			Usage: "Days past --from to expand (config lookahead when 0)",
		},
		&cli.StringFlag{
			Name:  "from",
			Usage: "Date (2006-01-02) before which occurrences are dropped",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print one JSON notification per line",
		},
	},
	Action: ingestAction,
}

func ingestAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("ingest needs exactly one file, URL or -", 2)
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	loc, _ := e.cfg.Location()

	ctx, cancel := signalContext()
	defer cancel()

	src, body, err := readDocument(ctx, e, c.Args().First())
	if err != nil {
		return err
	}
	root, err := ics.Parse(body)
	if err != nil {
		return err
	}

	from := time.Now().In(loc)
	if raw := c.String("from"); raw != "" {
		if from, err = parseDay(raw, loc); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	days := c.Int("days")
	if days <= 0 {
		days = e.cfg.LookaheadDays
	}
	h := e.ingester.HorizonUntil(from.AddDate(0, 0, days))
	h.MinDate = from

	var sink pipeline.EventSink = newAgenda(os.Stdout, loc)
	if c.Bool("json") {
		sink = jsonSink{enc: json.NewEncoder(os.Stdout)}
	}

	var failed int
	for _, part := range ics.SplitByUID(root) {
		if err := e.ingester.IngestTree(ctx, src, part, h, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("failed:"), err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d event(s) failed to ingest", failed)
	}
	return nil
}

func readDocument(ctx context.Context, e *env, arg string) (ics.Source, []byte, error) {
	lower := strings.ToLower(arg)
	for _, scheme := range []string{"http://", "https://", "webcal://", "webcals://"} {
		if strings.HasPrefix(lower, scheme) {
			src := ics.Source{ID: "cli", URL: arg}
			res, err := e.fetcher.FetchOne(ctx, src)
			return src, res.Body, err
		}
	}

	src := ics.Source{ID: "cli", Name: arg}
	if arg == "-" {
		body, err := io.ReadAll(os.Stdin)
		return src, body, err
	}
	body, err := os.ReadFile(arg)
	if err != nil {
		return src, nil, err
	}
	return src, body, nil
}

// agenda prints a colored, human readable occurrence list.
type agenda struct {
	w   io.Writer
	loc *time.Location

	header  func(a ...interface{}) string
	subtle  func(a ...interface{}) string
	summary func(a ...interface{}) string
	accent  func(a ...interface{}) string
	warn    func(a ...interface{}) string
}

func newAgenda(w io.Writer, loc *time.Location) *agenda {
	return &agenda{
		w:       w,
		loc:     loc,
		header:  color.New(color.FgCyan, color.Bold).SprintFunc(),
		subtle:  color.New(color.FgHiBlack).SprintFunc(),
		summary: color.New(color.FgYellow, color.Bold).SprintFunc(),
		accent:  color.New(color.FgGreen).SprintFunc(),
		warn:    color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (a *agenda) OnEvent(_ context.Context, ev model.Event) error {
	kind := "single"
	if ev.IsRecurring {
		kind = ev.RRule
	}
	fmt.Fprintf(a.w, "%s %s %s\n", a.header(ev.UID), a.summary(ev.Summary), a.subtle("("+kind+")"))
	return nil
}

func (a *agenda) OnComponent(_ context.Context, c model.Component) error {
	o := c.Occurrence
	when := o.Start.UTC.In(a.loc).Format("Mon 2006-01-02 15:04")
	if o.AllDay {
		when = o.Start.Local().Format("Mon 2006-01-02") + " " + a.accent("(all day)")
	}
	line := fmt.Sprintf("  %s  %s", when, o.Summary)
	switch {
	case o.Detached:
		line += " " + a.warn("[added]")
	case o.Overridden:
		line += " " + a.accent("[changed]")
	}
	if o.Start.TZID != "" && o.Start.TZID != a.loc.String() && !o.AllDay {
		line += " " + a.subtle(o.Start.Local().Format("15:04 ")+o.Start.TZID)
	}
	_, err := fmt.Fprintln(a.w, line)
	return err
}

func (a *agenda) OnEventComplete(_ context.Context, done model.Completion) error {
	msg := fmt.Sprintf("  %d occurrence(s)", done.Count)
	if done.Truncated {
		msg += ", " + a.warn("truncated")
	}
	if done.LastRecurrenceID != nil {
		msg += ", checkpoint " + done.LastRecurrenceID.UTC().Format(time.RFC3339)
	}
	_, err := fmt.Fprintln(a.w, a.subtle(msg))
	return err
}

// jsonSink writes each notification as a tagged JSON line.
type jsonSink struct {
	enc *json.Encoder
}

type jsonLine struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

func (j jsonSink) OnEvent(_ context.Context, ev model.Event) error {
	return j.enc.Encode(jsonLine{Kind: "event", Data: ev})
}

func (j jsonSink) OnComponent(_ context.Context, c model.Component) error {
	return j.enc.Encode(jsonLine{Kind: "component", Data: c})
}

func (j jsonSink) OnEventComplete(_ context.Context, done model.Completion) error {
	return j.enc.Encode(jsonLine{Kind: "complete", Data: done})
}
