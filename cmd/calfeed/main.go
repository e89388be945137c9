package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

const (
	appName    = "calfeed"
	appVersion = "0.1.0"
)

func main() {
	app := cli.App{
		Name:    appName,
		Usage:   "ingest ICS calendar feeds and expand their recurrences",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:   "config",
				Usage:  "Path to config file",
				Value:  "/etc/calfeed/config.yaml",
				EnvVar: "CALFEED_CONFIG",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Output debug messages",
			},
		},
		Commands: []cli.Command{
			ingestCmd,
			syncCmd,
			serveCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
