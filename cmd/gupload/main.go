package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/chmdznr/gallery-uploader/internal/db"
	"github.com/chmdznr/gallery-uploader/internal/logging"
	"github.com/chmdznr/gallery-uploader/pkg/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	globalFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "YAML file with default flag values",
			EnvVars: []string{"GUPLOAD_CONFIG"},
		},
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "db",
			Usage:   "Path to the history database",
			Value:   "gupload.db",
			EnvVars: []string{"GUPLOAD_DB"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "log-level",
			Usage:   "debug, info, warn or error",
			Value:   "info",
			EnvVars: []string{"GUPLOAD_LOG_LEVEL"},
		}),
	}

	return &cli.App{
		Name:                 "gupload",
		Usage:                "Bulk photo uploader for online galleries",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags:                globalFlags,
		Before:               altsrc.InitInputSourceWithContext(globalFlags, altsrc.NewYamlSourceFromFlagFunc("config")),
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			targetCommand(),
			uploadCommand(),
			historyCommand(),
		},
	}
}

func openDB(c *cli.Context) (*db.DB, error) {
	d, err := db.New(c.String("db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return d, nil
}

func newLogger(c *cli.Context, w io.Writer) *slog.Logger {
	return logging.NewWithWriter(w, "gupload", c.String("log-level"))
}
