package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"golang.org/x/term"

	"github.com/chmdznr/gallery-uploader/internal/concurrency"
	"github.com/chmdznr/gallery-uploader/internal/engine"
	"github.com/chmdznr/gallery-uploader/internal/transfer"
	"github.com/chmdznr/gallery-uploader/internal/validate"
	"github.com/chmdznr/gallery-uploader/pkg/models"
	"github.com/chmdznr/gallery-uploader/pkg/utils"
)

func uploadFlags() []cli.Flag {
	def := engine.DefaultConfig()
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "target",
			Usage:   "Target name",
			EnvVars: []string{"GUPLOAD_TARGET"},
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:    "compress",
			Usage:   "Downscale and re-encode JPEG and PNG files before upload",
			Value:   true,
			EnvVars: []string{"GUPLOAD_COMPRESS"},
		}),
		&cli.BoolFlag{
			Name:  "no-compress",
			Usage: "Send original files",
		},
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "max-dimension",
			Usage:   "Longest side in pixels after compression",
			Value:   def.Compression.MaxDimension,
			EnvVars: []string{"GUPLOAD_MAX_DIMENSION"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "quality",
			Usage:   "JPEG quality (1-100)",
			Value:   def.Compression.Quality,
			EnvVars: []string{"GUPLOAD_QUALITY"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "batch",
			Usage:   "Files per destination request (max 100)",
			Value:   def.BatchSize,
			EnvVars: []string{"GUPLOAD_BATCH"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "min-concurrency",
			Usage:   "Lowest number of parallel transfers",
			Value:   def.Concurrency.Min,
			EnvVars: []string{"GUPLOAD_MIN_CONCURRENCY"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "max-concurrency",
			Usage:   "Highest number of parallel transfers",
			Value:   def.Concurrency.Max,
			EnvVars: []string{"GUPLOAD_MAX_CONCURRENCY"},
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "workers",
			Usage:   "Parallel compression workers",
			Value:   runtime.NumCPU(),
			EnvVars: []string{"GUPLOAD_WORKERS"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "max-size",
			Usage:   "Largest accepted file, e.g. 50MiB",
			Value:   humanize.IBytes(uint64(def.Validation.MaxFileSize)),
			EnvVars: []string{"GUPLOAD_MAX_SIZE"},
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "Time limit for a single file transfer",
			Value:   2 * time.Minute,
			EnvVars: []string{"GUPLOAD_TIMEOUT"},
		}),
		&cli.BoolFlag{
			Name:  "plain",
			Usage: "Log progress lines instead of drawing a progress bar",
		},
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "retries",
			Usage:   "Automatic retry rounds for failed uploads",
			Value:   0,
			EnvVars: []string{"GUPLOAD_RETRIES"},
		}),
	}
}

func uploadCommand() *cli.Command {
	flags := uploadFlags()
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload photos to a gallery target",
		ArgsUsage: "PATH...",
		Flags:     flags,
		Before:    altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc("config")),
		Action:    runUpload,
	}
}

// configFromFlags builds the session settings from upload flags
func configFromFlags(c *cli.Context) (engine.Config, error) {
	cfg := engine.DefaultConfig()

	cfg.BatchSize = c.Int("batch")
	if cfg.BatchSize <= 0 || cfg.BatchSize > 100 {
		return cfg, fmt.Errorf("--batch must be between 1 and 100, got %d", cfg.BatchSize)
	}

	cfg.Compression.Enabled = c.Bool("compress") && !c.Bool("no-compress")
	cfg.Compression.MaxDimension = c.Int("max-dimension")
	cfg.Compression.Quality = c.Int("quality")
	cfg.Compression.Workers = c.Int("workers")

	lo, hi := c.Int("min-concurrency"), c.Int("max-concurrency")
	if lo < 1 || hi < lo {
		return cfg, fmt.Errorf("invalid concurrency range %d-%d", lo, hi)
	}
	cfg.Concurrency = concurrency.DefaultConfig()
	cfg.Concurrency.Min, cfg.Concurrency.Max = lo, hi

	maxSize, err := humanize.ParseBytes(c.String("max-size"))
	if err != nil {
		return cfg, fmt.Errorf("--max-size: %w", err)
	}
	cfg.Validation = validate.DefaultConfig()
	cfg.Validation.MaxFileSize = int64(maxSize)
	return cfg, nil
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func runUpload(c *cli.Context) error {
	name := c.String("target")
	if name == "" {
		return errors.New("--target is required")
	}
	if c.NArg() == 0 {
		return errors.New("at least one PATH is required")
	}
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}

	d, err := openDB(c)
	if err != nil {
		return err
	}
	defer d.Close()

	target, err := d.GetTarget(name)
	if err != nil {
		return fmt.Errorf("failed to get target: %w", err)
	}
	cfg.TargetID = target.TargetID
	cfg.TargetName = target.Name

	// the progress bar owns the terminal; logs go to a file next to the db
	interactive := !c.Bool("plain") && isInteractive()
	var logOut io.Writer = os.Stderr
	if interactive {
		f, err := os.OpenFile(c.String("db")+".log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log := newLogger(c, logOut)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, err := newBroker(ctx, target, log)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	tr := transfer.NewHTTPTransport(transfer.HTTPOptions{Timeout: c.Duration("timeout")}, log)

	eng, err := engine.New(cfg, engine.Deps{
		Broker:    br,
		Transport: tr,
		History:   d,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	files, err := collectFiles(c.Args().Slice())
	if err != nil {
		return err
	}
	added := eng.Add(files...)
	printRejections(added.Rejections)
	if len(added.Tasks) == 0 {
		fmt.Println("Nothing to upload")
		return nil
	}
	fmt.Printf("Uploading %s files to '%s'\n", utils.FormatCount(int64(len(added.Tasks))), target.Name)

	ui := newProgressUI(eng, interactive, log)
	ui.start()
	start := time.Now()

	stats, runErr := eng.Run(ctx)
	for round := 0; runErr == nil; {
		// files retried from the keyboard after the last batch was cut
		if pending(stats) > 0 {
			stats, runErr = eng.Run(ctx)
			continue
		}
		if stats.Failed == 0 || round >= c.Int("retries") {
			break
		}
		round++
		n := eng.RetryFailed()
		log.Info("automatic retry", "round", round, "files", n)
		stats, runErr = eng.Run(ctx)
	}
	ui.stop()

	printSummary(stats, eng.Tasks(), time.Since(start))
	if runErr != nil {
		return runErr
	}
	if stats.Failed > 0 {
		return cli.Exit(fmt.Sprintf("%d uploads failed", stats.Failed), 1)
	}
	return nil
}

func printRejections(r validate.Rejections) {
	if r.Len() == 0 {
		return
	}
	yellow := color.New(color.FgYellow)
	yellow.Printf("Skipped %d files:\n", r.Len())
	for _, reason := range slices.Sorted(maps.Keys(r.ByReason)) {
		fmt.Printf("  %s: %d\n", reason, r.ByReason[reason])
	}
	for _, v := range r.Items {
		fmt.Printf("  %s: %v\n", v.Source.Path(), v.Err())
	}
}

func printSummary(stats models.SessionStats, tasks []models.FileTask, elapsed time.Duration) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Printf("\nUpload Summary:\n")
	green.Printf("- Completed: %s files (%s)\n", utils.FormatCount(int64(stats.Completed)), utils.FormatSize(stats.UploadedBytes))
	fmt.Printf("- Elapsed: %s\n", utils.FormatDuration(elapsed))
	if stats.BytesSaved > 0 && stats.OriginalBytes > 0 {
		pct := float64(stats.BytesSaved) / float64(stats.OriginalBytes) * 100
		fmt.Printf("- Saved by compression: %s (%.1f%%)\n", utils.FormatSize(stats.BytesSaved), pct)
	}
	if stats.CompressionFallbacks > 0 {
		yellow.Printf("- Sent uncompressed after errors: %d\n", stats.CompressionFallbacks)
	}
	if stats.Rejected > 0 {
		yellow.Printf("- Rejected: %d\n", stats.Rejected)
	}
	if stats.Failed > 0 {
		red.Printf("- Failed: %d\n", stats.Failed)
		for _, t := range tasks {
			if t.Status == models.StatusError {
				fmt.Printf("  %s: %s\n", t.Path, t.Err)
			}
		}
	}
	if n := pending(stats); n > 0 {
		fmt.Printf("- Not started: %d\n", n)
	}
}

// pending counts files staged or retried but not yet sent
func pending(s models.SessionStats) int {
	return s.Queued + s.Compressing + s.Uploading
}
