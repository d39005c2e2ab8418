package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/gallery-uploader/pkg/utils"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show confirmed uploads for a target",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "target", Usage: "Target name", Required: true},
			&cli.IntFlag{Name: "limit", Usage: "Number of uploads to show (0 for all)", Value: 20},
		},
		Action: showHistory,
	}
}

func showHistory(c *cli.Context) error {
	name := c.String("target")

	d, err := openDB(c)
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := d.GetTarget(name); err != nil {
		return fmt.Errorf("failed to get target: %w", err)
	}
	stats, err := d.Stats(name)
	if err != nil {
		return err
	}
	recs, err := d.ListUploads(name, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list uploads: %w", err)
	}

	fmt.Printf("Target: %s\n", name)
	fmt.Printf("Uploads: %s\n", utils.FormatCount(stats.Uploads))
	fmt.Printf("Original Size: %s\n", utils.FormatSize(stats.OriginalBytes))
	fmt.Printf("Uploaded Size: %s\n", utils.FormatSize(stats.UploadedBytes))
	if !stats.LastUpload.IsZero() {
		fmt.Printf("Last Upload: %s\n", humanize.Time(stats.LastUpload))
	}
	if len(recs) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONFIRMED\tFILE\tSIZE\tDIMENSIONS\tKEY")
	for _, r := range recs {
		dims := "-"
		if r.Width > 0 {
			dims = fmt.Sprintf("%dx%d", r.Width, r.Height)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ConfirmedAt.Local().Format("2006-01-02 15:04:05"),
			r.Filename,
			utils.FormatSize(r.ByteSize),
			dims,
			r.Token,
		)
	}
	return w.Flush()
}
