package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/gallery-uploader/pkg/models"
)

func targetCommand() *cli.Command {
	return &cli.Command{
		Name:  "target",
		Usage: "Manage gallery targets",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Save a gallery target",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Target name", Required: true},
					&cli.StringFlag{Name: "api-url", Usage: "Studio API base URL"},
					&cli.StringFlag{Name: "target-id", Usage: "Gallery id on the studio API"},
					&cli.StringFlag{Name: "token", Usage: "Studio API token", EnvVars: []string{"GUPLOAD_TOKEN"}},
					&cli.StringFlag{Name: "bucket", Usage: "Bucket for self-hosted galleries"},
					&cli.StringFlag{Name: "endpoint", Usage: "Object storage endpoint, e.g. https://minio.local:9000"},
					&cli.StringFlag{Name: "prefix", Usage: "Object key prefix"},
					&cli.StringFlag{Name: "backend", Usage: "minio or s3", Value: "minio"},
					&cli.StringFlag{Name: "region", Usage: "Bucket region"},
					&cli.StringFlag{Name: "access-key", Usage: "Object storage access key", EnvVars: []string{"GUPLOAD_ACCESS_KEY"}},
					&cli.StringFlag{Name: "secret-key", Usage: "Object storage secret key", EnvVars: []string{"GUPLOAD_SECRET_KEY"}},
				},
				Action: addTarget,
			},
			{
				Name:   "list",
				Usage:  "List saved targets",
				Action: listTargets,
			},
		},
	}
}

func targetFromFlags(c *cli.Context) (*models.Target, error) {
	t := &models.Target{Name: c.String("name")}
	switch {
	case c.String("api-url") != "" && c.String("bucket") != "":
		return nil, errors.New("use either --api-url or --bucket, not both")
	case c.String("api-url") != "":
		if c.String("target-id") == "" {
			return nil, errors.New("--target-id is required with --api-url")
		}
		t.Kind = models.TargetAPI
		t.APIURL = c.String("api-url")
		t.TargetID = c.String("target-id")
		t.Token = c.String("token")
	case c.String("bucket") != "":
		backend := c.String("backend")
		if backend != "minio" && backend != "s3" {
			return nil, fmt.Errorf("unknown backend %q", backend)
		}
		if backend == "minio" && c.String("endpoint") == "" {
			return nil, errors.New("--endpoint is required for the minio backend")
		}
		t.Kind = models.TargetPresign
		t.Destination.Backend = backend
		t.Destination.Endpoint = c.String("endpoint")
		t.Destination.Bucket = c.String("bucket")
		t.Destination.Prefix = c.String("prefix")
		t.Destination.Region = c.String("region")
		t.Destination.AccessKey = c.String("access-key")
		t.Destination.SecretKey = c.String("secret-key")
	default:
		return nil, errors.New("either --api-url or --bucket is required")
	}
	return t, nil
}

func addTarget(c *cli.Context) error {
	t, err := targetFromFlags(c)
	if err != nil {
		return err
	}

	d, err := openDB(c)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.CreateTarget(t); err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	fmt.Printf("Target '%s' created successfully\n", t.Name)
	return nil
}

func listTargets(c *cli.Context) error {
	d, err := openDB(c)
	if err != nil {
		return err
	}
	defer d.Close()

	targets, err := d.ListTargets()
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	if len(targets) == 0 {
		fmt.Println("No targets yet. Add one with 'gupload target add'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tDESTINATION")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Kind, describeTarget(t))
	}
	return w.Flush()
}

func describeTarget(t models.Target) string {
	if t.Kind == models.TargetAPI {
		return fmt.Sprintf("%s (gallery %s)", t.APIURL, t.TargetID)
	}
	dest := fmt.Sprintf("%s://%s/%s", t.Destination.Backend, t.Destination.Endpoint, t.Destination.Bucket)
	if t.Destination.Prefix != "" {
		dest += "/" + t.Destination.Prefix
	}
	return dest
}
