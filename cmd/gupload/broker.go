package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chmdznr/gallery-uploader/internal/broker"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// newBroker builds the destination broker for a saved target
func newBroker(ctx context.Context, t *models.Target, log *slog.Logger) (broker.Broker, error) {
	switch t.Kind {
	case models.TargetAPI:
		return broker.NewHTTPClient(broker.HTTPOptions{BaseURL: t.APIURL, Token: t.Token}, log)

	case models.TargetPresign:
		var p broker.Presigner
		var err error
		dest := t.Destination
		switch dest.Backend {
		case "s3":
			p, err = broker.NewS3Presigner(ctx, broker.S3Options{
				Endpoint:  dest.Endpoint,
				Region:    dest.Region,
				AccessKey: dest.AccessKey,
				SecretKey: dest.SecretKey,
				Bucket:    dest.Bucket,
			})
		default:
			host, insecure := splitEndpoint(dest.Endpoint)
			p, err = broker.NewMinioPresigner(broker.MinioOptions{
				Endpoint:  host,
				AccessKey: dest.AccessKey,
				SecretKey: dest.SecretKey,
				Bucket:    dest.Bucket,
				Region:    dest.Region,
				Insecure:  insecure,
			})
		}
		if err != nil {
			return nil, err
		}
		return broker.NewPresignBroker(p, broker.PresignOptions{Prefix: dest.Prefix}, log), nil
	}
	return nil, fmt.Errorf("target %s: unknown kind %q", t.Name, t.Kind)
}

// splitEndpoint strips an optional scheme from a MinIO endpoint. Plain
// http means an insecure connection; no scheme means TLS.
func splitEndpoint(endpoint string) (string, bool) {
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return strings.TrimRight(rest, "/"), true
	}
	return strings.TrimRight(strings.TrimPrefix(endpoint, "https://"), "/"), false
}
