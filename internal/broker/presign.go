package broker

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/internal/transfer"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// Presigner issues a URL that accepts a single PUT of key
type Presigner interface {
	PresignPut(ctx context.Context, key, mimeType string, expiry time.Duration) (string, error)
}

// PresignOptions configures PresignBroker
type PresignOptions struct {
	Prefix string
	Expiry time.Duration
	Now    func() time.Time
}

// PresignBroker hands out presigned object storage URLs for self-hosted
// galleries. The confirmation token is the object key; only keys issued
// by this broker and not yet confirmed are accepted.
type PresignBroker struct {
	presigner Presigner
	opts      PresignOptions
	log       *slog.Logger

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewPresignBroker creates a broker
func NewPresignBroker(p Presigner, opts PresignOptions, log *slog.Logger) *PresignBroker {
	if opts.Expiry <= 0 {
		opts.Expiry = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	if log == nil {
		log = slog.Default()
	}
	return &PresignBroker{
		presigner: p,
		opts:      opts,
		log:       log.With("component", "broker", "backend", "presign"),
		issued:    make(map[string]struct{}),
	}
}

// RequestDestinations presigns one object per file. A file that cannot be
// presigned is left out and will be reported as denied.
func (b *PresignBroker) RequestDestinations(ctx context.Context, req DestinationRequest) ([]models.Destination, error) {
	dests := make([]models.Destination, 0, len(req.Files))
	for _, f := range req.Files {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.ErrCanceled, err)
		}
		key := b.objectKey(f)
		u, err := b.presigner.PresignPut(ctx, key, f.MimeType, b.opts.Expiry)
		if err != nil {
			b.log.Warn("presign failed", "file", f.OriginalFilename, "key", key, "error", err)
			continue
		}
		b.mu.Lock()
		b.issued[key] = struct{}{}
		b.mu.Unlock()
		dests = append(dests, models.Destination{
			LocalID:           f.LocalID,
			UploadTarget:      u,
			ConfirmationToken: key,
		})
	}
	return dests, nil
}

// ConfirmUploads accepts the batch when every token is an outstanding
// key. A batch with an unknown token is rejected as a whole.
func (b *PresignBroker) ConfirmUploads(ctx context.Context, req ConfirmRequest) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCanceled, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range req.Uploads {
		if _, ok := b.issued[u.ConfirmationToken]; !ok {
			return errs.New("confirm uploads", errs.Wrap(errs.ErrConfirmationFailed,
				fmt.Errorf("unknown confirmation token %q", u.ConfirmationToken)))
		}
	}
	for _, u := range req.Uploads {
		delete(b.issued, u.ConfirmationToken)
	}
	b.log.Debug("uploads confirmed", "count", len(req.Uploads), "outstanding", len(b.issued))
	return nil
}

func (b *PresignBroker) objectKey(f FileSpec) string {
	now := b.opts.Now().UTC()
	name := uuid.NewString() + extension(f)
	return path.Join(b.opts.Prefix, now.Format("2006"), now.Format("01"), now.Format("02"), name)
}

func extension(f FileSpec) string {
	if ext := strings.ToLower(filepath.Ext(f.OriginalFilename)); ext != "" {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(f.MimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// MinioOptions configures a MinIO compatible backend
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Insecure  bool
}

// MinioPresigner presigns with minio-go
type MinioPresigner struct {
	client *minio.Client
	bucket string
}

// NewMinioPresigner creates a presigner for a MinIO compatible endpoint
func NewMinioPresigner(opts MinioOptions) (*MinioPresigner, error) {
	region := opts.Region
	if region == "" {
		region = "auto"
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        miniocreds.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       !opts.Insecure,
		Transport:    transfer.NewTunedTransport(),
		Region:       region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return &MinioPresigner{client: client, bucket: opts.Bucket}, nil
}

// PresignPut returns a presigned PUT URL for key
func (p *MinioPresigner) PresignPut(ctx context.Context, key, _ string, expiry time.Duration) (string, error) {
	u, err := p.client.PresignedPutObject(ctx, p.bucket, key, expiry)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", p.bucket, key, err)
	}
	return u.String(), nil
}

// S3Options configures an S3 backend
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// S3Presigner presigns with the AWS SDK
type S3Presigner struct {
	client *s3.PresignClient
	bucket string
}

// NewS3Presigner creates a presigner. Static credentials are used when
// given, otherwise the default AWS credential chain applies. A custom
// endpoint switches to path style addressing.
func NewS3Presigner(ctx context.Context, opts S3Options) (*S3Presigner, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &S3Presigner{client: s3.NewPresignClient(client), bucket: opts.Bucket}, nil
}

// PresignPut returns a presigned PUT URL for key bound to mimeType
func (p *S3Presigner) PresignPut(ctx context.Context, key, mimeType string, expiry time.Duration) (string, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if mimeType != "" {
		in.ContentType = aws.String(mimeType)
	}
	req, err := p.client.PresignPutObject(ctx, in, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", p.bucket, key, err)
	}
	return req.URL, nil
}
