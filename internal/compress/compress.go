// Package compress reduces the transport size of staged images.
//
// JPEG and PNG files are decoded, downsampled to fit a maximum dimension
// and re-encoded. Everything else, and anything that fails to decode, is
// passed through unchanged with its natural dimensions.
package compress

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	// decoders used for dimension probing
	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// Options controls compression
type Options struct {
	Enabled      bool
	MaxDimension int
	Quality      int
	Workers      int
}

// DefaultOptions returns the default compression settings
func DefaultOptions() Options {
	return Options{
		Enabled:      true,
		MaxDimension: 2048,
		Quality:      82,
		Workers:      runtime.NumCPU(),
	}
}

func withDefaults(o Options) Options {
	def := DefaultOptions()
	if o.MaxDimension <= 0 {
		o.MaxDimension = def.MaxDimension
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = def.Quality
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	return o
}

// Input is one file to compress
type Input struct {
	Index    int
	Source   models.Source
	MimeType string
}

// Result is the transport-ready form of a file. Blob is the original
// Source for every passthrough outcome.
type Result struct {
	Index        int
	Blob         models.Source
	MimeType     string
	Width        int
	Height       int
	Size         int64
	OriginalSize int64
	Outcome      models.CompressionOutcome
	Duration     time.Duration
	Err          error
}

// Saved is the number of bytes compression removed
func (r Result) Saved() int64 {
	if r.Outcome != models.CompressionApplied {
		return 0
	}
	return r.OriginalSize - r.Size
}

// Compressor re-encodes images within a bounded worker pool
type Compressor struct {
	opts Options
	log  *slog.Logger
}

// New creates a compressor
func New(opts Options, log *slog.Logger) *Compressor {
	if log == nil {
		log = slog.Default()
	}
	return &Compressor{opts: withDefaults(opts), log: log.With("component", "compress")}
}

// Options returns the effective options
func (c *Compressor) Options() Options {
	return c.opts
}

// Run compresses inputs concurrently, at most Workers at a time. Results
// are returned in input order.
func (c *Compressor) Run(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	for i, in := range inputs {
		g.Go(func() error {
			results[i] = c.Compress(ctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Compress handles a single file. It never fails the task: on any error
// the original bytes are returned with Outcome set to fallback.
func (c *Compressor) Compress(ctx context.Context, in Input) Result {
	start := time.Now()
	res := c.compress(ctx, in)
	res.Index = in.Index
	res.OriginalSize = in.Source.Size()
	res.Duration = time.Since(start)

	c.log.Debug("compressed",
		"file", in.Source.Name(),
		"outcome", res.Outcome,
		"original", in.Source.Size(),
		"size", res.Size,
		"width", res.Width,
		"height", res.Height,
		"duration", res.Duration,
	)
	if res.Outcome == models.CompressionFallback {
		c.log.Warn("compression failed, sending original", "file", in.Source.Name(), "error", res.Err)
	}
	return res
}

func (c *Compressor) compress(ctx context.Context, in Input) Result {
	if err := ctx.Err(); err != nil {
		return passthrough(in, models.CompressionNone, err)
	}
	if !c.opts.Enabled {
		return probed(in, models.CompressionDisabled, nil)
	}
	if in.MimeType != "image/jpeg" && in.MimeType != "image/png" {
		return probed(in, models.CompressionIneligible, nil)
	}

	data, err := readAll(in.Source)
	if err != nil {
		return probed(in, models.CompressionFallback, errs.Wrap(errs.ErrCompressionFailed, err))
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return probed(in, models.CompressionFallback, errs.Wrap(errs.ErrCompressionFailed, err))
	}
	origW, origH := src.Bounds().Dx(), src.Bounds().Dy()

	if err := ctx.Err(); err != nil {
		return passthrough(in, models.CompressionNone, err)
	}

	img := fit(src, c.opts.MaxDimension)

	var buf bytes.Buffer
	switch in.MimeType {
	case "image/jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.opts.Quality})
	case "image/png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	}
	if err != nil {
		return sized(in, origW, origH, models.CompressionFallback, errs.Wrap(errs.ErrCompressionFailed, err))
	}

	if int64(buf.Len()) >= in.Source.Size() {
		return sized(in, origW, origH, models.CompressionLarger, nil)
	}

	return Result{
		Blob:     &models.MemFile{FileName: in.Source.Path(), Data: buf.Bytes()},
		MimeType: in.MimeType,
		Width:    img.Bounds().Dx(),
		Height:   img.Bounds().Dy(),
		Size:     int64(buf.Len()),
		Outcome:  models.CompressionApplied,
	}
}

// fit downsamples img to fit within maxDim on its longest side, keeping the
// aspect ratio. Images already small enough are returned as is.
func fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	nw, nh := scaledSize(w, h, maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func scaledSize(w, h, maxDim int) (int, int) {
	if w >= h {
		nh := int(float64(h)*float64(maxDim)/float64(w) + 0.5)
		return maxDim, max(nh, 1)
	}
	nw := int(float64(w)*float64(maxDim)/float64(h) + 0.5)
	return max(nw, 1), maxDim
}

// Probe reads the image header and returns its dimensions, or 0x0 when
// the format is unknown or the header is damaged.
func Probe(src models.Source) (int, int) {
	f, err := src.Open()
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func probed(in Input, outcome models.CompressionOutcome, err error) Result {
	w, h := Probe(in.Source)
	return sized(in, w, h, outcome, err)
}

func sized(in Input, w, h int, outcome models.CompressionOutcome, err error) Result {
	res := passthrough(in, outcome, err)
	res.Width, res.Height = w, h
	return res
}

func passthrough(in Input, outcome models.CompressionOutcome, err error) Result {
	return Result{
		Blob:     in.Source,
		MimeType: in.MimeType,
		Size:     in.Source.Size(),
		Outcome:  outcome,
		Err:      err,
	}
}

func readAll(src models.Source) ([]byte, error) {
	f, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src.Name(), err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
