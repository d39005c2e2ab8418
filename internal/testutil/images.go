// Package testutil provides test image generators and fixtures.
package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"

	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// ImageGenerator produces deterministic noisy images so encoders have
// real work to do.
type ImageGenerator struct {
	rand *rand.Rand
}

// NewImageGenerator creates a generator with a seeded random source.
func NewImageGenerator(seed int64) *ImageGenerator {
	return &ImageGenerator{rand: rand.New(rand.NewSource(seed))}
}

// RGBA returns a w x h image of a gradient overlaid with noise.
func (g *ImageGenerator) RGBA(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*255)/max(w, 1)) ^ uint8(g.rand.Intn(64)),
				G: uint8((y*255)/max(h, 1)) ^ uint8(g.rand.Intn(64)),
				B: uint8(g.rand.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

// JPEG encodes a generated image at the given quality.
func (g *ImageGenerator) JPEG(w, h, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, g.RGBA(w, h), &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// PNG encodes a generated image without compression.
func (g *ImageGenerator) PNG(w, h int) []byte {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, g.RGBA(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEGFile wraps a generated JPEG as an in-memory Source.
func (g *ImageGenerator) JPEGFile(name string, w, h int) *models.MemFile {
	return &models.MemFile{FileName: name, Data: g.JPEG(w, h, 95)}
}

// JPEGFiles returns n distinct small JPEG sources named photo-0001.jpg ...
func (g *ImageGenerator) JPEGFiles(n, w, h int) []models.Source {
	files := make([]models.Source, n)
	for i := range files {
		files[i] = g.JPEGFile(fmt.Sprintf("photo-%04d.jpg", i+1), w, h)
	}
	return files
}
