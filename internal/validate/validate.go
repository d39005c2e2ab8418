// Package validate classifies staged files before they enter the upload
// pipeline. Rejection is a value, never an error.
package validate

import (
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"

	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// sniffLen matches mimetype's default read limit
const sniffLen = 3072

// RejectReason explains why a file was refused
type RejectReason string

const (
	ReasonUnsupportedType RejectReason = "unsupported_type"
	ReasonTooLarge        RejectReason = "too_large"
	ReasonEmpty           RejectReason = "empty"
	ReasonUnreadable      RejectReason = "unreadable"
	ReasonDuplicate       RejectReason = "duplicate"
)

// DefaultAllowedTypes are the image media types accepted by default
var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/heic",
	"image/heif",
	"image/tiff",
	"image/bmp",
}

// Config holds validation limits
type Config struct {
	AllowedTypes []string
	MaxFileSize  int64
}

// DefaultConfig returns the default validation limits
func DefaultConfig() Config {
	return Config{
		AllowedTypes: DefaultAllowedTypes,
		MaxFileSize:  50 << 20,
	}
}

// Verdict is the classification of one file
type Verdict struct {
	Source      models.Source
	Accepted    bool
	Reason      RejectReason
	Detail      string
	MimeType    string
	Size        int64
	Fingerprint string
}

// Validator checks media type and size against an allow-list
type Validator struct {
	allowed map[string]struct{}
	maxSize int64
}

// New creates a validator; a zero Config field falls back to its default
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = def.AllowedTypes
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[strings.ToLower(t)] = struct{}{}
	}
	return &Validator{allowed: allowed, maxSize: cfg.MaxFileSize}
}

// Validate classifies a single file. The content is read once: the head
// is sniffed for its media type and the whole stream is fingerprinted.
func (v *Validator) Validate(src models.Source) Verdict {
	verdict := Verdict{Source: src, Size: src.Size()}

	if verdict.Size <= 0 {
		return reject(verdict, ReasonEmpty, "file is empty")
	}
	if verdict.Size > v.maxSize {
		return reject(verdict, ReasonTooLarge,
			fmt.Sprintf("%d bytes exceeds limit of %d", verdict.Size, v.maxSize))
	}

	f, err := src.Open()
	if err != nil {
		return reject(verdict, ReasonUnreadable, err.Error())
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return reject(verdict, ReasonUnreadable, err.Error())
	}
	head = head[:n]

	verdict.MimeType = detectType(head, src.Name())
	if _, ok := v.allowed[verdict.MimeType]; !ok {
		return reject(verdict, ReasonUnsupportedType, verdict.MimeType)
	}

	h, _ := blake2b.New256(nil)
	h.Write(head)
	if _, err := io.Copy(h, f); err != nil {
		return reject(verdict, ReasonUnreadable, err.Error())
	}
	verdict.Fingerprint = hex.EncodeToString(h.Sum(nil))
	verdict.Accepted = true
	return verdict
}

// ValidateAll classifies files in order. Paths and fingerprints already
// present in seen, or repeated within srcs, are rejected as duplicates;
// accepted files are added to seen.
func (v *Validator) ValidateAll(srcs []models.Source, seen *Registry) ([]Verdict, Rejections) {
	if seen == nil {
		seen = NewRegistry()
	}
	accepted := make([]Verdict, 0, len(srcs))
	var rejections Rejections
	for _, src := range srcs {
		if seen.HasPath(src.Path()) {
			rejections.add(reject(Verdict{Source: src, Size: src.Size()}, ReasonDuplicate, "path already staged"))
			continue
		}
		verdict := v.Validate(src)
		if !verdict.Accepted {
			rejections.add(verdict)
			continue
		}
		if seen.HasFingerprint(verdict.Fingerprint) {
			rejections.add(reject(verdict, ReasonDuplicate, "identical content already staged"))
			continue
		}
		seen.Add(src.Path(), verdict.Fingerprint)
		accepted = append(accepted, verdict)
	}
	return accepted, rejections
}

// Err describes a rejection as an error matching errs.ErrValidationRejected.
// It is nil for accepted files.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	cause := fmt.Errorf("%s", v.Reason)
	if v.Detail != "" {
		cause = fmt.Errorf("%s (%s)", v.Reason, v.Detail)
	}
	return errs.New("validate", errs.Wrap(errs.ErrValidationRejected, cause))
}

func reject(v Verdict, reason RejectReason, detail string) Verdict {
	v.Accepted = false
	v.Reason = reason
	v.Detail = detail
	return v
}

// detectType sniffs content first and falls back to the file extension
// when the content is not recognised.
func detectType(head []byte, name string) string {
	if mt := mimetype.Detect(head); mt != nil && !mt.Is("application/octet-stream") {
		return normalize(mt.String())
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return normalize(t)
	}
	return "application/octet-stream"
}

// normalize drops media type parameters such as "; charset=utf-8"
func normalize(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// Rejections aggregates refused files for reporting
type Rejections struct {
	Items    []Verdict
	ByReason map[RejectReason]int
}

func (r *Rejections) add(v Verdict) {
	if r.ByReason == nil {
		r.ByReason = make(map[RejectReason]int)
	}
	r.Items = append(r.Items, v)
	r.ByReason[v.Reason]++
}

// Len is the number of rejected files
func (r Rejections) Len() int {
	return len(r.Items)
}

// Registry remembers staged paths and content fingerprints. Not safe for
// concurrent use.
type Registry struct {
	paths map[string]struct{}
	sums  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		paths: make(map[string]struct{}),
		sums:  make(map[string]struct{}),
	}
}

func (r *Registry) HasPath(path string) bool {
	_, ok := r.paths[path]
	return ok
}

func (r *Registry) HasFingerprint(sum string) bool {
	if sum == "" {
		return false
	}
	_, ok := r.sums[sum]
	return ok
}

func (r *Registry) Add(path, sum string) {
	r.paths[path] = struct{}{}
	if sum != "" {
		r.sums[sum] = struct{}{}
	}
}

// Forget removes a path and fingerprint so the file can be staged again
func (r *Registry) Forget(path, sum string) {
	delete(r.paths, path)
	delete(r.sums, sum)
}
