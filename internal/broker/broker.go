// Package broker obtains single-use upload destinations and confirms
// finished uploads with the gallery backend.
package broker

import (
	"context"

	"github.com/chmdznr/gallery-uploader/pkg/models"
)

const (
	// DefaultBatchSize is the number of files per destination request
	DefaultBatchSize = 50
	// MaxBatchSize is the largest request the backend accepts
	MaxBatchSize = 100
)

// FileSpec describes one file in a destination request
type FileSpec struct {
	LocalID          string `json:"localId"`
	MimeType         string `json:"mimeType"`
	ByteSize         int64  `json:"byteSize"`
	OriginalFilename string `json:"originalFilename"`
}

// DestinationRequest asks for one destination per file
type DestinationRequest struct {
	TargetID string     `json:"targetId"`
	Files    []FileSpec `json:"files"`
}

// ConfirmItem reports one uploaded file
type ConfirmItem struct {
	ConfirmationToken string `json:"confirmationToken"`
	OriginalFilename  string `json:"originalFilename"`
	ByteSize          int64  `json:"byteSize"`
	MimeType          string `json:"mimeType"`
	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
}

// ConfirmRequest confirms the successful uploads of one batch
type ConfirmRequest struct {
	TargetID string        `json:"targetId"`
	Uploads  []ConfirmItem `json:"uploads"`
}

// Broker is the gallery backend
type Broker interface {
	RequestDestinations(ctx context.Context, req DestinationRequest) ([]models.Destination, error)
	ConfirmUploads(ctx context.Context, req ConfirmRequest) error
}

// Match pairs destinations with the requested files by local id.
// Requested ids without a destination are returned as denied, in request
// order. Destinations for ids that were not requested are ignored.
func Match(files []FileSpec, dests []models.Destination) (map[string]models.Destination, []string) {
	requested := make(map[string]bool, len(files))
	for _, f := range files {
		requested[f.LocalID] = true
	}

	matched := make(map[string]models.Destination, len(dests))
	for _, d := range dests {
		if !requested[d.LocalID] || d.UploadTarget == "" {
			continue
		}
		if _, dup := matched[d.LocalID]; !dup {
			matched[d.LocalID] = d
		}
	}

	var denied []string
	for _, f := range files {
		if _, ok := matched[f.LocalID]; !ok {
			denied = append(denied, f.LocalID)
		}
	}
	return matched, denied
}

// Span is a half-open range of positions
type Span struct {
	Start int
	End   int
}

// Len returns the number of positions in the span
func (s Span) Len() int {
	return s.End - s.Start
}

// SplitBatches cuts n items into consecutive batches of at most size
func SplitBatches(n, size int) []Span {
	size = BatchSize(size)
	var spans []Span
	for start := 0; start < n; start += size {
		spans = append(spans, Span{Start: start, End: min(start+size, n)})
	}
	return spans
}

// BatchSize clamps size to the accepted range
func BatchSize(size int) int {
	if size <= 0 {
		return DefaultBatchSize
	}
	return min(size, MaxBatchSize)
}
