package engine

import (
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// Stats derives a snapshot of the session
func (e *Engine) Stats() models.SessionStats {
	var s models.SessionStats
	var remaining int64

	e.mu.Lock()
	for _, t := range e.tasks {
		s.Total++
		switch t.Status {
		case models.StatusQueued:
			s.Queued++
		case models.StatusCompressing:
			s.Compressing++
		case models.StatusUploading:
			s.Uploading++
		case models.StatusCompleted:
			s.Completed++
			s.UploadedBytes += t.TransportSize()
		case models.StatusError:
			s.Failed++
		}

		s.OriginalBytes += t.OriginalSize
		if t.result != nil {
			s.CompressedBytes += t.CompressedSize
			s.BytesSaved += t.result.Saved()
		} else {
			s.CompressedBytes += t.OriginalSize
		}
		if t.Compression.Fallback() {
			s.CompressionFallbacks++
		}
		if !t.Status.Terminal() {
			remaining += t.TransportSize() - t.sent
		}
	}
	s.Rejected = e.rejected
	e.mu.Unlock()

	s.ThroughputBps = e.meter.Rate()
	s.ETASeconds = int64(e.meter.ETA(remaining).Seconds())
	s.Permits = e.ctrl.Concurrency()
	s.InFlight = e.exec.InFlight()
	s.Paused = e.gate.Paused()
	return s
}
