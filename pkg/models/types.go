package models

import "time"

// Status is the lifecycle state of a FileTask
type Status string

const (
	StatusQueued      Status = "queued"
	StatusCompressing Status = "compressing"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Terminal reports whether no further work is scheduled for the status
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CompressionOutcome records what the compressor did with a file
type CompressionOutcome string

const (
	CompressionNone       CompressionOutcome = ""
	CompressionApplied    CompressionOutcome = "compressed"
	CompressionDisabled   CompressionOutcome = "passthrough_disabled"
	CompressionIneligible CompressionOutcome = "passthrough_ineligible"
	CompressionLarger     CompressionOutcome = "passthrough_larger"
	CompressionFallback   CompressionOutcome = "fallback_failed"
)

// Fallback reports whether compression was attempted and failed
func (c CompressionOutcome) Fallback() bool {
	return c == CompressionFallback
}

// FileTask is a single file moving through an upload session
type FileTask struct {
	ID             string
	Path           string
	Filename       string
	MimeType       string
	Seq            int
	Batch          int
	Status         Status
	Progress       int
	OriginalSize   int64
	CompressedSize int64
	Width          int
	Height         int
	Compression    CompressionOutcome
	Fingerprint    string
	Attempts       int
	Err            string
	AddedAt        time.Time
	UpdatedAt      time.Time
}

// TransportSize is the number of bytes that will be sent for the task
func (t FileTask) TransportSize() int64 {
	if t.CompressedSize > 0 {
		return t.CompressedSize
	}
	return t.OriginalSize
}

// Destination is a single-use upload target issued by the server
type Destination struct {
	LocalID           string `json:"localId"`
	UploadTarget      string `json:"uploadTarget"`
	ConfirmationToken string `json:"confirmationToken"`
}

// ConcurrencyState is the adaptive controller's current estimate
type ConcurrencyState struct {
	Permits              int
	Min                  int
	Max                  int
	ThroughputBps        float64
	LatencyMs            float64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailure          time.Time
}

// SessionStats is a derived snapshot of an upload session
type SessionStats struct {
	Total                int
	Queued               int
	Compressing          int
	Uploading            int
	Completed            int
	Failed               int
	Rejected             int
	OriginalBytes        int64
	CompressedBytes      int64
	BytesSaved           int64
	UploadedBytes        int64
	ThroughputBps        float64
	ETASeconds           int64
	Permits              int
	InFlight             int
	Paused               bool
	CompressionFallbacks int
}

// Done reports whether every task reached a terminal state
func (s SessionStats) Done() bool {
	return s.Queued == 0 && s.Compressing == 0 && s.Uploading == 0
}

// TargetKind selects how destinations are obtained for a target
type TargetKind string

const (
	TargetAPI     TargetKind = "api"
	TargetPresign TargetKind = "presign"
)

// Target is a saved gallery upload target
type Target struct {
	Name        string
	Kind        TargetKind
	APIURL      string
	TargetID    string
	Token       string
	Destination struct {
		Backend   string
		Endpoint  string
		Bucket    string
		Prefix    string
		Region    string
		AccessKey string
		SecretKey string
	}
}

// UploadRecord is a confirmed upload kept in the local history
type UploadRecord struct {
	Target       string
	LocalID      string
	Path         string
	Filename     string
	MimeType     string
	OriginalSize int64
	ByteSize     int64
	Width        int
	Height       int
	Fingerprint  string
	Token        string
	ConfirmedAt  time.Time
}

// HistoryStats summarises confirmed uploads for a target
type HistoryStats struct {
	Uploads       int64
	OriginalBytes int64
	UploadedBytes int64
	LastUpload    time.Time
}
