// Package engine runs bulk upload sessions: files are validated, batched,
// compressed, sent to backend-issued destinations with adaptive
// parallelism and confirmed batch by batch in submission order.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chmdznr/gallery-uploader/internal/broker"
	"github.com/chmdznr/gallery-uploader/internal/compress"
	"github.com/chmdznr/gallery-uploader/internal/concurrency"
	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/internal/transfer"
	"github.com/chmdznr/gallery-uploader/internal/validate"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// Compressor turns staged files into transport-ready blobs
type Compressor interface {
	Run(ctx context.Context, inputs []compress.Input) []compress.Result
	Options() compress.Options
}

// History stores confirmed uploads
type History interface {
	RecordUploads(target string, recs []models.UploadRecord) error
}

// Config holds session settings
type Config struct {
	// TargetID is sent to the broker with every request
	TargetID string
	// TargetName labels history records
	TargetName  string
	BatchSize   int
	Validation  validate.Config
	Compression compress.Options
	Concurrency concurrency.Config
}

// DefaultConfig returns the default session settings
func DefaultConfig() Config {
	return Config{
		BatchSize:   broker.DefaultBatchSize,
		Validation:  validate.DefaultConfig(),
		Compression: compress.DefaultOptions(),
		Concurrency: concurrency.DefaultConfig(),
	}
}

// Deps are the engine's collaborators. Broker and Transport are required.
type Deps struct {
	Broker     broker.Broker
	Transport  transfer.Transport
	Compressor Compressor
	Controller *concurrency.Controller
	History    History
	Logger     *slog.Logger
	Now        func() time.Time
}

type task struct {
	models.FileTask
	src       models.Source
	result    *compress.Result
	sent      int64
	retry     bool
	confirmed bool
	token     string
}

// waiting reports whether the task is due for the next batch
func (t *task) waiting() bool {
	return t.Status == models.StatusQueued || (t.Status == models.StatusUploading && t.retry)
}

// AddResult reports what Add staged
type AddResult struct {
	Tasks      []models.FileTask
	Rejections validate.Rejections
}

// Engine is an upload session. All methods are safe for concurrent use.
type Engine struct {
	cfg        Config
	broker     broker.Broker
	compressor Compressor
	ctrl       *concurrency.Controller
	exec       *transfer.Executor
	gate       *transfer.Gate
	validator  *validate.Validator
	history    History
	meter      *Meter
	events     *hub
	log        *slog.Logger
	now        func() time.Time

	// addMu serializes validation and guards registry
	addMu    sync.Mutex
	registry *validate.Registry

	mu       sync.Mutex
	tasks    []*task
	byID     map[string]*task
	seq      int
	batches  int
	rejected int
	running  bool
	cancel   context.CancelFunc
}

// New creates an engine
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Broker == nil {
		return nil, errors.New("engine: broker is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg.BatchSize = broker.BatchSize(cfg.BatchSize)

	comp := deps.Compressor
	if comp == nil {
		comp = compress.New(cfg.Compression, log)
	}
	ctrl := deps.Controller
	if ctrl == nil {
		ctrl = concurrency.New(cfg.Concurrency, log)
	}
	gate := transfer.NewGate()

	return &Engine{
		cfg:        cfg,
		broker:     deps.Broker,
		compressor: comp,
		ctrl:       ctrl,
		exec:       transfer.NewExecutor(deps.Transport, ctrl, gate, log),
		gate:       gate,
		validator:  validate.New(cfg.Validation),
		history:    deps.History,
		meter:      NewMeter(now),
		events:     newHub(256),
		log:        log.With("component", "engine", "target", cfg.TargetName),
		now:        now,
		registry:   validate.NewRegistry(),
		byID:       make(map[string]*task),
	}, nil
}

// Add validates files and queues the accepted ones behind everything
// already staged. It may be called while Run is in progress.
func (e *Engine) Add(files ...models.Source) AddResult {
	e.addMu.Lock()
	defer e.addMu.Unlock()

	accepted, rejections := e.validator.ValidateAll(files, e.registry)

	e.mu.Lock()
	now := e.now()
	res := AddResult{Rejections: rejections, Tasks: make([]models.FileTask, 0, len(accepted))}
	for _, v := range accepted {
		e.seq++
		t := &task{
			FileTask: models.FileTask{
				ID:           uuid.NewString(),
				Path:         v.Source.Path(),
				Filename:     v.Source.Name(),
				MimeType:     v.MimeType,
				Seq:          e.seq,
				Status:       models.StatusQueued,
				OriginalSize: v.Size,
				Fingerprint:  v.Fingerprint,
				AddedAt:      now,
				UpdatedAt:    now,
			},
			src: v.Source,
		}
		e.tasks = append(e.tasks, t)
		e.byID[t.ID] = t
		res.Tasks = append(res.Tasks, t.FileTask)
		e.events.publish(Event{Kind: EventTaskUpdated, Task: t.FileTask})
	}
	e.rejected += rejections.Len()
	e.mu.Unlock()

	for _, r := range rejections.Items {
		e.log.Info("file rejected", "file", r.Source.Path(), "reason", r.Reason, "detail", r.Detail)
	}
	e.log.Info("files added", "accepted", len(res.Tasks), "rejected", rejections.Len())
	e.publishStats()
	return res
}

// Remove drops a task that is not being worked on
func (e *Engine) Remove(id string) error {
	e.addMu.Lock()
	defer e.addMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.byID[id]
	if !ok {
		return errs.New("remove", errs.ErrTaskNotFound).WithID(id)
	}
	if t.Status == models.StatusCompressing || t.Status == models.StatusUploading {
		return errs.New("remove", errs.ErrTaskBusy).WithID(id)
	}
	for i, other := range e.tasks {
		if other == t {
			e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
			break
		}
	}
	delete(e.byID, id)
	e.registry.Forget(t.Path, t.Fingerprint)
	e.log.Debug("task removed", "id", id, "file", t.Filename)
	return nil
}

// Tasks returns copies of all tasks in submission order
func (e *Engine) Tasks() []models.FileTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.FileTask, len(e.tasks))
	for i, t := range e.tasks {
		out[i] = t.FileTask
	}
	return out
}

// Task returns a copy of one task
func (e *Engine) Task(id string) (models.FileTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.byID[id]
	if !ok {
		return models.FileTask{}, false
	}
	return t.FileTask, true
}

// Pause stops new transfers from starting. Running transfers finish.
func (e *Engine) Pause() {
	e.gate.Pause()
	e.log.Info("session paused")
	e.publishStats()
}

// Resume lets paused transfers continue
func (e *Engine) Resume() {
	e.gate.Resume()
	e.log.Info("session resumed")
	e.publishStats()
}

// Paused reports whether the session is paused
func (e *Engine) Paused() bool {
	return e.gate.Paused()
}

// Cancel aborts a running session. Transfers in flight are interrupted
// and nothing further is confirmed.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		e.log.Info("session canceled")
		cancel()
	}
}

// RetryFailed schedules every failed task for another upload attempt and
// returns how many were scheduled. Compression results are reused.
func (e *Engine) RetryFailed() int {
	e.mu.Lock()
	n := 0
	for _, t := range e.tasks {
		if t.Status != models.StatusError {
			continue
		}
		if err := e.transition(t, models.StatusUploading, nil); err != nil {
			continue
		}
		t.retry = true
		n++
	}
	e.mu.Unlock()

	if n > 0 {
		e.log.Info("retrying failed uploads", "count", n)
		e.publishStats()
	}
	return n
}

// Subscribe returns a channel of engine events and a function that ends
// the subscription. Events are dropped rather than delivered late when the
// subscriber is slow; Stats always reflects the latest state.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

// Controller returns the concurrency controller
func (e *Engine) Controller() *concurrency.Controller {
	return e.ctrl
}

func (e *Engine) publishStats() {
	e.events.publish(Event{Kind: EventStatsUpdated, Stats: e.Stats()})
}
