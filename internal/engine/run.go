package engine

import (
	"context"
	"errors"

	"github.com/chmdznr/gallery-uploader/internal/broker"
	"github.com/chmdznr/gallery-uploader/internal/compress"
	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/internal/transfer"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

type batch struct {
	num   int
	tasks []*task
}

// Run drains the queue and returns once every staged task is completed or
// failed. Compression of the next batch overlaps the upload of the current
// one; batches are confirmed in submission order. Only one Run may be
// active at a time.
func (e *Engine) Run(ctx context.Context) (models.SessionStats, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return e.Stats(), errs.ErrSessionRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.mu.Unlock()

	defer cancel()

	e.meter.Reset()
	e.ctrl.Reset()
	e.log.Info("session started", "batch_size", e.cfg.BatchSize, "compression", e.compressor.Options().Enabled)

	next := e.prepare(ctx)
	for {
		if next == nil {
			if ctx.Err() != nil {
				e.release()
				break
			}
			if e.finish() {
				break
			}
			next = e.prepare(ctx)
			continue
		}
		b := <-next
		if ctx.Err() != nil {
			e.abort(b, ctx.Err())
			e.release()
			break
		}
		following := e.prepare(ctx)
		e.upload(ctx, b)
		next = following
	}

	var err error
	if ctx.Err() != nil {
		err = errs.Wrap(errs.ErrCanceled, ctx.Err())
	}
	stats := e.Stats()
	e.events.publish(Event{Kind: EventSessionDone, Stats: stats, Err: err})
	e.log.Info("session finished",
		"completed", stats.Completed,
		"failed", stats.Failed,
		"rejected", stats.Rejected,
		"uploaded_bytes", stats.UploadedBytes,
		"sent_bytes", e.meter.Sent(),
		"saved_bytes", stats.BytesSaved,
		"error", err,
	)
	return stats, err
}

// finish ends the session unless tasks were added or retried after the
// last batch was cut. Anything staged after it returns true waits for the
// next Run.
func (e *Engine) finish() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		if t.waiting() {
			return false
		}
	}
	e.running = false
	e.cancel = nil
	return true
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.cancel = nil
}

// prepare cuts the next batch and compresses it in the background. It
// returns nil when nothing is waiting.
func (e *Engine) prepare(ctx context.Context) <-chan *batch {
	if ctx.Err() != nil {
		return nil
	}
	b, inputs := e.cut()
	if b == nil {
		return nil
	}
	ch := make(chan *batch, 1)
	go func() {
		if len(inputs) > 0 {
			e.applyCompression(b, e.compressor.Run(ctx, inputs))
		}
		ch <- b
	}()
	return ch
}

// cut selects up to BatchSize waiting tasks in submission order: queued
// tasks and failed tasks scheduled for retry.
func (e *Engine) cut() (*batch, []compress.Input) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var waiting []*task
	for _, t := range e.tasks {
		if t.waiting() {
			waiting = append(waiting, t)
		}
	}
	spans := broker.SplitBatches(len(waiting), e.cfg.BatchSize)
	if len(spans) == 0 {
		return nil, nil
	}
	picked := waiting[spans[0].Start:spans[0].End]

	e.batches++
	b := &batch{num: e.batches, tasks: picked}
	enabled := e.compressor.Options().Enabled

	var inputs []compress.Input
	for i, t := range picked {
		t.Batch = b.num
		t.retry = false
		if t.result != nil {
			continue
		}
		inputs = append(inputs, compress.Input{Index: i, Source: t.src, MimeType: t.MimeType})
		if t.Status == models.StatusQueued {
			to := models.StatusUploading
			if enabled {
				to = models.StatusCompressing
			}
			_ = e.transition(t, to, nil)
		}
	}
	e.log.Debug("batch cut", "batch", b.num, "files", spans[0].Len(), "waiting", len(waiting), "to_compress", len(inputs))
	return b, inputs
}

func (e *Engine) applyCompression(b *batch, results []compress.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		t := b.tasks[r.Index]
		if r.Outcome == models.CompressionNone {
			// interrupted before any work; compress again on retry
			continue
		}
		res := r
		t.result = &res
		t.CompressedSize = r.Size
		t.Width, t.Height = r.Width, r.Height
		t.Compression = r.Outcome
		if r.MimeType != "" {
			t.MimeType = r.MimeType
		}
		if t.Status == models.StatusCompressing {
			_ = e.transition(t, models.StatusUploading, nil)
		}
	}
}

// abort fails every unfinished task of b
func (e *Engine) abort(b *batch, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range b.tasks {
		if t.Status == models.StatusCompressing || t.Status == models.StatusUploading {
			_ = e.transition(t, models.StatusError, errs.Wrap(errs.ErrCanceled, cause))
		}
	}
}

// upload requests destinations for b, transfers its files and confirms the
// ones that arrived.
func (e *Engine) upload(ctx context.Context, b *batch) {
	tasks := e.ready(b)
	if len(tasks) == 0 {
		return
	}

	// destinations expire, so none are requested while paused
	if err := e.gate.Wait(ctx); err != nil {
		e.fail(tasks, errs.Wrap(errs.ErrCanceled, err))
		e.publishStats()
		return
	}

	specs := make([]broker.FileSpec, len(tasks))
	for i, t := range tasks {
		specs[i] = broker.FileSpec{
			LocalID:          t.ID,
			MimeType:         t.MimeType,
			ByteSize:         t.result.Size,
			OriginalFilename: t.Filename,
		}
	}

	e.log.Debug("requesting destinations", "batch", b.num, "files", len(specs))
	dests, err := e.broker.RequestDestinations(ctx, broker.DestinationRequest{TargetID: e.cfg.TargetID, Files: specs})
	if err != nil {
		e.log.Warn("destination request failed", "batch", b.num, "error", err)
		e.fail(tasks, categorize(ctx, errs.ErrDestinationDenied, err))
		e.publishStats()
		return
	}
	matched, denied := broker.Match(specs, dests)

	jobs := make([]transfer.Job, 0, len(matched))
	e.mu.Lock()
	for i, t := range tasks {
		d, ok := matched[t.ID]
		if !ok {
			continue
		}
		t.token = d.ConfirmationToken
		t.Attempts++
		jobs = append(jobs, transfer.Job{Index: i, Request: transfer.Request{
			LocalID:  t.ID,
			URL:      d.UploadTarget,
			MimeType: t.MimeType,
			Body:     t.result.Blob,
		}})
	}
	for _, id := range denied {
		t := e.byID[id]
		_ = e.transition(t, models.StatusError, errs.New("request destinations", errs.ErrDestinationDenied).WithID(id))
	}
	e.mu.Unlock()
	if len(denied) > 0 {
		e.log.Warn("destinations denied", "batch", b.num, "count", len(denied))
	}

	var done []Completion
	e.exec.Run(ctx, jobs, transfer.Handlers{
		Progress: func(j transfer.Job, sent int64) {
			e.progress(tasks[j.Index], sent)
		},
		Outcome: func(j transfer.Job, out transfer.Outcome) {
			t := tasks[j.Index]
			if out.OK() {
				e.progress(t, t.result.Size)
				done = append(done, Completion{Index: j.Index, LocalID: j.LocalID})
				return
			}
			cause := out.Err
			if cause == nil {
				cause = errs.ErrTransferFailed
			}
			e.fail([]*task{t}, cause)
			e.publishStats()
		},
	})

	e.confirm(ctx, b, tasks, done)
	e.publishStats()
}

// ready returns the tasks of b that are waiting to upload, failing the
// ones compression never finished.
func (e *Engine) ready(b *batch) []*task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*task, 0, len(b.tasks))
	for _, t := range b.tasks {
		if t.Status != models.StatusUploading {
			continue
		}
		if t.result == nil {
			_ = e.transition(t, models.StatusError, errs.ErrCompressionFailed)
			continue
		}
		out = append(out, t)
	}
	return out
}

func (e *Engine) confirm(ctx context.Context, b *batch, tasks []*task, done []Completion) {
	e.mu.Lock()
	ready := Reconcile(done, func(id string) bool { return e.byID[id] != nil && e.byID[id].confirmed })
	items := make([]broker.ConfirmItem, len(ready))
	confirming := make([]*task, len(ready))
	for i, c := range ready {
		t := tasks[c.Index]
		confirming[i] = t
		items[i] = broker.ConfirmItem{
			ConfirmationToken: t.token,
			OriginalFilename:  t.Filename,
			ByteSize:          t.result.Size,
			MimeType:          t.MimeType,
			Width:             t.Width,
			Height:            t.Height,
		}
	}
	e.mu.Unlock()

	if len(items) == 0 {
		return
	}
	if err := ctx.Err(); err != nil {
		e.fail(confirming, errs.Wrap(errs.ErrCanceled, err))
		return
	}

	if err := e.broker.ConfirmUploads(ctx, broker.ConfirmRequest{TargetID: e.cfg.TargetID, Uploads: items}); err != nil {
		e.log.Warn("confirmation rejected", "batch", b.num, "files", len(items), "error", err)
		e.fail(confirming, categorize(ctx, errs.ErrConfirmationFailed, err))
		return
	}

	e.mu.Lock()
	now := e.now().UTC()
	recs := make([]models.UploadRecord, 0, len(confirming))
	for _, t := range confirming {
		t.confirmed = true
		if err := e.transition(t, models.StatusCompleted, nil); err != nil {
			continue
		}
		recs = append(recs, models.UploadRecord{
			Target:       e.cfg.TargetName,
			LocalID:      t.ID,
			Path:         t.Path,
			Filename:     t.Filename,
			MimeType:     t.MimeType,
			OriginalSize: t.OriginalSize,
			ByteSize:     t.CompressedSize,
			Width:        t.Width,
			Height:       t.Height,
			Fingerprint:  t.Fingerprint,
			Token:        t.token,
			ConfirmedAt:  now,
		})
	}
	e.mu.Unlock()

	e.events.publish(Event{Kind: EventBatchConfirmed, Batch: b.num})
	e.log.Info("batch confirmed", "batch", b.num, "files", len(recs))

	if e.history != nil && len(recs) > 0 {
		if err := e.history.RecordUploads(e.cfg.TargetName, recs); err != nil {
			e.log.Warn("failed to record upload history", "batch", b.num, "error", err)
		}
	}
}

func (e *Engine) progress(t *task, sent int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.Status != models.StatusUploading || sent <= t.sent {
		return
	}
	e.meter.Add(sent - t.sent)
	t.sent = sent

	pct := 99
	if size := t.TransportSize(); size > 0 {
		pct = min(int(sent*100/size), 99)
	}
	if pct != t.Progress {
		t.Progress = pct
		t.UpdatedAt = e.now()
		e.events.publish(Event{Kind: EventTaskUpdated, Task: t.FileTask})
	}
}

func (e *Engine) fail(tasks []*task, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		_ = e.transition(t, models.StatusError, cause)
	}
}

// categorize makes sure err matches category, or ErrCanceled when the
// session was canceled.
func categorize(ctx context.Context, category, err error) error {
	if ctx.Err() != nil && !errors.Is(err, errs.ErrCanceled) {
		return errs.Wrap(errs.ErrCanceled, err)
	}
	if errors.Is(err, category) || errors.Is(err, errs.ErrCanceled) {
		return err
	}
	return errs.Wrap(category, err)
}
