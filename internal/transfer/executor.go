package transfer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chmdznr/gallery-uploader/internal/errs"
)

// Limiter supplies the permit count and learns from finished transfers
type Limiter interface {
	Concurrency() int
	RecordUpload(success bool, bytes int64, d time.Duration)
}

// Job is a transfer with its position in the batch
type Job struct {
	Index int
	Request
}

// Handlers receive executor callbacks. Outcome is called from the Run
// goroutine, one job at a time. Progress is called from transfer
// goroutines and is rate limited per job.
type Handlers struct {
	Progress func(job Job, sent int64)
	Outcome  func(job Job, out Outcome)
}

// Executor runs transfers with adaptive parallelism
type Executor struct {
	transport     Transport
	limiter       Limiter
	gate          *Gate
	log           *slog.Logger
	progressEvery time.Duration
	inflight      atomic.Int64
}

// NewExecutor creates an executor. A nil gate never pauses.
func NewExecutor(t Transport, l Limiter, g *Gate, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if g == nil {
		g = NewGate()
	}
	return &Executor{
		transport:     t,
		limiter:       l,
		gate:          g,
		log:           log.With("component", "executor"),
		progressEvery: 100 * time.Millisecond,
	}
}

// InFlight returns the number of transfers currently running
func (e *Executor) InFlight() int {
	return int(e.inflight.Load())
}

type finished struct {
	job Job
	out Outcome
}

// Run transfers every job and returns once each has an outcome. A job is
// admitted only while the gate is open and fewer transfers are running
// than the limiter allows; the limit is re-read before every admission.
// When ctx is canceled running transfers are aborted and jobs not yet
// started are reported as canceled.
func (e *Executor) Run(ctx context.Context, jobs []Job, h Handlers) {
	done := make(chan finished)
	next, running := 0, 0
	ctxDone := ctx.Done()

	for next < len(jobs) || running > 0 {
		if next < len(jobs) && ctx.Err() != nil {
			for ; next < len(jobs); next++ {
				e.report(h, jobs[next], Outcome{
					LocalID: jobs[next].LocalID,
					Kind:    KindCanceled,
					Err:     errs.Wrap(errs.ErrCanceled, ctx.Err()),
				})
			}
			continue
		}

		var opened <-chan struct{}
		if next < len(jobs) {
			if !e.gate.Paused() && running < e.limiter.Concurrency() {
				e.start(ctx, jobs[next], h, done)
				next++
				running++
				continue
			}
			if e.gate.Paused() {
				opened = e.gate.Opened()
			}
		}

		select {
		case f := <-done:
			running--
			e.inflight.Add(-1)
			if f.out.Kind != KindCanceled {
				e.limiter.RecordUpload(f.out.OK(), f.out.Bytes, f.out.Duration)
			}
			e.report(h, f.job, f.out)
		case <-opened:
		case <-ctxDone:
			ctxDone = nil
		}
	}
}

func (e *Executor) start(ctx context.Context, job Job, h Handlers, done chan<- finished) {
	e.inflight.Add(1)
	e.log.Debug("admit", "id", job.LocalID, "inflight", e.InFlight(), "permits", e.limiter.Concurrency())

	var progress func(int64)
	if h.Progress != nil {
		every := rate.Sometimes{Interval: e.progressEvery}
		progress = func(sent int64) {
			every.Do(func() { h.Progress(job, sent) })
		}
	}
	go func() {
		out := e.transport.Put(ctx, job.Request, progress)
		out.LocalID = job.LocalID
		done <- finished{job: job, out: out}
	}()
}

func (e *Executor) report(h Handlers, job Job, out Outcome) {
	if h.Outcome != nil {
		h.Outcome(job, out)
	}
}
