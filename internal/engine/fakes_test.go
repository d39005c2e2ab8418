package engine

import (
	"context"
	"errors"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chmdznr/gallery-uploader/internal/broker"
	"github.com/chmdznr/gallery-uploader/internal/compress"
	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/internal/logging"
	"github.com/chmdznr/gallery-uploader/internal/testutil"
	"github.com/chmdznr/gallery-uploader/internal/transfer"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

type fakeBroker struct {
	mu             sync.Mutex
	deny           map[string]bool
	requestErr     error
	rejectConfirms int
	requests       []broker.DestinationRequest
	confirms       []broker.ConfirmRequest
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deny: map[string]bool{}}
}

func (b *fakeBroker) RequestDestinations(_ context.Context, req broker.DestinationRequest) ([]models.Destination, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.requestErr != nil {
		return nil, b.requestErr
	}
	var dests []models.Destination
	for _, f := range req.Files {
		if b.deny[f.OriginalFilename] {
			continue
		}
		dests = append(dests, models.Destination{
			LocalID:           f.LocalID,
			UploadTarget:      "https://store.example/put/" + f.OriginalFilename,
			ConfirmationToken: "tok-" + f.OriginalFilename,
		})
	}
	return dests, nil
}

func (b *fakeBroker) ConfirmUploads(_ context.Context, req broker.ConfirmRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirms = append(b.confirms, req)
	if b.rejectConfirms > 0 {
		b.rejectConfirms--
		return errors.New("confirmation window closed")
	}
	return nil
}

func (b *fakeBroker) requestSizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sizes []int
	for _, r := range b.requests {
		sizes = append(sizes, len(r.Files))
	}
	return sizes
}

// confirmedNames lists the filenames of every confirm call in order
func (b *fakeBroker) confirmedNames() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]string
	for _, c := range b.confirms {
		var names []string
		for _, u := range c.Uploads {
			names = append(names, u.OriginalFilename)
		}
		out = append(out, names)
	}
	return out
}

// fakeTransport completes transfers immediately unless the file is held
type fakeTransport struct {
	mu      sync.Mutex
	holds   map[string]chan struct{}
	fail    map[string]int
	calls   map[string]int
	started chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		holds:   map[string]chan struct{}{},
		fail:    map[string]int{},
		calls:   map[string]int{},
		started: make(chan string, 1024),
	}
}

func (f *fakeTransport) hold(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.holds[n] = make(chan struct{})
	}
}

func (f *fakeTransport) release(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.holds[name])
}

func (f *fakeTransport) Put(ctx context.Context, req transfer.Request, progress func(int64)) transfer.Outcome {
	name := path.Base(req.URL)
	f.mu.Lock()
	f.calls[name]++
	gate := f.holds[name]
	f.mu.Unlock()

	f.started <- name
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transfer.Outcome{Kind: transfer.KindCanceled, Err: errs.Wrap(errs.ErrCanceled, ctx.Err())}
		}
	}

	size := req.Body.Size()
	if progress != nil {
		progress(size / 2)
	}

	f.mu.Lock()
	failing := f.fail[name] > 0
	if failing {
		f.fail[name]--
	}
	f.mu.Unlock()
	if failing {
		return transfer.Outcome{
			Kind:       transfer.KindHTTPStatus,
			StatusCode: 500,
			Err:        errs.New("put", errs.ErrTransferFailed).WithID(req.LocalID).WithStatus(500),
			Duration:   time.Millisecond,
		}
	}
	if progress != nil {
		progress(size)
	}
	return transfer.Outcome{Kind: transfer.KindSuccess, Bytes: size, Duration: time.Millisecond}
}

func (f *fakeTransport) waitStarted(t *testing.T, n int) []string {
	t.Helper()
	var names []string
	for len(names) < n {
		select {
		case name := <-f.started:
			names = append(names, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d transfers started", len(names), n)
		}
	}
	return names
}

// countingCompressor counts how many files were handed to the compressor
type countingCompressor struct {
	*compress.Compressor
	count atomic.Int64
}

func (c *countingCompressor) Run(ctx context.Context, inputs []compress.Input) []compress.Result {
	c.count.Add(int64(len(inputs)))
	return c.Compressor.Run(ctx, inputs)
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []models.UploadRecord
}

func (h *fakeHistory) RecordUploads(target string, recs []models.UploadRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, recs...)
	return nil
}

type fixture struct {
	engine    *Engine
	broker    *fakeBroker
	transport *fakeTransport
	history   *fakeHistory
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TargetID = "gal-1"
	cfg.TargetName = "family"
	return cfg
}

func newFixture(t *testing.T, cfg Config, comp Compressor) *fixture {
	t.Helper()
	f := &fixture{
		broker:    newFakeBroker(),
		transport: newFakeTransport(),
		history:   &fakeHistory{},
	}
	e, err := New(cfg, Deps{
		Broker:     f.broker,
		Transport:  f.transport,
		Compressor: comp,
		History:    f.history,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func photos(seed int64, n int) []models.Source {
	return testutil.NewImageGenerator(seed).JPEGFiles(n, 16, 12)
}

type runResult struct {
	stats models.SessionStats
	err   error
}

func startRun(e *Engine) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		s, err := e.Run(context.Background())
		ch <- runResult{s, err}
	}()
	return ch
}

func waitRun(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return runResult{}
	}
}

func taskByName(t *testing.T, e *Engine, name string) models.FileTask {
	t.Helper()
	for _, task := range e.Tasks() {
		if task.Filename == name {
			return task
		}
	}
	t.Fatalf("no task %s", name)
	return models.FileTask{}
}

func photosSized(seed int64, n, w, h int) []models.Source {
	return testutil.NewImageGenerator(seed).JPEGFiles(n, w, h)
}

func newPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	return testutil.NewImageGenerator(99).PNG(w, h)
}
