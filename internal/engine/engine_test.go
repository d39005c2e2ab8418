package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/gallery-uploader/internal/compress"
	"github.com/chmdznr/gallery-uploader/internal/concurrency"
	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/internal/logging"
	"github.com/chmdznr/gallery-uploader/internal/validate"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

func name(i int) string {
	return fmt.Sprintf("photo-%04d.jpg", i)
}

func TestNewRequiresBrokerAndTransport(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
	_, err = New(DefaultConfig(), Deps{Broker: newFakeBroker()})
	assert.Error(t, err)
}

func TestConfirmationFollowsSubmissionOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = concurrency.Config{Min: 5, Max: 5}
	f := newFixture(t, cfg, nil)

	f.transport.hold(name(1), name(2), name(3), name(4), name(5))
	f.transport.fail[name(3)] = 1
	res := f.engine.Add(photos(1, 5)...)
	require.Len(t, res.Tasks, 5)

	run := startRun(f.engine)
	f.transport.waitStarted(t, 5)
	for _, i := range []int{5, 2, 4, 1, 3} {
		f.transport.release(name(i))
		time.Sleep(5 * time.Millisecond)
	}
	r := waitRun(t, run)

	require.NoError(t, r.err)
	assert.Equal(t, [][]string{{name(1), name(2), name(4), name(5)}}, f.broker.confirmedNames())
	for _, i := range []int{1, 2, 4, 5} {
		task := taskByName(t, f.engine, name(i))
		assert.Equal(t, models.StatusCompleted, task.Status, name(i))
		assert.Equal(t, 100, task.Progress)
	}
	failed := taskByName(t, f.engine, name(3))
	assert.Equal(t, models.StatusError, failed.Status)
	assert.Contains(t, failed.Err, errs.ErrTransferFailed.Error())
	assert.Equal(t, 4, r.stats.Completed)
	assert.Equal(t, 1, r.stats.Failed)
	assert.True(t, r.stats.Done())
}

func TestConfirmOrderForEveryCompletionOrder(t *testing.T) {
	const n = 4
	for _, perm := range permutations(n) {
		cfg := testConfig()
		cfg.Compression.Enabled = false
		cfg.Concurrency = concurrency.Config{Min: n, Max: n}
		f := newFixture(t, cfg, nil)

		var want []string
		for i := 1; i <= n; i++ {
			f.transport.hold(name(i))
			want = append(want, name(i))
		}
		f.engine.Add(photos(2, n)...)

		run := startRun(f.engine)
		f.transport.waitStarted(t, n)
		for _, p := range perm {
			f.transport.release(name(p + 1))
		}
		r := waitRun(t, run)

		require.NoError(t, r.err)
		require.Equal(t, [][]string{want}, f.broker.confirmedNames(), "completion order %v", perm)
	}
}

func TestCompressionDisabledSendsOriginals(t *testing.T) {
	cfg := testConfig()
	cfg.Compression.Enabled = false
	f := newFixture(t, cfg, nil)

	events, unsubscribe := f.engine.Subscribe()
	defer unsubscribe()

	files := photos(3, 3)
	f.engine.Add(files...)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)

	assert.Equal(t, 3, r.stats.Completed)
	assert.Equal(t, r.stats.OriginalBytes, r.stats.CompressedBytes)
	assert.Equal(t, int64(0), r.stats.BytesSaved)
	for i, task := range f.engine.Tasks() {
		assert.Equal(t, files[i].Size(), task.CompressedSize)
		assert.Equal(t, models.CompressionDisabled, task.Compression)
		assert.Equal(t, 16, task.Width)
	}

	// tasks skip the compressing state entirely
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventTaskUpdated {
				assert.NotEqual(t, models.StatusCompressing, ev.Task.Status)
			}
			continue
		default:
		}
		break
	}
}

func TestCompressionShrinksLargeImages(t *testing.T) {
	cfg := testConfig()
	cfg.Compression = compress.Options{Enabled: true, MaxDimension: 64, Quality: 60}
	f := newFixture(t, cfg, nil)

	big := &models.MemFile{FileName: "big.png", Data: newPNG(t, 640, 480)}
	f.engine.Add(big)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)

	task := f.engine.Tasks()[0]
	assert.Equal(t, models.CompressionApplied, task.Compression)
	assert.Equal(t, 64, task.Width)
	assert.Equal(t, 48, task.Height)
	assert.Less(t, task.CompressedSize, task.OriginalSize)
	assert.Equal(t, task.OriginalSize-task.CompressedSize, r.stats.BytesSaved)
	assert.Equal(t, task.CompressedSize, r.stats.UploadedBytes)

	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	assert.Equal(t, task.CompressedSize, f.broker.requests[0].Files[0].ByteSize)
	assert.Equal(t, 64, f.broker.confirms[0].Uploads[0].Width)
}

func TestLargeSessionIsBatched(t *testing.T) {
	cfg := testConfig()
	cfg.Compression.Enabled = false
	f := newFixture(t, cfg, nil)

	f.engine.Add(tinyPhotos(200)...)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)

	assert.Equal(t, []int{50, 50, 50, 50}, f.broker.requestSizes())
	confirms := f.broker.confirmedNames()
	require.Len(t, confirms, 4)
	// batches are confirmed in submission order
	for b, names := range confirms {
		assert.Equal(t, name(b*50+1), names[0])
		assert.Equal(t, name(b*50+50), names[49])
	}
	assert.Equal(t, 200, r.stats.Completed)
}

func TestRetryReusesCompressionResult(t *testing.T) {
	cfg := testConfig()
	comp := &countingCompressor{Compressor: compress.New(cfg.Compression, logging.Discard())}
	f := newFixture(t, cfg, comp)
	f.transport.fail[name(2)] = 1

	f.engine.Add(photos(4, 3)...)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)
	require.Equal(t, 1, r.stats.Failed)
	assert.Equal(t, int64(3), comp.count.Load())
	before := taskByName(t, f.engine, name(2))

	assert.Equal(t, 1, f.engine.RetryFailed())
	assert.Equal(t, models.StatusUploading, taskByName(t, f.engine, name(2)).Status)

	r = waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)

	after := taskByName(t, f.engine, name(2))
	assert.Equal(t, models.StatusCompleted, after.Status)
	assert.Equal(t, 2, after.Attempts)
	assert.Equal(t, before.CompressedSize, after.CompressedSize)
	assert.Equal(t, int64(3), comp.count.Load(), "retry must not compress again")
	assert.Equal(t, []int{3, 1}, f.broker.requestSizes())
	assert.Equal(t, [][]string{{name(1), name(3)}, {name(2)}}, f.broker.confirmedNames())
	assert.Equal(t, 3, r.stats.Completed)
	assert.Zero(t, f.engine.RetryFailed())
}

func TestRetryAcrossBatchesKeepsSequenceOrder(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.Compression.Enabled = false
	f := newFixture(t, cfg, nil)
	f.transport.fail[name(2)] = 1
	f.transport.fail[name(3)] = 1

	f.engine.Add(photos(5, 4)...)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)
	require.Equal(t, 2, r.stats.Failed)

	f.engine.RetryFailed()
	r = waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)

	confirms := f.broker.confirmedNames()
	assert.Equal(t, []string{name(2), name(3)}, confirms[len(confirms)-1])
	assert.Equal(t, 4, r.stats.Completed)
}

func TestDestinationDenied(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.broker.deny[name(2)] = true

	f.engine.Add(photos(6, 3)...)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)

	denied := taskByName(t, f.engine, name(2))
	assert.Equal(t, models.StatusError, denied.Status)
	assert.Contains(t, denied.Err, errs.ErrDestinationDenied.Error())
	assert.Zero(t, denied.Attempts)
	assert.Equal(t, [][]string{{name(1), name(3)}}, f.broker.confirmedNames())
}

func TestDestinationRequestFailureFailsBatch(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	f := newFixture(t, cfg, nil)
	f.broker.requestErr = fmt.Errorf("gateway timeout")

	f.engine.Add(photos(7, 3)...)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)

	assert.Equal(t, 3, r.stats.Failed)
	for _, task := range f.engine.Tasks() {
		assert.Contains(t, task.Err, "gateway timeout")
	}
	assert.Empty(t, f.broker.confirmedNames())
}

func TestConfirmationRejectedIsRetryable(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.broker.rejectConfirms = 1

	f.engine.Add(photos(8, 2)...)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.stats.Failed)
	for _, task := range f.engine.Tasks() {
		assert.Contains(t, task.Err, errs.ErrConfirmationFailed.Error())
	}
	assert.Empty(t, f.history.recs)

	require.Equal(t, 2, f.engine.RetryFailed())
	r = waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.stats.Completed)
	assert.Len(t, f.broker.confirmedNames(), 2)
	assert.Len(t, f.history.recs, 2)
}

func TestEveryTaskReachesTerminalState(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	f := newFixture(t, cfg, nil)
	for i := 1; i <= 10; i += 3 {
		f.transport.fail[name(i)] = 5
	}
	f.broker.deny[name(5)] = true

	f.engine.Add(photos(9, 10)...)
	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)

	assert.True(t, r.stats.Done())
	assert.Equal(t, 10, r.stats.Completed+r.stats.Failed)
	for _, task := range f.engine.Tasks() {
		assert.True(t, task.Status.Terminal(), task.Filename)
	}
}

func TestAddDuringRun(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	f := newFixture(t, cfg, nil)
	f.transport.hold(name(1))

	files := photos(10, 4)
	f.engine.Add(files[:2]...)
	run := startRun(f.engine)
	f.transport.waitStarted(t, 2)

	res := f.engine.Add(files[2:]...)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, 3, res.Tasks[0].Seq)

	f.transport.release(name(1))
	r := waitRun(t, run)
	require.NoError(t, r.err)

	assert.Equal(t, 4, r.stats.Completed)
	assert.Equal(t, [][]string{{name(1), name(2)}, {name(3), name(4)}}, f.broker.confirmedNames())
}

func TestCancelAbortsInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.Concurrency = concurrency.Config{Min: 2, Max: 2}
	f := newFixture(t, cfg, nil)
	f.transport.hold(name(1), name(2))

	f.engine.Add(photos(11, 4)...)
	run := startRun(f.engine)
	f.transport.waitStarted(t, 2)
	f.engine.Cancel()
	r := waitRun(t, run)

	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, errs.ErrCanceled)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Empty(t, f.broker.confirmedNames())

	for _, i := range []int{1, 2} {
		task := taskByName(t, f.engine, name(i))
		assert.Equal(t, models.StatusError, task.Status)
		assert.Contains(t, task.Err, "canceled")
	}
	// the compressed second batch never started uploading
	for _, i := range []int{3, 4} {
		task := taskByName(t, f.engine, name(i))
		assert.NotEqual(t, models.StatusCompleted, task.Status)
	}
	assert.Zero(t, r.stats.Uploading+r.stats.Compressing)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.engine.Add(photos(12, 2)...)

	f.engine.Pause()
	assert.True(t, f.engine.Stats().Paused)
	run := startRun(f.engine)

	select {
	case n := <-f.transport.started:
		t.Fatalf("transfer %s started while paused", n)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, f.broker.requestSizes(), "no destinations requested while paused")

	f.engine.Resume()
	r := waitRun(t, run)
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.stats.Completed)
	assert.False(t, r.stats.Paused)
}

func TestRunIsSingleFlight(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.transport.hold(name(1))
	f.engine.Add(photos(13, 1)...)

	run := startRun(f.engine)
	f.transport.waitStarted(t, 1)

	_, err := f.engine.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrSessionRunning)

	f.transport.release(name(1))
	require.NoError(t, waitRun(t, run).err)
}

func TestRemove(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	files := photos(14, 2)
	res := f.engine.Add(files...)

	require.NoError(t, f.engine.Remove(res.Tasks[0].ID))
	assert.Len(t, f.engine.Tasks(), 1)
	assert.ErrorIs(t, f.engine.Remove("missing"), errs.ErrTaskNotFound)

	// a removed file can be staged again
	again := f.engine.Add(files[0])
	assert.Len(t, again.Tasks, 1)
	assert.Zero(t, again.Rejections.Len())
}

func TestRemoveBusyTask(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.transport.hold(name(1))
	res := f.engine.Add(photos(15, 1)...)

	run := startRun(f.engine)
	f.transport.waitStarted(t, 1)
	assert.ErrorIs(t, f.engine.Remove(res.Tasks[0].ID), errs.ErrTaskBusy)

	f.transport.release(name(1))
	require.NoError(t, waitRun(t, run).err)
}

func TestRejectionsAreCounted(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	files := photos(16, 1)

	res := f.engine.Add(
		files[0],
		files[0],
		&models.MemFile{FileName: "notes.txt", Data: []byte("not an image")},
		&models.MemFile{FileName: "empty.jpg"},
	)

	assert.Len(t, res.Tasks, 1)
	assert.Equal(t, 3, res.Rejections.Len())
	assert.Equal(t, 1, res.Rejections.ByReason[validate.ReasonDuplicate])
	assert.Equal(t, 1, res.Rejections.ByReason[validate.ReasonUnsupportedType])
	assert.Equal(t, 1, res.Rejections.ByReason[validate.ReasonEmpty])
	assert.Equal(t, 3, f.engine.Stats().Rejected)
}

func TestHistoryRecordsConfirmedUploads(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.engine.Add(photos(17, 2)...)
	require.NoError(t, waitRun(t, startRun(f.engine)).err)

	f.history.mu.Lock()
	defer f.history.mu.Unlock()
	require.Len(t, f.history.recs, 2)
	rec := f.history.recs[0]
	assert.Equal(t, "family", rec.Target)
	assert.Equal(t, name(1), rec.Filename)
	assert.Equal(t, "tok-"+name(1), rec.Token)
	assert.Len(t, rec.Fingerprint, 64)
	assert.False(t, rec.ConfirmedAt.IsZero())
}

func TestEventsAndSessionDone(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	events, unsubscribe := f.engine.Subscribe()

	f.engine.Add(photos(18, 2)...)
	require.NoError(t, waitRun(t, startRun(f.engine)).err)
	unsubscribe()
	unsubscribe()

	kinds := map[EventKind]int{}
	var done Event
	for ev := range events {
		kinds[ev.Kind]++
		if ev.Kind == EventSessionDone {
			done = ev
		}
	}
	assert.Positive(t, kinds[EventTaskUpdated])
	assert.Positive(t, kinds[EventStatsUpdated])
	assert.Equal(t, 1, kinds[EventBatchConfirmed])
	assert.Equal(t, 2, done.Stats.Completed)
	assert.NoError(t, done.Err)
}

func TestProgressCappedUntilConfirmed(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.broker.rejectConfirms = 1
	events, unsubscribe := f.engine.Subscribe()
	defer unsubscribe()

	f.engine.Add(photos(19, 1)...)
	require.NoError(t, waitRun(t, startRun(f.engine)).err)

	maxProgress := 0
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventTaskUpdated {
				maxProgress = max(maxProgress, ev.Task.Progress)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 99, maxProgress)
}

func TestStatsTrackThroughputAndPermits(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = concurrency.Config{Min: 3, Max: 5}
	f := newFixture(t, cfg, nil)

	s := f.engine.Stats()
	assert.Equal(t, 3, s.Permits)
	assert.Zero(t, s.ETASeconds)

	f.engine.Add(photos(20, 2)...)
	s = f.engine.Stats()
	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, 2, s.Total)
	assert.Positive(t, s.OriginalBytes)
	assert.False(t, s.Done())
}

func tinyPhotos(n int) []models.Source {
	return photosSized(21, n, 8, 8)
}

func TestErrorMessagesNameTheTask(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.transport.fail[name(1)] = 1
	res := f.engine.Add(photos(22, 1)...)
	require.NoError(t, waitRun(t, startRun(f.engine)).err)

	task := f.engine.Tasks()[0]
	assert.True(t, strings.Contains(task.Err, res.Tasks[0].ID), task.Err)
}

func TestFinishWaitsForLateWork(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	res := f.engine.Add(photos(30, 1)...)

	f.engine.mu.Lock()
	f.engine.running = true
	f.engine.mu.Unlock()

	assert.False(t, f.engine.finish(), "queued task keeps the session open")
	assert.True(t, f.engine.running)

	require.NoError(t, f.engine.Remove(res.Tasks[0].ID))
	assert.True(t, f.engine.finish())
	assert.False(t, f.engine.running)
}

func TestRetryAfterRunIsPickedUpByNextRun(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.transport.fail[name(1)] = 1
	f.engine.Add(photos(31, 2)...)

	r := waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.stats.Failed)

	assert.Equal(t, 1, f.engine.RetryFailed())
	s := f.engine.Stats()
	assert.Equal(t, 1, s.Uploading)

	r = waitRun(t, startRun(f.engine))
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.stats.Completed)
	assert.Zero(t, r.stats.Uploading)
}
