package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/eiannone/keyboard"
	"golang.org/x/time/rate"

	"github.com/chmdznr/gallery-uploader/internal/engine"
	"github.com/chmdznr/gallery-uploader/pkg/models"
	"github.com/chmdznr/gallery-uploader/pkg/utils"
)

const barTemplate = `{{string . "state"}} {{counters . }} {{bar . }} {{percent . }} {{string . "speed"}} ETA {{string . "eta"}} {{string . "permits"}}`

// progressUI renders session progress: a bar with keyboard controls on a
// terminal, periodic log lines otherwise.
type progressUI struct {
	eng         *engine.Engine
	interactive bool
	log         *slog.Logger

	bar         *pb.ProgressBar
	keys        <-chan keyboard.KeyEvent
	events      <-chan engine.Event
	unsubscribe func()
	logEvery    rate.Sometimes
	done        chan struct{}
	wg          sync.WaitGroup
}

func newProgressUI(eng *engine.Engine, interactive bool, log *slog.Logger) *progressUI {
	return &progressUI{
		eng:         eng,
		interactive: interactive,
		log:         log,
		logEvery:    rate.Sometimes{Interval: 5 * time.Second},
		done:        make(chan struct{}),
	}
}

func (u *progressUI) start() {
	u.events, u.unsubscribe = u.eng.Subscribe()

	if u.interactive {
		u.bar = pb.New64(u.eng.Stats().CompressedBytes)
		u.bar.Set(pb.Bytes, true)
		u.bar.SetTemplate(barTemplate)
		u.bar.SetRefreshRate(250 * time.Millisecond)
		u.render(u.eng.Stats())
		u.bar.Start()

		keys, err := keyboard.GetKeys(8)
		if err != nil {
			u.log.Warn("keyboard controls unavailable", "error", err)
		} else {
			u.keys = keys
			fmt.Println("Keys: [p] pause  [r] resume  [t] retry failed  [q] cancel")
		}
	}

	u.wg.Add(1)
	go u.loop()
}

func (u *progressUI) stop() {
	close(u.done)
	u.wg.Wait()
	u.unsubscribe()
	if u.keys != nil {
		_ = keyboard.Close()
	}
	if u.bar != nil {
		u.render(u.eng.Stats())
		u.bar.Finish()
	}
}

func (u *progressUI) loop() {
	defer u.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-u.done:
			return
		case ev, ok := <-u.events:
			if !ok {
				return
			}
			u.handleEvent(ev)
		case <-ticker.C:
			u.render(u.eng.Stats())
		case k := <-u.keys:
			u.handleKey(k)
		}
	}
}

func (u *progressUI) handleEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventStatsUpdated:
		u.render(ev.Stats)
	case engine.EventTaskUpdated:
		if !u.interactive && ev.Task.Status == models.StatusError {
			u.log.Warn("upload failed", "file", ev.Task.Path, "error", ev.Task.Err)
		}
	case engine.EventBatchConfirmed:
		u.log.Debug("batch confirmed", "batch", ev.Batch)
	}
}

func (u *progressUI) handleKey(k keyboard.KeyEvent) {
	if k.Err != nil {
		return
	}
	switch {
	case k.Rune == 'p':
		u.eng.Pause()
	case k.Rune == 'r':
		u.eng.Resume()
	case k.Rune == 't':
		n := u.eng.RetryFailed()
		u.log.Info("retry requested", "files", n)
	case k.Rune == 'q' || k.Key == keyboard.KeyCtrlC || k.Key == keyboard.KeyEsc:
		u.eng.Cancel()
	}
}

func (u *progressUI) render(s models.SessionStats) {
	if u.bar == nil {
		u.logEvery.Do(func() {
			u.log.Info("progress",
				"completed", s.Completed,
				"total", s.Total,
				"failed", s.Failed,
				"uploaded", utils.FormatSize(s.UploadedBytes),
				"speed", utils.FormatSpeed(s.ThroughputBps),
				"eta", utils.FormatDuration(time.Duration(s.ETASeconds)*time.Second),
				"permits", s.Permits,
			)
		})
		return
	}
	u.bar.SetTotal(s.CompressedBytes)
	u.bar.SetCurrent(s.UploadedBytes)
	u.bar.Set("state", stateLabel(s))
	u.bar.Set("speed", utils.FormatSpeed(s.ThroughputBps))
	u.bar.Set("eta", utils.FormatDuration(time.Duration(s.ETASeconds)*time.Second))
	u.bar.Set("permits", fmt.Sprintf("%d/%d in flight", s.InFlight, s.Permits))
}

func stateLabel(s models.SessionStats) string {
	done := s.Completed + s.Failed
	switch {
	case s.Paused:
		return fmt.Sprintf("Paused %d/%d", done, s.Total)
	case s.Failed > 0:
		return fmt.Sprintf("Uploading %d/%d (%d failed)", done, s.Total, s.Failed)
	default:
		return fmt.Sprintf("Uploading %d/%d", done, s.Total)
	}
}
