// Package concurrency adapts the number of parallel transfers to observed
// network behaviour using additive increase and multiplicative decrease.
package concurrency

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// Config bounds and tunes the controller
type Config struct {
	Min                int
	Max                int
	Initial            int
	IncreaseAfter      int
	DecreaseFactor     float64
	FailureThreshold   int
	Cooldown           time.Duration
	LatencySpikeFactor float64
}

// DefaultConfig returns conservative limits suited to residential uplinks
func DefaultConfig() Config {
	return Config{
		Min:                2,
		Max:                6,
		IncreaseAfter:      3,
		DecreaseFactor:     0.5,
		FailureThreshold:   3,
		Cooldown:           2 * time.Second,
		LatencySpikeFactor: 3.0,
	}
}

func withDefaults(c Config) Config {
	def := DefaultConfig()
	if c.Min < 1 {
		c.Min = def.Min
	}
	if c.Max < c.Min {
		c.Max = max(def.Max, c.Min)
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		c.Initial = c.Min
	}
	if c.IncreaseAfter < 1 {
		c.IncreaseAfter = def.IncreaseAfter
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = def.DecreaseFactor
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.LatencySpikeFactor <= 1 {
		c.LatencySpikeFactor = def.LatencySpikeFactor
	}
	return c
}

// Controller holds the current permit count. It is safe for concurrent use.
type Controller struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu          sync.Mutex
	permits     int
	successes   int
	failures    int
	lastFailure time.Time
	throughput  ewma.MovingAverage
	latency     ewma.MovingAverage
}

// New creates a controller starting at cfg.Initial
func New(cfg Config, log *slog.Logger) *Controller {
	return NewWithNow(cfg, log, time.Now)
}

// NewWithNow creates a controller with a custom time source (for tests).
func NewWithNow(cfg Config, log *slog.Logger, now func() time.Time) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		cfg: withDefaults(cfg),
		log: log.With("component", "concurrency"),
		now: now,
	}
	c.reset()
	return c
}

// Config returns the effective configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// Concurrency returns the number of transfers allowed in flight
func (c *Controller) Concurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permits
}

// Reset drops all learned state and returns to the initial permit count
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Controller) reset() {
	c.permits = c.cfg.Initial
	c.successes = 0
	c.failures = 0
	c.lastFailure = time.Time{}
	c.throughput = ewma.NewMovingAverage()
	c.latency = ewma.NewMovingAverage()
}

// RecordUpload feeds one finished transfer into the controller.
func (c *Controller) RecordUpload(success bool, bytes int64, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.permits
	if success {
		c.onSuccess(bytes, d)
	} else {
		c.onFailure()
	}
	if c.permits != before {
		c.log.Debug("permits changed",
			"from", before,
			"to", c.permits,
			"success", success,
			"throughput_bps", c.throughput.Value(),
			"latency_ms", c.latency.Value(),
		)
	}
}

func (c *Controller) onSuccess(bytes int64, d time.Duration) {
	c.failures = 0
	c.successes++

	ms := float64(d) / float64(time.Millisecond)
	smoothed := c.latency.Value()
	spike := smoothed > 0 && ms > smoothed*c.cfg.LatencySpikeFactor

	if d > 0 {
		c.throughput.Add(float64(bytes) / d.Seconds())
	}
	c.latency.Add(ms)

	if spike {
		c.successes = 0
		return
	}
	if c.successes < c.cfg.IncreaseAfter {
		return
	}
	if !c.lastFailure.IsZero() && c.now().Sub(c.lastFailure) < c.cfg.Cooldown {
		return
	}
	c.successes = 0
	if c.permits < c.cfg.Max {
		c.permits++
	}
}

func (c *Controller) onFailure() {
	c.successes = 0
	c.failures++
	c.lastFailure = c.now()

	if c.failures >= c.cfg.FailureThreshold {
		c.permits = c.cfg.Min
		return
	}
	next := int(math.Floor(float64(c.permits) * c.cfg.DecreaseFactor))
	next = min(next, c.permits-1)
	c.permits = max(next, c.cfg.Min)
}

// State returns a snapshot of the controller
func (c *Controller) State() models.ConcurrencyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ConcurrencyState{
		Permits:              c.permits,
		Min:                  c.cfg.Min,
		Max:                  c.cfg.Max,
		ThroughputBps:        c.throughput.Value(),
		LatencyMs:            c.latency.Value(),
		ConsecutiveFailures:  c.failures,
		ConsecutiveSuccesses: c.successes,
		LastFailure:          c.lastFailure,
	}
}
