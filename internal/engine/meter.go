package engine

import (
	"math"
	"sync"
	"time"
)

const (
	meterAlpha  = 0.2
	meterWindow = 250 * time.Millisecond
)

// Meter smooths the session byte rate. Bytes collect in a window until at
// least meterWindow has passed, then the window rate is folded into the
// moving average, so bursts of tiny progress callbacks do not skew it.
type Meter struct {
	mu  sync.Mutex
	now func() time.Time

	sent     int64
	winStart time.Time
	winBytes int64
	rate     float64
}

// NewMeter returns an empty meter reading time from now
func NewMeter(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	m := &Meter{now: now}
	m.Reset()
	return m
}

// Reset starts a new measurement
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = 0
	m.winStart = m.now()
	m.winBytes = 0
	m.rate = 0
}

// Add records n more bytes on the wire
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent += n
	m.winBytes += n

	now := m.now()
	elapsed := now.Sub(m.winStart)
	if elapsed < meterWindow {
		return
	}
	sample := float64(m.winBytes) / elapsed.Seconds()
	if m.rate == 0 {
		m.rate = sample
	} else {
		m.rate += meterAlpha * (sample - m.rate)
	}
	m.winStart = now
	m.winBytes = 0
}

// Sent is the byte count since the last Reset
func (m *Meter) Sent() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// Rate is the smoothed rate in bytes per second, 0 before the first
// window closes.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// ETA estimates how long remaining bytes take at the smoothed rate,
// rounded up to whole seconds. Zero when the rate is unknown.
func (m *Meter) ETA(remaining int64) time.Duration {
	rate := m.Rate()
	if rate <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(float64(remaining)/rate)) * time.Second
}
