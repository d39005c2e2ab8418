package transfer

import (
	"context"
	"sync"
)

// Gate blocks admission of new transfers while paused
type Gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

// NewGate returns an open gate
func NewGate() *Gate {
	open := make(chan struct{})
	close(open)
	return &Gate{open: open}
}

// Pause closes the gate. Transfers already running are unaffected.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.open = make(chan struct{})
	}
}

// Resume opens the gate
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.open)
	}
}

// Paused reports whether the gate is closed
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Opened returns a channel that is closed while the gate is open
func (g *Gate) Opened() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait blocks until the gate is open or ctx is done
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Opened():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
