// Package rehydrate sequences boot-time recovery: schema verification, resume
// cursors, boot metrics, and drift reconciliation against the exchange. The
// runtime starts no writers until the gate reports ready.
package rehydrate

import (
	"fmt"
	"sync"
	"time"
)

// Gate is the readiness latch between rehydration and the serving surfaces.
// It starts not-ready and flips exactly once per successful rehydration pass.
type Gate struct {
	mu      sync.RWMutex
	ready   bool
	readyAt time.Time
	lastErr error
}

// NewGate returns a gate in the not-ready state.
func NewGate() *Gate {
	return &Gate{}
}

// MarkReady latches readiness with the completion time.
func (g *Gate) MarkReady(at time.Time) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = true
	g.readyAt = at
	g.lastErr = nil
}

// MarkNotReady records a rehydration failure and drops readiness.
func (g *Gate) MarkNotReady(err error) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = false
	g.lastErr = err
}

// Ready reports whether rehydration completed.
func (g *Gate) Ready() bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ready
}

// Status returns readiness, the ready timestamp, and the last failure.
func (g *Gate) Status() (bool, time.Time, error) {
	if g == nil {
		return false, time.Time{}, fmt.Errorf("gate is not configured")
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ready, g.readyAt, g.lastErr
}
