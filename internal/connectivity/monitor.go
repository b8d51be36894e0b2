// Package connectivity observes network reachability transitions for
// the sync engine. The platform shell pushes raw reachability signals
// in; subscribers receive debounced, edge-triggered events out.
package connectivity

import (
	"sync"
	"time"

	"github.com/jcortes/exposurelog/backend/internal/logging"
)

// Edge is a reachability transition. Prev and Next always differ.
type Edge struct {
	Prev bool
	Next bool
}

// Online reports whether the edge ends in the online state.
func (e Edge) Online() bool {
	return e.Next
}

// Monitor holds the current reachability snapshot and fans out
// edge-triggered notifications. Transitions arriving within the
// debounce window are collapsed to the final state before any
// subscriber is notified, absorbing flapping Wi-Fi.
type Monitor struct {
	mu        sync.Mutex
	reachable bool // committed, debounced state
	pending   bool // last raw signal, not yet committed
	debounce  time.Duration
	timer     *time.Timer
	subs      map[chan Edge]struct{}
	closed    bool
}

// NewMonitor creates a Monitor with the given debounce window and
// initial reachability. A zero window commits transitions immediately.
func NewMonitor(debounce time.Duration, initial bool) *Monitor {
	return &Monitor{
		reachable: initial,
		pending:   initial,
		debounce:  debounce,
		subs:      make(map[chan Edge]struct{}),
	}
}

// Reachable returns the current debounced reachability snapshot.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// SetReachable feeds a raw platform reachability signal into the
// monitor. The debounce timer restarts on every signal; only the value
// that survives a full quiet window is committed.
func (m *Monitor) SetReachable(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.pending = reachable

	if m.debounce == 0 {
		m.commitLocked()
		return
	}

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.commitLocked()
	})
}

// commitLocked applies the settled raw signal. No-op when the value
// matches the committed state (a flap that returned to where it started).
func (m *Monitor) commitLocked() {
	if m.closed || m.pending == m.reachable {
		return
	}

	edge := Edge{Prev: m.reachable, Next: m.pending}
	m.reachable = m.pending

	logging.Info("connectivity changed", map[string]interface{}{
		"online": m.reachable,
	})

	for ch := range m.subs {
		select {
		case ch <- edge:
		default:
			// A subscriber that stopped draining loses edges rather
			// than blocking the monitor.
			logging.Warn("connectivity subscriber lagging, dropping edge", nil)
		}
	}
}

// Subscribe registers for edge notifications. The returned channel is
// buffered; callers must drain it or accept dropped edges.
func (m *Monitor) Subscribe() chan Edge {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Edge, 16)
	m.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Monitor) Unsubscribe(ch chan Edge) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// Close stops the monitor and closes all subscriber channels.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	if m.timer != nil {
		m.timer.Stop()
	}
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
}
