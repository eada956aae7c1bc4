// Package watchdog provides the single-shot silence timer that forces end of
// input when a recognizer is slow to finalize.
package watchdog

import (
	"sync"
	"time"
)

type State int

const (
	Unarmed State = iota
	Armed
	Fired
	Canceled
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "unarmed"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Watchdog owns at most one pending timer. Fired and Canceled behave like
// Unarmed for Arm; callers that want a single arm per owner track that
// themselves.
type Watchdog struct {
	onFire func()

	mu    sync.Mutex
	state State
	timer *time.Timer
	gen   uint64
}

// New returns an unarmed watchdog that calls onFire, from its own goroutine,
// when an armed window elapses.
func New(onFire func()) *Watchdog {
	return &Watchdog{onFire: onFire}
}

// Arm starts the window. It reports false and does nothing when already
// armed; the first arm wins.
func (w *Watchdog) Arm(d time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Armed {
		return false
	}
	w.gen++
	gen := w.gen
	w.state = Armed
	w.timer = time.AfterFunc(d, func() { w.fire(gen) })
	return true
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if w.state != Armed || w.gen != gen {
		w.mu.Unlock()
		return
	}
	w.state = Fired
	w.timer = nil
	w.mu.Unlock()

	if w.onFire != nil {
		w.onFire()
	}
}

// Cancel invalidates a pending window. It is a no-op unless armed.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Armed {
		return
	}
	w.gen++
	w.state = Canceled
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
