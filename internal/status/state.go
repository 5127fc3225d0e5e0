// Package status tracks the daemon's connection state: whether the backend
// is reachable and every watched stream is delivering.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// EventChanged is published on every transition with a Change payload.
const EventChanged = "status.changed"

// State represents a daemon runtime state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Live         State = "LIVE"
	Degraded     State = "DEGRADED"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. DEGRADED means the
// backend answers but at least one push stream is down.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Syncing, AuthRequired, Reconnecting, Error},
	Syncing:      {Live, Degraded, Reconnecting, Error},
	Live:         {Degraded, Reconnecting, AuthRequired, Error},
	Degraded:     {Live, Connecting, Reconnecting, AuthRequired, Error},
	Reconnecting: {Connecting, Degraded, Error},
	Error:        {Booting},
}

// Snapshot is the current state with the reason and time of the last
// transition.
type Snapshot struct {
	State  State
	Reason string
	Since  time.Time
}

// Change is the payload for status change events.
type Change struct {
	From   State
	To     State
	Reason string
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current Snapshot
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Snapshot{State: Booting, Since: time.Now()},
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.State
}

// Snapshot returns the current state with its reason.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.TransitionWithReason(to, "")
}

// TransitionWithReason is Transition with a human readable cause, shown by
// status displays.
func (m *Machine) TransitionWithReason(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, reason)
}

// TransitionFrom moves to "to" only when the machine is currently in one of
// from. It reports whether the transition happened.
func (m *Machine) TransitionFrom(to State, reason string, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.current.State) {
		return false
	}
	return m.transitionLocked(to, reason) == nil
}

func (m *Machine) transitionLocked(to State, reason string) error {
	from := m.current.State
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = Snapshot{State: to, Reason: reason, Since: time.Now()}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      EventChanged,
			Timestamp: m.current.Since,
			Payload:   Change{From: from, To: to, Reason: reason},
		})
	}
	return nil
}
