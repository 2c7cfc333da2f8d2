package status

import (
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/wpprelay/internal/bus"
)

// State is an instance's connection state as reported by its gateway.
type State string

const (
	Unknown    State = "unknown"
	Connecting State = "connecting"
	Open       State = "open"
	Close      State = "close"
)

// EventKind is the bus kind published on every state change.
const EventKind = "instance:status"

// ParseState maps a gateway-reported state onto a State.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "connected":
		return Open
	case "connecting", "reconnecting":
		return Connecting
	case "close", "closed", "disconnected", "refused", "logged_out":
		return Close
	default:
		return Unknown
	}
}

// Change is the payload for state change events.
type Change struct {
	Instance   string `json:"instance"`
	From       State  `json:"from"`
	To         State  `json:"state"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// Tracker records the connection state of every instance. Gateways repeat
// their state freely; only actual changes are published.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]State
	bus    *bus.Bus
}

// NewTracker creates a tracker. b may be nil.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		states: make(map[string]State),
		bus:    b,
	}
}

// Current returns the state of instance.
func (t *Tracker) Current(instance string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[instance]; ok {
		return s
	}
	return Unknown
}

// Set records the state of instance and reports whether it changed.
func (t *Tracker) Set(instance string, to State, statusCode int) (Change, bool) {
	t.mu.Lock()
	from, ok := t.states[instance]
	if !ok {
		from = Unknown
	}
	if from == to {
		t.mu.Unlock()
		return Change{}, false
	}
	t.states[instance] = to
	t.mu.Unlock()

	change := Change{Instance: instance, From: from, To: to, StatusCode: statusCode}
	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Scope:     instance,
			Kind:      EventKind,
			Timestamp: time.Now(),
			Payload:   change,
		})
	}
	return change, true
}

// Snapshot returns a copy of every known state.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]State, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}
