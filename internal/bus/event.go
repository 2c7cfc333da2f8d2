package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	// Scope namespaces the event, usually by instance. Empty for process-wide
	// events.
	Scope     string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Topic is the string subscribers filter on: "<scope>/<kind>", or just the
// kind for unscoped events.
func (e Event) Topic() string {
	if e.Scope == "" {
		return e.Kind
	}
	return e.Scope + "/" + e.Kind
}
