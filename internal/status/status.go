// Package status defines the connectivity states shared by the REST and MQTT
// subsystems and the transition filter that de-duplicates their emissions.
package status

import "sync"

// Connection is the connectivity state of one subsystem.
type Connection string

const (
	NotConnected       Connection = "NOT_CONNECTED"
	Connecting         Connection = "CONNECTING"
	Connected          Connection = "CONNECTED"
	TemporaryConnected Connection = "TEMPORARY_CONNECTED"
	Failed             Connection = "FAILED"
	InvalidCredentials Connection = "INVALID_CREDENTIALS"
	Disconnected       Connection = "DISCONNECTED"
	NotFound           Connection = "NOT_FOUND"
)

// Filter suppresses duplicate statuses and transitions listed in the ignore
// table, e.g. Connected -> Connecting while the session resubscribes.
type Filter struct {
	mu      sync.Mutex
	last    Connection
	ignored map[Connection][]Connection
}

func NewFilter(ignored map[Connection][]Connection) *Filter {
	return &Filter{last: NotConnected, ignored: ignored}
}

// Observe reports whether next should be emitted, advancing the filter state
// only when it is.
func (f *Filter) Observe(next Connection) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if next == f.last {
		return false
	}
	for _, ignored := range f.ignored[f.last] {
		if next == ignored {
			return false
		}
	}
	f.last = next
	return true
}

// Last returns the most recently emitted status.
func (f *Filter) Last() Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
