package lobby

// EventType classifies lobby lifecycle events.
type EventType int

const (
	EventCreated EventType = iota // record opened for a new session
	EventUpdated                  // per-tick update of the tracked record
	EventClosed                   // record closed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event carries a record snapshot to observers.
type Event struct {
	Type   EventType
	Record *Record // snapshot (safe to retain)
	// Changed is false for heartbeat-only updates.
	Changed     bool
	ActiveCount int
}
