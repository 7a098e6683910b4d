package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated namespaces: "conn.state_changed",
// "sync.gap", "outbox.ack", "presence.typing_changed",
// "message.upserted", "session.invalidated", "call.signal".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
