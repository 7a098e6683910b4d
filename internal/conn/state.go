package conn

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pmelo/courier/internal/bus"
)

// State is the connection lifecycle state. Transitions are driven only
// by the Channel; everything else observes.
type State string

const (
	Disconnected      State = "DISCONNECTED"
	Connecting        State = "CONNECTING"
	Connected         State = "CONNECTED"
	Reconnecting      State = "RECONNECTING"
	FailedPermanently State = "FAILED_PERMANENTLY"
)

var validTransitions = map[State][]State{
	Disconnected:      {Connecting},
	Connecting:        {Connected, Reconnecting, FailedPermanently, Disconnected},
	Connected:         {Reconnecting, Disconnected, FailedPermanently},
	Reconnecting:      {Connecting, Disconnected, FailedPermanently},
	// Connecting is reachable again once a fresh credential arrives.
	FailedPermanently: {Disconnected, Connecting},
}

// StateChange is the payload for conn.state_changed events.
type StateChange struct {
	From State
	To   State
}

// StateSub is a cancellable stream of state changes.
type StateSub struct {
	C chan State

	once   sync.Once
	cancel func()
}

// Close detaches the subscription. Idempotent.
func (s *StateSub) Close() {
	s.once.Do(s.cancel)
}

// tracker enforces valid state transitions and fans changes out to
// subscribers and the bus.
type tracker struct {
	mu      sync.Mutex
	current State
	subs    map[int]*StateSub
	next    int
	bus     *bus.Bus
}

func newTracker(b *bus.Bus) *tracker {
	return &tracker{
		current: Disconnected,
		subs:    make(map[int]*StateSub),
		bus:     b,
	}
}

func (t *tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Subscribe returns the current state plus a stream of subsequent changes.
func (t *tracker) Subscribe() (State, *StateSub) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &StateSub{C: make(chan State, 8)}
	id := t.next
	t.next++
	t.subs[id] = sub
	sub.cancel = func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
	return t.current, sub
}

// transition moves to a new state, returning an error when the move is
// not allowed from the current state.
func (t *tracker) transition(to State) error {
	t.mu.Lock()
	if t.current == to {
		t.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[t.current], to) {
		from := t.current
		t.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := t.current
	t.current = to
	subs := make([]*StateSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		select {
		case s.C <- to:
		default:
		}
	}
	if t.bus != nil {
		t.bus.Emit("conn.state_changed", StateChange{From: from, To: to})
	}
	return nil
}

// reset forces the tracker back to Disconnected regardless of current
// state (transport closed, session invalidated).
func (t *tracker) reset() {
	t.mu.Lock()
	if t.current == Disconnected {
		t.mu.Unlock()
		return
	}
	from := t.current
	t.current = Disconnected
	subs := make([]*StateSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		select {
		case s.C <- Disconnected:
		default:
		}
	}
	if t.bus != nil {
		t.bus.Emit("conn.state_changed", StateChange{From: from, To: Disconnected})
	}
}
