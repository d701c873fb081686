package signaling

import (
	"context"
	"sync"
)

// Transport delivers envelopes for one room subscription. Implementations
// give no cross-message ordering guarantee between distinct senders.
type Transport interface {
	// Connect subscribes to roomID as userID. recv is invoked for every
	// envelope delivered to this subscriber; state is invoked once with a
	// non-nil error when the transport is disrupted. Neither callback is
	// invoked after Close returns.
	Connect(ctx context.Context, roomID, userID string, recv func(Envelope), state func(error)) error

	Send(Envelope) error

	Close() error
}

// MemBus is an in-process signaling transport shared by tests and by
// coordinator instances running in one process. Directed envelopes reach only
// the addressee; broadcasts reach every room member except the sender.
type MemBus struct {
	mu    sync.Mutex
	rooms map[string]map[string]*MemTransport
}

func NewMemBus() *MemBus {
	return &MemBus{rooms: make(map[string]map[string]*MemTransport)}
}

// NewTransport returns an unconnected transport bound to this bus.
func (b *MemBus) NewTransport() *MemTransport {
	return &MemTransport{bus: b}
}

func (b *MemBus) join(roomID, userID string, t *MemTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.rooms[roomID]
	if room == nil {
		room = make(map[string]*MemTransport)
		b.rooms[roomID] = room
	}
	room[userID] = t
}

func (b *MemBus) leave(roomID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(b.rooms, roomID)
	}
}

func (b *MemBus) route(roomID string, env Envelope) error {
	b.mu.Lock()
	var targets []*MemTransport
	for userID, t := range b.rooms[roomID] {
		if userID == env.FromUserID {
			continue
		}
		if env.TargetUserID != "" && env.TargetUserID != userID {
			continue
		}
		targets = append(targets, t)
	}
	b.mu.Unlock()

	// A directed envelope with no addressee means the target already left
	// the room. Broadcasts to an otherwise empty room are fine: being the
	// only member is normal.
	if env.TargetUserID != "" && len(targets) == 0 {
		return ErrNoSuchClient
	}

	for _, t := range targets {
		t.deliver(env)
	}
	return nil
}

// MemTransport is one subscriber on a MemBus.
type MemTransport struct {
	bus *MemBus

	mu     sync.Mutex
	roomID string
	userID string
	recv   func(Envelope)
	state  func(error)
	closed bool
}

func (t *MemTransport) Connect(_ context.Context, roomID, userID string, recv func(Envelope), state func(error)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.roomID = roomID
	t.userID = userID
	t.recv = recv
	t.state = state
	t.mu.Unlock()

	t.bus.join(roomID, userID, t)
	return nil
}

func (t *MemTransport) Send(env Envelope) error {
	t.mu.Lock()
	roomID := t.roomID
	closed := t.closed
	t.mu.Unlock()
	if closed || roomID == "" {
		return ErrNotConnected
	}
	return t.bus.route(roomID, env)
}

// Fail simulates a transport disruption: the subscriber is dropped from the
// room and its state callback observes err.
func (t *MemTransport) Fail(err error) {
	t.mu.Lock()
	state := t.state
	roomID, userID := t.roomID, t.userID
	t.roomID = ""
	t.mu.Unlock()

	if roomID != "" {
		t.bus.leave(roomID, userID)
	}
	if state != nil {
		state(err)
	}
}

func (t *MemTransport) deliver(env Envelope) {
	t.mu.Lock()
	recv := t.recv
	closed := t.closed
	t.mu.Unlock()
	if closed || recv == nil {
		return
	}
	recv(env)
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	roomID, userID := t.roomID, t.userID
	t.roomID = ""
	t.recv = nil
	t.state = nil
	t.mu.Unlock()

	if roomID != "" {
		t.bus.leave(roomID, userID)
	}
	return nil
}
