package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// EventType enumerates the events a Peer emits toward its owner.
type EventType string

const (
	// EventStateChange reports a connection state transition.
	EventStateChange EventType = "state-change"
	// EventLocalDescription reports an offer or answer that must be delivered
	// to the remote side over the signaling channel.
	EventLocalDescription EventType = "local-description"
	// EventLocalCandidate reports a trickled local ICE candidate.
	EventLocalCandidate EventType = "local-candidate"
	// EventRemoteTrack reports an inbound media track.
	EventRemoteTrack EventType = "remote-track"
	// EventDataOpen fires once the peer data channel is usable.
	EventDataOpen EventType = "data-open"
	// EventDataMessage reports an application payload from the data channel.
	EventDataMessage EventType = "data-message"
	// EventReconnectFailed is terminal: the ICE restart budget is exhausted.
	EventReconnectFailed EventType = "reconnect-failed"
)

// Event is the union payload for all peer events.
type Event struct {
	Type        EventType
	State       State
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
	Track       *webrtc.TrackRemote
	Data        []byte
	// Err carries the cause on failure events. EventReconnectFailed sets it
	// to ErrReconnectExhausted.
	Err error
}

// dispatcher routes events to at most one handler per type. Re-registration
// replaces the previous handler.
type dispatcher struct {
	mu       sync.Mutex
	handlers map[EventType]func(Event)
}

func (d *dispatcher) on(t EventType, fn func(Event)) {
	d.mu.Lock()
	if d.handlers == nil {
		d.handlers = make(map[EventType]func(Event))
	}
	if fn == nil {
		delete(d.handlers, t)
	} else {
		d.handlers[t] = fn
	}
	d.mu.Unlock()
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	fn := d.handlers[ev.Type]
	d.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
