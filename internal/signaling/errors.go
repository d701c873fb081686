package signaling

import "errors"

var (
	// ErrOversizedPayload is returned by Adapter.Send when the encoded envelope
	// exceeds the transport payload ceiling. A signal-fallback control message
	// has already been sent in its place.
	ErrOversizedPayload = errors.New("signaling: payload exceeds transport ceiling")

	ErrNotConnected       = errors.New("signaling: not connected")
	ErrUnknownMessageType = errors.New("signaling: unknown message type")
	ErrMissingSender      = errors.New("signaling: missing fromUserId")
	// ErrNoSuchClient is returned for a directed envelope whose target is no
	// longer in the room.
	ErrNoSuchClient = errors.New("signaling: no such client")
)
