package peer

import "errors"

var (
	ErrPeerClosed = errors.New("peer: connection closed")
	// ErrUnexpectedAnswer is returned when an answer arrives while no offer of
	// ours is outstanding.
	ErrUnexpectedAnswer = errors.New("peer: answer without outstanding offer")
	// ErrReconnectExhausted is carried on the terminal reconnect-failed event
	// once the ICE restart allowance for this pairing is spent. The owner
	// tears down only this pairing.
	ErrReconnectExhausted = errors.New("peer: reconnect attempts exhausted")
	ErrNoDataChannel      = errors.New("peer: data channel not open")
	ErrNoSession          = errors.New("peer: no media session")
)
