package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies a room-scoped signaling message.
type MessageType string

const (
	TypeOffer               MessageType = "offer"
	TypeAnswer              MessageType = "answer"
	TypeICECandidate        MessageType = "ice-candidate"
	TypeUserJoined          MessageType = "user-joined"
	TypeUserLeft            MessageType = "user-left"
	TypeUserProfile         MessageType = "user-profile"
	TypeMuteState           MessageType = "mute-state"
	TypeVideoState          MessageType = "video-state"
	TypeRecordingState      MessageType = "recording-state"
	TypeMeetingEnded        MessageType = "meeting-ended"
	TypeRequestParticipants MessageType = "request-participants"

	// TypeSignalFallback tells the recipient to continue the exchange over the
	// peer pair's data channel because the original payload exceeded the
	// transport ceiling.
	TypeSignalFallback MessageType = "signal-fallback"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate,
		TypeUserJoined, TypeUserLeft, TypeUserProfile,
		TypeMuteState, TypeVideoState, TypeRecordingState,
		TypeMeetingEnded, TypeRequestParticipants, TypeSignalFallback:
		return true
	default:
		return false
	}
}

// Envelope is the wire format shared by every signaling message. Messages
// with a TargetUserID are directed; all others are room broadcasts.
type Envelope struct {
	Type         MessageType     `json:"type"`
	FromUserID   string          `json:"fromUserId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) validate() error {
	if !e.Type.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}
	if e.FromUserID == "" {
		return ErrMissingSender
	}
	return nil
}

// ParseEnvelope decodes and validates a wire envelope, rejecting unknown
// fields and trailing data.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, err
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return e, nil
}

// SDPPayload carries an offer or answer session description.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDPPayload {
	return SDPPayload{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDPPayload) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("missing sdp body")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) CandidatePayload {
	return CandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c CandidatePayload) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// ProfilePayload carries the display identity attached to user-joined and
// user-profile messages.
type ProfilePayload struct {
	UserID      string `json:"userId"`
	SessionID   string `json:"sessionId,omitempty"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// MuteStatePayload mirrors the sender's local audio enablement.
type MuteStatePayload struct {
	Muted bool `json:"muted"`
}

// VideoStatePayload mirrors the sender's local video enablement so remote
// observers can update without inspecting tracks.
type VideoStatePayload struct {
	VideoEnabled bool `json:"videoEnabled"`
}

// RecordingStatePayload announces recording start/stop to the room.
type RecordingStatePayload struct {
	Recording bool `json:"recording"`
}

// FallbackPayload names the message type whose payload exceeded the transport
// ceiling and must be re-sent over the data channel.
type FallbackPayload struct {
	OriginalType MessageType `json:"originalType"`
}
