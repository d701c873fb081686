package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel names the side channel every pairing carries next to its
// media. It falls back to carrying SDP when the signaling payload cap is hit.
const DataChannelLabel = "meshcall-data"

// dataEnvelope frames every data channel message.
type dataEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	dataKindSDP  = "sdp"
	dataKindPing = "ping"
	dataKindApp  = "app"
)

// OpenDataChannel creates the side channel. Only the initiating side of a
// pairing calls this; the other side adopts the channel when it arrives.
func (p *Peer) OpenDataChannel() error {
	p.mu.Lock()
	pc := p.pc
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	if pc == nil {
		p.mu.Unlock()
		return ErrNoSession
	}
	if p.dc != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return err
	}
	p.adoptDataChannel(dc)
	return nil
}

func (p *Peer) adoptDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = dc.Close()
		return
	}
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		p.dcOpen = true
		p.mu.Unlock()
		p.log.Debug("data_channel_open", "remote", p.remoteID)
		p.events.emit(Event{Type: EventDataOpen})
	})
	dc.OnClose(func() {
		p.mu.Lock()
		p.dcOpen = false
		p.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.handleDataMessage(msg.Data)
	})
}

func (p *Peer) handleDataMessage(raw []byte) {
	var env dataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.log.Warn("data_message_malformed", "remote", p.remoteID, "err", err)
		return
	}
	switch env.Kind {
	case dataKindSDP:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			p.log.Warn("data_sdp_malformed", "remote", p.remoteID, "err", err)
			return
		}
		var err error
		switch desc.Type {
		case webrtc.SDPTypeOffer:
			err = p.HandleOffer(desc)
		case webrtc.SDPTypeAnswer:
			err = p.HandleAnswer(desc)
		default:
			err = fmt.Errorf("unexpected sdp type %q", desc.Type)
		}
		if err != nil {
			p.log.Warn("data_sdp_failed", "remote", p.remoteID, "err", err)
		}
	case dataKindPing:
		// Liveness only; nothing to do.
	case dataKindApp:
		p.events.emit(Event{Type: EventDataMessage, Data: env.Payload})
	default:
		p.log.Warn("data_message_unknown_kind", "remote", p.remoteID, "kind", env.Kind)
	}
}

func (p *Peer) sendEnvelope(env dataEnvelope) error {
	p.mu.Lock()
	dc := p.dc
	open := p.dcOpen
	p.mu.Unlock()
	if dc == nil || !open {
		return ErrNoDataChannel
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return dc.Send(raw)
}

// SendData ships an application payload over the side channel.
func (p *Peer) SendData(payload []byte) error {
	return p.sendEnvelope(dataEnvelope{Kind: dataKindApp, Payload: payload})
}

// SendDescription ships an SDP over the side channel. Used when the signaling
// channel rejected the description as oversized.
func (p *Peer) SendDescription(desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return p.sendEnvelope(dataEnvelope{Kind: dataKindSDP, Payload: raw})
}

// SendPing ships a liveness probe.
func (p *Peer) SendPing() error {
	return p.sendEnvelope(dataEnvelope{Kind: dataKindPing})
}
