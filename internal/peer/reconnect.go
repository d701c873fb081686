package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/softframe/meshcall/internal/metrics"
)

// handleConnectionState maps pion's connection states onto ours and drives
// the bounded reconnection ladder: "disconnected" arms a grace timer before
// restarting ICE, "failed" restarts immediately.
func (p *Peer) handleConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		p.setState(StateNew)
	case webrtc.PeerConnectionStateConnecting:
		p.setState(StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		p.cancelReconnect()
		p.mu.Lock()
		p.restarts = 0
		p.mu.Unlock()
		p.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		p.setState(StateDisconnected)
		p.armReconnect()
	case webrtc.PeerConnectionStateFailed:
		p.setState(StateFailed)
		p.cancelReconnect()
		p.restartICE()
	case webrtc.PeerConnectionStateClosed:
		p.setState(StateClosed)
	}
}

func (p *Peer) armReconnect() {
	p.mu.Lock()
	if p.closed || p.reconnectTimer != nil {
		p.mu.Unlock()
		return
	}
	p.reconnectTimer = p.newTimer(p.opts.ReconnectDelay, func() {
		p.mu.Lock()
		p.reconnectTimer = nil
		stillDown := !p.closed && p.state == StateDisconnected
		p.mu.Unlock()
		if stillDown {
			p.restartICE()
		}
	})
	p.mu.Unlock()
	p.log.Debug("reconnect_armed", "remote", p.remoteID, "delay", p.opts.ReconnectDelay)
}

func (p *Peer) cancelReconnect() {
	p.mu.Lock()
	timer := p.reconnectTimer
	p.reconnectTimer = nil
	p.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// restartICE issues a fresh offer with new ICE credentials. Attempts are
// capped per pairing; the counter resets each time the pairing reaches
// connected again.
func (p *Peer) restartICE() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.restarts >= p.opts.MaxICERestarts {
		p.mu.Unlock()
		p.metrics.Inc(metrics.ReconnectExhausted)
		p.log.Warn("reconnect_exhausted", "remote", p.remoteID, "attempts", p.opts.MaxICERestarts)
		p.events.emit(Event{Type: EventReconnectFailed, Err: ErrReconnectExhausted})
		return
	}
	p.restarts++
	attempt := p.restarts
	// A restart offer must go out even if a normal round is in flight.
	p.phase = phaseIdle
	p.mu.Unlock()

	p.metrics.Inc(metrics.ICERestarts)
	p.log.Info("ice_restart", "remote", p.remoteID, "attempt", attempt)
	if err := p.negotiate(&webrtc.OfferOptions{ICERestart: true}); err != nil {
		p.log.Warn("ice_restart_failed", "remote", p.remoteID, "err", err)
	}
}
