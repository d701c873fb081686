package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/softframe/meshcall/internal/metrics"
)

type negotiationPhase int

const (
	phaseIdle negotiationPhase = iota
	// phaseMakingOffer covers the window between deciding to offer and the
	// local description being set. A remote offer landing here is a collision.
	phaseMakingOffer
	// phaseAwaitingAnswer means our offer is on the wire.
	phaseAwaitingAnswer
)

// Negotiate starts an offer round. It runs whenever local media changes
// require renegotiation and on the initial connect of the initiating side.
func (p *Peer) Negotiate() error {
	return p.negotiate(nil)
}

func (p *Peer) negotiate(opts *webrtc.OfferOptions) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	if p.phase != phaseIdle {
		// An offer round is already in flight; pion re-fires negotiationneeded
		// once the session returns to stable.
		p.mu.Unlock()
		return nil
	}
	p.phase = phaseMakingOffer
	sess := p.sess
	p.mu.Unlock()

	offer, err := sess.CreateOffer(opts)
	if err != nil {
		p.resetPhase()
		return err
	}
	if err := sess.SetLocalDescription(offer); err != nil {
		p.resetPhase()
		return err
	}

	p.mu.Lock()
	if p.phase == phaseMakingOffer {
		p.phase = phaseAwaitingAnswer
	}
	p.mu.Unlock()

	p.metrics.Inc(metrics.NegotiationOffers)
	// SetLocalDescription may have rewritten the description; send what pion
	// recorded, not what CreateOffer returned.
	desc := sess.LocalDescription()
	if desc != nil {
		p.events.emit(Event{Type: EventLocalDescription, Description: desc})
	}
	return nil
}

func (p *Peer) resetPhase() {
	p.mu.Lock()
	p.phase = phaseIdle
	p.mu.Unlock()
}

// HandleOffer processes a remote offer, resolving glare by role: the polite
// side rolls back its own in-flight offer and accepts, the impolite side
// drops the incoming offer and lets its own round complete.
func (p *Peer) HandleOffer(offer webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	sess := p.sess
	collision := p.phase != phaseIdle || sess.SignalingState() != webrtc.SignalingStateStable
	if collision && !p.polite {
		p.ignoredOffer = true
		p.mu.Unlock()
		p.metrics.Inc(metrics.NegotiationCollisions)
		p.log.Debug("offer_ignored", "remote", p.remoteID)
		return nil
	}
	p.ignoredOffer = false
	p.mu.Unlock()

	if collision {
		p.metrics.Inc(metrics.NegotiationCollisions)
		p.metrics.Inc(metrics.NegotiationRollbacks)
		p.log.Debug("offer_rollback", "remote", p.remoteID)
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := sess.SetLocalDescription(rollback); err != nil {
			// pion cannot roll back every intermediate state; the subsequent
			// SetRemoteDescription decides whether the round survives.
			p.log.Warn("rollback_failed", "remote", p.remoteID, "err", err)
		}
		p.resetPhase()
	}

	if err := sess.SetRemoteDescription(offer); err != nil {
		return err
	}
	p.markRemoteSet()

	answer, err := sess.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := sess.SetLocalDescription(answer); err != nil {
		return err
	}
	p.metrics.Inc(metrics.NegotiationAnswers)
	if desc := sess.LocalDescription(); desc != nil {
		p.events.emit(Event{Type: EventLocalDescription, Description: desc})
	}
	p.flushCandidates()
	return nil
}

// HandleAnswer completes our in-flight offer round.
func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	if p.phase != phaseAwaitingAnswer {
		p.mu.Unlock()
		return ErrUnexpectedAnswer
	}
	sess := p.sess
	p.mu.Unlock()

	if err := sess.SetRemoteDescription(answer); err != nil {
		p.resetPhase()
		return err
	}
	p.markRemoteSet()
	p.resetPhase()
	p.flushCandidates()
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it if no remote
// description is set yet. Buffered candidates flush in arrival order.
func (p *Peer) HandleCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	if !p.hasRemote {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		p.metrics.Inc(metrics.CandidatesBuffered)
		return nil
	}
	ignored := p.ignoredOffer
	sess := p.sess
	p.mu.Unlock()

	if err := sess.AddICECandidate(c); err != nil {
		if ignored {
			// Candidates trailing a dropped colliding offer are expected to
			// fail against our own description.
			p.metrics.Inc(metrics.CandidatesStale)
			p.log.Debug("stale_candidate", "remote", p.remoteID)
			return nil
		}
		return err
	}
	return nil
}

func (p *Peer) markRemoteSet() {
	p.mu.Lock()
	p.hasRemote = true
	p.mu.Unlock()
}

func (p *Peer) flushCandidates() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	sess := p.sess
	p.mu.Unlock()

	for _, c := range pending {
		if err := sess.AddICECandidate(c); err != nil {
			p.log.Warn("candidate_flush_failed", "remote", p.remoteID, "err", err)
			continue
		}
		p.metrics.Inc(metrics.CandidatesFlushed)
	}
}
