package peer

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/softframe/meshcall/internal/metrics"
)

// State mirrors the pairing's connection state as seen by the participant
// directory.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Polite reports whether the local side of the (localID, remoteID) pairing
// takes the polite role. Both sides compute this independently from the same
// pair of ids and always disagree with each other's answer.
func Polite(localID, remoteID string) bool {
	return localID < remoteID
}

// Initiates reports whether the local side sends the first offer and creates
// the data channel. Exactly one side of any pairing initiates.
func Initiates(localID, remoteID string) bool {
	return localID > remoteID
}

// session is the narrow slice of pion's PeerConnection the negotiation state
// machine needs. Tests substitute fakes.
type session interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
}

// Options tunes one peer pairing.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// ReconnectDelay is how long the pairing may sit in "disconnected" before
	// an ICE restart offer is issued.
	ReconnectDelay time.Duration
	// MaxICERestarts caps restart attempts. Once spent, the pairing emits a
	// terminal reconnect-failed event.
	MaxICERestarts int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 10 * time.Second
	}
	if o.MaxICERestarts == 0 {
		o.MaxICERestarts = 3
	}
	return o
}

// Peer is one pairing in the mesh: a collision-safe negotiation state
// machine over a single PeerConnection, a side data channel, and bounded
// reconnection.
type Peer struct {
	localID  string
	remoteID string
	polite   bool

	log     *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	// newTimer is time.AfterFunc unless a test substitutes it.
	newTimer func(time.Duration, func()) *time.Timer

	events dispatcher

	mu             sync.Mutex
	sess           session
	pc             *webrtc.PeerConnection
	phase          negotiationPhase
	ignoredOffer   bool
	hasRemote      bool
	pending        []webrtc.ICECandidateInit
	state          State
	closed         bool
	restarts       int
	reconnectTimer *time.Timer
	senders        map[string]*webrtc.RTPSender
	dc             *webrtc.DataChannel
	dcOpen         bool
}

// New wraps pc as one mesh pairing. The politeness role is fixed for the
// lifetime of the pairing.
func New(localID, remoteID string, pc *webrtc.PeerConnection, opts Options) *Peer {
	p := newPeer(localID, remoteID, pc, opts)
	p.pc = pc

	pc.OnNegotiationNeeded(func() {
		if err := p.Negotiate(); err != nil {
			p.log.Warn("negotiation_failed", "remote", remoteID, "err", err)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.events.emit(Event{Type: EventLocalCandidate, Candidate: &init})
	})
	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.events.emit(Event{Type: EventRemoteTrack, Track: track})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			return
		}
		p.adoptDataChannel(dc)
	})

	return p
}

func newPeer(localID, remoteID string, sess session, opts Options) *Peer {
	opts = opts.withDefaults()
	return &Peer{
		localID:  localID,
		remoteID: remoteID,
		polite:   Polite(localID, remoteID),
		log:      opts.Logger,
		metrics:  opts.Metrics,
		opts:     opts,
		newTimer: time.AfterFunc,
		sess:     sess,
		state:    StateNew,
		senders:  make(map[string]*webrtc.RTPSender),
	}
}

func (p *Peer) RemoteID() string { return p.remoteID }
func (p *Peer) IsPolite() bool   { return p.polite }

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// On registers the handler for event type t; re-registration replaces the
// previous handler.
func (p *Peer) On(t EventType, fn func(Event)) {
	p.events.on(t, fn)
}

// AddTrack attaches a local track and triggers renegotiation. Adding a track
// that is already attached is a no-op.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
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
	if _, ok := p.senders[track.ID()]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.senders[track.ID()] = sender
	p.mu.Unlock()
	return nil
}

// RemoveTrack detaches the local track with trackID and triggers
// renegotiation. Unknown ids are a no-op.
func (p *Peer) RemoveTrack(trackID string) error {
	p.mu.Lock()
	pc := p.pc
	sender, ok := p.senders[trackID]
	if ok {
		delete(p.senders, trackID)
	}
	p.mu.Unlock()

	if !ok || pc == nil {
		return nil
	}
	return pc.RemoveTrack(sender)
}

// ReplaceTrack swaps the media feeding the sender for oldTrackID without a
// renegotiation round trip.
func (p *Peer) ReplaceTrack(oldTrackID string, track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender, ok := p.senders[oldTrackID]
	if ok && track != nil {
		delete(p.senders, oldTrackID)
		p.senders[track.ID()] = sender
	}
	p.mu.Unlock()

	if !ok {
		return ErrNoSession
	}
	return sender.ReplaceTrack(track)
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	if p.closed && s != StateClosed {
		p.mu.Unlock()
		return
	}
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()

	p.log.Debug("peer_state", "remote", p.remoteID, "state", string(s))
	p.events.emit(Event{Type: EventStateChange, State: s})
}

// Close tears down only this pairing. It is safe to call more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	timer := p.reconnectTimer
	p.reconnectTimer = nil
	dc := p.dc
	p.dc = nil
	p.dcOpen = false
	pc := p.pc
	wasClosed := p.state == StateClosed
	p.state = StateClosed
	p.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if dc != nil {
		_ = dc.Close()
	}
	var err error
	if pc != nil {
		err = pc.Close()
	}
	if !wasClosed {
		p.events.emit(Event{Type: EventStateChange, State: StateClosed})
	}
	return err
}
