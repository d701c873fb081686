package mesh

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/softframe/meshcall/internal/metrics"
	"github.com/softframe/meshcall/internal/peer"
)

// PeerEvent is a peer event tagged with the remote id it originated from, so
// the coordinator never inspects individual connections.
type PeerEvent struct {
	RemoteID string
	Event    peer.Event
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Peer is passed through to every peer pairing.
	Peer peer.Options
}

// Manager owns the local participant's set of peer pairings and keeps it
// consistent: at most one pairing per remote id, created on demand and
// removed exactly once.
type Manager struct {
	localID string
	dial    func(remoteID string) (*webrtc.PeerConnection, error)
	log     *slog.Logger
	metrics *metrics.Metrics
	peerOpt peer.Options

	mu      sync.Mutex
	peers   map[string]*peer.Peer
	eventFn func(PeerEvent)
	closed  bool
}

// NewManager builds a Manager. dial constructs the underlying transport for
// one pairing; it is invoked once per remote id.
func NewManager(localID string, dial func(remoteID string) (*webrtc.PeerConnection, error), opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	peerOpt := opts.Peer
	if peerOpt.Logger == nil {
		peerOpt.Logger = logger
	}
	if peerOpt.Metrics == nil {
		peerOpt.Metrics = opts.Metrics
	}
	return &Manager{
		localID: localID,
		dial:    dial,
		log:     logger,
		metrics: opts.Metrics,
		peerOpt: peerOpt,
		peers:   make(map[string]*peer.Peer),
	}
}

// OnEvent registers the sink for tagged peer events. Last registration wins.
func (m *Manager) OnEvent(fn func(PeerEvent)) {
	m.mu.Lock()
	m.eventFn = fn
	m.mu.Unlock()
}

// CreateConnection returns the pairing for remoteID, creating it if absent.
func (m *Manager) CreateConnection(remoteID string) (*peer.Peer, error) {
	if remoteID == m.localID {
		return nil, fmt.Errorf("mesh: refusing self pairing for %q", remoteID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, peer.ErrPeerClosed
	}
	if p, ok := m.peers[remoteID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	pc, err := m.dial(remoteID)
	if err != nil {
		return nil, fmt.Errorf("mesh: dial %s: %w", remoteID, err)
	}
	p := peer.New(m.localID, remoteID, pc, m.peerOpt)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = p.Close()
		return nil, peer.ErrPeerClosed
	}
	// Lost a race with a concurrent create for the same remote.
	if existing, ok := m.peers[remoteID]; ok {
		m.mu.Unlock()
		_ = p.Close()
		return existing, nil
	}
	m.peers[remoteID] = p
	m.mu.Unlock()

	m.forwardEvents(remoteID, p)
	m.metrics.Inc(metrics.PeersCreated)
	m.log.Info("peer_created", "remote", remoteID, "polite", p.IsPolite())
	return p, nil
}

func (m *Manager) forwardEvents(remoteID string, p *peer.Peer) {
	for _, t := range []peer.EventType{
		peer.EventStateChange,
		peer.EventLocalDescription,
		peer.EventLocalCandidate,
		peer.EventRemoteTrack,
		peer.EventDataOpen,
		peer.EventDataMessage,
		peer.EventReconnectFailed,
	} {
		t := t
		p.On(t, func(ev peer.Event) {
			m.mu.Lock()
			fn := m.eventFn
			m.mu.Unlock()
			if fn != nil {
				fn(PeerEvent{RemoteID: remoteID, Event: ev})
			}
		})
	}
}

// Get returns the pairing for remoteID if one exists.
func (m *Manager) Get(remoteID string) (*peer.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[remoteID]
	return p, ok
}

// RemoveConnection closes and discards the pairing for remoteID. Unknown ids
// are a no-op.
func (m *Manager) RemoveConnection(remoteID string) {
	m.mu.Lock()
	p, ok := m.peers[remoteID]
	if ok {
		delete(m.peers, remoteID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = p.Close()
	m.metrics.Inc(metrics.PeersRemoved)
	m.log.Info("peer_removed", "remote", remoteID)
}

// RemoteIDs lists the remote ids with an active pairing.
func (m *Manager) RemoteIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

func (m *Manager) all() []*peer.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// BroadcastTrack attaches track to every pairing, triggering renegotiation
// on each. Per-pairing failures are aggregated, never fatal to the fan-out.
func (m *Manager) BroadcastTrack(track webrtc.TrackLocal) error {
	var errs []error
	for _, p := range m.all() {
		if err := p.AddTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("add track to %s: %w", p.RemoteID(), err))
		}
	}
	return errors.Join(errs...)
}

// StopBroadcastingTrack detaches the track with trackID from every pairing.
func (m *Manager) StopBroadcastingTrack(trackID string) error {
	var errs []error
	for _, p := range m.all() {
		if err := p.RemoveTrack(trackID); err != nil {
			errs = append(errs, fmt.Errorf("remove track from %s: %w", p.RemoteID(), err))
		}
	}
	return errors.Join(errs...)
}

// ReplaceTrackOnAllConnections swaps the media behind oldTrackID on every
// pairing without a renegotiation round trip.
func (m *Manager) ReplaceTrackOnAllConnections(oldTrackID string, track webrtc.TrackLocal) error {
	var errs []error
	for _, p := range m.all() {
		if err := p.ReplaceTrack(oldTrackID, track); err != nil {
			errs = append(errs, fmt.Errorf("replace track on %s: %w", p.RemoteID(), err))
		}
	}
	return errors.Join(errs...)
}

// BroadcastData sends payload over every open data channel, best effort, and
// reports how many pairings it reached.
func (m *Manager) BroadcastData(payload []byte) int {
	delivered := 0
	for _, p := range m.all() {
		if err := p.SendData(payload); err != nil {
			m.log.Debug("broadcast_data_skip", "remote", p.RemoteID(), "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendDataToPeer sends payload to one remote over its data channel.
func (m *Manager) SendDataToPeer(remoteID string, payload []byte) error {
	p, ok := m.Get(remoteID)
	if !ok {
		return fmt.Errorf("mesh: no pairing for %s: %w", remoteID, peer.ErrNoSession)
	}
	return p.SendData(payload)
}

// CloseAll tears down every pairing and rejects further creates.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*peer.Peer)
	m.mu.Unlock()

	for id, p := range peers {
		_ = p.Close()
		m.metrics.Inc(metrics.PeersRemoved)
		m.log.Debug("peer_closed", "remote", id)
	}
}
