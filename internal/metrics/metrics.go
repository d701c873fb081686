package metrics

import "sync"

// Counter names used across the mesh and the recording engine.
const (
	SignalMessagesIn       = "signal_messages_in"
	SignalMessagesOut      = "signal_messages_out"
	SignalDroppedOversized = "signal_dropped_oversized"
	SignalDroppedRateLimit = "signal_dropped_rate_limited"
	SignalFallbacksSent    = "signal_fallbacks_sent"

	NegotiationOffers     = "negotiation_offers"
	NegotiationAnswers    = "negotiation_answers"
	NegotiationCollisions = "negotiation_collisions"
	NegotiationRollbacks  = "negotiation_rollbacks"
	CandidatesBuffered    = "ice_candidates_buffered"
	CandidatesFlushed     = "ice_candidates_flushed"
	CandidatesStale       = "ice_candidates_stale"
	ICERestarts           = "ice_restarts"
	ReconnectExhausted    = "reconnect_exhausted"

	PeersCreated = "peers_created"
	PeersRemoved = "peers_removed"

	RecordingFramesDrawn  = "recording_frames_drawn"
	RecordingChunks       = "recording_chunks"
	RecordingsCompleted   = "recordings_completed"
	RecordingsFailed      = "recordings_failed"
	RegistryWatchOverflow = "registry_watch_overflow"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep negotiation and recording logic observable and testable
// without committing to a metrics backend; PrometheusHandler exposes the
// counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
