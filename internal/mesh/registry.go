package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/softframe/meshcall/internal/metrics"
	"github.com/softframe/meshcall/internal/peer"
)

// Participant is one entry in the room directory. The registry owns the
// canonical copy; consumers receive value snapshots that cannot drift.
type Participant struct {
	UserID      string
	SessionID   string
	DisplayName string
	AvatarURL   string

	Muted        bool
	VideoEnabled bool
	Speaking     bool
	Recording    bool

	State    peer.State
	Local    bool
	JoinedAt time.Time
}

// ChangeKind classifies a registry mutation.
type ChangeKind string

const (
	ChangeJoined  ChangeKind = "joined"
	ChangeLeft    ChangeKind = "left"
	ChangeUpdated ChangeKind = "updated"
)

// Change is one registry mutation as observed by a watcher.
type Change struct {
	Kind        ChangeKind
	Participant Participant
}

const watchBuffer = 64

// Registry is the single participant arena for one room, keyed by user id.
// The coordinator mutates it; the peer manager and the recording engine
// consume read-only views via Snapshot and Watch.
type Registry struct {
	metrics *metrics.Metrics

	mu       sync.Mutex
	members  map[string]Participant
	watchers map[int]chan Change
	nextID   int
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		metrics:  m,
		members:  make(map[string]Participant),
		watchers: make(map[int]chan Change),
	}
}

// Insert adds p, overwriting any stale entry for the same user id.
func (r *Registry) Insert(p Participant) {
	r.mu.Lock()
	r.members[p.UserID] = p
	r.mu.Unlock()
	r.notify(Change{Kind: ChangeJoined, Participant: p})
}

// Remove deletes the participant with userID. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	p, ok := r.members[userID]
	if ok {
		delete(r.members, userID)
	}
	r.mu.Unlock()
	if ok {
		r.notify(Change{Kind: ChangeLeft, Participant: p})
	}
}

// Update applies fn to the participant with userID in place. Unknown ids are
// a no-op; fn must not block.
func (r *Registry) Update(userID string, fn func(*Participant)) {
	r.mu.Lock()
	p, ok := r.members[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(&p)
	p.UserID = userID
	r.members[userID] = p
	r.mu.Unlock()
	r.notify(Change{Kind: ChangeUpdated, Participant: p})
}

// Get returns the participant with userID.
func (r *Registry) Get(userID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.members[userID]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Snapshot returns all participants ordered by join time, ties broken by
// user id. The slice is the caller's to keep.
func (r *Registry) Snapshot() []Participant {
	r.mu.Lock()
	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Watch returns a channel of registry changes in mutation order and a cancel
// function. A watcher that falls too far behind has changes dropped rather
// than blocking the mutator.
func (r *Registry) Watch() (<-chan Change, func()) {
	ch := make(chan Change, watchBuffer)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		w, ok := r.watchers[id]
		if ok {
			delete(r.watchers, id)
		}
		r.mu.Unlock()
		if ok {
			close(w)
		}
	}
	return ch, cancel
}

// Clear drops every participant without notifying watchers individually.
// Used on teardown, when consumers are shutting down anyway.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.members = make(map[string]Participant)
	r.mu.Unlock()
}

func (r *Registry) notify(c Change) {
	r.mu.Lock()
	watchers := make([]chan Change, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- c:
		default:
			r.metrics.Inc(metrics.RegistryWatchOverflow)
		}
	}
}
