package composite

import (
	"fmt"
	"sync"

	"github.com/softframe/meshcall/internal/media"
)

// Mixer sums every attached participant audio source into one PCM16 stream.
// The invariant is one source per participant: attaching an id twice is an
// error, and replacing a source detaches the old one before the new one is
// attached.
type Mixer struct {
	mu      sync.Mutex
	sources map[string]media.AudioSource
	scratch []int16
	acc     []int32
}

func NewMixer() *Mixer {
	return &Mixer{sources: make(map[string]media.AudioSource)}
}

// Attach adds the source for id. A nil source is a no-op reservation-free
// call; an id that already has a source is rejected.
func (m *Mixer) Attach(id string, src media.AudioSource) error {
	if src == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAudioSource, id)
	}
	m.sources[id] = src
	return nil
}

// Detach removes the source for id. Unknown ids are a no-op.
func (m *Mixer) Detach(id string) {
	m.mu.Lock()
	delete(m.sources, id)
	m.mu.Unlock()
}

// Replace swaps the source for id in place, detaching any existing one
// first so the single-source invariant cannot be violated mid-swap.
func (m *Mixer) Replace(id string, src media.AudioSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src == nil {
		delete(m.sources, id)
		return
	}
	m.sources[id] = src
}

// Has reports whether id has an attached source.
func (m *Mixer) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[id]
	return ok
}

// Len is the number of attached sources.
func (m *Mixer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// ReadPCM fills buf with the clipped sum of all sources. Sources yielding
// fewer samples than requested contribute silence for the remainder; the
// output is always fully written.
func (m *Mixer) ReadPCM(buf []int16) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cap(m.acc) < len(buf) {
		m.acc = make([]int32, len(buf))
		m.scratch = make([]int16, len(buf))
	}
	acc := m.acc[:len(buf)]
	for i := range acc {
		acc[i] = 0
	}

	for _, src := range m.sources {
		scratch := m.scratch[:len(buf)]
		for i := range scratch {
			scratch[i] = 0
		}
		n := src.ReadPCM(scratch)
		for i := 0; i < n && i < len(acc); i++ {
			acc[i] += int32(scratch[i])
		}
	}

	for i, v := range acc {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		buf[i] = int16(v)
	}
	return len(buf)
}
