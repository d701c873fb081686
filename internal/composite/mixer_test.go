package composite

import (
	"errors"
	"testing"
)

// constSource yields the same sample value forever.
type constSource struct {
	value int16
}

func (s constSource) ReadPCM(buf []int16) int {
	for i := range buf {
		buf[i] = s.value
	}
	return len(buf)
}

// shortSource yields n samples of value, then silence.
type shortSource struct {
	value int16
	n     int
}

func (s shortSource) ReadPCM(buf []int16) int {
	n := s.n
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = s.value
	}
	return n
}

func TestMixerSumsAttachedSources(t *testing.T) {
	m := NewMixer()
	if err := m.Attach("alice", constSource{100}); err != nil {
		t.Fatal(err)
	}
	if err := m.Attach("bob", constSource{-30}); err != nil {
		t.Fatal(err)
	}

	buf := make([]int16, 16)
	if n := m.ReadPCM(buf); n != len(buf) {
		t.Fatalf("ReadPCM = %d", n)
	}
	for i, v := range buf {
		if v != 70 {
			t.Fatalf("buf[%d] = %d, want 70", i, v)
		}
	}
}

func TestMixerRejectsDuplicateParticipant(t *testing.T) {
	m := NewMixer()
	if err := m.Attach("alice", constSource{1}); err != nil {
		t.Fatal(err)
	}
	err := m.Attach("alice", constSource{2})
	if !errors.Is(err, ErrDuplicateAudioSource) {
		t.Fatalf("err = %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d", m.Len())
	}
}

func TestMixerReplaceSwapsInPlace(t *testing.T) {
	m := NewMixer()
	if err := m.Attach("alice", constSource{100}); err != nil {
		t.Fatal(err)
	}

	m.Replace("alice", constSource{7})
	if m.Len() != 1 {
		t.Fatalf("Len = %d after replace", m.Len())
	}

	buf := make([]int16, 4)
	m.ReadPCM(buf)
	if buf[0] != 7 {
		t.Fatalf("buf[0] = %d, want replacement source", buf[0])
	}

	// A nil replacement detaches.
	m.Replace("alice", nil)
	if m.Has("alice") {
		t.Fatal("nil replace should detach")
	}
}

func TestMixerDetachUnknownIsNoop(t *testing.T) {
	m := NewMixer()
	m.Detach("ghost")

	buf := make([]int16, 8)
	m.ReadPCM(buf)
	for _, v := range buf {
		if v != 0 {
			t.Fatal("empty mixer must produce silence")
		}
	}
}

func TestMixerNilSourceIgnored(t *testing.T) {
	m := NewMixer()
	if err := m.Attach("alice", nil); err != nil {
		t.Fatal(err)
	}
	if m.Has("alice") {
		t.Fatal("nil source attached")
	}
	// The id stays free for a later real source.
	if err := m.Attach("alice", constSource{1}); err != nil {
		t.Fatal(err)
	}
}

func TestMixerClipsToPCM16Range(t *testing.T) {
	m := NewMixer()
	m.Attach("a", constSource{30000})
	m.Attach("b", constSource{30000})
	m.Attach("c", constSource{-30000})
	m.Attach("d", constSource{-30000})
	m.Attach("e", constSource{-30000})

	buf := make([]int16, 4)
	m.ReadPCM(buf)
	for _, v := range buf {
		if v != -32768 {
			t.Fatalf("got %d, want clipped floor", v)
		}
	}

	m.Detach("c")
	m.Detach("d")
	m.Detach("e")
	m.Attach("f", constSource{30000})
	m.ReadPCM(buf)
	for _, v := range buf {
		if v != 32767 {
			t.Fatalf("got %d, want clipped ceiling", v)
		}
	}
}

func TestMixerPadsShortSources(t *testing.T) {
	m := NewMixer()
	m.Attach("alice", shortSource{value: 50, n: 2})

	buf := []int16{9, 9, 9, 9}
	if n := m.ReadPCM(buf); n != 4 {
		t.Fatalf("ReadPCM = %d", n)
	}
	want := []int16{50, 50, 0, 0}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = %v, want %v", buf, want)
		}
	}
}
