package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/softframe/meshcall/internal/composite"
	"github.com/softframe/meshcall/internal/media"
	"github.com/softframe/meshcall/internal/peer"
)

type recordedOp struct {
	op     string
	member composite.Member
}

type fakeSession struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (s *fakeSession) AddParticipant(m composite.Member) error {
	s.record("add", m)
	return nil
}

func (s *fakeSession) RemoveParticipant(userID string) {
	s.record("remove", composite.Member{UserID: userID})
}

func (s *fakeSession) UpdateParticipant(m composite.Member) {
	s.record("update", m)
}

func (s *fakeSession) record(op string, m composite.Member) {
	s.mu.Lock()
	s.ops = append(s.ops, recordedOp{op: op, member: m})
	s.mu.Unlock()
}

func (s *fakeSession) snapshot() []recordedOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedOp, len(s.ops))
	copy(out, s.ops)
	return out
}

func waitOps(t *testing.T, s *fakeSession, n int) []recordedOp {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ops := s.snapshot()
		if len(ops) >= n {
			return ops
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d ops, want %d", len(ops), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSyncRecordingMirrorsDirectoryChanges(t *testing.T) {
	r := NewRegistry(nil)
	session := &fakeSession{}

	tone := media.NewTone(440, 48000)
	resolve := func(p Participant) (media.VideoSource, media.AudioSource) {
		if p.UserID == "bob" {
			return nil, tone
		}
		return nil, nil
	}

	cancel := SyncRecording(r, session, resolve)
	defer cancel()

	r.Insert(Participant{UserID: "bob", DisplayName: "Bob"})
	r.Update("bob", func(m *Participant) { m.State = peer.StateDisconnected })
	r.Remove("bob")

	ops := waitOps(t, session, 3)
	if ops[0].op != "add" || ops[0].member.UserID != "bob" {
		t.Fatalf("ops[0] = %+v", ops[0])
	}
	if ops[0].member.Audio == nil {
		t.Fatal("resolved audio source not forwarded")
	}
	if ops[1].op != "update" || ops[1].member.State != peer.StateDisconnected {
		t.Fatalf("ops[1] = %+v", ops[1])
	}
	if ops[2].op != "remove" || ops[2].member.UserID != "bob" {
		t.Fatalf("ops[2] = %+v", ops[2])
	}
}

func TestSyncRecordingCancelStopsMirroring(t *testing.T) {
	r := NewRegistry(nil)
	session := &fakeSession{}

	cancel := SyncRecording(r, session, nil)

	r.Insert(Participant{UserID: "alice"})
	waitOps(t, session, 1)

	cancel()
	r.Insert(Participant{UserID: "bob"})

	// Give a stray goroutine time to misbehave.
	time.Sleep(10 * time.Millisecond)
	if ops := session.snapshot(); len(ops) != 1 {
		t.Fatalf("ops after cancel = %+v", ops)
	}

	// Cancelling twice is safe.
	cancel()
}
