package composite

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/softframe/meshcall/internal/media"
	"github.com/softframe/meshcall/internal/metrics"
	"github.com/softframe/meshcall/internal/peer"
	"github.com/softframe/meshcall/internal/store"
)

// fakeTicker lets tests drive the draw loop frame by frame.
type fakeTicker struct {
	ch chan time.Time
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time, 1)}
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

func (f *fakeTicker) tick(n int) {
	for i := 0; i < n; i++ {
		f.ch <- time.Now()
	}
}

type engineFixture struct {
	metrics    *metrics.Metrics
	recordings *store.MemoryRecordingStore
	blobs      *store.MemoryBlobStore
	ticker     *fakeTicker
	engine     *Engine
}

func newEngineFixture(cfg Config) *engineFixture {
	f := &engineFixture{
		metrics:    metrics.New(),
		recordings: store.NewMemoryRecordingStore(),
		blobs:      store.NewMemoryBlobStore(),
	}
	f.engine = NewEngine(EngineOptions{
		Metrics:    f.metrics,
		Recordings: f.recordings,
		Blobs:      f.blobs,
		Config:     cfg,
		NewTicker: func(time.Duration) Ticker {
			f.ticker = newFakeTicker()
			return f.ticker
		},
	})
	return f
}

// waitFrames blocks until the cumulative drawn-frame counter reaches n.
// Ticks are consumed asynchronously by the draw loop, so tests poll the
// metric rather than assume a tick has been fully processed.
func (f *engineFixture) waitFrames(t *testing.T, n uint64) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for f.metrics.Get(metrics.RecordingFramesDrawn) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out at %d frames, want %d",
				f.metrics.Get(metrics.RecordingFramesDrawn), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func testMember(id string, freq float64) Member {
	return Member{
		UserID:       id,
		DisplayName:  id,
		VideoEnabled: true,
		State:        peer.StateConnected,
		Video:        media.NewTestPattern(320, 180),
		Audio:        media.NewTone(freq, 48000),
	}
}

var smallConfig = Config{Width: 320, Height: 180, FrameRate: 8, ChunkInterval: time.Second}

func TestFourParticipantGridScenario(t *testing.T) {
	f := newEngineFixture(Config{Width: 1280, Height: 720, FrameRate: 24, ChunkInterval: time.Second})
	ctx := context.Background()

	members := []Member{
		testMember("alice", 220),
		testMember("bob", 330),
		testMember("carol", 440),
		testMember("dave", 550),
	}
	if err := f.engine.StartRecording(ctx, "meeting-1", members); err != nil {
		t.Fatal(err)
	}
	if !f.engine.Recording() {
		t.Fatal("engine not recording")
	}

	// Five seconds of call time at 24fps.
	f.ticker.tick(120)
	f.waitFrames(t, 120)

	rec, err := f.engine.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.RecordingCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.Duration != 5*time.Second {
		t.Fatalf("duration = %s", rec.Duration)
	}
	if rec.URL == "" || rec.SizeBytes == 0 {
		t.Fatalf("recording = %+v", rec)
	}

	blob, ok := f.blobs.Get(rec.URL)
	if !ok || int64(len(blob)) != rec.SizeBytes {
		t.Fatalf("blob len = %d, row says %d", len(blob), rec.SizeBytes)
	}
	if !bytes.HasPrefix(blob, []byte("RIFF")) {
		t.Fatalf("blob prefix = % x", blob[:4])
	}

	if got := f.metrics.Get(metrics.RecordingChunks); got != 5 {
		t.Fatalf("chunks = %d, want 5", got)
	}
	if got := f.metrics.Get(metrics.RecordingsCompleted); got != 1 {
		t.Fatalf("completed = %d", got)
	}
	if f.engine.Recording() {
		t.Fatal("engine still recording after stop")
	}
}

func TestRemoveParticipantMidRecording(t *testing.T) {
	f := newEngineFixture(smallConfig)
	ctx := context.Background()

	members := []Member{
		testMember("alice", 220),
		testMember("bob", 330),
		testMember("carol", 440),
	}
	if err := f.engine.StartRecording(ctx, "meeting-1", members); err != nil {
		t.Fatal(err)
	}

	f.ticker.tick(10)
	f.waitFrames(t, 10)

	f.engine.RemoveParticipant("bob")
	// Removal is a no-op for unknown ids.
	f.engine.RemoveParticipant("ghost")

	f.ticker.tick(10)
	f.waitFrames(t, 20)

	// The removed id's audio slot is free again while the session runs.
	if err := f.engine.AddParticipant(testMember("bob", 330)); err != nil {
		t.Fatalf("re-add after removal: %v", err)
	}

	rec, err := f.engine.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.RecordingCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestUpdateParticipantSwapsAudioWithoutDuplicate(t *testing.T) {
	f := newEngineFixture(smallConfig)
	ctx := context.Background()

	if err := f.engine.StartRecording(ctx, "meeting-1", []Member{
		testMember("alice", 220),
		testMember("bob", 330),
	}); err != nil {
		t.Fatal(err)
	}

	f.ticker.tick(2)
	f.waitFrames(t, 2)

	// Bob's pairing drops and comes back with fresh streams.
	updated := testMember("bob", 550)
	updated.State = peer.StateDisconnected
	f.engine.UpdateParticipant(updated)

	// Unknown ids are ignored.
	f.engine.UpdateParticipant(testMember("ghost", 100))

	// Frames keep drawing with the reconnecting overlay in place.
	f.ticker.tick(2)
	f.waitFrames(t, 4)

	// The swap kept a single audio slot for bob.
	err := f.engine.AddParticipant(testMember("bob", 330))
	if !errors.Is(err, ErrDuplicateAudioSource) {
		t.Fatalf("err = %v", err)
	}

	if _, err := f.engine.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestUploadFailureMarksRecordingFailed(t *testing.T) {
	f := newEngineFixture(smallConfig)
	ctx := context.Background()

	if err := f.engine.StartRecording(ctx, "meeting-1", []Member{testMember("alice", 220)}); err != nil {
		t.Fatal(err)
	}
	f.ticker.tick(1)
	f.waitFrames(t, 1)

	f.blobs.FailWith = errors.New("object store down")
	rec, err := f.engine.StopRecording(ctx)
	if err == nil {
		t.Fatal("expected upload error")
	}
	if rec.Status != store.RecordingFailed {
		t.Fatalf("status = %s", rec.Status)
	}
	if got := f.metrics.Get(metrics.RecordingsFailed); got != 1 {
		t.Fatalf("failed = %d", got)
	}

	// A failed upload never wedges the engine: the next session starts
	// clean and persists normally.
	f.blobs.FailWith = nil
	if err := f.engine.StartRecording(ctx, "meeting-2", []Member{testMember("alice", 220)}); err != nil {
		t.Fatal(err)
	}
	f.ticker.tick(1)
	f.waitFrames(t, 2)

	rec, err = f.engine.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.RecordingCompleted || rec.MeetingID != "meeting-2" {
		t.Fatalf("recording = %+v", rec)
	}
}

func TestSingleSessionGuards(t *testing.T) {
	f := newEngineFixture(smallConfig)
	ctx := context.Background()

	if _, err := f.engine.StopRecording(ctx); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("stop idle: %v", err)
	}
	if err := f.engine.AddParticipant(testMember("alice", 220)); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("add idle: %v", err)
	}

	if err := f.engine.StartRecording(ctx, "meeting-1", []Member{testMember("alice", 220)}); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.StartRecording(ctx, "meeting-1", nil); !errors.Is(err, ErrRecordingActive) {
		t.Fatalf("second start: %v", err)
	}

	f.ticker.tick(1)
	f.waitFrames(t, 1)
	if _, err := f.engine.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStartAbortsOnDuplicateInitialMember(t *testing.T) {
	f := newEngineFixture(smallConfig)
	ctx := context.Background()

	err := f.engine.StartRecording(ctx, "meeting-1", []Member{
		testMember("alice", 220),
		testMember("alice", 330),
	})
	if !errors.Is(err, ErrDuplicateAudioSource) {
		t.Fatalf("err = %v", err)
	}
	if f.engine.Recording() {
		t.Fatal("engine left running after aborted start")
	}

	// The abort leaves the engine usable.
	if err := f.engine.StartRecording(ctx, "meeting-1", []Member{testMember("alice", 220)}); err != nil {
		t.Fatal(err)
	}
	f.ticker.tick(1)
	f.waitFrames(t, 1)
	if _, err := f.engine.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLayoutSwitchMidRecording(t *testing.T) {
	f := newEngineFixture(smallConfig)
	ctx := context.Background()

	members := []Member{
		testMember("alice", 220),
		testMember("bob", 330),
		testMember("carol", 440),
	}
	if err := f.engine.StartRecording(ctx, "meeting-1", members); err != nil {
		t.Fatal(err)
	}

	f.ticker.tick(2)
	f.waitFrames(t, 2)
	f.engine.SetLayout(LayoutSpotlight, "bob")
	f.ticker.tick(2)
	f.waitFrames(t, 4)
	f.engine.SetLayout(LayoutSpeaker, "")
	f.ticker.tick(2)
	f.waitFrames(t, 6)

	rec, err := f.engine.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.RecordingCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	blob, ok := f.blobs.Get(rec.URL)
	if !ok || len(blob) == 0 {
		t.Fatal("blob missing")
	}
}
