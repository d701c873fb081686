package composite

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/softframe/meshcall/internal/media"
	"github.com/softframe/meshcall/internal/metrics"
	"github.com/softframe/meshcall/internal/peer"
	"github.com/softframe/meshcall/internal/store"
)

// Config sizes one recording session.
type Config struct {
	Width     int
	Height    int
	FrameRate int
	// SampleRate of the mixed mono audio track.
	SampleRate int
	// ChunkInterval is the cadence at which accumulated bytes are accounted
	// as one chunk.
	ChunkInterval time.Duration
	JPEGQuality   int
	MaxPerRow     int
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 24
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = time.Second
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = 80
	}
	if c.MaxPerRow <= 0 {
		c.MaxPerRow = 4
	}
	return c
}

// Ticker abstracts the draw-loop clock so scenario tests can drive frames
// without waiting wall time.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Member is one participant as seen by the recording engine: directory state
// plus the decoded-domain sources feeding the canvas and the mix.
type Member struct {
	UserID       string
	DisplayName  string
	Local        bool
	VideoEnabled bool
	Speaking     bool
	State        peer.State

	Video media.VideoSource
	Audio media.AudioSource
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Recordings store.RecordingStore
	Blobs      store.BlobStore
	Config     Config
	// NewTicker overrides the draw-loop clock. Tests only.
	NewTicker func(time.Duration) Ticker
}

// Engine composes N live participant streams into one recorded file: a
// fixed-rate draw loop over an off-screen canvas plus a shared audio mix,
// all muxed into an AVI blob and persisted on stop. One session at a time;
// session state is fully rebuilt between recordings.
type Engine struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	recordings store.RecordingStore
	blobs      store.BlobStore
	cfg        Config
	newTicker  func(time.Duration) Ticker

	mu        sync.Mutex
	running   bool
	meetingID string
	canvas    *image.RGBA
	writer    *aviWriter
	mixer     *Mixer
	members   map[string]*Member
	order     []string
	mode      LayoutMode
	pinnedID  string
	ticker    Ticker
	done      chan struct{}
	wg        sync.WaitGroup
	frames    int
	chunkEvy  int
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	newTicker := opts.NewTicker
	if newTicker == nil {
		newTicker = func(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }
	}
	return &Engine{
		log:        logger,
		metrics:    opts.Metrics,
		recordings: opts.Recordings,
		blobs:      opts.Blobs,
		cfg:        opts.Config.withDefaults(),
		newTicker:  newTicker,
	}
}

// Recording reports whether a session is active.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// StartRecording allocates a fresh canvas, mixer, and muxer for meetingID
// and begins the fixed-rate draw loop over the given initial members.
func (e *Engine) StartRecording(_ context.Context, meetingID string, members []Member) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRecordingActive
	}

	e.running = true
	e.meetingID = meetingID
	e.canvas = image.NewRGBA(image.Rect(0, 0, e.cfg.Width, e.cfg.Height))
	e.writer = newAVIWriter(e.cfg.Width, e.cfg.Height, e.cfg.FrameRate, e.cfg.SampleRate)
	e.mixer = NewMixer()
	e.members = make(map[string]*Member)
	e.order = nil
	e.mode = LayoutGrid
	e.pinnedID = ""
	e.frames = 0
	e.chunkEvy = int(e.cfg.ChunkInterval * time.Duration(e.cfg.FrameRate) / time.Second)
	if e.chunkEvy <= 0 {
		e.chunkEvy = 1
	}
	e.done = make(chan struct{})
	e.ticker = e.newTicker(time.Second / time.Duration(e.cfg.FrameRate))
	e.mu.Unlock()

	for i := range members {
		if err := e.AddParticipant(members[i]); err != nil {
			e.stopLocked()
			return err
		}
	}

	e.wg.Add(1)
	go e.loop()

	e.log.Info("recording_started", "meeting", meetingID, "members", len(members),
		"size", fmt.Sprintf("%dx%d", e.cfg.Width, e.cfg.Height), "fps", e.cfg.FrameRate)
	return nil
}

// AddParticipant admits a member to the live session without interrupting
// the draw loop or the muxer.
func (e *Engine) AddParticipant(m Member) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRecording
	}
	if _, ok := e.members[m.UserID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: participant %s", ErrDuplicateAudioSource, m.UserID)
	}
	mixer := e.mixer
	e.mu.Unlock()

	if err := mixer.Attach(m.UserID, m.Audio); err != nil {
		return err
	}

	e.mu.Lock()
	e.members[m.UserID] = &m
	e.order = append(e.order, m.UserID)
	e.mu.Unlock()
	return nil
}

// RemoveParticipant detaches a member's audio from the shared mix and its
// tile from the layout. Unknown ids are a no-op.
func (e *Engine) RemoveParticipant(userID string) {
	e.mu.Lock()
	if _, ok := e.members[userID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.members, userID)
	for i, id := range e.order {
		if id == userID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	mixer := e.mixer
	e.mu.Unlock()

	mixer.Detach(userID)
}

// UpdateParticipant swaps a member's directory state and stream references
// in place. The audio source is replaced via detach-then-attach so the mix
// never holds two sources for one participant.
func (e *Engine) UpdateParticipant(m Member) {
	e.mu.Lock()
	existing, ok := e.members[m.UserID]
	if !ok {
		e.mu.Unlock()
		return
	}
	*existing = m
	mixer := e.mixer
	e.mu.Unlock()

	mixer.Replace(m.UserID, m.Audio)
}

// SetLayout switches the layout mode; pinnedID matters only for spotlight.
func (e *Engine) SetLayout(mode LayoutMode, pinnedID string) {
	e.mu.Lock()
	e.mode = mode
	e.pinnedID = pinnedID
	e.mu.Unlock()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.ticker.C():
			e.drawFrame()
		}
	}
}

func (e *Engine) drawFrame() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	canvas := e.canvas
	writer := e.writer
	mixer := e.mixer
	mode := e.mode
	pinnedID := e.pinnedID
	snapshot := make([]Member, 0, len(e.order))
	for _, id := range e.order {
		snapshot = append(snapshot, *e.members[id])
	}
	e.frames++
	frameNo := e.frames
	e.mu.Unlock()

	views := make([]ParticipantView, len(snapshot))
	frames := make(map[string]image.Image, len(snapshot))
	speakerID := ""
	for i, m := range snapshot {
		var frame image.Image
		hasFrame := false
		if m.Video != nil && m.VideoEnabled {
			frame, hasFrame = m.Video.Frame()
		}
		if hasFrame {
			frames[m.UserID] = frame
		}
		if speakerID == "" && m.Speaking {
			speakerID = m.UserID
		}
		views[i] = ParticipantView{
			UserID:       m.UserID,
			DisplayName:  m.DisplayName,
			Local:        m.Local,
			VideoEnabled: m.VideoEnabled,
			HasFrame:     hasFrame,
			State:        m.State,
			Speaking:     m.Speaking,
		}
	}

	elapsed := time.Duration(frameNo) * time.Second / time.Duration(e.cfg.FrameRate)
	plan := Compose(canvas.Bounds(), views, mode, pinnedID, speakerID, e.cfg.MaxPerRow)
	renderPlan(canvas, plan, frames, elapsed)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: e.cfg.JPEGQuality}); err != nil {
		e.log.Warn("frame_encode_failed", "err", err)
		return
	}
	if err := writer.AddFrame(buf.Bytes()); err != nil {
		e.log.Warn("frame_write_failed", "err", err)
		return
	}

	pcm := make([]int16, e.cfg.SampleRate/e.cfg.FrameRate)
	mixer.ReadPCM(pcm)
	if err := writer.AddAudio(pcm); err != nil {
		e.log.Warn("audio_write_failed", "err", err)
	}

	e.metrics.Inc(metrics.RecordingFramesDrawn)
	if frameNo%e.chunkEvy == 0 {
		if n := writer.Drain(); n > 0 {
			e.metrics.Inc(metrics.RecordingChunks)
			e.log.Debug("recording_chunk", "bytes", n, "frame", frameNo)
		}
	}
}

// StopRecording halts the draw loop, finalizes the blob, and persists it:
// the recording row is created in "uploading" before the upload so a crash
// mid-upload stays observable, then marked completed or failed. Failure
// never touches the live call; the engine is immediately reusable either
// way.
func (e *Engine) StopRecording(ctx context.Context) (store.Recording, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return store.Recording{}, ErrNotRecording
	}
	e.running = false
	writer := e.writer
	meetingID := e.meetingID
	frames := e.frames
	done := e.done
	ticker := e.ticker
	e.mu.Unlock()

	close(done)
	ticker.Stop()
	e.wg.Wait()

	e.mu.Lock()
	e.canvas = nil
	e.writer = nil
	e.mixer = nil
	e.members = nil
	e.order = nil
	e.mu.Unlock()

	duration := time.Duration(frames) * time.Second / time.Duration(e.cfg.FrameRate)

	rec, err := e.recordings.CreateRecording(ctx, meetingID)
	if err != nil {
		return store.Recording{}, fmt.Errorf("composite: create recording row: %w", err)
	}

	fail := func(cause error) (store.Recording, error) {
		if err := e.recordings.FailRecording(ctx, rec.ID); err != nil {
			e.log.Warn("recording_fail_mark_failed", "recording", rec.ID, "err", err)
		}
		e.metrics.Inc(metrics.RecordingsFailed)
		e.log.Warn("recording_failed", "recording", rec.ID, "err", cause)
		final, getErr := e.recordings.GetRecording(ctx, rec.ID)
		if getErr != nil {
			final = rec
		}
		return final, cause
	}

	blob, err := writer.Close()
	if err != nil {
		return fail(fmt.Errorf("composite: finalize blob: %w", err))
	}
	url, err := e.blobs.Put(ctx, fmt.Sprintf("recording-%s.avi", meetingID), blob)
	if err != nil {
		return fail(fmt.Errorf("composite: upload blob: %w", err))
	}
	if err := e.recordings.CompleteRecording(ctx, rec.ID, url, duration, int64(len(blob))); err != nil {
		return fail(fmt.Errorf("composite: mark completed: %w", err))
	}

	e.metrics.Inc(metrics.RecordingsCompleted)
	e.log.Info("recording_completed", "recording", rec.ID, "frames", frames,
		"duration", duration, "bytes", len(blob))
	return e.recordings.GetRecording(ctx, rec.ID)
}

// stopLocked aborts a partially started session during StartRecording.
func (e *Engine) stopLocked() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	ticker := e.ticker
	done := e.done
	e.canvas = nil
	e.writer = nil
	e.mixer = nil
	e.members = nil
	e.order = nil
	e.mu.Unlock()

	ticker.Stop()
	close(done)
}
