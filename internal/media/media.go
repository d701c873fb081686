// Package media defines the local capture device interface consumed by the
// mesh coordinator and the recording engine. A Device hands back two views of
// each captured stream: a webrtc track for the mesh and a decoded-domain
// source for the compositor.
package media

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied reports that the user (or platform) refused capture.
	// Callers degrade rather than abort: retry audio-only, then stream-less.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrNoDevice reports that no capture hardware exists. Retrying with
	// narrower constraints is pointless; callers go straight to stream-less.
	ErrNoDevice = errors.New("media: no capture device")
)

// Constraints describes one capture request.
type Constraints struct {
	Audio bool
	Video bool

	EchoCancellation bool
	NoiseSuppression bool
	Width            int
	Height           int
	FrameRate        int
}

// DefaultConstraints requests both kinds at 720p with audio processing on.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio:            true,
		Video:            true,
		EchoCancellation: true,
		NoiseSuppression: true,
		Width:            1280,
		Height:           720,
		FrameRate:        24,
	}
}

// AudioOnly strips the video request, keeping the audio processing flags.
func (c Constraints) AudioOnly() Constraints {
	c.Video = false
	return c
}

// VideoSource yields the most recent decoded frame. ok is false when no
// frame is available.
type VideoSource interface {
	Frame() (img image.Image, ok bool)
}

// AudioSource fills buf with interleaved PCM16 samples and reports how many
// were written. Zero means silence for this read.
type AudioSource interface {
	ReadPCM(buf []int16) int
}

// Device acquires local media.
type Device interface {
	Capture(ctx context.Context, c Constraints) (*Capture, error)
	// CaptureScreen acquires a screen share as an additional video feed.
	CaptureScreen(ctx context.Context) (*Feed, error)
}

// Capture is the result of one successful Device.Capture call. Either feed
// may be nil when the corresponding kind was not requested or not granted.
type Capture struct {
	Audio *Feed
	Video *Feed
}

// Feed is one live local stream: a mesh-facing track plus a decoded-domain
// source, with a mute toggle gating both views.
type Feed struct {
	mu      sync.Mutex
	enabled bool
	track   webrtc.TrackLocal
	video   VideoSource
	audio   AudioSource
}

// NewVideoFeed builds an enabled video feed. track may be nil in decoded-only
// setups.
func NewVideoFeed(track webrtc.TrackLocal, src VideoSource) *Feed {
	return &Feed{enabled: true, track: track, video: src}
}

// NewAudioFeed builds an enabled audio feed.
func NewAudioFeed(track webrtc.TrackLocal, src AudioSource) *Feed {
	return &Feed{enabled: true, track: track, audio: src}
}

func (f *Feed) Track() webrtc.TrackLocal {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.track
}

func (f *Feed) Enabled() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// SetEnabled toggles the feed. A disabled feed yields no frames and reads
// silence; the underlying device keeps running so re-enabling is instant.
func (f *Feed) SetEnabled(enabled bool) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
}

// Frame implements VideoSource, gated on the enabled flag.
func (f *Feed) Frame() (image.Image, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.Lock()
	src := f.video
	enabled := f.enabled
	f.mu.Unlock()
	if !enabled || src == nil {
		return nil, false
	}
	return src.Frame()
}

// ReadPCM implements AudioSource, gated on the enabled flag.
func (f *Feed) ReadPCM(buf []int16) int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	src := f.audio
	enabled := f.enabled
	f.mu.Unlock()
	if !enabled || src == nil {
		return 0
	}
	return src.ReadPCM(buf)
}
