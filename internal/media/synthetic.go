package media

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/pion/webrtc/v4"
)

// SyntheticDevice generates media without hardware: a moving test pattern
// for video and a sine tone for audio. It backs tests and headless
// deployments, and doubles as the capture-failure fake for the
// coordinator's degradation ladder.
type SyntheticDevice struct {
	DenyAudio  bool
	DenyVideo  bool
	DenyScreen bool

	// Absent simulates a machine with no capture hardware at all; every
	// capture attempt fails with ErrNoDevice.
	Absent bool

	// StreamID groups the synthetic tracks. Defaults to "meshcall-local".
	StreamID string
}

func (d *SyntheticDevice) streamID() string {
	if d.StreamID == "" {
		return "meshcall-local"
	}
	return d.StreamID
}

func (d *SyntheticDevice) Capture(_ context.Context, c Constraints) (*Capture, error) {
	if d.Absent {
		return nil, ErrNoDevice
	}
	if c.Video && d.DenyVideo {
		return nil, ErrPermissionDenied
	}
	if c.Audio && d.DenyAudio {
		return nil, ErrPermissionDenied
	}

	out := &Capture{}
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", d.streamID(),
		)
		if err != nil {
			return nil, err
		}
		out.Audio = NewAudioFeed(track, NewTone(440, 48000))
	}
	if c.Video {
		w, h := c.Width, c.Height
		if w <= 0 || h <= 0 {
			w, h = 640, 480
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", d.streamID(),
		)
		if err != nil {
			return nil, err
		}
		out.Video = NewVideoFeed(track, NewTestPattern(w, h))
	}
	return out, nil
}

func (d *SyntheticDevice) CaptureScreen(context.Context) (*Feed, error) {
	if d.Absent {
		return nil, ErrNoDevice
	}
	if d.DenyScreen {
		return nil, ErrPermissionDenied
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", d.streamID(),
	)
	if err != nil {
		return nil, err
	}
	return NewVideoFeed(track, NewTestPattern(1280, 720)), nil
}

// TestPattern is a VideoSource drawing a vertical bar sweeping across a
// solid background, so consecutive frames differ.
type TestPattern struct {
	mu    sync.Mutex
	w, h  int
	frame int
}

func NewTestPattern(w, h int) *TestPattern {
	return &TestPattern{w: w, h: h}
}

func (p *TestPattern) Frame() (image.Image, bool) {
	p.mu.Lock()
	n := p.frame
	p.frame++
	w, h := p.w, p.h
	p.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{R: 24, G: 48, B: 72, A: 255}
	bar := color.RGBA{R: 236, G: 200, B: 64, A: 255}
	barX := (n * 8) % w
	barW := w / 16
	if barW < 1 {
		barW = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x >= barX && x < barX+barW {
				img.SetRGBA(x, y, bar)
			} else {
				img.SetRGBA(x, y, bg)
			}
		}
	}
	return img, true
}

// Tone is an AudioSource producing a fixed-frequency sine wave.
type Tone struct {
	mu    sync.Mutex
	freq  float64
	rate  float64
	phase float64
}

func NewTone(freqHz float64, sampleRate int) *Tone {
	return &Tone{freq: freqHz, rate: float64(sampleRate)}
}

func (t *Tone) ReadPCM(buf []int16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	step := 2 * math.Pi * t.freq / t.rate
	for i := range buf {
		buf[i] = int16(math.Sin(t.phase) * 0.3 * math.MaxInt16)
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return len(buf)
}

// Silence is an AudioSource that never produces samples.
type Silence struct{}

func (Silence) ReadPCM([]int16) int { return 0 }
