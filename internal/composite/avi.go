package composite

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// aviWriter muxes JPEG video frames and mono PCM16 audio into an AVI (RIFF)
// container. Media chunks accumulate in memory as they arrive; the header
// and index are assembled at Close once the frame and sample counts are
// known.
type aviWriter struct {
	mu sync.Mutex

	width, height int
	fps           int
	sampleRate    int

	movi         bytes.Buffer
	index        []aviIndexEntry
	frames       uint32
	audioSamples uint32
	drained      int
	closed       bool
}

type aviIndexEntry struct {
	id     [4]byte
	offset uint32
	size   uint32
}

const aviKeyframeFlag = 0x10 // AVIIF_KEYFRAME

func newAVIWriter(width, height, fps, sampleRate int) *aviWriter {
	return &aviWriter{width: width, height: height, fps: fps, sampleRate: sampleRate}
}

// AddFrame appends one JPEG-encoded video frame.
func (w *aviWriter) AddFrame(jpegData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrNotRecording
	}
	if len(jpegData) == 0 {
		return fmt.Errorf("composite: empty video frame")
	}
	w.appendChunk([4]byte{'0', '0', 'd', 'c'}, jpegData)
	w.frames++
	return nil
}

// AddAudio appends mono PCM16 samples.
func (w *aviWriter) AddAudio(pcm []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrNotRecording
	}
	if len(pcm) == 0 {
		return nil
	}
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	w.appendChunk([4]byte{'0', '1', 'w', 'b'}, data)
	w.audioSamples += uint32(len(pcm))
	return nil
}

func (w *aviWriter) appendChunk(id [4]byte, data []byte) {
	// Offsets in idx1 are relative to the 'movi' fourcc.
	offset := uint32(w.movi.Len()) + 4
	w.movi.Write(id[:])
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
	w.movi.Write(size[:])
	w.movi.Write(data)
	if len(data)%2 == 1 {
		w.movi.WriteByte(0)
	}
	w.index = append(w.index, aviIndexEntry{id: id, offset: offset, size: uint32(len(data))})
}

// Drain reports how many media bytes accumulated since the previous call.
// The engine uses it to account fixed-interval chunks the way a timesliced
// recorder would emit them.
func (w *aviWriter) Drain() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.movi.Len() - w.drained
	w.drained = w.movi.Len()
	return n
}

// Frames returns the number of video frames written so far.
func (w *aviWriter) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.frames)
}

// Close assembles and returns the finished file. The writer accepts no
// further media afterwards.
func (w *aviWriter) Close() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrNotRecording
	}
	w.closed = true
	if w.frames == 0 {
		return nil, fmt.Errorf("composite: no frames recorded")
	}

	hdrl := w.buildHeaderList()

	var idx1 bytes.Buffer
	writeFourCC(&idx1, "idx1")
	writeU32(&idx1, uint32(len(w.index)*16))
	for _, e := range w.index {
		idx1.Write(e.id[:])
		writeU32(&idx1, aviKeyframeFlag)
		writeU32(&idx1, e.offset)
		writeU32(&idx1, e.size)
	}

	moviSize := uint32(4 + w.movi.Len())
	riffSize := uint32(4) + uint32(hdrl.Len()) + 8 + moviSize + uint32(idx1.Len())

	var out bytes.Buffer
	out.Grow(int(riffSize) + 8)
	writeFourCC(&out, "RIFF")
	writeU32(&out, riffSize)
	writeFourCC(&out, "AVI ")
	out.Write(hdrl.Bytes())
	writeFourCC(&out, "LIST")
	writeU32(&out, moviSize)
	writeFourCC(&out, "movi")
	out.Write(w.movi.Bytes())
	out.Write(idx1.Bytes())
	return out.Bytes(), nil
}

func (w *aviWriter) buildHeaderList() *bytes.Buffer {
	usPerFrame := uint32(1_000_000 / w.fps)

	var avih bytes.Buffer
	writeU32(&avih, usPerFrame)
	writeU32(&avih, uint32(w.sampleRate*2+w.width*w.height*3*w.fps)) // max bytes/sec, worst case
	writeU32(&avih, 0)                                               // padding granularity
	writeU32(&avih, aviKeyframeFlag)                                 // AVIF_HASINDEX
	writeU32(&avih, w.frames)
	writeU32(&avih, 0) // initial frames
	writeU32(&avih, 2) // streams
	writeU32(&avih, uint32(w.width*w.height*3))
	writeU32(&avih, uint32(w.width))
	writeU32(&avih, uint32(w.height))
	for i := 0; i < 4; i++ {
		writeU32(&avih, 0)
	}

	video := buildStreamList(
		buildStreamHeader("vids", "MJPG", 1, uint32(w.fps), w.frames, 0, w.width, w.height),
		buildVideoFormat(w.width, w.height),
	)
	audio := buildStreamList(
		buildStreamHeader("auds", "\x00\x00\x00\x00", 1, uint32(w.sampleRate), w.audioSamples, 2, 0, 0),
		buildAudioFormat(w.sampleRate),
	)

	var hdrl bytes.Buffer
	inner := 4 + // "hdrl"
		8 + avih.Len() +
		video.Len() +
		audio.Len()
	writeFourCC(&hdrl, "LIST")
	writeU32(&hdrl, uint32(inner))
	writeFourCC(&hdrl, "hdrl")
	writeFourCC(&hdrl, "avih")
	writeU32(&hdrl, uint32(avih.Len()))
	hdrl.Write(avih.Bytes())
	hdrl.Write(video.Bytes())
	hdrl.Write(audio.Bytes())
	return &hdrl
}

func buildStreamList(strh, strf *bytes.Buffer) *bytes.Buffer {
	var out bytes.Buffer
	inner := 4 + 8 + strh.Len() + 8 + strf.Len()
	writeFourCC(&out, "LIST")
	writeU32(&out, uint32(inner))
	writeFourCC(&out, "strl")
	writeFourCC(&out, "strh")
	writeU32(&out, uint32(strh.Len()))
	out.Write(strh.Bytes())
	writeFourCC(&out, "strf")
	writeU32(&out, uint32(strf.Len()))
	out.Write(strf.Bytes())
	return &out
}

func buildStreamHeader(fccType, handler string, scale, rate, length uint32, sampleSize uint32, width, height int) *bytes.Buffer {
	var b bytes.Buffer
	writeFourCC(&b, fccType)
	writeFourCC(&b, handler)
	writeU32(&b, 0) // flags
	writeU32(&b, 0) // priority + language
	writeU32(&b, 0) // initial frames
	writeU32(&b, scale)
	writeU32(&b, rate)
	writeU32(&b, 0) // start
	writeU32(&b, length)
	writeU32(&b, uint32(width*height*3)) // suggested buffer size
	writeU32(&b, 0xFFFFFFFF)             // quality: default
	writeU32(&b, sampleSize)
	// rcFrame
	binary.Write(&b, binary.LittleEndian, int16(0))
	binary.Write(&b, binary.LittleEndian, int16(0))
	binary.Write(&b, binary.LittleEndian, int16(width))
	binary.Write(&b, binary.LittleEndian, int16(height))
	return &b
}

// buildVideoFormat is a BITMAPINFOHEADER for MJPG.
func buildVideoFormat(width, height int) *bytes.Buffer {
	var b bytes.Buffer
	writeU32(&b, 40)
	writeU32(&b, uint32(width))
	writeU32(&b, uint32(height))
	binary.Write(&b, binary.LittleEndian, uint16(1))  // planes
	binary.Write(&b, binary.LittleEndian, uint16(24)) // bit count
	writeFourCC(&b, "MJPG")
	writeU32(&b, uint32(width*height*3))
	writeU32(&b, 0)
	writeU32(&b, 0)
	writeU32(&b, 0)
	writeU32(&b, 0)
	return &b
}

// buildAudioFormat is a WAVEFORMAT for mono PCM16.
func buildAudioFormat(sampleRate int) *bytes.Buffer {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&b, binary.LittleEndian, uint16(1)) // mono
	writeU32(&b, uint32(sampleRate))
	writeU32(&b, uint32(sampleRate*2))                // avg bytes/sec
	binary.Write(&b, binary.LittleEndian, uint16(2))  // block align
	binary.Write(&b, binary.LittleEndian, uint16(16)) // bits per sample
	return &b
}

func writeFourCC(b *bytes.Buffer, s string) {
	b.WriteString(s)
}

func writeU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}
