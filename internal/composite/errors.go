package composite

import "errors"

var (
	// ErrDuplicateAudioSource reports an attempt to attach a second audio
	// source for the same participant to the shared mix.
	ErrDuplicateAudioSource = errors.New("composite: duplicate audio source")
	ErrRecordingActive      = errors.New("composite: recording already active")
	ErrNotRecording         = errors.New("composite: no active recording")
)
