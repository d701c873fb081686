package store

import "errors"

var (
	ErrNoSuchMeeting     = errors.New("store: no such meeting")
	ErrNoSuchRecording   = errors.New("store: no such recording")
	ErrNoSuchParticipant = errors.New("store: no such participant")
	ErrMeetingEnded      = errors.New("store: meeting already ended")
)
