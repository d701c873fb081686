package mesh

import (
	"github.com/softframe/meshcall/internal/composite"
	"github.com/softframe/meshcall/internal/media"
)

// RecordingSession is the slice of the recording engine the directory sync
// drives.
type RecordingSession interface {
	AddParticipant(composite.Member) error
	RemoveParticipant(userID string)
	UpdateParticipant(composite.Member)
}

// StreamResolver maps a directory row to the decoded-domain sources feeding
// the recorder. Either source may be nil when the participant has no such
// stream.
type StreamResolver func(p Participant) (media.VideoSource, media.AudioSource)

// SyncRecording mirrors directory changes into an active recording session:
// joins become AddParticipant, leaves RemoveParticipant, and state or stream
// changes UpdateParticipant. It returns a cancel func that stops the mirror
// without touching the session.
func SyncRecording(r *Registry, session RecordingSession, resolve StreamResolver) (cancel func()) {
	changes, stop := r.Watch()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for change := range changes {
			switch change.Kind {
			case ChangeJoined:
				// Duplicate ids are the engine's invariant to enforce; the
				// mirror just forwards.
				_ = session.AddParticipant(memberFor(change.Participant, resolve))
			case ChangeLeft:
				session.RemoveParticipant(change.Participant.UserID)
			case ChangeUpdated:
				session.UpdateParticipant(memberFor(change.Participant, resolve))
			}
		}
	}()

	return func() {
		stop()
		<-done
	}
}

func memberFor(p Participant, resolve StreamResolver) composite.Member {
	var video media.VideoSource
	var audio media.AudioSource
	if resolve != nil {
		video, audio = resolve(p)
	}
	return composite.Member{
		UserID:       p.UserID,
		DisplayName:  p.DisplayName,
		Local:        p.Local,
		VideoEnabled: p.VideoEnabled,
		Speaking:     p.Speaking,
		State:        p.State,
		Video:        video,
		Audio:        audio,
	}
}
