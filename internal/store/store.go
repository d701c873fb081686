// Package store holds the narrow collaborator interfaces the mesh and the
// recording engine consume: identity, meeting and recording rows, and blob
// storage. The in-memory implementations back tests and single-process
// deployments; schema lifecycle is owned elsewhere.
package store

import (
	"context"
	"time"
)

// Profile is the display identity attached to a participant.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Identity supplies the local participant's identity.
type Identity interface {
	Self(ctx context.Context) (Profile, error)
}

// StaticIdentity is an Identity fixed at construction.
type StaticIdentity struct {
	Profile Profile
}

func (s StaticIdentity) Self(context.Context) (Profile, error) {
	return s.Profile, nil
}

type MeetingStatus string

const (
	MeetingActive MeetingStatus = "active"
	MeetingEnded  MeetingStatus = "ended"
)

type Meeting struct {
	ID        string
	HostID    string
	Status    MeetingStatus
	CreatedAt time.Time
	EndedAt   time.Time
}

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ParticipantRecord is one row in the meeting's attendance ledger.
type ParticipantRecord struct {
	MeetingID string
	UserID    string
	Role      Role
	Active    bool
	JoinedAt  time.Time
	LeftAt    time.Time
}

// MeetingStore persists meeting and participant rows.
type MeetingStore interface {
	// CreateMeeting creates a meeting row. An empty meetingID asks the store
	// to generate one.
	CreateMeeting(ctx context.Context, meetingID, hostID string) (Meeting, error)
	GetMeeting(ctx context.Context, meetingID string) (Meeting, error)
	EndMeeting(ctx context.Context, meetingID string) error
	// SetHost reassigns the meeting host, updating participant roles to match.
	SetHost(ctx context.Context, meetingID, userID string) error

	AddParticipant(ctx context.Context, meetingID, userID string, role Role) error
	MarkLeft(ctx context.Context, meetingID, userID string) error
	// ActiveParticipants returns rows with Active set, ordered by join time
	// (ties broken by user id).
	ActiveParticipants(ctx context.Context, meetingID string) ([]ParticipantRecord, error)
}

type RecordingStatus string

const (
	RecordingUploading RecordingStatus = "uploading"
	RecordingCompleted RecordingStatus = "completed"
	RecordingFailed    RecordingStatus = "failed"
)

type Recording struct {
	ID        string
	MeetingID string
	Status    RecordingStatus
	URL       string
	Duration  time.Duration
	SizeBytes int64
	CreatedAt time.Time
}

// RecordingStore persists recording rows. A row is created in "uploading"
// before any upload begins so a crash mid-upload stays observable.
type RecordingStore interface {
	CreateRecording(ctx context.Context, meetingID string) (Recording, error)
	CompleteRecording(ctx context.Context, recordingID, url string, duration time.Duration, sizeBytes int64) error
	FailRecording(ctx context.Context, recordingID string) error
	GetRecording(ctx context.Context, recordingID string) (Recording, error)
}

// BlobStore accepts a finished blob and returns a retrievable URL.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}
