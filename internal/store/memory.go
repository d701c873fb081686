package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryMeetingStore is an in-memory MeetingStore.
type MemoryMeetingStore struct {
	mu           sync.Mutex
	now          func() time.Time
	meetings     map[string]Meeting
	participants map[string]map[string]ParticipantRecord
}

func NewMemoryMeetingStore() *MemoryMeetingStore {
	return &MemoryMeetingStore{
		now:          time.Now,
		meetings:     make(map[string]Meeting),
		participants: make(map[string]map[string]ParticipantRecord),
	}
}

// SetClock replaces the time source. Tests only.
func (s *MemoryMeetingStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryMeetingStore) CreateMeeting(_ context.Context, meetingID, hostID string) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meetingID == "" {
		meetingID = uuid.NewString()
	}
	if existing, ok := s.meetings[meetingID]; ok {
		return existing, nil
	}
	m := Meeting{
		ID:        meetingID,
		HostID:    hostID,
		Status:    MeetingActive,
		CreatedAt: s.now(),
	}
	s.meetings[m.ID] = m
	return m, nil
}

func (s *MemoryMeetingStore) GetMeeting(_ context.Context, meetingID string) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return Meeting{}, fmt.Errorf("%w: %s", ErrNoSuchMeeting, meetingID)
	}
	return m, nil
}

func (s *MemoryMeetingStore) EndMeeting(_ context.Context, meetingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchMeeting, meetingID)
	}
	if m.Status == MeetingEnded {
		return ErrMeetingEnded
	}
	m.Status = MeetingEnded
	m.EndedAt = s.now()
	s.meetings[meetingID] = m
	return nil
}

func (s *MemoryMeetingStore) SetHost(_ context.Context, meetingID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchMeeting, meetingID)
	}
	m.HostID = userID
	s.meetings[meetingID] = m
	for id, rec := range s.participants[meetingID] {
		if id == userID {
			rec.Role = RoleHost
		} else if rec.Role == RoleHost {
			rec.Role = RoleGuest
		}
		s.participants[meetingID][id] = rec
	}
	return nil
}

func (s *MemoryMeetingStore) AddParticipant(_ context.Context, meetingID, userID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchMeeting, meetingID)
	}
	if m.Status == MeetingEnded {
		return ErrMeetingEnded
	}
	rows := s.participants[meetingID]
	if rows == nil {
		rows = make(map[string]ParticipantRecord)
		s.participants[meetingID] = rows
	}
	// A rejoin reactivates the existing row, keeping the original join time.
	if rec, ok := rows[userID]; ok {
		rec.Active = true
		rec.LeftAt = time.Time{}
		rec.Role = role
		rows[userID] = rec
		return nil
	}
	rows[userID] = ParticipantRecord{
		MeetingID: meetingID,
		UserID:    userID,
		Role:      role,
		Active:    true,
		JoinedAt:  s.now(),
	}
	return nil
}

func (s *MemoryMeetingStore) MarkLeft(_ context.Context, meetingID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.participants[meetingID]
	rec, ok := rows[userID]
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrNoSuchParticipant, userID, meetingID)
	}
	rec.Active = false
	rec.LeftAt = s.now()
	rows[userID] = rec
	return nil
}

func (s *MemoryMeetingStore) ActiveParticipants(_ context.Context, meetingID string) ([]ParticipantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ParticipantRecord
	for _, rec := range s.participants[meetingID] {
		if rec.Active {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// MemoryRecordingStore is an in-memory RecordingStore.
type MemoryRecordingStore struct {
	mu         sync.Mutex
	now        func() time.Time
	recordings map[string]Recording
}

func NewMemoryRecordingStore() *MemoryRecordingStore {
	return &MemoryRecordingStore{
		now:        time.Now,
		recordings: make(map[string]Recording),
	}
}

func (s *MemoryRecordingStore) CreateRecording(_ context.Context, meetingID string) (Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Recording{
		ID:        uuid.NewString(),
		MeetingID: meetingID,
		Status:    RecordingUploading,
		CreatedAt: s.now(),
	}
	s.recordings[r.ID] = r
	return r, nil
}

func (s *MemoryRecordingStore) CompleteRecording(_ context.Context, recordingID, url string, duration time.Duration, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recordings[recordingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchRecording, recordingID)
	}
	r.Status = RecordingCompleted
	r.URL = url
	r.Duration = duration
	r.SizeBytes = sizeBytes
	s.recordings[recordingID] = r
	return nil
}

func (s *MemoryRecordingStore) FailRecording(_ context.Context, recordingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recordings[recordingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchRecording, recordingID)
	}
	r.Status = RecordingFailed
	s.recordings[recordingID] = r
	return nil
}

func (s *MemoryRecordingStore) GetRecording(_ context.Context, recordingID string) (Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recordings[recordingID]
	if !ok {
		return Recording{}, fmt.Errorf("%w: %s", ErrNoSuchRecording, recordingID)
	}
	return r, nil
}

// MemoryBlobStore keeps uploaded blobs in process and hands back opaque
// mem:// URLs.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// FailWith, when non-nil, makes every Put fail. Tests only.
	FailWith error
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return "", s.FailWith
	}
	key := name + "-" + uuid.NewString()
	s.blobs[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// Get returns a stored blob by the key portion of its URL.
func (s *MemoryBlobStore) Get(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	const prefix = "mem://"
	if len(url) <= len(prefix) {
		return nil, false
	}
	b, ok := s.blobs[url[len(prefix):]]
	return b, ok
}
