package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/softframe/meshcall/internal/media"
	"github.com/softframe/meshcall/internal/metrics"
	"github.com/softframe/meshcall/internal/peer"
	"github.com/softframe/meshcall/internal/signaling"
	"github.com/softframe/meshcall/internal/store"
)

// SignalChannel is the slice of the signaling adapter the coordinator uses.
type SignalChannel interface {
	Connect(ctx context.Context, roomID string) error
	Send(t signaling.MessageType, payload any, targetUserID string) error
	On(t signaling.MessageType, h signaling.Handler)
	OnConnectionState(fn func(error))
	Close() error
}

// CoordinatorOptions wires the coordinator's collaborators.
type CoordinatorOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Device   media.Device
	Identity store.Identity
	Meetings store.MeetingStore

	// Constraints for the initial capture. Zero value means defaults.
	Constraints media.Constraints
	ICEServers  []webrtc.ICEServer
	// API overrides the webrtc API used to build peer connections. Tests use
	// it to run the mesh over a virtual network.
	API *webrtc.API

	Peer peer.Options
}

// Coordinator is the top-level mesh orchestration for one local participant:
// local media lifecycle, the participant directory, deterministic offerer
// election, and join/leave/host-handoff logic.
type Coordinator struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	device   media.Device
	identity store.Identity
	meetings store.MeetingStore
	adapter  SignalChannel
	registry *Registry
	manager  *Manager

	opts CoordinatorOptions
	now  func() time.Time

	mu        sync.Mutex
	joined    bool
	roomID    string
	sessionID string
	self      store.Profile
	capture   *media.Capture
	screen    *media.Feed
	warnFn    func(string)
	trackFn   func(remoteID string, track *webrtc.TrackRemote)
	dataFn    func(remoteID string, data []byte)
	endedFn   func()
	signalFn  func(error)
}

func NewCoordinator(adapter SignalChannel, opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Coordinator{
		log:      logger,
		metrics:  opts.Metrics,
		device:   opts.Device,
		identity: opts.Identity,
		meetings: opts.Meetings,
		adapter:  adapter,
		registry: NewRegistry(opts.Metrics),
		opts:     opts,
		now:      time.Now,
	}
	return c
}

// Registry exposes the participant directory. The recording engine consumes
// it via Snapshot and Watch.
func (c *Coordinator) Registry() *Registry { return c.registry }

// OnWarning registers the sink for non-blocking degradation warnings.
func (c *Coordinator) OnWarning(fn func(string)) {
	c.mu.Lock()
	c.warnFn = fn
	c.mu.Unlock()
}

// OnRemoteTrack registers the sink for inbound media tracks.
func (c *Coordinator) OnRemoteTrack(fn func(remoteID string, track *webrtc.TrackRemote)) {
	c.mu.Lock()
	c.trackFn = fn
	c.mu.Unlock()
}

// OnPeerData registers the sink for application payloads from peer data
// channels.
func (c *Coordinator) OnPeerData(fn func(remoteID string, data []byte)) {
	c.mu.Lock()
	c.dataFn = fn
	c.mu.Unlock()
}

// OnMeetingEnded registers the observer invoked after the mesh has been torn
// down because the meeting ended.
func (c *Coordinator) OnMeetingEnded(fn func()) {
	c.mu.Lock()
	c.endedFn = fn
	c.mu.Unlock()
}

// OnSignalingDown registers the observer for signaling transport disruption.
// The coordinator does not resubscribe on its own; the retry affordance
// belongs to the caller.
func (c *Coordinator) OnSignalingDown(fn func(error)) {
	c.mu.Lock()
	c.signalFn = fn
	c.mu.Unlock()
}

func (c *Coordinator) warn(msg string) {
	c.mu.Lock()
	fn := c.warnFn
	c.mu.Unlock()
	c.log.Warn("mesh_warning", "msg", msg)
	if fn != nil {
		fn(msg)
	}
}

// Join enters roomID: acquires local media (degrading on permission denial),
// registers presence, subscribes to signaling, announces itself, and asks
// the room for the existing participant list.
func (c *Coordinator) Join(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.joined {
		joinedRoom := c.roomID
		c.mu.Unlock()
		if joinedRoom != roomID {
			return fmt.Errorf("mesh: already joined room %q", joinedRoom)
		}
		return nil
	}
	c.mu.Unlock()

	self, err := c.identity.Self(ctx)
	if err != nil {
		return fmt.Errorf("mesh: resolve identity: %w", err)
	}

	capture := c.acquireMedia(ctx)

	meeting, err := c.meetings.GetMeeting(ctx, roomID)
	if errors.Is(err, store.ErrNoSuchMeeting) {
		// First joiner hosts.
		meeting, err = c.meetings.CreateMeeting(ctx, roomID, self.UserID)
	}
	if err != nil {
		return fmt.Errorf("mesh: meeting row: %w", err)
	}
	role := store.RoleGuest
	if meeting.HostID == self.UserID {
		role = store.RoleHost
	}
	if err := c.meetings.AddParticipant(ctx, roomID, self.UserID, role); err != nil {
		return fmt.Errorf("mesh: register presence: %w", err)
	}

	// A fresh session id per join so a rejoin is distinguishable from the
	// session it replaces.
	sessionID := uuid.NewString()

	c.mu.Lock()
	c.self = self
	c.capture = capture
	c.roomID = roomID
	c.sessionID = sessionID
	c.mu.Unlock()

	c.manager = NewManager(self.UserID, c.dialPeer, ManagerOptions{
		Logger:  c.log,
		Metrics: c.metrics,
		Peer:    c.opts.Peer,
	})
	c.manager.OnEvent(c.handlePeerEvent)
	c.registerHandlers()
	c.adapter.OnConnectionState(c.handleSignalingState)

	if err := c.adapter.Connect(ctx, roomID); err != nil {
		return fmt.Errorf("mesh: connect signaling: %w", err)
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	c.registry.Insert(Participant{
		UserID:       self.UserID,
		SessionID:    sessionID,
		DisplayName:  self.DisplayName,
		AvatarURL:    self.AvatarURL,
		Muted:        capture == nil || capture.Audio == nil,
		VideoEnabled: capture != nil && capture.Video != nil,
		State:        peer.StateConnected,
		Local:        true,
		JoinedAt:     c.now(),
	})

	profile := signaling.ProfilePayload{
		UserID:      self.UserID,
		SessionID:   sessionID,
		DisplayName: self.DisplayName,
		AvatarURL:   self.AvatarURL,
	}
	if err := c.adapter.Send(signaling.TypeUserJoined, profile, ""); err != nil {
		c.log.Warn("announce_join_failed", "err", err)
	}
	// Late joiners missed earlier join broadcasts; ask the room directly.
	if err := c.adapter.Send(signaling.TypeRequestParticipants, nil, ""); err != nil {
		c.log.Warn("request_participants_failed", "err", err)
	}

	c.log.Info("joined_room", "room", roomID, "user", self.UserID, "role", string(role))
	return nil
}

// acquireMedia walks the degradation ladder: full capture, then audio-only,
// then stream-less, surfacing a warning at each step down.
func (c *Coordinator) acquireMedia(ctx context.Context) *media.Capture {
	constraints := c.opts.Constraints
	if constraints == (media.Constraints{}) {
		constraints = media.DefaultConstraints()
	}

	capture, err := c.device.Capture(ctx, constraints)
	if err == nil {
		return capture
	}
	if errors.Is(err, media.ErrNoDevice) {
		// No hardware at all; an audio-only retry cannot help.
		c.warn("no capture device, joining without streams")
		c.log.Warn("capture_no_device", "err", err)
		return nil
	}
	if !errors.Is(err, media.ErrPermissionDenied) {
		c.warn("media capture unavailable, joining without streams")
		c.log.Warn("capture_failed", "err", err)
		return nil
	}

	c.warn("camera unavailable, joining with audio only")
	capture, err = c.device.Capture(ctx, constraints.AudioOnly())
	if err == nil {
		return capture
	}
	c.warn("microphone unavailable, joining without media")
	return nil
}

func (c *Coordinator) dialPeer(string) (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{ICEServers: c.opts.ICEServers}
	if c.opts.API != nil {
		return c.opts.API.NewPeerConnection(cfg)
	}
	return webrtc.NewPeerConnection(cfg)
}

func (c *Coordinator) registerHandlers() {
	c.adapter.On(signaling.TypeOffer, c.handleOffer)
	c.adapter.On(signaling.TypeAnswer, c.handleAnswer)
	c.adapter.On(signaling.TypeICECandidate, c.handleCandidate)
	c.adapter.On(signaling.TypeUserJoined, c.handleUserJoined)
	c.adapter.On(signaling.TypeUserLeft, func(env signaling.Envelope) {
		c.removeParticipant(env.FromUserID)
	})
	c.adapter.On(signaling.TypeUserProfile, c.handleUserProfile)
	c.adapter.On(signaling.TypeMuteState, func(env signaling.Envelope) {
		var p signaling.MuteStatePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.registry.Update(env.FromUserID, func(m *Participant) { m.Muted = p.Muted })
		}
	})
	c.adapter.On(signaling.TypeVideoState, func(env signaling.Envelope) {
		var p signaling.VideoStatePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.registry.Update(env.FromUserID, func(m *Participant) { m.VideoEnabled = p.VideoEnabled })
		}
	})
	c.adapter.On(signaling.TypeRecordingState, func(env signaling.Envelope) {
		var p signaling.RecordingStatePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.registry.Update(env.FromUserID, func(m *Participant) { m.Recording = p.Recording })
		}
	})
	c.adapter.On(signaling.TypeMeetingEnded, func(signaling.Envelope) {
		c.log.Info("meeting_ended_remotely")
		c.teardown(true)
	})
	c.adapter.On(signaling.TypeRequestParticipants, c.handleRequestParticipants)
	c.adapter.On(signaling.TypeSignalFallback, func(env signaling.Envelope) {
		// The sender switches to the pairing's data channel; nothing to do
		// beyond making sure the pairing exists to receive it.
		if _, err := c.ensurePeer(env.FromUserID); err != nil {
			c.log.Warn("fallback_pairing_failed", "from", env.FromUserID, "err", err)
		}
	})
}

// ensurePeer returns the pairing for remoteID, creating it (and, when the
// local side initiates, kicking off the first negotiation) if absent.
func (c *Coordinator) ensurePeer(remoteID string) (*peer.Peer, error) {
	if p, ok := c.manager.Get(remoteID); ok {
		return p, nil
	}
	p, err := c.manager.CreateConnection(remoteID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	selfID := c.self.UserID
	c.mu.Unlock()

	if peer.Initiates(selfID, remoteID) {
		c.attachLocalTracks(p)
		// Creating the data channel triggers the first negotiation round.
		if err := p.OpenDataChannel(); err != nil {
			c.log.Warn("open_data_channel_failed", "remote", remoteID, "err", err)
		}
	}
	return p, nil
}

func (c *Coordinator) attachLocalTracks(p *peer.Peer) {
	c.mu.Lock()
	capture := c.capture
	screen := c.screen
	c.mu.Unlock()
	if capture != nil {
		if t := capture.Audio.Track(); t != nil {
			if err := p.AddTrack(t); err != nil {
				c.log.Warn("attach_audio_failed", "remote", p.RemoteID(), "err", err)
			}
		}
		if t := capture.Video.Track(); t != nil && capture.Video.Enabled() {
			if err := p.AddTrack(t); err != nil {
				c.log.Warn("attach_video_failed", "remote", p.RemoteID(), "err", err)
			}
		}
	}
	if t := screen.Track(); t != nil {
		if err := p.AddTrack(t); err != nil {
			c.log.Warn("attach_screen_failed", "remote", p.RemoteID(), "err", err)
		}
	}
}

func (c *Coordinator) handleUserJoined(env signaling.Envelope) {
	var profile signaling.ProfilePayload
	if err := json.Unmarshal(env.Payload, &profile); err != nil {
		c.log.Warn("user_joined_malformed", "from", env.FromUserID, "err", err)
		return
	}
	c.admit(env.FromUserID, profile)
}

// admit inserts a newly discovered participant and ensures a pairing exists,
// initiating when election says the local side offers first.
func (c *Coordinator) admit(userID string, profile signaling.ProfilePayload) {
	c.mu.Lock()
	selfID := c.self.UserID
	c.mu.Unlock()
	if userID == selfID || userID == "" {
		return
	}

	if _, known := c.registry.Get(userID); !known {
		c.registry.Insert(Participant{
			UserID:      userID,
			SessionID:   profile.SessionID,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
			State:       peer.StateNew,
			JoinedAt:    c.now(),
		})
	} else {
		c.registry.Update(userID, func(m *Participant) {
			m.DisplayName = profile.DisplayName
			m.AvatarURL = profile.AvatarURL
			if profile.SessionID != "" {
				m.SessionID = profile.SessionID
			}
		})
	}

	if _, err := c.ensurePeer(userID); err != nil {
		c.log.Warn("pairing_failed", "remote", userID, "err", err)
	}
}

func (c *Coordinator) handleUserProfile(env signaling.Envelope) {
	var profile signaling.ProfilePayload
	if err := json.Unmarshal(env.Payload, &profile); err != nil {
		c.log.Warn("user_profile_malformed", "from", env.FromUserID, "err", err)
		return
	}
	// A directed profile is also how existing members answer a participant
	// request, so treat an unknown sender as a discovery.
	c.admit(env.FromUserID, profile)
}

func (c *Coordinator) handleRequestParticipants(env signaling.Envelope) {
	c.mu.Lock()
	self := c.self
	sessionID := c.sessionID
	c.mu.Unlock()
	profile := signaling.ProfilePayload{
		UserID:      self.UserID,
		SessionID:   sessionID,
		DisplayName: self.DisplayName,
		AvatarURL:   self.AvatarURL,
	}
	if err := c.adapter.Send(signaling.TypeUserProfile, profile, env.FromUserID); err != nil {
		c.log.Warn("participant_reply_failed", "to", env.FromUserID, "err", err)
	}
}

func (c *Coordinator) handleOffer(env signaling.Envelope) {
	var payload signaling.SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.log.Warn("offer_malformed", "from", env.FromUserID, "err", err)
		return
	}
	desc, err := payload.ToPion()
	if err != nil {
		c.log.Warn("offer_invalid", "from", env.FromUserID, "err", err)
		return
	}

	p, err := c.ensurePeer(env.FromUserID)
	if err != nil {
		c.log.Warn("offer_pairing_failed", "from", env.FromUserID, "err", err)
		return
	}
	// Attach local media before answering so the answer carries it and no
	// extra negotiation round is needed.
	c.attachLocalTracks(p)
	if err := p.HandleOffer(desc); err != nil {
		c.log.Warn("offer_failed", "from", env.FromUserID, "err", err)
	}
}

func (c *Coordinator) handleAnswer(env signaling.Envelope) {
	var payload signaling.SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.log.Warn("answer_malformed", "from", env.FromUserID, "err", err)
		return
	}
	desc, err := payload.ToPion()
	if err != nil {
		c.log.Warn("answer_invalid", "from", env.FromUserID, "err", err)
		return
	}
	p, ok := c.manager.Get(env.FromUserID)
	if !ok {
		c.log.Warn("answer_unknown_pairing", "from", env.FromUserID)
		return
	}
	if err := p.HandleAnswer(desc); err != nil {
		c.log.Warn("answer_failed", "from", env.FromUserID, "err", err)
	}
}

func (c *Coordinator) handleCandidate(env signaling.Envelope) {
	var payload signaling.CandidatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.log.Warn("candidate_malformed", "from", env.FromUserID, "err", err)
		return
	}
	p, err := c.ensurePeer(env.FromUserID)
	if err != nil {
		c.log.Warn("candidate_pairing_failed", "from", env.FromUserID, "err", err)
		return
	}
	if err := p.HandleCandidate(payload.ToPion()); err != nil {
		c.log.Warn("candidate_failed", "from", env.FromUserID, "err", err)
	}
}

func (c *Coordinator) handlePeerEvent(ev PeerEvent) {
	switch ev.Event.Type {
	case peer.EventLocalDescription:
		c.deliverDescription(ev.RemoteID, *ev.Event.Description)
	case peer.EventLocalCandidate:
		payload := signaling.CandidateFromPion(*ev.Event.Candidate)
		if err := c.adapter.Send(signaling.TypeICECandidate, payload, ev.RemoteID); err != nil {
			c.log.Warn("candidate_send_failed", "remote", ev.RemoteID, "err", err)
		}
	case peer.EventStateChange:
		state := ev.Event.State
		c.registry.Update(ev.RemoteID, func(m *Participant) { m.State = state })
	case peer.EventRemoteTrack:
		c.mu.Lock()
		fn := c.trackFn
		c.mu.Unlock()
		if fn != nil {
			fn(ev.RemoteID, ev.Event.Track)
		}
	case peer.EventDataMessage:
		c.mu.Lock()
		fn := c.dataFn
		c.mu.Unlock()
		if fn != nil {
			fn(ev.RemoteID, ev.Event.Data)
		}
	case peer.EventReconnectFailed:
		// Terminal for this pairing only; the rest of the mesh is unaffected.
		c.log.Warn("pairing_terminal", "remote", ev.RemoteID)
		c.removeParticipant(ev.RemoteID)
	}
}

// deliverDescription ships an offer or answer over signaling, falling back
// to the pairing's data channel when the payload exceeds the ceiling.
func (c *Coordinator) deliverDescription(remoteID string, desc webrtc.SessionDescription) {
	var t signaling.MessageType
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		t = signaling.TypeOffer
	case webrtc.SDPTypeAnswer:
		t = signaling.TypeAnswer
	default:
		return
	}

	err := c.adapter.Send(t, signaling.SDPFromPion(desc), remoteID)
	if err == nil {
		return
	}
	if errors.Is(err, signaling.ErrOversizedPayload) {
		p, ok := c.manager.Get(remoteID)
		if !ok {
			return
		}
		if err := p.SendDescription(desc); err != nil {
			c.log.Warn("sdp_fallback_failed", "remote", remoteID, "err", err)
		}
		return
	}
	c.log.Warn("sdp_send_failed", "remote", remoteID, "type", string(t), "err", err)
}

func (c *Coordinator) removeParticipant(userID string) {
	c.registry.Remove(userID)
	if c.manager != nil {
		c.manager.RemoveConnection(userID)
	}
}

// ToggleAudio flips the local microphone and mirrors the state to the room.
// It returns the new muted state.
func (c *Coordinator) ToggleAudio() bool {
	c.mu.Lock()
	capture := c.capture
	selfID := c.self.UserID
	c.mu.Unlock()
	if capture == nil || capture.Audio == nil {
		return true
	}

	muted := capture.Audio.Enabled()
	capture.Audio.SetEnabled(!muted)

	c.registry.Update(selfID, func(m *Participant) { m.Muted = muted })
	if err := c.adapter.Send(signaling.TypeMuteState, signaling.MuteStatePayload{Muted: muted}, ""); err != nil {
		c.log.Warn("mute_state_send_failed", "err", err)
	}
	return muted
}

// ToggleVideo flips the local camera. Disabling detaches the track from
// every pairing, enabling re-attaches it; both trigger renegotiation. The
// new state is broadcast so remote observers update without inspecting
// tracks. It returns the new enabled state.
func (c *Coordinator) ToggleVideo() bool {
	c.mu.Lock()
	capture := c.capture
	selfID := c.self.UserID
	c.mu.Unlock()
	if capture == nil || capture.Video == nil {
		return false
	}
	track := capture.Video.Track()

	enabled := !capture.Video.Enabled()
	capture.Video.SetEnabled(enabled)

	if track != nil {
		var err error
		if enabled {
			err = c.manager.BroadcastTrack(track)
		} else {
			err = c.manager.StopBroadcastingTrack(track.ID())
		}
		if err != nil {
			c.log.Warn("video_fanout_failed", "enabled", enabled, "err", err)
		}
	}

	c.registry.Update(selfID, func(m *Participant) { m.VideoEnabled = enabled })
	if err := c.adapter.Send(signaling.TypeVideoState, signaling.VideoStatePayload{VideoEnabled: enabled}, ""); err != nil {
		c.log.Warn("video_state_send_failed", "err", err)
	}
	return enabled
}

// ShareScreen starts a screen capture and fans the track out to every
// pairing.
func (c *Coordinator) ShareScreen(ctx context.Context) error {
	c.mu.Lock()
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	feed, err := c.device.CaptureScreen(ctx)
	if err != nil {
		if errors.Is(err, media.ErrPermissionDenied) {
			c.warn("screen capture was not permitted")
		}
		return err
	}

	c.mu.Lock()
	c.screen = feed
	c.mu.Unlock()

	if t := feed.Track(); t != nil {
		if err := c.manager.BroadcastTrack(t); err != nil {
			c.log.Warn("screen_fanout_failed", "err", err)
		}
	}
	return nil
}

// StopScreenShare detaches the screen track from every pairing.
func (c *Coordinator) StopScreenShare() {
	c.mu.Lock()
	feed := c.screen
	c.screen = nil
	c.mu.Unlock()
	if feed == nil {
		return
	}
	if t := feed.Track(); t != nil {
		if err := c.manager.StopBroadcastingTrack(t.ID()); err != nil {
			c.log.Warn("screen_stop_failed", "err", err)
		}
	}
}

// SetRecording mirrors the local recording indicator to the room.
func (c *Coordinator) SetRecording(recording bool) {
	c.mu.Lock()
	selfID := c.self.UserID
	c.mu.Unlock()
	c.registry.Update(selfID, func(m *Participant) { m.Recording = recording })
	if err := c.adapter.Send(signaling.TypeRecordingState, signaling.RecordingStatePayload{Recording: recording}, ""); err != nil {
		c.log.Warn("recording_state_send_failed", "err", err)
	}
}

// MarkSpeaking updates the speaking flag for userID in the directory. Speech
// detection itself lives with the audio pipeline.
func (c *Coordinator) MarkSpeaking(userID string, speaking bool) {
	c.registry.Update(userID, func(m *Participant) { m.Speaking = speaking })
}

// BroadcastData fans an application payload out over every open data
// channel and reports the delivery count.
func (c *Coordinator) BroadcastData(payload []byte) int {
	if c.manager == nil {
		return 0
	}
	return c.manager.BroadcastData(payload)
}

// SendDataToPeer ships an application payload to one remote participant.
func (c *Coordinator) SendDataToPeer(remoteID string, payload []byte) error {
	if c.manager == nil {
		return peer.ErrNoSession
	}
	return c.manager.SendDataToPeer(remoteID, payload)
}

// EndCall leaves the room. With forAll the meeting is marked ended so every
// coordinator observes the change and tears its own mesh down; otherwise
// host responsibility moves to the earliest-joined active participant, or
// the meeting ends when none remain.
func (c *Coordinator) EndCall(ctx context.Context, forAll bool) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	roomID := c.roomID
	selfID := c.self.UserID
	c.mu.Unlock()

	if forAll {
		if err := c.meetings.EndMeeting(ctx, roomID); err != nil && !errors.Is(err, store.ErrMeetingEnded) {
			c.log.Warn("end_meeting_failed", "err", err)
		}
		if err := c.adapter.Send(signaling.TypeMeetingEnded, nil, ""); err != nil {
			c.log.Warn("meeting_ended_send_failed", "err", err)
		}
		c.teardown(false)
		return nil
	}

	if err := c.meetings.MarkLeft(ctx, roomID, selfID); err != nil {
		c.log.Warn("mark_left_failed", "err", err)
	}
	if err := c.handOffHost(ctx, roomID, selfID); err != nil {
		c.log.Warn("host_handoff_failed", "err", err)
	}
	if err := c.adapter.Send(signaling.TypeUserLeft, nil, ""); err != nil {
		c.log.Warn("user_left_send_failed", "err", err)
	}
	c.teardown(false)
	return nil
}

func (c *Coordinator) handOffHost(ctx context.Context, roomID, selfID string) error {
	meeting, err := c.meetings.GetMeeting(ctx, roomID)
	if err != nil {
		return err
	}
	if meeting.HostID != selfID || meeting.Status == store.MeetingEnded {
		return nil
	}
	remaining, err := c.meetings.ActiveParticipants(ctx, roomID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return c.meetings.EndMeeting(ctx, roomID)
	}
	next := remaining[0].UserID
	c.log.Info("host_handoff", "from", selfID, "to", next)
	return c.meetings.SetHost(ctx, roomID, next)
}

func (c *Coordinator) teardown(remotelyEnded bool) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	c.roomID = ""
	endedFn := c.endedFn
	c.mu.Unlock()

	if c.manager != nil {
		c.manager.CloseAll()
	}
	c.registry.Clear()
	if err := c.adapter.Close(); err != nil {
		c.log.Warn("adapter_close_failed", "err", err)
	}
	c.log.Info("left_room")

	if remotelyEnded && endedFn != nil {
		endedFn()
	}
}

func (c *Coordinator) handleSignalingState(err error) {
	c.mu.Lock()
	fn := c.signalFn
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
