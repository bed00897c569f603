package conference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
)

// ScreenShareSource supplies a publishable local screen-capture track.
// Returning an error (for example when the user denies the capture
// permission) makes SetScreenShare fail without changing sharing state.
type ScreenShareSource func() (webrtc.TrackLocal, error)

// LiveKitConfig configures the LiveKit-backed transport.
type LiveKitConfig struct {
	// URL is the LiveKit server websocket URL.
	URL string

	// APIKey and APISecret mint the join token.
	APIKey    string
	APISecret string

	// RoomName is the proceeding's room.
	RoomName string

	// Identity is the local participant identity.
	Identity string

	// Name is the local display name.
	Name string

	// ScreenShare supplies the local screen-capture track. Optional;
	// without it SetScreenShare(true) returns ErrScreenShareUnavailable.
	ScreenShare ScreenShareSource
}

// LiveKitTransport implements Transport over a LiveKit room connection. It
// maps the SDK's callback surface onto the closed TransportEvent set and
// local-participant operations onto the command surface, so everything
// downstream of the lifecycle manager stays transport-agnostic.
type LiveKitTransport struct {
	cfg    LiveKitConfig
	logger Logger

	mu         sync.Mutex
	room       *lksdk.Room
	screenSID  string
	closeOnce  sync.Once
	events     chan TransportEvent
}

// NewLiveKitTransport creates a disconnected transport.
func NewLiveKitTransport(cfg LiveKitConfig, logger Logger) *LiveKitTransport {
	if logger == nil {
		logger = defaultLogger()
	}
	return &LiveKitTransport{
		cfg:    cfg,
		logger: logger,
		events: make(chan TransportEvent, 256),
	}
}

// Events returns the transport event channel. Closed after Disconnect or a
// terminal disconnection.
func (t *LiveKitTransport) Events() <-chan TransportEvent {
	return t.events
}

// Connect mints a join token and connects to the room with the full
// callback set wired to event emission.
func (t *LiveKitTransport) Connect(ctx context.Context) error {
	token, err := t.joinToken()
	if err != nil {
		return fmt.Errorf("mint join token: %w", err)
	}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if kind, ok := streamKindForSource(pub.Source()); ok {
					t.emit(StreamAddedEvent{
						Identity:  Identity(rp.Identity()),
						Kind:      kind,
						Available: !pub.IsMuted(),
					})
				}
			},
			OnTrackUnpublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if kind, ok := streamKindForSource(pub.Source()); ok {
					t.emit(StreamRemovedEvent{Identity: Identity(rp.Identity()), Kind: kind})
				}
			},
			OnTrackMuted: func(pub lksdk.TrackPublication, p lksdk.Participant) {
				t.emitTrackMuteChange(pub, p, true)
			},
			OnTrackUnmuted: func(pub lksdk.TrackPublication, p lksdk.Participant) {
				t.emitTrackMuteChange(pub, p, false)
			},
			OnIsSpeakingChanged: func(p lksdk.Participant) {
				if p.Identity() == t.cfg.Identity {
					return
				}
				t.emit(SpeakingChangedEvent{
					Identity: Identity(p.Identity()),
					Speaking: p.IsSpeaking(),
				})
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			t.emit(t.snapshotJoin(rp))
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			t.emit(ParticipantLeftEvent{Identity: Identity(rp.Identity())})
		},
		OnReconnecting: func() {
			t.emit(ConnectionChangedEvent{State: StateReconnecting})
		},
		OnReconnected: func() {
			t.emit(ConnectionChangedEvent{State: StateConnected})
		},
		OnDisconnectedWithReason: func(reason lksdk.DisconnectionReason) {
			t.emit(ConnectionChangedEvent{
				State: StateDisconnected,
				Err:   fmt.Errorf("disconnected from room: %v", reason),
			})
			t.closeEvents()
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(t.cfg.URL, token, callback)
	if err != nil {
		return fmt.Errorf("connect to room %s: %w", t.cfg.RoomName, err)
	}

	t.mu.Lock()
	t.room = room
	t.mu.Unlock()

	// Participants already in the room report their existing state
	// synchronously, as if they had just joined.
	for _, rp := range room.GetRemoteParticipants() {
		t.emit(t.snapshotJoin(rp))
	}

	t.logger.Info("joined livekit room",
		"room", t.cfg.RoomName, "identity", t.cfg.Identity)
	return nil
}

// snapshotJoin builds a join event from a participant's current state so
// late-observed participants are fully described without replayed events.
func (t *LiveKitTransport) snapshotJoin(rp *lksdk.RemoteParticipant) ParticipantJoinedEvent {
	ev := ParticipantJoinedEvent{
		Identity: Identity(rp.Identity()),
		Name:     rp.Name(),
		Speaking: rp.IsSpeaking(),
	}
	for _, pub := range rp.TrackPublications() {
		if pub.Source() == livekit.TrackSource_MICROPHONE {
			ev.Muted = pub.IsMuted()
			continue
		}
		if kind, ok := streamKindForSource(pub.Source()); ok {
			ev.Streams = append(ev.Streams, StreamSnapshot{
				Kind:      kind,
				Available: !pub.IsMuted(),
			})
		}
	}
	return ev
}

func (t *LiveKitTransport) emitTrackMuteChange(pub lksdk.TrackPublication, p lksdk.Participant, muted bool) {
	if p.Identity() == t.cfg.Identity {
		return
	}
	id := Identity(p.Identity())
	if pub.Source() == livekit.TrackSource_MICROPHONE {
		t.emit(MuteChangedEvent{Identity: id, Muted: muted})
		return
	}
	if kind, ok := streamKindForSource(pub.Source()); ok {
		// A hardware-muted camera or paused share stays registered but
		// cannot be painted.
		t.emit(AvailabilityChangedEvent{Identity: id, Kind: kind, Available: !muted})
	}
}

// streamKindForSource maps LiveKit track sources onto registry stream
// kinds. Audio sources carry no renderable stream.
func streamKindForSource(source livekit.TrackSource) (StreamKind, bool) {
	switch source {
	case livekit.TrackSource_CAMERA:
		return StreamKindVideo, true
	case livekit.TrackSource_SCREEN_SHARE:
		return StreamKindScreenShare, true
	default:
		return "", false
	}
}

// SetMuted mutes or unmutes the local microphone publications.
func (t *LiveKitTransport) SetMuted(muted bool) error {
	return t.setLocalMuted(livekit.TrackSource_MICROPHONE, muted)
}

// SetVideoEnabled starts or stops the local camera publications.
func (t *LiveKitTransport) SetVideoEnabled(enabled bool) error {
	return t.setLocalMuted(livekit.TrackSource_CAMERA, !enabled)
}

func (t *LiveKitTransport) setLocalMuted(source livekit.TrackSource, muted bool) error {
	t.mu.Lock()
	room := t.room
	t.mu.Unlock()
	if room == nil {
		return ErrSessionEnded
	}

	for _, pub := range room.LocalParticipant.TrackPublications() {
		if pub.Source() != source {
			continue
		}
		if local, ok := pub.(*lksdk.LocalTrackPublication); ok {
			local.SetMuted(muted)
		}
	}
	return nil
}

// SetScreenShare publishes or unpublishes the local screen-capture track.
// Acquisition failure leaves sharing in its prior state and surfaces a
// recoverable error.
func (t *LiveKitTransport) SetScreenShare(enabled bool) error {
	t.mu.Lock()
	room := t.room
	sid := t.screenSID
	t.mu.Unlock()
	if room == nil {
		return ErrSessionEnded
	}

	if !enabled {
		if sid == "" {
			return nil
		}
		if err := room.LocalParticipant.UnpublishTrack(sid); err != nil {
			return fmt.Errorf("unpublish screen share: %w", err)
		}
		t.mu.Lock()
		t.screenSID = ""
		t.mu.Unlock()
		return nil
	}

	if t.cfg.ScreenShare == nil {
		return ErrScreenShareUnavailable
	}
	track, err := t.cfg.ScreenShare()
	if err != nil {
		return fmt.Errorf("acquire screen capture: %w", err)
	}

	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "screen",
		Source: livekit.TrackSource_SCREEN_SHARE,
	})
	if err != nil {
		return fmt.Errorf("publish screen share: %w", err)
	}

	t.mu.Lock()
	t.screenSID = pub.SID()
	t.mu.Unlock()
	return nil
}

// Disconnect leaves the room and closes the event channel. Safe to call
// more than once.
func (t *LiveKitTransport) Disconnect() error {
	t.mu.Lock()
	room := t.room
	t.room = nil
	t.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	t.closeEvents()
	return nil
}

func (t *LiveKitTransport) joinToken() (string, error) {
	at := auth.NewAccessToken(t.cfg.APIKey, t.cfg.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     t.cfg.RoomName,
	}
	at.AddGrant(grant).
		SetIdentity(t.cfg.Identity).
		SetName(t.cfg.Name).
		SetValidFor(6 * time.Hour)
	return at.ToJWT()
}

// emit queues an event without ever blocking a LiveKit callback. A full
// queue drops the event; the state snapshot on the next join re-syncs.
func (t *LiveKitTransport) emit(ev TransportEvent) {
	defer func() {
		// Sending on the channel after a terminal close loses the race
		// benignly; the session is over either way.
		_ = recover()
	}()
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("transport event queue full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

func (t *LiveKitTransport) closeEvents() {
	t.closeOnce.Do(func() {
		close(t.events)
	})
}
