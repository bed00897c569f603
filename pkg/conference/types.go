// Package conference implements the client-side orchestration core for a
// multi-participant trial session: stream registry, feature selection,
// participant lifecycle, render planning, and a screen-capture recording
// pipeline. The real-time transport, the capture facility, and the
// transcoding utility are external collaborators consumed through the
// interfaces defined here.
package conference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Identity is an opaque stable key naming the local user, a remote
// participant, or a composite screen-share pseudo-identity.
type Identity string

// IdentityLocal names the local session in the featured slot and the
// stream registry. It is never a valid remote participant identity.
const IdentityLocal Identity = "local"

const screenSharePrefix = "screenshare-"

// ScreenShareIdentity returns the composite identity that names a
// participant's screen-share in the featured slot.
func ScreenShareIdentity(owner Identity) Identity {
	return Identity(screenSharePrefix + string(owner))
}

// IsScreenShareIdentity reports whether id lives in the screen-share
// pseudo-identity namespace.
func IsScreenShareIdentity(id Identity) bool {
	return strings.HasPrefix(string(id), screenSharePrefix)
}

// ScreenShareOwner returns the participant identity behind a composite
// screen-share identity. For non-composite identities it returns id
// unchanged.
func ScreenShareOwner(id Identity) Identity {
	return Identity(strings.TrimPrefix(string(id), screenSharePrefix))
}

// StreamKind distinguishes a camera feed from a screen-share so both can
// coexist for the same owner.
type StreamKind string

const (
	StreamKindVideo       StreamKind = "video"
	StreamKindScreenShare StreamKind = "screenshare"
)

// StreamKey uniquely identifies a stream in the registry. Participants hold
// keys rather than stream references, so nothing cyclic links a participant
// to its streams.
type StreamKey struct {
	Identity Identity
	Kind     StreamKind
}

// KeyForFeatured maps a featured-slot identity to the registry key backing
// it: composite screen-share identities map to the owner's screen-share
// stream, everything else to the identity's camera stream.
func KeyForFeatured(id Identity) StreamKey {
	if IsScreenShareIdentity(id) {
		return StreamKey{Identity: ScreenShareOwner(id), Kind: StreamKindScreenShare}
	}
	return StreamKey{Identity: id, Kind: StreamKindVideo}
}

// ConnectionState tracks the session-level connection lifecycle.
type ConnectionState int

const (
	StateInitializing ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
	StateEnded
)

// String returns a human-readable state name for logging.
func (s ConnectionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// StreamSnapshot describes one stream as reported by the transport at
// observation time. Late joiners report existing streams through these
// snapshots rather than through replayed events.
type StreamSnapshot struct {
	Kind      StreamKind
	Available bool
}

// TransportEvent is the closed set of events delivered by the real-time
// transport. The lifecycle manager matches exhaustively on the concrete
// variants; transports must not invent new ones.
type TransportEvent interface {
	isTransportEvent()
}

// ParticipantJoinedEvent announces a remote attendee together with a
// synchronous snapshot of their current state.
type ParticipantJoinedEvent struct {
	Identity Identity
	Name     string
	Muted    bool
	Speaking bool
	Streams  []StreamSnapshot
}

// ParticipantLeftEvent announces a departure. All resources owned by the
// identity are disposed before the participant record is dropped.
type ParticipantLeftEvent struct {
	Identity Identity
}

// StreamAddedEvent announces a new stream. Available may be false: the
// stream is registered as a placeholder so a later availability flip is
// observable.
type StreamAddedEvent struct {
	Identity  Identity
	Kind      StreamKind
	Available bool
}

// StreamRemovedEvent announces that a stream no longer exists.
type StreamRemovedEvent struct {
	Identity Identity
	Kind     StreamKind
}

// AvailabilityChangedEvent flips a registered stream between renderable and
// placeholder.
type AvailabilityChangedEvent struct {
	Identity  Identity
	Kind      StreamKind
	Available bool
}

// SpeakingChangedEvent reports voice activity. A true value also makes the
// identity the current active speaker.
type SpeakingChangedEvent struct {
	Identity Identity
	Speaking bool
}

// MuteChangedEvent reports a remote mute state change.
type MuteChangedEvent struct {
	Identity Identity
	Muted    bool
}

// ConnectionChangedEvent reports a session-level connection transition
// (reconnecting, disconnected). Err carries the transport error for
// terminal transitions, if any.
type ConnectionChangedEvent struct {
	State ConnectionState
	Err   error
}

func (ParticipantJoinedEvent) isTransportEvent()   {}
func (ParticipantLeftEvent) isTransportEvent()     {}
func (StreamAddedEvent) isTransportEvent()         {}
func (StreamRemovedEvent) isTransportEvent()       {}
func (AvailabilityChangedEvent) isTransportEvent() {}
func (SpeakingChangedEvent) isTransportEvent()     {}
func (MuteChangedEvent) isTransportEvent()         {}
func (ConnectionChangedEvent) isTransportEvent()   {}

// Transport is the real-time media transport boundary. It delivers the
// closed TransportEvent set over Events and accepts local-participant
// commands. Events for a given participant arrive in delivery order; no
// ordering is guaranteed across participants.
type Transport interface {
	// Connect establishes the session. Events may start flowing as soon
	// as it returns.
	Connect(ctx context.Context) error

	// Events returns the event channel. The transport closes it after
	// Disconnect or a terminal connection failure.
	Events() <-chan TransportEvent

	// SetMuted mutes or unmutes the local audio.
	SetMuted(muted bool) error

	// SetVideoEnabled starts or stops the local camera.
	SetVideoEnabled(enabled bool) error

	// SetScreenShare starts or stops local screen sharing. A failure
	// (e.g. capture permission denied) must leave sharing in its prior
	// state.
	SetScreenShare(enabled bool) error

	// Disconnect tears the session down. Safe to call more than once.
	Disconnect() error
}

// ParticipantState is the per-identity mutable state tracked for rendering
// decisions. It is mutated only by the session controller's dispatch path.
type ParticipantState struct {
	Name           string
	Muted          bool
	Speaking       bool
	VideoAvailable bool
}

// ParticipantStateTable is the single per-session table of participant
// state, keyed by identity. It is owned by the SessionController and passed
// by reference to the feature-selection policy and the render planner. The
// entries themselves are mutated only on the dispatch path; the table's
// lock covers the identity set, which the render loop reads from other
// goroutines.
type ParticipantStateTable struct {
	mu     sync.RWMutex
	states map[Identity]*ParticipantState
}

// NewParticipantStateTable creates an empty table.
func NewParticipantStateTable() *ParticipantStateTable {
	return &ParticipantStateTable{states: make(map[Identity]*ParticipantState)}
}

// Ensure returns the state for id, creating a zero-value entry if the
// identity has not been observed yet. Stream events can legitimately arrive
// before the join event that fully describes the participant.
func (t *ParticipantStateTable) Ensure(id Identity) *ParticipantState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; ok {
		return st
	}
	st := &ParticipantState{}
	t.states[id] = st
	return st
}

// Get returns the state for id if the identity is known.
func (t *ParticipantStateTable) Get(id Identity) (*ParticipantState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[id]
	return st, ok
}

// Delete removes the identity from the table.
func (t *ParticipantStateTable) Delete(id Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}

// Identities returns all known identities in unspecified order.
func (t *ParticipantStateTable) Identities() []Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]Identity, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of known identities.
func (t *ParticipantStateTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// Logger interface for pluggable logging. The fields parameter accepts
// key-value pairs for structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// zapLogger wraps zap.SugaredLogger to implement the Logger interface.
type zapLogger struct {
	*zap.SugaredLogger
}

func (z *zapLogger) Debug(msg string, fields ...interface{}) {
	z.SugaredLogger.Debugw(msg, fields...)
}

func (z *zapLogger) Info(msg string, fields ...interface{}) {
	z.SugaredLogger.Infow(msg, fields...)
}

func (z *zapLogger) Warn(msg string, fields ...interface{}) {
	z.SugaredLogger.Warnw(msg, fields...)
}

func (z *zapLogger) Error(msg string, fields ...interface{}) {
	z.SugaredLogger.Errorw(msg, fields...)
}

// NewZapLogger adapts a zap.SugaredLogger to the Logger interface.
func NewZapLogger(l *zap.SugaredLogger) Logger {
	return &zapLogger{l}
}

// defaultLogger builds the zap-backed logger used when the caller does not
// supply one.
func defaultLogger() Logger {
	l, _ := zap.NewProduction()
	return &zapLogger{l.Sugar()}
}

// Sentinel errors returned by the session controller and recording
// pipeline. Compare with errors.Is.
var (
	// ErrSessionEnded is returned by operations invoked after HangUp.
	ErrSessionEnded = errors.New("conference: session ended")

	// ErrRecordingInProgress is returned by Start while a previous job
	// has not yet reached Ready or Failed.
	ErrRecordingInProgress = errors.New("conference: recording already in progress")

	// ErrNoArtifact is returned by Download when no finished artifact is
	// buffered (never recorded, already downloaded, or job failed).
	ErrNoArtifact = errors.New("conference: no recording artifact available")

	// ErrNotCapturing is returned by Stop when no job is capturing.
	ErrNotCapturing = errors.New("conference: no active recording")

	// ErrScreenShareUnavailable is returned when the transport has no
	// screen capture source to publish.
	ErrScreenShareUnavailable = errors.New("conference: screen share source unavailable")
)

// now is stubbed in tests that assert on durations and filenames.
var now = time.Now
