package conference

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SessionOptions configures a SessionController.
type SessionOptions struct {
	// SessionID identifies the proceeding. Generated when empty.
	SessionID string

	// DisplayName is the local participant's display name.
	DisplayName string

	// Surfaces provides the paint targets for the render loop.
	Surfaces SurfaceProvider

	// Binder creates render handles for the stream registry.
	Binder SurfaceBinder

	// Logger for all components. Defaults to a zap production logger.
	Logger Logger
}

// SessionController is the top-level orchestrator of one live proceeding.
// It owns the transport session handle, the connection state machine, the
// participant state table, and the local mute/video/screen-share flags, and
// wires the lifecycle manager, feature policy, registry, and render loop to
// the transport's event stream.
//
// All transport events are processed by a single dispatch goroutine, so
// every state mutation triggered by one event completes before the next
// event is handled.
type SessionController struct {
	sessionID   string
	displayName string
	transport   Transport
	logger      Logger

	registry   *StreamRegistry
	policy     *FeatureSelectionPolicy
	states     *ParticipantStateTable
	lifecycle  *ParticipantLifecycleManager
	renderLoop *CaptureRenderLoop

	mu            sync.RWMutex
	connState     ConnectionState
	muted         bool
	videoOff      bool
	screenSharing bool
	ended         bool

	wg sync.WaitGroup
}

// NewSessionController builds the component graph around the given
// transport. The session starts in Initializing; call Connect to join.
func NewSessionController(transport Transport, opts SessionOptions) *SessionController {
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	s := &SessionController{
		sessionID:   opts.SessionID,
		displayName: opts.DisplayName,
		transport:   transport,
		logger:      opts.Logger,
		connState:   StateInitializing,
	}

	s.registry = NewStreamRegistry(opts.Binder, opts.Logger)
	s.policy = NewFeatureSelectionPolicy(opts.Logger)
	s.states = NewParticipantStateTable()
	s.lifecycle = NewParticipantLifecycleManager(s.registry, s.policy, s.states, opts.Logger)
	s.renderLoop = NewCaptureRenderLoop(s.registry, s.policy, s.states, opts.Surfaces, s.VideoOff, opts.Logger)

	return s
}

// SessionID returns the proceeding identifier.
func (s *SessionController) SessionID() string { return s.sessionID }

// ConnectionState returns the current connection state.
func (s *SessionController) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

// Muted returns the local mute flag.
func (s *SessionController) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

// VideoOff returns the local video-off flag.
func (s *SessionController) VideoOff() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoOff
}

// ScreenSharing returns the local screen-share flag.
func (s *SessionController) ScreenSharing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screenSharing
}

// Registry exposes the stream registry, read by the embedding UI.
func (s *SessionController) Registry() *StreamRegistry { return s.registry }

// Policy exposes the feature-selection policy for pin controls and state
// display.
func (s *SessionController) Policy() *FeatureSelectionPolicy { return s.policy }

// States exposes the controller-owned participant state table. Callers must
// treat it as read-only.
func (s *SessionController) States() *ParticipantStateTable { return s.states }

// RenderLoop exposes the capture and render loop.
func (s *SessionController) RenderLoop() *CaptureRenderLoop { return s.renderLoop }

// Connect joins the proceeding and starts event dispatch. The local camera
// stream is registered as available once connected.
func (s *SessionController) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.connState = StateConnecting
	s.mu.Unlock()

	if err := s.transport.Connect(ctx); err != nil {
		s.mu.Lock()
		s.connState = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("connect session %s: %w", s.sessionID, err)
	}

	s.mu.Lock()
	s.connState = StateConnected
	videoOff := s.videoOff
	s.mu.Unlock()

	s.registry.Upsert(IdentityLocal, StreamKindVideo, !videoOff)
	s.logger.Info("session connected", "sessionID", s.sessionID, "name", s.displayName)

	s.wg.Add(1)
	go s.dispatch()
	return nil
}

// dispatch is the single cooperative loop ordering all transport events.
// It exits when the transport closes its event channel.
func (s *SessionController) dispatch() {
	defer s.wg.Done()
	for ev := range s.transport.Events() {
		s.handleEvent(ev)
	}
}

func (s *SessionController) handleEvent(ev TransportEvent) {
	if conn, ok := ev.(ConnectionChangedEvent); ok {
		s.handleConnectionChanged(conn)
		return
	}
	s.lifecycle.HandleEvent(ev)
}

// handleConnectionChanged applies session-level transitions. Transport
// errors surface as a terminal state, never an automatic retry.
func (s *SessionController) handleConnectionChanged(ev ConnectionChangedEvent) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	prev := s.connState
	s.connState = ev.State
	s.mu.Unlock()

	if ev.Err != nil {
		s.logger.Error("connection state changed",
			"from", prev, "to", ev.State, "error", ev.Err)
		return
	}
	s.logger.Info("connection state changed", "from", prev, "to", ev.State)
}

// ToggleMute flips the local mute flag. On transport failure the flag keeps
// its prior value.
func (s *SessionController) ToggleMute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}

	target := !s.muted
	if err := s.transport.SetMuted(target); err != nil {
		return fmt.Errorf("toggle mute: %w", err)
	}
	s.muted = target
	s.logger.Info("local mute toggled", "muted", target)
	return nil
}

// ToggleVideo flips the local video-off flag and updates the local camera
// stream's availability so the render loop swaps in a placeholder.
func (s *SessionController) ToggleVideo() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}

	targetOff := !s.videoOff
	if err := s.transport.SetVideoEnabled(!targetOff); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("toggle video: %w", err)
	}
	s.videoOff = targetOff
	s.mu.Unlock()

	s.registry.Upsert(IdentityLocal, StreamKindVideo, !targetOff)
	s.logger.Info("local video toggled", "videoOff", targetOff)
	return nil
}

// ToggleScreenShare starts or stops local screen sharing. On failure (for
// example a denied capture permission) the local flag reverts to its prior
// value and the error is returned for inline display; the UI must never
// believe sharing is active when it is not.
func (s *SessionController) ToggleScreenShare() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}

	target := !s.screenSharing
	if err := s.transport.SetScreenShare(target); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("toggle screen share: %w", err)
	}
	s.screenSharing = target
	s.mu.Unlock()

	if target {
		s.registry.Upsert(IdentityLocal, StreamKindScreenShare, true)
		s.policy.HandleScreenShareAvailable(IdentityLocal)
	} else {
		s.registry.Remove(IdentityLocal, StreamKindScreenShare)
		s.policy.HandleScreenShareEnded(IdentityLocal)
	}
	s.logger.Info("screen share toggled", "sharing", target)
	return nil
}

// PinParticipant pins an identity to the featured slot, suppressing
// active-speaker switching until Unpin or the identity departs.
func (s *SessionController) PinParticipant(id Identity) {
	s.policy.Pin(id)
}

// Unpin clears an explicit pin.
func (s *SessionController) Unpin() {
	s.policy.Unpin()
}

// HangUp ends the session: every registry entry is disposed before the
// session handle is discarded, and the transport is told to disconnect.
// Safe to call multiple times; later calls are no-ops.
func (s *SessionController) HangUp() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.connState = StateEnded
	s.mu.Unlock()

	for _, id := range s.states.Identities() {
		s.registry.DisposeAll(id)
		s.states.Delete(id)
	}
	s.registry.DisposeAll(IdentityLocal)
	s.policy.HandleRemoved(IdentityLocal)

	if err := s.transport.Disconnect(); err != nil {
		s.logger.Warn("transport disconnect failed", "error", err)
	}
	s.wg.Wait()

	// Events that raced the first sweep may have re-registered streams.
	for _, key := range s.registry.Keys() {
		s.registry.Remove(key.Identity, key.Kind)
	}
	s.logger.Info("session ended", "sessionID", s.sessionID)
}
