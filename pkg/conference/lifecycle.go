package conference

// ParticipantLifecycleManager translates transport events into stream
// registry and participant state mutations. It is the only writer of
// participant-scoped registry entries; the session controller invokes it
// from the single dispatch goroutine, so handling of one event always
// completes before the next begins.
type ParticipantLifecycleManager struct {
	registry *StreamRegistry
	policy   *FeatureSelectionPolicy
	states   *ParticipantStateTable
	logger   Logger
}

// NewParticipantLifecycleManager wires the manager to its collaborators.
// states is the controller-owned table, shared by reference.
func NewParticipantLifecycleManager(registry *StreamRegistry, policy *FeatureSelectionPolicy, states *ParticipantStateTable, logger Logger) *ParticipantLifecycleManager {
	if logger == nil {
		logger = defaultLogger()
	}
	return &ParticipantLifecycleManager{
		registry: registry,
		policy:   policy,
		states:   states,
		logger:   logger,
	}
}

// HandleEvent applies one transport event. The switch is exhaustive over
// the closed TransportEvent set; connection-level events are the session
// controller's business and are ignored here.
func (m *ParticipantLifecycleManager) HandleEvent(ev TransportEvent) {
	switch e := ev.(type) {
	case ParticipantJoinedEvent:
		m.handleJoined(e)
	case ParticipantLeftEvent:
		m.handleLeft(e)
	case StreamAddedEvent:
		m.handleStreamAdded(e.Identity, e.Kind, e.Available)
	case StreamRemovedEvent:
		m.handleStreamRemoved(e)
	case AvailabilityChangedEvent:
		m.handleAvailabilityChanged(e)
	case SpeakingChangedEvent:
		m.handleSpeakingChanged(e)
	case MuteChangedEvent:
		st := m.states.Ensure(e.Identity)
		st.Muted = e.Muted
	case ConnectionChangedEvent:
		// Session-level; handled by the controller.
	}
}

// handleJoined records the participant's synchronous state snapshot and
// registers every stream it already owns. A late joiner's screen-share can
// be mid-flight, so an already-available share pre-empts feature selection
// right here, not only on a later availability change.
func (m *ParticipantLifecycleManager) handleJoined(e ParticipantJoinedEvent) {
	st := m.states.Ensure(e.Identity)
	st.Name = e.Name
	st.Muted = e.Muted
	st.Speaking = e.Speaking

	for _, s := range e.Streams {
		m.handleStreamAdded(e.Identity, s.Kind, s.Available)
	}

	m.logger.Info("participant joined",
		"identity", e.Identity, "name", e.Name, "streams", len(e.Streams))

	if e.Speaking {
		m.policy.HandleActiveSpeaker(e.Identity)
	}
}

// handleLeft disposes every registry entry the participant owns, drops its
// state, and releases any featured-slot or pin reference, all within this
// event turn. The participant never outlives its render handles.
func (m *ParticipantLifecycleManager) handleLeft(e ParticipantLeftEvent) {
	m.registry.DisposeAll(e.Identity)
	m.states.Delete(e.Identity)
	m.policy.HandleRemoved(e.Identity)
	m.logger.Info("participant left", "identity", e.Identity)
}

// handleStreamAdded registers the stream, as a placeholder when not yet
// available. Stream events may precede the owner's join event; the state
// entry is created on first sight either way.
func (m *ParticipantLifecycleManager) handleStreamAdded(id Identity, kind StreamKind, available bool) {
	st := m.states.Ensure(id)
	m.registry.Upsert(id, kind, available)

	switch kind {
	case StreamKindVideo:
		st.VideoAvailable = available
	case StreamKindScreenShare:
		if available {
			m.policy.HandleScreenShareAvailable(id)
		}
	}
}

func (m *ParticipantLifecycleManager) handleStreamRemoved(e StreamRemovedEvent) {
	m.registry.Remove(e.Identity, e.Kind)

	switch e.Kind {
	case StreamKindVideo:
		if st, ok := m.states.Get(e.Identity); ok {
			st.VideoAvailable = false
		}
	case StreamKindScreenShare:
		m.policy.HandleScreenShareEnded(e.Identity)
	}
}

func (m *ParticipantLifecycleManager) handleAvailabilityChanged(e AvailabilityChangedEvent) {
	m.registry.Upsert(e.Identity, e.Kind, e.Available)

	switch e.Kind {
	case StreamKindVideo:
		if st, ok := m.states.Get(e.Identity); ok {
			st.VideoAvailable = e.Available
		}
	case StreamKindScreenShare:
		if e.Available {
			m.policy.HandleScreenShareAvailable(e.Identity)
		} else {
			m.policy.HandleScreenShareEnded(e.Identity)
		}
	}
}

// handleSpeakingChanged updates the speaking flag and, on a rising edge,
// publishes the identity as the current active speaker.
func (m *ParticipantLifecycleManager) handleSpeakingChanged(e SpeakingChangedEvent) {
	st := m.states.Ensure(e.Identity)
	st.Speaking = e.Speaking
	if e.Speaking {
		m.policy.HandleActiveSpeaker(e.Identity)
	}
}
