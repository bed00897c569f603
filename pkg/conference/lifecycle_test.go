package conference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLifecycleFixture() (*ParticipantLifecycleManager, *StreamRegistry, *FeatureSelectionPolicy, *ParticipantStateTable, *mockBinder) {
	binder := &mockBinder{}
	reg := NewStreamRegistry(binder, nopLogger{})
	policy := NewFeatureSelectionPolicy(nopLogger{})
	states := NewParticipantStateTable()
	m := NewParticipantLifecycleManager(reg, policy, states, nopLogger{})
	return m, reg, policy, states, binder
}

func TestLifecycleJoinSeedsSnapshot(t *testing.T) {
	m, reg, _, states, _ := newLifecycleFixture()

	m.HandleEvent(ParticipantJoinedEvent{
		Identity: "p1",
		Name:     "Lead Counsel",
		Muted:    true,
		Streams: []StreamSnapshot{
			{Kind: StreamKindVideo, Available: true},
		},
	})

	st, ok := states.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "Lead Counsel", st.Name)
	assert.True(t, st.Muted)
	assert.True(t, st.VideoAvailable)
	assert.True(t, reg.Available("p1", StreamKindVideo))
}

// TestLifecycleLateJoinerScreenShare: P1 joins with no
// streams, P2 joins with an unavailable screen-share, the share then
// becomes available. The featured slot and the pin must both land on
// screenshare-P2.
func TestLifecycleLateJoinerScreenShare(t *testing.T) {
	m, reg, policy, _, _ := newLifecycleFixture()

	m.HandleEvent(ParticipantJoinedEvent{Identity: "P1", Name: "P1"})
	m.HandleEvent(ParticipantJoinedEvent{
		Identity: "P2",
		Name:     "P2",
		Streams:  []StreamSnapshot{{Kind: StreamKindScreenShare, Available: false}},
	})

	// The placeholder is registered but must not pre-empt yet.
	assert.True(t, reg.Known("P2", StreamKindScreenShare))
	assert.False(t, reg.Available("P2", StreamKindScreenShare))
	assert.Equal(t, IdentityLocal, policy.Featured())

	m.HandleEvent(AvailabilityChangedEvent{Identity: "P2", Kind: StreamKindScreenShare, Available: true})

	snap := policy.Snapshot()
	assert.Equal(t, ScreenShareIdentity("P2"), snap.Featured)
	assert.Equal(t, ScreenShareIdentity("P2"), snap.Pinned)
}

// TestLifecycleMidFlightScreenSharePreempts: a join that already carries an
// available share pre-empts on registration, not on a later change event.
func TestLifecycleMidFlightScreenSharePreempts(t *testing.T) {
	m, _, policy, _, _ := newLifecycleFixture()

	m.HandleEvent(ParticipantJoinedEvent{
		Identity: "p2",
		Streams:  []StreamSnapshot{{Kind: StreamKindScreenShare, Available: true}},
	})

	assert.Equal(t, ScreenShareIdentity("p2"), policy.Featured())
	assert.Equal(t, ScreenShareIdentity("p2"), policy.Pinned())
}

func TestLifecycleStreamBeforeJoin(t *testing.T) {
	m, reg, _, states, _ := newLifecycleFixture()

	// Events for one participant can outrun another's join; a stream may
	// even arrive before its own participant is fully known.
	m.HandleEvent(StreamAddedEvent{Identity: "p7", Kind: StreamKindVideo, Available: true})

	st, ok := states.Get("p7")
	require.True(t, ok)
	assert.True(t, st.VideoAvailable)
	assert.True(t, reg.Available("p7", StreamKindVideo))

	// The join then fills in the descriptive fields.
	m.HandleEvent(ParticipantJoinedEvent{Identity: "p7", Name: "Witness"})
	st, _ = states.Get("p7")
	assert.Equal(t, "Witness", st.Name)
}

func TestLifecycleLeaveDisposesSynchronously(t *testing.T) {
	m, reg, policy, states, binder := newLifecycleFixture()

	m.HandleEvent(ParticipantJoinedEvent{
		Identity: "p1",
		Streams: []StreamSnapshot{
			{Kind: StreamKindVideo, Available: true},
			{Kind: StreamKindScreenShare, Available: true},
		},
	})
	_, err := reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	require.NoError(t, err)
	require.Equal(t, ScreenShareIdentity("p1"), policy.Featured())

	m.HandleEvent(ParticipantLeftEvent{Identity: "p1"})

	assert.Empty(t, binder.undisposed(), "handles disposed before the record drops")
	_, ok := states.Get("p1")
	assert.False(t, ok)
	assert.False(t, reg.Known("p1", StreamKindVideo))
	assert.Equal(t, IdentityLocal, policy.Featured(), "featured slot never dangles")
	assert.Equal(t, Identity(""), policy.Pinned())
}

func TestLifecycleScreenShareRemovalReleasesSlot(t *testing.T) {
	m, reg, policy, _, _ := newLifecycleFixture()

	m.HandleEvent(StreamAddedEvent{Identity: "p1", Kind: StreamKindScreenShare, Available: true})
	require.Equal(t, ScreenShareIdentity("p1"), policy.Featured())

	m.HandleEvent(StreamRemovedEvent{Identity: "p1", Kind: StreamKindScreenShare})
	assert.Equal(t, IdentityLocal, policy.Featured())
	assert.False(t, reg.Known("p1", StreamKindScreenShare))
}

func TestLifecycleSpeakingPublishesActiveSpeaker(t *testing.T) {
	m, _, policy, states, _ := newLifecycleFixture()

	m.HandleEvent(ParticipantJoinedEvent{Identity: "p1"})
	m.HandleEvent(SpeakingChangedEvent{Identity: "p1", Speaking: true})
	assert.Equal(t, Identity("p1"), policy.Featured())

	st, _ := states.Get("p1")
	assert.True(t, st.Speaking)

	// Falling silent keeps the slot; the signal is last-write-wins, not
	// a stack.
	m.HandleEvent(SpeakingChangedEvent{Identity: "p1", Speaking: false})
	assert.Equal(t, Identity("p1"), policy.Featured())
	st, _ = states.Get("p1")
	assert.False(t, st.Speaking)
}

func TestLifecycleMuteChange(t *testing.T) {
	m, _, _, states, _ := newLifecycleFixture()

	m.HandleEvent(ParticipantJoinedEvent{Identity: "p1"})
	m.HandleEvent(MuteChangedEvent{Identity: "p1", Muted: true})

	st, _ := states.Get("p1")
	assert.True(t, st.Muted)
}

func TestLifecycleVideoAvailabilityFollowsEvents(t *testing.T) {
	m, reg, _, states, _ := newLifecycleFixture()

	m.HandleEvent(StreamAddedEvent{Identity: "p1", Kind: StreamKindVideo, Available: false})
	assert.False(t, reg.Available("p1", StreamKindVideo))

	m.HandleEvent(AvailabilityChangedEvent{Identity: "p1", Kind: StreamKindVideo, Available: true})
	assert.True(t, reg.Available("p1", StreamKindVideo))
	st, _ := states.Get("p1")
	assert.True(t, st.VideoAvailable)

	m.HandleEvent(StreamRemovedEvent{Identity: "p1", Kind: StreamKindVideo})
	assert.False(t, reg.Known("p1", StreamKindVideo))
	st, _ = states.Get("p1")
	assert.False(t, st.VideoAvailable)
}
