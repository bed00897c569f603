package conference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegistryAttachReplacesHandle verifies at most one un-disposed handle
// exists per stream key across repeated attaches.
func TestRegistryAttachReplacesHandle(t *testing.T) {
	binder := &mockBinder{}
	reg := NewStreamRegistry(binder, nopLogger{})
	surface := &mockSurface{id: "featured"}

	reg.Upsert("p1", StreamKindVideo, true)

	first, err := reg.AttachRender("p1", StreamKindVideo, surface)
	require.NoError(t, err)
	second, err := reg.AttachRender("p1", StreamKindVideo, surface)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	live := binder.undisposed()
	require.Len(t, live, 1)
	assert.Equal(t, 1, first.(*mockHandle).disposeCount())
	assert.Equal(t, 0, second.(*mockHandle).disposeCount())
}

func TestRegistryDetach(t *testing.T) {
	binder := &mockBinder{}
	reg := NewStreamRegistry(binder, nopLogger{})

	reg.Upsert("p1", StreamKindVideo, true)
	handle, err := reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	require.NoError(t, err)

	reg.Detach("p1", StreamKindVideo)
	assert.Equal(t, 1, handle.(*mockHandle).disposeCount())
	assert.False(t, reg.Attached("p1", StreamKindVideo))
	assert.True(t, reg.Known("p1", StreamKindVideo), "detach keeps the stream registered")

	// Detaching again, or detaching something never attached, is a no-op.
	reg.Detach("p1", StreamKindVideo)
	reg.Detach("ghost", StreamKindScreenShare)
	assert.Equal(t, 1, handle.(*mockHandle).disposeCount())
}

// TestRegistryDisposeAllIdempotent covers the dispose-twice property: the
// second call finds nothing, does nothing, and never panics.
func TestRegistryDisposeAllIdempotent(t *testing.T) {
	binder := &mockBinder{}
	reg := NewStreamRegistry(binder, nopLogger{})

	reg.Upsert("p1", StreamKindVideo, true)
	reg.Upsert("p1", StreamKindScreenShare, true)
	reg.Upsert("p2", StreamKindVideo, true)
	_, err := reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		reg.DisposeAll("p1")
		reg.DisposeAll("p1")
	})

	assert.Empty(t, binder.undisposed())
	assert.False(t, reg.Known("p1", StreamKindVideo))
	assert.False(t, reg.Known("p1", StreamKindScreenShare))
	assert.True(t, reg.Known("p2", StreamKindVideo), "other identities untouched")

	// Never-attached entries must not trip disposal either.
	assert.NotPanics(t, func() { reg.DisposeAll("p2") })
}

func TestRegistryPlaceholderUpsert(t *testing.T) {
	reg := NewStreamRegistry(&mockBinder{}, nopLogger{})

	reg.Upsert("p1", StreamKindScreenShare, false)
	assert.True(t, reg.Known("p1", StreamKindScreenShare))
	assert.False(t, reg.Available("p1", StreamKindScreenShare))

	// The later availability flip must be observable on the same entry.
	reg.Upsert("p1", StreamKindScreenShare, true)
	assert.True(t, reg.Available("p1", StreamKindScreenShare))
}

// TestRegistryReannouncedStreamRerenders covers the upsert-and-rerender
// decision for a stream announced twice with the same identity.
func TestRegistryReannouncedStreamRerenders(t *testing.T) {
	binder := &mockBinder{}
	reg := NewStreamRegistry(binder, nopLogger{})
	surface := &mockSurface{id: "s"}

	reg.Upsert("p1", StreamKindScreenShare, true)
	first, err := reg.AttachRender("p1", StreamKindScreenShare, surface)
	require.NoError(t, err)

	reg.Upsert("p1", StreamKindScreenShare, true)
	second, err := reg.AttachRender("p1", StreamKindScreenShare, surface)
	require.NoError(t, err)

	assert.Equal(t, 1, first.(*mockHandle).disposeCount())
	assert.Equal(t, 0, second.(*mockHandle).disposeCount())
	require.Len(t, binder.undisposed(), 1)
}

func TestRegistryBindFailureLeavesPlaceholder(t *testing.T) {
	binder := &mockBinder{failNext: true}
	reg := NewStreamRegistry(binder, nopLogger{})

	reg.Upsert("p1", StreamKindVideo, true)
	handle, err := reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	assert.Error(t, err)
	assert.Nil(t, handle)
	assert.False(t, reg.Attached("p1", StreamKindVideo))
	assert.True(t, reg.Known("p1", StreamKindVideo), "stream survives a render error")

	// The next attach succeeds.
	handle, err = reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	require.NoError(t, err)
	assert.NotNil(t, handle)
}

func TestRegistryChangeSignal(t *testing.T) {
	reg := NewStreamRegistry(&mockBinder{}, nopLogger{})
	fired := 0
	reg.OnChange(func() { fired++ })

	reg.Upsert("p1", StreamKindVideo, true)
	assert.Equal(t, 1, fired)

	_, err := reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	require.NoError(t, err)
	assert.Equal(t, 2, fired)

	reg.Detach("p1", StreamKindVideo)
	assert.Equal(t, 3, fired)

	// A no-op detach fires nothing.
	reg.Detach("p1", StreamKindVideo)
	assert.Equal(t, 3, fired)
}

// A failed bind with no disposed predecessor is not a state change and must
// not fire the signal; a failed rebind that disposed one fires it once.
func TestRegistryChangeSignalOnBindFailure(t *testing.T) {
	binder := &mockBinder{}
	reg := NewStreamRegistry(binder, nopLogger{})
	fired := 0
	reg.OnChange(func() { fired++ })

	binder.failNext = true
	_, err := reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	assert.Error(t, err)
	assert.Equal(t, 0, fired)

	_, err = reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	binder.failNext = true
	_, err = reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	assert.Error(t, err)
	assert.Equal(t, 2, fired, "disposing the old handle is a state change")
}

func TestRegistryRemove(t *testing.T) {
	binder := &mockBinder{}
	reg := NewStreamRegistry(binder, nopLogger{})

	reg.Upsert("p1", StreamKindVideo, true)
	handle, err := reg.AttachRender("p1", StreamKindVideo, &mockSurface{id: "s"})
	require.NoError(t, err)

	reg.Remove("p1", StreamKindVideo)
	assert.Equal(t, 1, handle.(*mockHandle).disposeCount())
	assert.False(t, reg.Known("p1", StreamKindVideo))
}

func TestKeyForFeatured(t *testing.T) {
	assert.Equal(t, StreamKey{Identity: "p2", Kind: StreamKindScreenShare},
		KeyForFeatured(ScreenShareIdentity("p2")))
	assert.Equal(t, StreamKey{Identity: "p1", Kind: StreamKindVideo},
		KeyForFeatured("p1"))
	assert.Equal(t, StreamKey{Identity: IdentityLocal, Kind: StreamKindVideo},
		KeyForFeatured(IdentityLocal))
}
