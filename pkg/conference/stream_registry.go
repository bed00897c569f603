package conference

import (
	"fmt"
	"sort"
	"sync"
)

// RenderSurface is a paint target supplied by the embedding UI. The
// orchestrator never inspects it beyond handing it to the SurfaceBinder.
type RenderSurface interface {
	// ID identifies the surface for logging.
	ID() string
}

// RenderHandle is a disposable resource binding a stream to a surface.
// Dispose must be safe to call exactly once per handle; the registry
// guarantees it never calls it twice.
type RenderHandle interface {
	Dispose()
}

// SurfaceBinder creates render handles. It is the registry's only
// suspension point: handle creation may perform asynchronous platform work,
// so implementations should be quick to fail rather than block the event
// turn.
type SurfaceBinder interface {
	Bind(key StreamKey, surface RenderSurface) (RenderHandle, error)
}

// streamEntry is the registry's record for one stream. handle is nil when
// the stream is known but not currently rendered.
type streamEntry struct {
	available bool
	handle    RenderHandle
	surfaceID string
}

// StreamRegistry owns the mapping from (identity, kind) to render handle
// and last-known availability. It is the single source of truth for what
// can be painted right now.
//
// Every successful mutation fires the registered change signal so the
// capture and render loop can re-evaluate. Mutations complete fully,
// including disposal of superseded handles, before the signal fires.
type StreamRegistry struct {
	mu       sync.RWMutex
	entries  map[StreamKey]*streamEntry
	binder   SurfaceBinder
	onChange func()
	logger   Logger
}

// NewStreamRegistry creates a registry bound to the given surface binder.
func NewStreamRegistry(binder SurfaceBinder, logger Logger) *StreamRegistry {
	if logger == nil {
		logger = defaultLogger()
	}
	return &StreamRegistry{
		entries: make(map[StreamKey]*streamEntry),
		binder:  binder,
		logger:  logger,
	}
}

// OnChange registers the re-evaluation signal. Only one consumer is
// supported; the render loop owns it.
func (r *StreamRegistry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Upsert registers a stream or updates its availability. A stream may be
// registered with available=false as a placeholder before its media
// arrives. Re-announcing an existing stream is treated as an update, never
// an error.
func (r *StreamRegistry) Upsert(id Identity, kind StreamKind, available bool) {
	key := StreamKey{Identity: id, Kind: kind}

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &streamEntry{}
		r.entries[key] = entry
	}
	entry.available = available
	r.mu.Unlock()

	r.logger.Debug("stream upserted",
		"identity", id, "kind", kind, "available", available)
	r.signal()
}

// AttachRender binds the stream to a surface and returns the new handle.
// It is idempotent per key: a handle attached by a previous call is
// disposed before the new one is created, so at most one live handle ever
// exists per stream. Attaching to an unknown stream registers it as
// unavailable first.
func (r *StreamRegistry) AttachRender(id Identity, kind StreamKind, surface RenderSurface) (RenderHandle, error) {
	key := StreamKey{Identity: id, Kind: kind}

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &streamEntry{}
		r.entries[key] = entry
	}
	old := entry.handle
	entry.handle = nil
	entry.surfaceID = ""
	r.mu.Unlock()

	if old != nil {
		old.Dispose()
	}

	handle, err := r.binder.Bind(key, surface)
	if err != nil {
		// Render errors degrade the one slot, never the session. A
		// failed bind changed nothing unless it disposed a predecessor,
		// so it signals only in that case; signalling unconditionally
		// would make the render loop retry the failing bind forever.
		r.logger.Error("render handle creation failed",
			"identity", id, "kind", kind, "surface", surface.ID(), "error", err)
		if old != nil {
			r.signal()
		}
		return nil, fmt.Errorf("attach render for %s/%s: %w", id, kind, err)
	}

	r.mu.Lock()
	entry.handle = handle
	entry.surfaceID = surface.ID()
	r.mu.Unlock()

	r.signal()
	return handle, nil
}

// Detach disposes the stream's current handle, if any. The stream itself
// stays registered. Detaching a never-attached or unknown stream is a
// no-op.
func (r *StreamRegistry) Detach(id Identity, kind StreamKind) {
	key := StreamKey{Identity: id, Kind: kind}

	r.mu.Lock()
	entry, ok := r.entries[key]
	var old RenderHandle
	if ok {
		old = entry.handle
		entry.handle = nil
		entry.surfaceID = ""
	}
	r.mu.Unlock()

	if old == nil {
		return
	}
	old.Dispose()
	r.signal()
}

// Remove detaches and deletes the stream entirely.
func (r *StreamRegistry) Remove(id Identity, kind StreamKind) {
	key := StreamKey{Identity: id, Kind: kind}

	r.mu.Lock()
	entry, ok := r.entries[key]
	var old RenderHandle
	if ok {
		old = entry.handle
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if old != nil {
		old.Dispose()
	}
	r.signal()
}

// DisposeAll disposes every handle owned by the identity and removes its
// entries. It is called when a participant or the local session goes away,
// and is safe to call repeatedly: the second call finds nothing and does
// nothing.
func (r *StreamRegistry) DisposeAll(id Identity) {
	r.mu.Lock()
	var orphans []RenderHandle
	removed := false
	for key, entry := range r.entries {
		if key.Identity != id {
			continue
		}
		if entry.handle != nil {
			orphans = append(orphans, entry.handle)
		}
		delete(r.entries, key)
		removed = true
	}
	r.mu.Unlock()

	for _, h := range orphans {
		h.Dispose()
	}
	if removed {
		r.logger.Debug("disposed all streams", "identity", id)
		r.signal()
	}
}

// Available reports whether the stream exists and can be painted right now.
func (r *StreamRegistry) Available(id Identity, kind StreamKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[StreamKey{Identity: id, Kind: kind}]
	return ok && entry.available
}

// Known reports whether the stream is registered, available or not.
func (r *StreamRegistry) Known(id Identity, kind StreamKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[StreamKey{Identity: id, Kind: kind}]
	return ok
}

// Attached reports whether the stream currently holds a live render handle.
func (r *StreamRegistry) Attached(id Identity, kind StreamKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[StreamKey{Identity: id, Kind: kind}]
	return ok && entry.handle != nil
}

// AttachedTo returns the surface ID the stream's live handle is bound to,
// if any.
func (r *StreamRegistry) AttachedTo(id Identity, kind StreamKind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[StreamKey{Identity: id, Kind: kind}]
	if !ok || entry.handle == nil {
		return "", false
	}
	return entry.surfaceID, true
}

// Keys returns all registered stream keys sorted by identity then kind, for
// deterministic render planning.
func (r *StreamRegistry) Keys() []StreamKey {
	r.mu.RLock()
	keys := make([]StreamKey, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Identity != keys[j].Identity {
			return keys[i].Identity < keys[j].Identity
		}
		return keys[i].Kind < keys[j].Kind
	})
	return keys
}

// signal fires the change callback outside the registry lock.
func (r *StreamRegistry) signal() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
