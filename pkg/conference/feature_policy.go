package conference

import (
	"sync"
)

// FeatureSelectionPolicy decides which identity occupies the featured
// display surface. It reacts to screen-share arrival, active-speaker
// signals, explicit pins, and removal of the currently featured identity.
//
// The policy holds exactly one featured slot and one optional pin. A set
// pin suppresses active-speaker auto-switching. Screen-share arrival both
// features and pins the composite screen-share identity: a share stays on
// the main display until it ends, regardless of who speaks. When two
// screen-shares are live at once the most recently registered one wins
// (last-writer-wins); split-screen is not supported.
type FeatureSelectionPolicy struct {
	mu       sync.RWMutex
	featured Identity
	pinned   Identity // empty means unset
	onChange func()
	logger   Logger
}

// FeatureSnapshot is a consistent read of the policy state.
type FeatureSnapshot struct {
	Featured Identity
	Pinned   Identity
}

// NewFeatureSelectionPolicy creates a policy with the featured slot on the
// local session, the default when no other identity is known.
func NewFeatureSelectionPolicy(logger Logger) *FeatureSelectionPolicy {
	if logger == nil {
		logger = defaultLogger()
	}
	return &FeatureSelectionPolicy{
		featured: IdentityLocal,
		logger:   logger,
	}
}

// OnChange registers a callback fired after every transition that changed
// the featured slot. The render loop uses it to re-plan.
func (p *FeatureSelectionPolicy) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Featured returns the identity currently occupying the main display.
func (p *FeatureSelectionPolicy) Featured() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.featured
}

// Pinned returns the pinned identity, or "" when no pin is set.
func (p *FeatureSelectionPolicy) Pinned() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pinned
}

// Snapshot returns both slots in one consistent read.
func (p *FeatureSelectionPolicy) Snapshot() FeatureSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return FeatureSnapshot{Featured: p.featured, Pinned: p.pinned}
}

// HandleScreenShareAvailable features and pins the owner's screen-share.
// Called on registration of an already-available share and on an
// availability flip to true; a late joiner's share can be mid-flight before
// the local session ever sees a change event.
func (p *FeatureSelectionPolicy) HandleScreenShareAvailable(owner Identity) {
	share := ScreenShareIdentity(owner)

	p.mu.Lock()
	changed := p.featured != share || p.pinned != share
	p.featured = share
	p.pinned = share
	p.mu.Unlock()

	if changed {
		p.logger.Info("screen share took featured slot", "identity", share)
		p.fire()
	}
}

// HandleScreenShareEnded clears the pin if it points at the owner's
// screen-share and falls the featured slot back to local if the share held
// it.
func (p *FeatureSelectionPolicy) HandleScreenShareEnded(owner Identity) {
	share := ScreenShareIdentity(owner)

	p.mu.Lock()
	changed := false
	if p.pinned == share {
		p.pinned = ""
		changed = true
	}
	if p.featured == share {
		p.featured = IdentityLocal
		changed = true
	}
	p.mu.Unlock()

	if changed {
		p.logger.Info("screen share ended, featured slot released", "identity", share)
		p.fire()
	}
}

// HandleActiveSpeaker switches the featured slot to the speaking identity.
// The switch happens only when no pin is set and the speaker differs from
// the current occupant. The active-speaker signal carries no history; it is
// last-write-wins.
func (p *FeatureSelectionPolicy) HandleActiveSpeaker(id Identity) {
	p.mu.Lock()
	if p.pinned != "" || p.featured == id {
		p.mu.Unlock()
		return
	}
	p.featured = id
	p.mu.Unlock()

	p.logger.Debug("active speaker featured", "identity", id)
	p.fire()
}

// Pin sets an explicit pin and moves the featured slot to the pinned
// identity.
func (p *FeatureSelectionPolicy) Pin(id Identity) {
	p.mu.Lock()
	changed := p.pinned != id || p.featured != id
	p.pinned = id
	p.featured = id
	p.mu.Unlock()

	if changed {
		p.logger.Info("identity pinned", "identity", id)
		p.fire()
	}
}

// Unpin clears the explicit pin. The featured slot keeps its current
// occupant until the next active-speaker signal moves it.
func (p *FeatureSelectionPolicy) Unpin() {
	p.mu.Lock()
	changed := p.pinned != ""
	p.pinned = ""
	p.mu.Unlock()

	if changed {
		p.logger.Info("pin cleared")
		p.fire()
	}
}

// HandleRemoved releases the featured slot and pin if either references the
// departing identity, directly or through its screen-share pseudo-identity,
// falling back to local in the same step. The featured slot must never
// dangle.
func (p *FeatureSelectionPolicy) HandleRemoved(id Identity) {
	share := ScreenShareIdentity(id)

	p.mu.Lock()
	changed := false
	if p.featured == id || p.featured == share {
		p.featured = IdentityLocal
		changed = true
	}
	if p.pinned == id || p.pinned == share {
		p.pinned = ""
		changed = true
	}
	p.mu.Unlock()

	if changed {
		p.logger.Info("featured identity removed, falling back to local", "identity", id)
		p.fire()
	}
}

func (p *FeatureSelectionPolicy) fire() {
	p.mu.RLock()
	fn := p.onChange
	p.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
