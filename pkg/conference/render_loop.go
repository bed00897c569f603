package conference

import (
	"sort"
	"sync/atomic"
)

// SurfaceProvider hands out the paint targets the embedding UI owns: one
// featured surface and one thumbnail surface per identity. Returning nil
// for a thumbnail surface skips that identity.
type SurfaceProvider interface {
	FeaturedSurface() RenderSurface
	ThumbnailSurface(id Identity) RenderSurface
}

// RenderInstruction tells the render loop what one surface should show:
// either an attached stream or a placeholder. Placeholder instructions
// detach any previously attached handle so a frozen last frame never
// lingers.
type RenderInstruction struct {
	Identity    Identity
	Key         StreamKey
	Placeholder bool
}

// RenderPlan is the full set of attachment instructions for one repaint.
type RenderPlan struct {
	Featured   RenderInstruction
	Thumbnails []RenderInstruction
}

// renderableState answers availability questions for the planner. The
// stream registry satisfies it.
type renderableState interface {
	Available(id Identity, kind StreamKind) bool
}

// PlanRender computes the render plan as a pure function of the featured
// slot, the known identities, the registry's availability state, and the
// local video-off flag. The featured surface shows the featured stream when
// it is available, a placeholder otherwise. Thumbnails cover every known
// identity except the featured slot's occupant, each independently
// following the same availability rule.
func PlanRender(featured Identity, identities []Identity, reg renderableState, localVideoOff bool) RenderPlan {
	featuredKey := KeyForFeatured(featured)
	plan := RenderPlan{
		Featured: RenderInstruction{
			Identity:    featured,
			Key:         featuredKey,
			Placeholder: !streamRenderable(featuredKey, reg, localVideoOff),
		},
	}

	sorted := make([]Identity, 0, len(identities))
	seen := make(map[Identity]bool, len(identities)+1)
	for _, id := range identities {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	if !seen[IdentityLocal] {
		sorted = append(sorted, IdentityLocal)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		if id == featured {
			continue
		}
		key := StreamKey{Identity: id, Kind: StreamKindVideo}
		plan.Thumbnails = append(plan.Thumbnails, RenderInstruction{
			Identity:    id,
			Key:         key,
			Placeholder: !streamRenderable(key, reg, localVideoOff),
		})
	}
	return plan
}

func streamRenderable(key StreamKey, reg renderableState, localVideoOff bool) bool {
	if key.Identity == IdentityLocal && key.Kind == StreamKindVideo && localVideoOff {
		return false
	}
	return reg.Available(key.Identity, key.Kind)
}

// CaptureRenderLoop re-applies the render plan whenever the feature
// selection or stream availability changes. It consumes the change signals
// of the registry and the policy and reconciles surfaces by detaching
// before re-attaching, so no surface ever keeps a stale frame.
type CaptureRenderLoop struct {
	registry    *StreamRegistry
	policy      *FeatureSelectionPolicy
	states      *ParticipantStateTable
	surfaces    SurfaceProvider
	localOff    func() bool
	logger      Logger
	refreshing  atomic.Bool
	refreshPend atomic.Bool
}

// NewCaptureRenderLoop wires the loop and registers it on both change
// signals. localOff reports the session's video-off flag.
func NewCaptureRenderLoop(registry *StreamRegistry, policy *FeatureSelectionPolicy, states *ParticipantStateTable, surfaces SurfaceProvider, localOff func() bool, logger Logger) *CaptureRenderLoop {
	if logger == nil {
		logger = defaultLogger()
	}
	loop := &CaptureRenderLoop{
		registry: registry,
		policy:   policy,
		states:   states,
		surfaces: surfaces,
		localOff: localOff,
		logger:   logger,
	}
	registry.OnChange(loop.Refresh)
	policy.OnChange(loop.Refresh)
	return loop
}

// Refresh recomputes and applies the render plan. Attach and detach
// themselves fire the registry change signal, so a refresh triggered from
// inside applyPlan is coalesced into one trailing pass instead of
// recursing.
func (l *CaptureRenderLoop) Refresh() {
	if !l.refreshing.CompareAndSwap(false, true) {
		l.refreshPend.Store(true)
		return
	}
	for {
		l.applyPlan(l.plan())
		l.refreshing.Store(false)
		if !l.refreshPend.CompareAndSwap(true, false) {
			return
		}
		if !l.refreshing.CompareAndSwap(false, true) {
			return
		}
	}
}

// Plan returns the current plan without applying it.
func (l *CaptureRenderLoop) Plan() RenderPlan {
	return l.plan()
}

func (l *CaptureRenderLoop) plan() RenderPlan {
	return PlanRender(l.policy.Featured(), l.states.Identities(), l.registry, l.localOff())
}

// applyPlan reconciles the registry's attachments with the plan. Streams
// not named by any instruction are detached as well, so a screen-share that
// just lost the featured slot stops painting immediately.
func (l *CaptureRenderLoop) applyPlan(plan RenderPlan) {
	covered := make(map[StreamKey]bool, len(plan.Thumbnails)+1)

	l.applyInstruction(plan.Featured, l.surfaces.FeaturedSurface(), covered)
	for _, inst := range plan.Thumbnails {
		l.applyInstruction(inst, l.surfaces.ThumbnailSurface(inst.Identity), covered)
	}

	for _, key := range l.registry.Keys() {
		if !covered[key] {
			l.registry.Detach(key.Identity, key.Kind)
		}
	}
}

func (l *CaptureRenderLoop) applyInstruction(inst RenderInstruction, surface RenderSurface, covered map[StreamKey]bool) {
	if surface == nil {
		return
	}
	if inst.Placeholder {
		l.registry.Detach(inst.Key.Identity, inst.Key.Kind)
		covered[inst.Key] = true
		return
	}
	covered[inst.Key] = true
	if bound, ok := l.registry.AttachedTo(inst.Key.Identity, inst.Key.Kind); ok && bound == surface.ID() {
		// Already painting the right surface.
		return
	}
	if _, err := l.registry.AttachRender(inst.Key.Identity, inst.Key.Kind, surface); err != nil {
		// Degrades to a placeholder for this one slot.
		l.logger.Warn("render attach failed, showing placeholder",
			"identity", inst.Key.Identity, "kind", inst.Key.Kind)
	}
}
