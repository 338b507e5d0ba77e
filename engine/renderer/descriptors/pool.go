// Package descriptors sizes the descriptor pool, allocates descriptor sets
// per frame slot and writes resource bindings into them.
package descriptors

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Requirement is the descriptor need of one kind of entity: how many of
// them may exist at once and the bindings of the set each one uses.
type Requirement struct {
	Name     string
	Users    int
	Bindings []gpu.DescriptorSetLayoutBinding
}

// Sizing computes pool capacity as the sum over every requirement of users
// times bindings, multiplied by the number of frames in flight. Every
// requirement counts at least one user so the pool can always be created.
func Sizing(reqs []Requirement, framesInFlight int) gpu.DescriptorPoolCreateInfo {
	counts := make(map[gpu.DescriptorType]uint32)
	var maxSets uint32
	for _, r := range reqs {
		sets := uint32(max(r.Users, 1) * max(framesInFlight, 1))
		maxSets += sets
		for _, b := range r.Bindings {
			n := b.Count
			if n == 0 {
				n = 1
			}
			counts[b.Type] += n * sets
		}
	}
	info := gpu.DescriptorPoolCreateInfo{MaxSets: maxSets}
	for t, c := range counts {
		info.Sizes = append(info.Sizes, gpu.DescriptorPoolSize{Type: t, Count: c})
	}
	sort.Slice(info.Sizes, func(i, j int) bool { return info.Sizes[i].Type < info.Sizes[j].Type })
	return info
}

func scale(info gpu.DescriptorPoolCreateInfo, factor uint32) gpu.DescriptorPoolCreateInfo {
	out := gpu.DescriptorPoolCreateInfo{MaxSets: info.MaxSets * factor}
	for _, s := range info.Sizes {
		out.Sizes = append(out.Sizes, gpu.DescriptorPoolSize{Type: s.Type, Count: s.Count * factor})
	}
	return out
}

// Pool is the fixed-capacity descriptor pool shared by every entity. It
// cannot grow in place; Recreate replaces it with a larger one and
// reallocates every registered SetGroup.
type Pool struct {
	device gpu.Device
	frames int
	info   gpu.DescriptorPoolCreateInfo
	handle gpu.DescriptorPool
	groups []*SetGroup
	// stale counts sets of released groups still held by the pool.
	stale int
}

func NewPool(device gpu.Device, info gpu.DescriptorPoolCreateInfo, framesInFlight int) (*Pool, error) {
	if info.MaxSets == 0 {
		return nil, fmt.Errorf("descriptor pool with no sets: %w", core.ErrInitializationFailure)
	}
	h, err := device.CreateDescriptorPool(info)
	if err != nil {
		core.LogError("failed to create descriptor pool: %s", err)
		return nil, fmt.Errorf("create descriptor pool: %w", err)
	}
	core.LogDebug("descriptor pool created with %d sets and %d pool sizes", info.MaxSets, len(info.Sizes))
	return &Pool{device: device, frames: framesInFlight, info: info, handle: h}, nil
}

func (p *Pool) Handle() gpu.DescriptorPool { return p.handle }

// Capacity returns the create info the pool was last built with.
func (p *Pool) Capacity() gpu.DescriptorPoolCreateInfo { return p.info }

func (p *Pool) FramesInFlight() int { return p.frames }

// CreateDescriptorSets allocates the sets of one entity from the pool and
// writes refs into them. PerFrame mode allocates one set per frame slot,
// Shared mode a single set used by every slot. On exhaustion nothing is
// allocated and earlier sets stay valid.
func (p *Pool) CreateDescriptorSets(layout *Layout, mode Mode, refs Refs) (*SetGroup, error) {
	g := &SetGroup{pool: p, layout: layout, mode: mode, refs: refs}
	if err := g.allocate(); err != nil {
		return nil, err
	}
	p.groups = append(p.groups, g)
	return g, nil
}

func (p *Pool) forget(g *SetGroup) {
	for i, other := range p.groups {
		if other == g {
			p.groups = append(p.groups[:i], p.groups[i+1:]...)
			return
		}
	}
}

// Groups returns how many set groups are allocated from the pool.
func (p *Pool) Groups() int { return len(p.groups) }

// Reset returns every set to the pool. Registered groups lose their sets
// and must not be bound until the pool is recreated.
func (p *Pool) Reset() error {
	if err := p.device.ResetDescriptorPool(p.handle); err != nil {
		return err
	}
	for _, g := range p.groups {
		g.sets = nil
	}
	p.groups = nil
	p.stale = 0
	return nil
}

// Stale returns how many sets of released groups the pool still holds.
func (p *Pool) Stale() int { return p.stale }

func (p *Pool) liveSets() int {
	n := 0
	for _, g := range p.groups {
		n += len(g.sets)
	}
	return n
}

// Grow makes room after an allocation failed with ErrDescriptorPoolExhausted.
// When released groups still hold sets and the live ones leave room, the
// pool is rebuilt at its current size. Otherwise it doubles. The device
// must be idle.
func (p *Pool) Grow() error {
	if p.stale > 0 && p.liveSets() < int(p.info.MaxSets) {
		core.LogDebug("descriptor pool compacted, %d stale sets reclaimed", p.stale)
		return p.Recreate(1)
	}
	return p.Recreate(2)
}

// Recreate destroys the pool, builds a new one factor times larger and
// reallocates and rewrites every registered group. The device must be idle.
func (p *Pool) Recreate(factor uint32) error {
	if factor == 0 {
		factor = 1
	}
	info := scale(p.info, factor)
	h, err := p.device.CreateDescriptorPool(info)
	if err != nil {
		return fmt.Errorf("recreate descriptor pool: %w", err)
	}
	p.device.DestroyDescriptorPool(p.handle)
	p.handle = h
	p.info = info
	p.stale = 0
	// A group that fails below reports ErrStaleHandle instead of binding a
	// set of the destroyed pool.
	for _, g := range p.groups {
		g.sets = nil
	}
	for i, g := range p.groups {
		if err := g.allocate(); err != nil {
			return fmt.Errorf("reallocate group %d of %d after pool recreation: %w", i+1, len(p.groups), err)
		}
	}
	core.LogInfo("descriptor pool recreated with %d sets", info.MaxSets)
	return nil
}

func (p *Pool) Destroy() {
	if p.handle == 0 {
		return
	}
	p.device.DestroyDescriptorPool(p.handle)
	for _, g := range p.groups {
		g.sets = nil
	}
	p.groups = nil
	p.stale = 0
	p.handle = 0
}
