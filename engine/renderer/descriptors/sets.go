package descriptors

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Layout is a descriptor set layout together with its bindings.
type Layout struct {
	Handle   gpu.DescriptorSetLayout
	Bindings []gpu.DescriptorSetLayoutBinding

	device gpu.Device
}

func NewLayout(device gpu.Device, bindings []gpu.DescriptorSetLayoutBinding) (*Layout, error) {
	h, err := device.CreateDescriptorSetLayout(bindings)
	if err != nil {
		return nil, fmt.Errorf("create descriptor set layout: %w", err)
	}
	return &Layout{Handle: h, Bindings: bindings, device: device}, nil
}

func (l *Layout) binding(slot uint32) (gpu.DescriptorSetLayoutBinding, bool) {
	for _, b := range l.Bindings {
		if b.Binding == slot {
			return b, true
		}
	}
	return gpu.DescriptorSetLayoutBinding{}, false
}

func (l *Layout) Destroy() {
	if l.Handle != 0 {
		l.device.DestroyDescriptorSetLayout(l.Handle)
		l.Handle = 0
	}
}

type Mode uint8

const (
	PerFrame Mode = iota
	Shared
)

// Binding points one slot of a set at a buffer range or an image view and
// sampler. Images are always bound in the shader read only layout.
type Binding struct {
	Slot    uint32
	Type    gpu.DescriptorType
	Buffer  gpu.Buffer
	Offset  uint64
	Range   uint64
	View    gpu.ImageView
	Sampler gpu.Sampler
}

func UniformBuffer(slot uint32, b gpu.Buffer) Binding {
	return Binding{Slot: slot, Type: gpu.DescriptorUniformBuffer, Buffer: b, Range: gpu.WholeSize}
}

func StorageBuffer(slot uint32, b gpu.Buffer) Binding {
	return Binding{Slot: slot, Type: gpu.DescriptorStorageBuffer, Buffer: b, Range: gpu.WholeSize}
}

func CombinedImageSampler(slot uint32, view gpu.ImageView, sampler gpu.Sampler) Binding {
	return Binding{Slot: slot, Type: gpu.DescriptorCombinedImageSampler, View: view, Sampler: sampler}
}

// Refs returns the bindings of the set used by a frame slot. Shared groups
// call it with slot 0 only.
type Refs func(slot int) []Binding

// Static binds the same resources in every slot.
func Static(bindings ...Binding) Refs {
	return func(int) []Binding { return bindings }
}

// InFlight reports whether the work last submitted for a frame slot may
// still be executing.
type InFlight interface {
	SlotInFlight(slot int) bool
}

// SetGroup is the descriptor sets of one entity.
type SetGroup struct {
	pool   *Pool
	layout *Layout
	mode   Mode
	refs   Refs
	sets   []gpu.DescriptorSet
}

func (g *SetGroup) allocate() error {
	n := 1
	if g.mode == PerFrame {
		n = g.pool.frames
	}
	// Bindings are checked up front so a mismatch never leaves allocated
	// sets behind in the pool.
	bindings := make([][]Binding, n)
	for slot := range bindings {
		bindings[slot] = g.refs(slot)
		if err := g.layout.check(bindings[slot]); err != nil {
			return err
		}
	}
	layouts := make([]gpu.DescriptorSetLayout, n)
	for i := range layouts {
		layouts[i] = g.layout.Handle
	}
	sets, err := g.pool.device.AllocateDescriptorSets(g.pool.handle, layouts)
	if err != nil {
		return fmt.Errorf("allocate %d descriptor sets: %w", n, err)
	}
	g.sets = sets
	for slot := range sets {
		g.write(slot, bindings[slot])
	}
	return nil
}

func (l *Layout) check(bindings []Binding) error {
	for _, b := range bindings {
		lb, ok := l.binding(b.Slot)
		if !ok || lb.Type != b.Type {
			return fmt.Errorf("binding %d of type %s does not match the layout: %w", b.Slot, b.Type, core.ErrInvalidObjectState)
		}
	}
	return nil
}

func (g *SetGroup) write(slot int, bindings []Binding) {
	writes := make([]gpu.WriteDescriptorSet, 0, len(bindings))
	for _, b := range bindings {
		w := gpu.WriteDescriptorSet{Set: g.sets[slot], Binding: b.Slot, Type: b.Type}
		switch b.Type {
		case gpu.DescriptorCombinedImageSampler:
			w.Images = []gpu.DescriptorImageInfo{{Sampler: b.Sampler, View: b.View, Layout: gpu.LayoutShaderReadOnly}}
		default:
			rng := b.Range
			if rng == 0 {
				rng = gpu.WholeSize
			}
			w.Buffers = []gpu.DescriptorBufferInfo{{Buffer: b.Buffer, Offset: b.Offset, Range: rng}}
		}
		writes = append(writes, w)
	}
	g.pool.device.UpdateDescriptorSets(writes)
}

// Set returns the set to bind for a frame slot.
func (g *SetGroup) Set(slot int) gpu.DescriptorSet {
	if len(g.sets) == 0 {
		return 0
	}
	if g.mode == Shared {
		return g.sets[0]
	}
	return g.sets[slot%len(g.sets)]
}

func (g *SetGroup) Sets() []gpu.DescriptorSet { return g.sets }

func (g *SetGroup) Mode() Mode { return g.mode }

// Update rewrites the bindings of the set used by slot. It is refused with
// ErrResourceInUse while any submission that may bind the set is in flight.
// The new bindings are kept so a pool recreation writes them again.
func (g *SetGroup) Update(slot int, bindings []Binding, guard InFlight) error {
	if len(g.sets) == 0 {
		return fmt.Errorf("update of released descriptor sets: %w", core.ErrStaleHandle)
	}
	idx := 0
	if g.mode == PerFrame {
		idx = slot % len(g.sets)
	}
	if guard != nil {
		busy := guard.SlotInFlight(idx)
		if g.mode == Shared {
			for s := 0; s < g.pool.frames && !busy; s++ {
				busy = guard.SlotInFlight(s)
			}
		}
		if busy {
			return fmt.Errorf("descriptor set of slot %d is bound by in-flight work: %w", idx, core.ErrResourceInUse)
		}
	}
	if err := g.layout.check(bindings); err != nil {
		return err
	}
	g.write(idx, bindings)
	prev := g.refs
	g.refs = func(s int) []Binding {
		if s == idx {
			return bindings
		}
		return prev(s)
	}
	return nil
}

// Release forgets the group. Its sets stay counted as stale until the next
// reset or recreation returns them to the pool.
func (g *SetGroup) Release() {
	g.pool.forget(g)
	g.pool.stale += len(g.sets)
	g.sets = nil
}
