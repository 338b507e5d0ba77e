package sim

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

type setLayout struct {
	bindings map[uint32]gpu.DescriptorSetLayoutBinding
}

type descriptorPool struct {
	maxSets   uint32
	capacity  [gpu.DescriptorTypeCount]uint32
	usedSets  uint32
	used      [gpu.DescriptorTypeCount]uint32
	allocated []gpu.DescriptorSet
}

type descriptorSet struct {
	pool    gpu.DescriptorPool
	layout  gpu.DescriptorSetLayout
	buffers map[uint32]gpu.DescriptorBufferInfo
	images  map[uint32]gpu.DescriptorImageInfo
}

// refs returns the handles a bound set makes the GPU read.
func (d *Device) setRefs(s *descriptorSet) []uint64 {
	var out []uint64
	for _, b := range s.buffers {
		out = append(out, uint64(b.Buffer))
		if buf, ok := d.buffers[b.Buffer]; ok {
			out = append(out, uint64(buf.mem))
		}
	}
	for _, i := range s.images {
		out = append(out, uint64(i.View), uint64(i.Sampler))
		if v, ok := d.views[i.View]; ok {
			out = append(out, uint64(v.image))
		}
	}
	return out
}

func (d *Device) CreateDescriptorSetLayout(bindings []gpu.DescriptorSetLayoutBinding) (gpu.DescriptorSetLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := &setLayout{bindings: make(map[uint32]gpu.DescriptorSetLayoutBinding, len(bindings))}
	for _, b := range bindings {
		if _, dup := l.bindings[b.Binding]; dup {
			return 0, fmt.Errorf("descriptor set layout: binding %d declared twice: %w", b.Binding, core.ErrInvalidObjectState)
		}
		if b.Count == 0 {
			b.Count = 1
		}
		l.bindings[b.Binding] = b
	}
	h := gpu.DescriptorSetLayout(d.newHandle("descriptor-set-layout"))
	d.setLayouts[h] = l
	return h, nil
}

func (d *Device) DestroyDescriptorSetLayout(l gpu.DescriptorSetLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(l), "descriptor-set-layout") {
		delete(d.setLayouts, l)
	}
}

func (d *Device) CreateDescriptorPool(info gpu.DescriptorPoolCreateInfo) (gpu.DescriptorPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateDescriptorPool); err != nil {
		return 0, err
	}
	if info.MaxSets == 0 {
		return 0, fmt.Errorf("create descriptor pool: zero max sets: %w", core.ErrInvalidObjectState)
	}
	p := &descriptorPool{maxSets: info.MaxSets}
	for _, s := range info.Sizes {
		p.capacity[s.Type] += s.Count
	}
	h := gpu.DescriptorPool(d.newHandle("descriptor-pool"))
	d.pools[h] = p
	return h, nil
}

func (d *Device) freePoolSets(p *descriptorPool) {
	for _, s := range p.allocated {
		if d.isLive(uint64(s), "descriptor-set") {
			d.release(uint64(s), "descriptor-set")
			delete(d.sets, s)
		}
	}
	p.allocated = nil
	p.usedSets = 0
	p.used = [gpu.DescriptorTypeCount]uint32{}
}

func (d *Device) DestroyDescriptorPool(h gpu.DescriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[h]
	if !ok {
		d.release(uint64(h), "descriptor-pool")
		return
	}
	d.freePoolSets(p)
	d.release(uint64(h), "descriptor-pool")
	delete(d.pools, h)
}

func (d *Device) ResetDescriptorPool(h gpu.DescriptorPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[h]
	if !ok {
		return fmt.Errorf("reset descriptor pool %d: %w", h, core.ErrStaleHandle)
	}
	d.freePoolSets(p)
	return nil
}

func (d *Device) AllocateDescriptorSets(h gpu.DescriptorPool, layouts []gpu.DescriptorSetLayout) ([]gpu.DescriptorSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[h]
	if !ok {
		return nil, fmt.Errorf("allocate descriptor sets: pool %d: %w", h, core.ErrStaleHandle)
	}
	// The whole request fails atomically, earlier allocations are untouched.
	need := p.used
	for _, lh := range layouts {
		l, ok := d.setLayouts[lh]
		if !ok {
			return nil, fmt.Errorf("allocate descriptor sets: layout %d: %w", lh, core.ErrStaleHandle)
		}
		for _, b := range l.bindings {
			need[b.Type] += b.Count
		}
	}
	if p.usedSets+uint32(len(layouts)) > p.maxSets {
		return nil, fmt.Errorf("allocate %d sets, %d of %d in use: %w", len(layouts), p.usedSets, p.maxSets, core.ErrDescriptorPoolExhausted)
	}
	for t := range need {
		if need[t] > p.capacity[t] {
			return nil, fmt.Errorf("allocate %d sets: %s needs %d of %d: %w", len(layouts), gpu.DescriptorType(t), need[t], p.capacity[t], core.ErrDescriptorPoolExhausted)
		}
	}
	out := make([]gpu.DescriptorSet, len(layouts))
	for i, lh := range layouts {
		s := gpu.DescriptorSet(d.newHandle("descriptor-set"))
		d.sets[s] = &descriptorSet{
			pool:    h,
			layout:  lh,
			buffers: make(map[uint32]gpu.DescriptorBufferInfo),
			images:  make(map[uint32]gpu.DescriptorImageInfo),
		}
		p.allocated = append(p.allocated, s)
		out[i] = s
	}
	p.used = need
	p.usedSets += uint32(len(layouts))
	return out, nil
}

func (d *Device) UpdateDescriptorSets(writes []gpu.WriteDescriptorSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range writes {
		s, ok := d.sets[w.Set]
		if !ok {
			d.violate("write to unknown descriptor set %d", w.Set)
			continue
		}
		for _, p := range d.pending {
			if p.refs[uint64(w.Set)] {
				d.violate("descriptor set %d rewritten while in-flight submission %d binds it", w.Set, p.seq)
				break
			}
		}
		b, ok := d.setLayouts[s.layout].bindings[w.Binding]
		if !ok {
			d.violate("descriptor set %d has no binding %d", w.Set, w.Binding)
			continue
		}
		if b.Type != w.Type {
			d.violate("descriptor set %d binding %d is %s, written as %s", w.Set, w.Binding, b.Type, w.Type)
			continue
		}
		switch w.Type {
		case gpu.DescriptorUniformBuffer, gpu.DescriptorStorageBuffer:
			if len(w.Buffers) == 0 {
				d.violate("descriptor set %d binding %d written without buffer info", w.Set, w.Binding)
				continue
			}
			info := w.Buffers[0]
			if _, ok := d.buffers[info.Buffer]; !ok {
				d.violate("descriptor set %d binding %d references unknown buffer %d", w.Set, w.Binding, info.Buffer)
			}
			s.buffers[w.Binding] = info
		case gpu.DescriptorCombinedImageSampler:
			if len(w.Images) == 0 {
				d.violate("descriptor set %d binding %d written without image info", w.Set, w.Binding)
				continue
			}
			info := w.Images[0]
			if _, ok := d.views[info.View]; !ok {
				d.violate("descriptor set %d binding %d references unknown view %d", w.Set, w.Binding, info.View)
			}
			s.images[w.Binding] = info
		}
	}
}

// DescriptorBuffer returns the buffer written to a binding of set.
func (d *Device) DescriptorBuffer(set gpu.DescriptorSet, binding uint32) (gpu.Buffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sets[set]
	if !ok {
		return 0, false
	}
	b, ok := s.buffers[binding]
	return b.Buffer, ok
}

// DescriptorImage returns the image view written to a binding of set.
func (d *Device) DescriptorImage(set gpu.DescriptorSet, binding uint32) (gpu.ImageView, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sets[set]
	if !ok {
		return 0, false
	}
	i, ok := s.images[binding]
	return i.View, ok
}
