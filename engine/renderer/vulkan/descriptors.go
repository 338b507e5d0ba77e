package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

type descriptorSet struct {
	handle vk.DescriptorSet
	pool   uint64
}

func (d *Device) CreateDescriptorSetLayout(bindings []gpu.DescriptorSetLayoutBinding) (gpu.DescriptorSetLayout, error) {
	vb := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		vb[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  toDescriptorType(b.Type),
			DescriptorCount: max(b.Count, 1),
			StageFlags:      toShaderStages(b.Stages),
		}
	}
	createInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vb)),
		PBindings:    vb,
	}
	var l vk.DescriptorSetLayout
	if err := check("vkCreateDescriptorSetLayout", vk.CreateDescriptorSetLayout(d.logical, &createInfo, nil, &l)); err != nil {
		return 0, err
	}
	return gpu.DescriptorSetLayout(d.setLayouts.add(l)), nil
}

func (d *Device) DestroyDescriptorSetLayout(l gpu.DescriptorSetLayout) {
	if h, ok := d.setLayouts.remove(uint64(l)); ok {
		vk.DestroyDescriptorSetLayout(d.logical, h, nil)
	}
}

func (d *Device) CreateDescriptorPool(info gpu.DescriptorPoolCreateInfo) (gpu.DescriptorPool, error) {
	sizes := make([]vk.DescriptorPoolSize, len(info.Sizes))
	for i, s := range info.Sizes {
		sizes[i] = vk.DescriptorPoolSize{Type: toDescriptorType(s.Type), DescriptorCount: s.Count}
	}
	createInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       info.MaxSets,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var p vk.DescriptorPool
	if err := check("vkCreateDescriptorPool", vk.CreateDescriptorPool(d.logical, &createInfo, nil, &p)); err != nil {
		return 0, err
	}
	return gpu.DescriptorPool(d.descPools.add(p)), nil
}

func (d *Device) DestroyDescriptorPool(p gpu.DescriptorPool) {
	h, ok := d.descPools.remove(uint64(p))
	if !ok {
		return
	}
	_ = d.locks.SafeCall(DescriptorManagement, func() error {
		vk.DestroyDescriptorPool(d.logical, h, nil)
		return nil
	})
	d.sets.removeIf(func(s descriptorSet) bool { return s.pool == uint64(p) })
}

func (d *Device) ResetDescriptorPool(p gpu.DescriptorPool) error {
	h, ok := d.descPools.get(uint64(p))
	if !ok {
		return fmt.Errorf("vulkan: reset unknown descriptor pool %d: %w", p, core.ErrInvalidObjectState)
	}
	err := d.locks.SafeCall(DescriptorManagement, func() error {
		return check("vkResetDescriptorPool", vk.ResetDescriptorPool(d.logical, h, 0))
	})
	if err != nil {
		return err
	}
	d.sets.removeIf(func(s descriptorSet) bool { return s.pool == uint64(p) })
	return nil
}

func (d *Device) AllocateDescriptorSets(p gpu.DescriptorPool, layouts []gpu.DescriptorSetLayout) ([]gpu.DescriptorSet, error) {
	if len(layouts) == 0 {
		return nil, nil
	}
	pool, ok := d.descPools.get(uint64(p))
	if !ok {
		return nil, fmt.Errorf("vulkan: allocate from unknown descriptor pool %d: %w", p, core.ErrInvalidObjectState)
	}
	vl := make([]vk.DescriptorSetLayout, len(layouts))
	for i, l := range layouts {
		vl[i] = d.setLayouts.must(uint64(l))
	}
	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: uint32(len(vl)),
		PSetLayouts:        vl,
	}
	sets := make([]vk.DescriptorSet, len(vl))
	err := d.locks.SafeCall(DescriptorManagement, func() error {
		return check("vkAllocateDescriptorSets", vk.AllocateDescriptorSets(d.logical, &allocInfo, &sets[0]))
	})
	if err != nil {
		return nil, err
	}
	out := make([]gpu.DescriptorSet, len(sets))
	for i, s := range sets {
		out[i] = gpu.DescriptorSet(d.sets.add(descriptorSet{handle: s, pool: uint64(p)}))
	}
	return out, nil
}

func (d *Device) UpdateDescriptorSets(writes []gpu.WriteDescriptorSet) {
	if len(writes) == 0 {
		return
	}
	vw := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		set, ok := d.sets.get(uint64(w.Set))
		if !ok {
			core.LogWarn("vulkan: write to unknown descriptor set %d", w.Set)
			continue
		}
		write := vk.WriteDescriptorSet{
			SType:          vk.StructureTypeWriteDescriptorSet,
			DstSet:         set.handle,
			DstBinding:     w.Binding,
			DescriptorType: toDescriptorType(w.Type),
		}
		if len(w.Images) > 0 {
			infos := make([]vk.DescriptorImageInfo, len(w.Images))
			for i, img := range w.Images {
				infos[i] = vk.DescriptorImageInfo{
					Sampler:     d.samplers.must(uint64(img.Sampler)),
					ImageView:   d.views.must(uint64(img.View)),
					ImageLayout: toLayout(img.Layout),
				}
			}
			write.DescriptorCount = uint32(len(infos))
			write.PImageInfo = infos
		} else {
			infos := make([]vk.DescriptorBufferInfo, len(w.Buffers))
			for i, b := range w.Buffers {
				infos[i] = vk.DescriptorBufferInfo{
					Buffer: d.buffers.must(uint64(b.Buffer)),
					Offset: vk.DeviceSize(b.Offset),
					Range:  vk.DeviceSize(b.Range),
				}
			}
			write.DescriptorCount = uint32(len(infos))
			write.PBufferInfo = infos
		}
		vw = append(vw, write)
	}
	vk.UpdateDescriptorSets(d.logical, uint32(len(vw)), vw, 0, nil)
}
