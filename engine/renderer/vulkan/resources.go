package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	sharing, families := toSharing(info.Sharing, info.QueueFamilies)
	createInfo := vk.BufferCreateInfo{
		SType:                 vk.StructureTypeBufferCreateInfo,
		Size:                  vk.DeviceSize(info.Size),
		Usage:                 toBufferUsage(info.Usage),
		SharingMode:           sharing,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
	}
	var b vk.Buffer
	if err := check("vkCreateBuffer", vk.CreateBuffer(d.logical, &createInfo, nil, &b)); err != nil {
		return 0, err
	}
	return gpu.Buffer(d.buffers.add(b)), nil
}

func (d *Device) DestroyBuffer(b gpu.Buffer) {
	if h, ok := d.buffers.remove(uint64(b)); ok {
		vk.DestroyBuffer(d.logical, h, nil)
	}
}

func (d *Device) BufferMemoryRequirements(b gpu.Buffer) gpu.MemoryRequirements {
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logical, d.buffers.must(uint64(b)), &reqs)
	reqs.Deref()
	return gpu.MemoryRequirements{
		Size:      uint64(reqs.Size),
		Alignment: uint64(reqs.Alignment),
		TypeBits:  reqs.MemoryTypeBits,
	}
}

func (d *Device) BindBufferMemory(b gpu.Buffer, mem gpu.DeviceMemory, offset uint64) error {
	buf, ok := d.buffers.get(uint64(b))
	if !ok {
		return fmt.Errorf("vulkan: bind unknown buffer %d: %w", b, core.ErrInvalidObjectState)
	}
	return check("vkBindBufferMemory", vk.BindBufferMemory(d.logical, buf, d.memories.must(uint64(mem)), vk.DeviceSize(offset)))
}

func (d *Device) AllocateMemory(size uint64, typeIndex uint32) (gpu.DeviceMemory, error) {
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: typeIndex,
	}
	var mem vk.DeviceMemory
	err := d.locks.SafeCall(MemoryManagement, func() error {
		return check("vkAllocateMemory", vk.AllocateMemory(d.logical, &allocInfo, nil, &mem))
	})
	if err != nil {
		return 0, err
	}
	return gpu.DeviceMemory(d.memories.add(mem)), nil
}

func (d *Device) FreeMemory(mem gpu.DeviceMemory) {
	if h, ok := d.memories.remove(uint64(mem)); ok {
		_ = d.locks.SafeCall(MemoryManagement, func() error {
			vk.FreeMemory(d.logical, h, nil)
			return nil
		})
	}
}

func (d *Device) MapMemory(mem gpu.DeviceMemory, offset, size uint64) ([]byte, error) {
	h, ok := d.memories.get(uint64(mem))
	if !ok {
		return nil, fmt.Errorf("vulkan: map unknown memory %d: %w", mem, core.ErrInvalidObjectState)
	}
	if size == gpu.WholeSize {
		return nil, fmt.Errorf("vulkan: map needs an explicit size: %w", core.ErrInvalidObjectState)
	}
	var ptr unsafe.Pointer
	if err := check("vkMapMemory", vk.MapMemory(d.logical, h, vk.DeviceSize(offset), vk.DeviceSize(size), 0, &ptr)); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func (d *Device) UnmapMemory(mem gpu.DeviceMemory) {
	if h, ok := d.memories.get(uint64(mem)); ok {
		vk.UnmapMemory(d.logical, h)
	}
}

func (d *Device) CreateImage(info gpu.ImageCreateInfo) (gpu.Image, error) {
	sharing, families := toSharing(info.Sharing, info.QueueFamilies)
	tiling := vk.ImageTilingOptimal
	if info.Tiling == gpu.TilingLinear {
		tiling = vk.ImageTilingLinear
	}
	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    toFormat(info.Format),
		Extent: vk.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  1,
		},
		MipLevels:             max(info.MipLevels, 1),
		ArrayLayers:           max(info.ArrayLayers, 1),
		Samples:               vk.SampleCount1Bit,
		Tiling:                tiling,
		Usage:                 toImageUsage(info.Usage),
		SharingMode:           sharing,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
		InitialLayout:         vk.ImageLayoutUndefined,
	}
	if info.CubeCompatible {
		createInfo.Flags = vk.ImageCreateFlags(vk.ImageCreateCubeCompatibleBit)
	}
	var img vk.Image
	if err := check("vkCreateImage", vk.CreateImage(d.logical, &createInfo, nil, &img)); err != nil {
		return 0, err
	}
	return gpu.Image(d.images.add(img)), nil
}

func (d *Device) DestroyImage(img gpu.Image) {
	if h, ok := d.images.remove(uint64(img)); ok {
		vk.DestroyImage(d.logical, h, nil)
	}
}

func (d *Device) ImageMemoryRequirements(img gpu.Image) gpu.MemoryRequirements {
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logical, d.images.must(uint64(img)), &reqs)
	reqs.Deref()
	return gpu.MemoryRequirements{
		Size:      uint64(reqs.Size),
		Alignment: uint64(reqs.Alignment),
		TypeBits:  reqs.MemoryTypeBits,
	}
}

func (d *Device) BindImageMemory(img gpu.Image, mem gpu.DeviceMemory, offset uint64) error {
	h, ok := d.images.get(uint64(img))
	if !ok {
		return fmt.Errorf("vulkan: bind unknown image %d: %w", img, core.ErrInvalidObjectState)
	}
	return check("vkBindImageMemory", vk.BindImageMemory(d.logical, h, d.memories.must(uint64(mem)), vk.DeviceSize(offset)))
}

func (d *Device) CreateImageView(info gpu.ImageViewCreateInfo) (gpu.ImageView, error) {
	img, ok := d.images.get(uint64(info.Image))
	if !ok {
		return 0, fmt.Errorf("vulkan: view of unknown image %d: %w", info.Image, core.ErrInvalidObjectState)
	}
	return d.createView(img, info)
}

func (d *Device) createView(img vk.Image, info gpu.ImageViewCreateInfo) (gpu.ImageView, error) {
	viewType := vk.ImageViewType2d
	if info.Type == gpu.ViewTypeCube {
		viewType = vk.ImageViewTypeCube
	}
	createInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img,
		ViewType: viewType,
		Format:   toFormat(info.Format),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     toAspect(info.Aspect),
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: info.BaseLayer,
			LayerCount:     max(info.LayerCount, 1),
		},
	}
	var view vk.ImageView
	if err := check("vkCreateImageView", vk.CreateImageView(d.logical, &createInfo, nil, &view)); err != nil {
		return 0, err
	}
	return gpu.ImageView(d.views.add(view)), nil
}

func (d *Device) DestroyImageView(v gpu.ImageView) {
	if h, ok := d.views.remove(uint64(v)); ok {
		vk.DestroyImageView(d.logical, h, nil)
	}
}

func (d *Device) CreateSampler(info gpu.SamplerCreateInfo) (gpu.Sampler, error) {
	address := toAddressMode(info.AddressMode)
	createInfo := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               toFilter(info.MagFilter),
		MinFilter:               toFilter(info.MinFilter),
		MipmapMode:              vk.SamplerMipmapModeLinear,
		AddressModeU:            address,
		AddressModeV:            address,
		AddressModeW:            address,
		AnisotropyEnable:        vk.False,
		MaxAnisotropy:           1,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
		CompareEnable:           vk.False,
		CompareOp:               vk.CompareOpAlways,
	}
	if d.anisotropy && info.MaxAnisotropy > 1 {
		createInfo.AnisotropyEnable = vk.True
		createInfo.MaxAnisotropy = min(info.MaxAnisotropy, d.opts.Anisotropy)
	}
	var s vk.Sampler
	if err := check("vkCreateSampler", vk.CreateSampler(d.logical, &createInfo, nil, &s)); err != nil {
		return 0, err
	}
	return gpu.Sampler(d.samplers.add(s)), nil
}

func (d *Device) DestroySampler(s gpu.Sampler) {
	if h, ok := d.samplers.remove(uint64(s)); ok {
		vk.DestroySampler(d.logical, h, nil)
	}
}
