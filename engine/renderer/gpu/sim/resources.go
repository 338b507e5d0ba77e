package sim

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

const bufferAlignment = 16

type memory struct {
	typeIndex uint32
	flags     gpu.MemoryProperty
	data      []byte
	mapped    bool
}

type buffer struct {
	info     gpu.BufferCreateInfo
	mem      gpu.DeviceMemory
	offset   uint64
	families map[uint32]bool
}

type image struct {
	info    gpu.ImageCreateInfo
	mem     gpu.DeviceMemory
	offset  uint64
	layouts []gpu.ImageLayout
}

func (img *image) layerSize() uint64 {
	return uint64(img.info.Extent.Width) * uint64(img.info.Extent.Height) * uint64(img.info.Format.BytesPerTexel())
}

type imageView struct {
	image gpu.Image
	info  gpu.ImageViewCreateInfo
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

func (d *Device) allTypeBits() uint32 {
	return uint32(1)<<uint(len(d.memProps.Types)) - 1
}

func (d *Device) AllocateMemory(size uint64, typeIndex uint32) (gpu.DeviceMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpAllocateMemory); err != nil {
		return 0, err
	}
	if int(typeIndex) >= len(d.memProps.Types) {
		return 0, fmt.Errorf("allocate memory: type index %d out of range: %w", typeIndex, core.ErrInvalidObjectState)
	}
	mt := d.memProps.Types[typeIndex]
	if limit := d.opts.HeapSize; limit > 0 && d.heapUsage[mt.HeapIndex]+size > limit {
		return 0, fmt.Errorf("allocate %d bytes from heap %d: %w", size, mt.HeapIndex, core.ErrOutOfDeviceMemory)
	}
	d.heapUsage[mt.HeapIndex] += size
	h := gpu.DeviceMemory(d.newHandle("memory"))
	d.memories[h] = &memory{typeIndex: typeIndex, flags: mt.Flags, data: make([]byte, size)}
	return h, nil
}

func (d *Device) FreeMemory(mem gpu.DeviceMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memories[mem]
	if !d.release(uint64(mem), "memory") || !ok {
		return
	}
	d.heapUsage[d.memProps.Types[m.typeIndex].HeapIndex] -= uint64(len(m.data))
	delete(d.memories, mem)
}

func (d *Device) MapMemory(mem gpu.DeviceMemory, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memories[mem]
	if !ok {
		return nil, fmt.Errorf("map memory %d: %w", mem, core.ErrStaleHandle)
	}
	if !m.flags.Has(gpu.MemoryPropertyHostVisible) {
		return nil, fmt.Errorf("map memory %d (%s): %w", mem, m.flags, core.ErrMemoryNotHostVisible)
	}
	if m.mapped {
		return nil, fmt.Errorf("map memory %d: already mapped: %w", mem, core.ErrInvalidObjectState)
	}
	if size == gpu.WholeSize {
		size = uint64(len(m.data)) - offset
	}
	if offset+size > uint64(len(m.data)) {
		return nil, fmt.Errorf("map memory %d: range [%d,%d) exceeds %d bytes: %w", mem, offset, offset+size, len(m.data), core.ErrInvalidObjectState)
	}
	for _, s := range d.pending {
		if s.refs[uint64(mem)] {
			d.violate("memory %d mapped while in-flight submission %d uses it", mem, s.seq)
			break
		}
	}
	m.mapped = true
	return m.data[offset : offset+size : offset+size], nil
}

func (d *Device) UnmapMemory(mem gpu.DeviceMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.memories[mem]; ok {
		if !m.mapped {
			d.violate("unmap of memory %d that is not mapped", mem)
		}
		m.mapped = false
	}
}

func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateBuffer); err != nil {
		return 0, err
	}
	if info.Size == 0 {
		return 0, fmt.Errorf("create buffer: zero size: %w", core.ErrInvalidObjectState)
	}
	if info.Sharing == gpu.SharingConcurrent && len(info.QueueFamilies) < 2 {
		return 0, fmt.Errorf("create buffer: concurrent sharing needs two or more families: %w", core.ErrInvalidObjectState)
	}
	h := gpu.Buffer(d.newHandle("buffer"))
	d.buffers[h] = &buffer{info: info, families: make(map[uint32]bool)}
	return h, nil
}

func (d *Device) DestroyBuffer(b gpu.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(b), "buffer") {
		delete(d.buffers, b)
	}
}

func (d *Device) BufferMemoryRequirements(b gpu.Buffer) gpu.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return gpu.MemoryRequirements{}
	}
	return gpu.MemoryRequirements{
		Size:      alignUp(buf.info.Size, bufferAlignment),
		Alignment: bufferAlignment,
		TypeBits:  d.allTypeBits(),
	}
}

func (d *Device) BindBufferMemory(b gpu.Buffer, mem gpu.DeviceMemory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return fmt.Errorf("bind buffer %d: %w", b, core.ErrStaleHandle)
	}
	m, ok := d.memories[mem]
	if !ok {
		return fmt.Errorf("bind buffer %d: memory %d: %w", b, mem, core.ErrStaleHandle)
	}
	if buf.mem != 0 {
		return fmt.Errorf("bind buffer %d: memory already bound: %w", b, core.ErrInvalidObjectState)
	}
	if offset%bufferAlignment != 0 || offset+buf.info.Size > uint64(len(m.data)) {
		return fmt.Errorf("bind buffer %d at offset %d: %w", b, offset, core.ErrInvalidObjectState)
	}
	buf.mem = mem
	buf.offset = offset
	return nil
}

// bytesOf returns the bound storage of a buffer.
func (d *Device) bytesOf(b gpu.Buffer) ([]byte, bool) {
	buf, ok := d.buffers[b]
	if !ok || buf.mem == 0 {
		return nil, false
	}
	m, ok := d.memories[buf.mem]
	if !ok {
		return nil, false
	}
	return m.data[buf.offset : buf.offset+buf.info.Size], true
}

func (d *Device) CreateImage(info gpu.ImageCreateInfo) (gpu.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateImage); err != nil {
		return 0, err
	}
	if info.Extent.IsZero() || info.Format.BytesPerTexel() == 0 {
		return 0, fmt.Errorf("create image %dx%d format %d: %w", info.Extent.Width, info.Extent.Height, info.Format, core.ErrInvalidObjectState)
	}
	if info.ArrayLayers == 0 {
		info.ArrayLayers = 1
	}
	if info.CubeCompatible && info.ArrayLayers != 6 {
		return 0, fmt.Errorf("create image: cube image needs 6 layers, got %d: %w", info.ArrayLayers, core.ErrInvalidObjectState)
	}
	h := gpu.Image(d.newHandle("image"))
	d.images[h] = &image{info: info, layouts: make([]gpu.ImageLayout, info.ArrayLayers)}
	return h, nil
}

func (d *Device) DestroyImage(img gpu.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(img), "image") {
		delete(d.images, img)
	}
}

func (d *Device) ImageMemoryRequirements(img gpu.Image) gpu.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[img]
	if !ok {
		return gpu.MemoryRequirements{}
	}
	return gpu.MemoryRequirements{
		Size:      alignUp(im.layerSize()*uint64(im.info.ArrayLayers), bufferAlignment),
		Alignment: bufferAlignment,
		TypeBits:  d.allTypeBits(),
	}
}

func (d *Device) BindImageMemory(img gpu.Image, mem gpu.DeviceMemory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[img]
	if !ok {
		return fmt.Errorf("bind image %d: %w", img, core.ErrStaleHandle)
	}
	m, ok := d.memories[mem]
	if !ok {
		return fmt.Errorf("bind image %d: memory %d: %w", img, mem, core.ErrStaleHandle)
	}
	if im.mem != 0 {
		return fmt.Errorf("bind image %d: memory already bound: %w", img, core.ErrInvalidObjectState)
	}
	if offset+im.layerSize()*uint64(im.info.ArrayLayers) > uint64(len(m.data)) {
		return fmt.Errorf("bind image %d at offset %d: %w", img, offset, core.ErrInvalidObjectState)
	}
	im.mem = mem
	im.offset = offset
	return nil
}

// ImageLayout returns the current layout of one image layer.
func (d *Device) ImageLayout(img gpu.Image, layer uint32) gpu.ImageLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[img]
	if !ok || int(layer) >= len(im.layouts) {
		return gpu.LayoutUndefined
	}
	return im.layouts[layer]
}

// ImageBytes returns a copy of the texels of one image layer.
func (d *Device) ImageBytes(img gpu.Image, layer uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[img]
	if !ok || im.mem == 0 {
		return nil
	}
	m := d.memories[im.mem]
	start := im.offset + uint64(layer)*im.layerSize()
	return append([]byte(nil), m.data[start:start+im.layerSize()]...)
}

func (d *Device) CreateImageView(info gpu.ImageViewCreateInfo) (gpu.ImageView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[info.Image]
	if !ok {
		return 0, fmt.Errorf("create image view: image %d: %w", info.Image, core.ErrStaleHandle)
	}
	if info.Type == gpu.ViewTypeCube && !im.info.CubeCompatible {
		return 0, fmt.Errorf("create cube view of non-cube image %d: %w", info.Image, core.ErrInvalidObjectState)
	}
	wantDepth := im.info.Format.IsDepth()
	if wantDepth != (info.Aspect&gpu.AspectDepth != 0) {
		return 0, fmt.Errorf("create image view: aspect %d does not match format %d: %w", info.Aspect, im.info.Format, core.ErrInvalidObjectState)
	}
	h := gpu.ImageView(d.newHandle("image-view"))
	d.views[h] = &imageView{image: info.Image, info: info}
	return h, nil
}

func (d *Device) DestroyImageView(v gpu.ImageView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(v), "image-view") {
		delete(d.views, v)
	}
}

func (d *Device) CreateSampler(info gpu.SamplerCreateInfo) (gpu.Sampler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.Sampler(d.newHandle("sampler"))
	d.samplers[h] = struct{}{}
	return h, nil
}

func (d *Device) DestroySampler(s gpu.Sampler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(s), "sampler") {
		delete(d.samplers, s)
	}
}
