package resources

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/memory"
)

// Image is a device image, its view and the memory bound to it. Layout is
// the layout the last recorded transition leaves every layer in.
type Image struct {
	Label  string
	Handle gpu.Image
	View   gpu.ImageView
	Alloc  memory.Allocation
	Extent gpu.Extent2D
	Format gpu.Format
	Layers uint32
	Cube   bool
	Layout gpu.ImageLayout
}

func (img *Image) Aspect() gpu.ImageAspect {
	return aspectOf(img.Format)
}

func aspectOf(f gpu.Format) gpu.ImageAspect {
	if !f.IsDepth() {
		return gpu.AspectColor
	}
	if f.HasStencil() {
		return gpu.AspectDepth | gpu.AspectStencil
	}
	return gpu.AspectDepth
}

// LayerSize is the byte size of one tightly packed layer.
func (img *Image) LayerSize() uint64 {
	return uint64(img.Extent.Width) * uint64(img.Extent.Height) * uint64(img.Format.BytesPerTexel())
}

type ImageDesc struct {
	Label  string
	Extent gpu.Extent2D
	Format gpu.Format
	Tiling gpu.ImageTiling
	Usage  gpu.ImageUsage
	Memory gpu.MemoryProperty
	// Cube creates six layers and a cube view.
	Cube bool
	// View creates the image view together with the image.
	View bool
}

// CreateImage creates an image, binds freshly allocated memory to it and
// optionally creates its view.
func (m *Manager) CreateImage(desc ImageDesc) (containers.Handle, error) {
	layers := uint32(1)
	if desc.Cube {
		layers = 6
	}
	if desc.Memory == 0 {
		desc.Memory = gpu.MemoryPropertyDeviceLocal
	}
	h, err := m.device.CreateImage(gpu.ImageCreateInfo{
		Extent:         desc.Extent,
		Format:         desc.Format,
		Tiling:         desc.Tiling,
		Usage:          desc.Usage,
		MipLevels:      1,
		ArrayLayers:    layers,
		CubeCompatible: desc.Cube,
		Sharing:        gpu.SharingExclusive,
	})
	if err != nil {
		return containers.InvalidHandle, fmt.Errorf("create image %q: %w", desc.Label, err)
	}

	// Query memory requirements.
	alloc, err := m.allocator.Allocate(m.device.ImageMemoryRequirements(h), desc.Memory)
	if err != nil {
		core.LogError("Required memory type not found. Image not valid.")
		m.device.DestroyImage(h)
		return containers.InvalidHandle, fmt.Errorf("create image %q: %w", desc.Label, err)
	}
	if err := m.device.BindImageMemory(h, alloc.Memory, 0); err != nil {
		m.device.DestroyImage(h)
		m.allocator.Free(alloc)
		return containers.InvalidHandle, fmt.Errorf("bind image %q: %w", desc.Label, err)
	}

	img := &Image{
		Label:  label(desc.Label, "image"),
		Handle: h,
		Alloc:  alloc,
		Extent: desc.Extent,
		Format: desc.Format,
		Layers: layers,
		Cube:   desc.Cube,
		Layout: gpu.LayoutUndefined,
	}
	m.mu.Lock()
	handle := m.entries.Insert(entry{image: img})
	m.mu.Unlock()

	if desc.View {
		if err := m.CreateImageView(handle); err != nil {
			m.Destroy(handle)
			return containers.InvalidHandle, err
		}
	}
	return handle, nil
}

// CreateImageView creates the view of an image covering all its layers,
// typed as a cube for cube images and masked to the format's aspect.
func (m *Manager) CreateImageView(h containers.Handle) error {
	img, err := m.Image(h)
	if err != nil {
		return err
	}
	if img.View != 0 {
		return nil
	}
	viewType := gpu.ViewType2D
	if img.Cube {
		viewType = gpu.ViewTypeCube
	}
	v, err := m.device.CreateImageView(gpu.ImageViewCreateInfo{
		Image:      img.Handle,
		Type:       viewType,
		Format:     img.Format,
		Aspect:     img.Aspect(),
		LayerCount: img.Layers,
	})
	if err != nil {
		return fmt.Errorf("create view of %q: %w", img.Label, err)
	}
	img.View = v
	return nil
}

func (m *Manager) Image(h containers.Handle) (*Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entries.Get(h)
	if err != nil {
		return nil, err
	}
	if e.image == nil {
		return nil, fmt.Errorf("handle %s is a %s, not an image: %w", h, e.kind(), core.ErrInvalidObjectState)
	}
	return e.image, nil
}

func (m *Manager) destroyImage(img *Image) {
	if img.View != 0 {
		m.device.DestroyImageView(img.View)
	}
	m.device.DestroyImage(img.Handle)
	m.allocator.Free(img.Alloc)
}

type transition struct {
	srcAccess, dstAccess gpu.Access
	srcStage, dstStage   gpu.PipelineStage
}

var transitions = map[[2]gpu.ImageLayout]transition{
	{gpu.LayoutUndefined, gpu.LayoutTransferDst}: {
		gpu.AccessNone, gpu.AccessTransferWrite, gpu.StageTopOfPipe, gpu.StageTransfer,
	},
	{gpu.LayoutTransferDst, gpu.LayoutShaderReadOnly}: {
		gpu.AccessTransferWrite, gpu.AccessShaderRead, gpu.StageTransfer, gpu.StageFragmentShader,
	},
	{gpu.LayoutUndefined, gpu.LayoutDepthStencilAttachment}: {
		gpu.AccessNone, gpu.AccessDepthStencilWrite, gpu.StageTopOfPipe, gpu.StageEarlyFragmentTests,
	},
	{gpu.LayoutUndefined, gpu.LayoutGeneral}: {
		gpu.AccessNone, gpu.AccessShaderRead | gpu.AccessShaderWrite, gpu.StageTopOfPipe, gpu.StageComputeShader,
	},
	{gpu.LayoutGeneral, gpu.LayoutShaderReadOnly}: {
		gpu.AccessShaderWrite, gpu.AccessShaderRead, gpu.StageComputeShader, gpu.StageFragmentShader,
	},
}

// TransitionImageLayout records a barrier moving every layer of an image
// from oldLayout to newLayout.
func (m *Manager) TransitionImageLayout(cb *commands.CommandBuffer, h containers.Handle, oldLayout, newLayout gpu.ImageLayout) error {
	img, err := m.Image(h)
	if err != nil {
		return err
	}
	t, ok := transitions[[2]gpu.ImageLayout{oldLayout, newLayout}]
	if !ok {
		return fmt.Errorf("unsupported layout transition %s -> %s: %w", oldLayout, newLayout, core.ErrInvalidObjectState)
	}
	err = cb.PipelineBarrier(t.srcStage, t.dstStage, gpu.ImageBarrier{
		Image:      img.Handle,
		OldLayout:  oldLayout,
		NewLayout:  newLayout,
		SrcAccess:  t.srcAccess,
		DstAccess:  t.dstAccess,
		Aspect:     img.Aspect(),
		LayerCount: img.Layers,
	})
	if err != nil {
		return err
	}
	img.Layout = newLayout
	return nil
}

// CopyBufferToImage records a copy of the whole image out of src, layer
// after layer. The image must already be in the transfer destination layout
// when the copy executes.
func (m *Manager) CopyBufferToImage(cb *commands.CommandBuffer, src gpu.Buffer, h containers.Handle) error {
	img, err := m.Image(h)
	if err != nil {
		return err
	}
	return cb.CopyBufferToImage(src, img.Handle, gpu.LayoutTransferDst, gpu.BufferImageCopy{
		Aspect:     img.Aspect(),
		LayerCount: img.Layers,
		Extent:     gpu.Extent3D{Width: img.Extent.Width, Height: img.Extent.Height, Depth: 1},
	})
}

// UploadImage fills every layer of a color image with texels and leaves it
// in the shader read only layout. Everything happens in one single use
// command buffer.
func (m *Manager) UploadImage(h containers.Handle, texels []byte, pool *commands.Pool) error {
	img, err := m.Image(h)
	if err != nil {
		return err
	}
	if want := img.LayerSize() * uint64(img.Layers); uint64(len(texels)) != want {
		return fmt.Errorf("upload %d bytes into %q of %d bytes: %w", len(texels), img.Label, want, core.ErrTransferFailure)
	}
	return m.withStaging(img.Label, texels, func(staging *Buffer) error {
		cb, err := pool.AllocateAndBeginSingleUse()
		if err != nil {
			return err
		}
		steps := []func() error{
			func() error { return m.TransitionImageLayout(cb, h, gpu.LayoutUndefined, gpu.LayoutTransferDst) },
			func() error { return m.CopyBufferToImage(cb, staging.Handle, h) },
			func() error { return m.TransitionImageLayout(cb, h, gpu.LayoutTransferDst, gpu.LayoutShaderReadOnly) },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				cb.Free()
				return err
			}
		}
		return cb.EndSingleUse(pool.Queue)
	})
}

type SamplerDesc struct {
	Filter        gpu.Filter
	AddressMode   gpu.AddressMode
	MaxAnisotropy float32
}

func (m *Manager) CreateSampler(desc SamplerDesc) (containers.Handle, error) {
	s, err := m.device.CreateSampler(gpu.SamplerCreateInfo{
		MagFilter:     desc.Filter,
		MinFilter:     desc.Filter,
		AddressMode:   desc.AddressMode,
		MaxAnisotropy: desc.MaxAnisotropy,
	})
	if err != nil {
		return containers.InvalidHandle, fmt.Errorf("create sampler: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Insert(entry{sampler: s}), nil
}

func (m *Manager) Sampler(h containers.Handle) (gpu.Sampler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entries.Get(h)
	if err != nil {
		return 0, err
	}
	if e.buffer != nil || e.image != nil {
		return 0, fmt.Errorf("handle %s is a %s, not a sampler: %w", h, e.kind(), core.ErrInvalidObjectState)
	}
	return e.sampler, nil
}
