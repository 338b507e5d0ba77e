package vulkan

import (
	"errors"
	"fmt"
	"math"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

func querySwapchainSupport(pd vk.PhysicalDevice, surface vk.Surface) (swapchainSupport, error) {
	var s swapchainSupport
	if err := check("vkGetPhysicalDeviceSurfaceCapabilities", vk.GetPhysicalDeviceSurfaceCapabilities(pd, surface, &s.capabilities)); err != nil {
		return s, err
	}
	s.capabilities.Deref()
	s.capabilities.CurrentExtent.Deref()
	s.capabilities.MinImageExtent.Deref()
	s.capabilities.MaxImageExtent.Deref()

	var count uint32
	if err := check("vkGetPhysicalDeviceSurfaceFormats", vk.GetPhysicalDeviceSurfaceFormats(pd, surface, &count, nil)); err != nil {
		return s, err
	}
	if count > 0 {
		s.formats = make([]vk.SurfaceFormat, count)
		if err := check("vkGetPhysicalDeviceSurfaceFormats", vk.GetPhysicalDeviceSurfaceFormats(pd, surface, &count, s.formats)); err != nil {
			return s, err
		}
		for i := range s.formats {
			s.formats[i].Deref()
		}
	}

	count = 0
	if err := check("vkGetPhysicalDeviceSurfacePresentModes", vk.GetPhysicalDeviceSurfacePresentModes(pd, surface, &count, nil)); err != nil {
		return s, err
	}
	if count > 0 {
		s.presentModes = make([]vk.PresentMode, count)
		if err := check("vkGetPhysicalDeviceSurfacePresentModes", vk.GetPhysicalDeviceSurfacePresentModes(pd, surface, &count, s.presentModes)); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Swapchain owns the presentable images together with a shared depth
// attachment, the render pass and one framebuffer per image.
type Swapchain struct {
	device *Device
	info   gpu.SwapchainCreateInfo

	handle      vk.Swapchain
	format      vk.SurfaceFormat
	extent      vk.Extent2D
	images      []vk.Image
	views       []vk.ImageView
	depth       vk.Image
	depthMemory vk.DeviceMemory
	depthView   vk.ImageView

	renderPass   uint64
	framebuffers []uint64
}

var _ gpu.Swapchain = (*Swapchain)(nil)

func (d *Device) CreateSwapchain(info gpu.SwapchainCreateInfo) (gpu.Swapchain, error) {
	sc := &Swapchain{device: d, info: info}
	if err := sc.create(info.Extent, vk.NullSwapchain); err != nil {
		sc.Destroy()
		return nil, err
	}
	return sc, nil
}

func (s *Swapchain) create(want gpu.Extent2D, old vk.Swapchain) error {
	d := s.device
	support, err := querySwapchainSupport(d.physical, d.inst.surface)
	if err != nil {
		return err
	}
	if len(support.formats) == 0 {
		return fmt.Errorf("vulkan: surface has no formats: %w", core.ErrUnsupportedDevice)
	}

	format := support.formats[0]
	for _, f := range support.formats {
		if f.Format == vk.FormatB8g8r8a8Unorm && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			format = f
			break
		}
	}

	presentMode := vk.PresentModeFifo
	for _, m := range support.presentModes {
		if m == vk.PresentModeMailbox {
			presentMode = m
			break
		}
	}

	caps := support.capabilities
	extent := toExtent(want)
	if caps.CurrentExtent.Width != math.MaxUint32 {
		extent = caps.CurrentExtent
	}
	extent.Width = containers.Clamp(extent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
	extent.Height = containers.Clamp(extent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)
	if extent.Width == 0 || extent.Height == 0 {
		return fmt.Errorf("vulkan: zero surface extent: %w", core.ErrSurfaceOutOfDate)
	}

	imageCount := s.info.MinImageCount
	if imageCount == 0 {
		imageCount = caps.MinImageCount + 1
	}
	imageCount = max(imageCount, caps.MinImageCount)
	if caps.MaxImageCount > 0 {
		imageCount = min(imageCount, caps.MaxImageCount)
	}

	createInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.inst.surface,
		MinImageCount:    imageCount,
		ImageFormat:      format.Format,
		ImageColorSpace:  format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
		OldSwapchain:     old,
	}
	if d.families.Graphics != d.families.Present {
		createInfo.ImageSharingMode = vk.SharingModeConcurrent
		createInfo.QueueFamilyIndexCount = 2
		createInfo.PQueueFamilyIndices = []uint32{uint32(d.families.Graphics), uint32(d.families.Present)}
	}

	err = d.locks.SafeCall(SwapchainManagement, func() error {
		return check("vkCreateSwapchain", vk.CreateSwapchain(d.logical, &createInfo, nil, &s.handle))
	})
	if old != vk.NullSwapchain {
		vk.DestroySwapchain(d.logical, old, nil)
	}
	if err != nil {
		s.handle = vk.NullSwapchain
		return err
	}
	s.format = format
	s.extent = extent

	var count uint32
	if err := check("vkGetSwapchainImages", vk.GetSwapchainImages(d.logical, s.handle, &count, nil)); err != nil {
		return err
	}
	s.images = make([]vk.Image, count)
	if err := check("vkGetSwapchainImages", vk.GetSwapchainImages(d.logical, s.handle, &count, s.images)); err != nil {
		return err
	}

	s.views = make([]vk.ImageView, 0, count)
	for _, img := range s.images {
		view, err := s.view(img, format.Format, vk.ImageAspectColorBit)
		if err != nil {
			return err
		}
		s.views = append(s.views, view)
	}

	if err := s.createDepth(); err != nil {
		return err
	}
	if s.renderPass == 0 {
		if err := s.createRenderPass(); err != nil {
			return err
		}
	}
	if err := s.createFramebuffers(); err != nil {
		return err
	}
	core.LogInfo("vulkan: swapchain %dx%d with %d images", extent.Width, extent.Height, count)
	return nil
}

func (s *Swapchain) view(img vk.Image, format vk.Format, aspect vk.ImageAspectFlagBits) (vk.ImageView, error) {
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(aspect),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	var view vk.ImageView
	err := check("vkCreateImageView", vk.CreateImageView(s.device.logical, &viewInfo, nil, &view))
	return view, err
}

func (s *Swapchain) createDepth() error {
	d := s.device
	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    d.depthFormat,
		Extent: vk.Extent3D{
			Width:  s.extent.Width,
			Height: s.extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	if err := check("vkCreateImage", vk.CreateImage(d.logical, &createInfo, nil, &s.depth)); err != nil {
		return err
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logical, s.depth, &reqs)
	reqs.Deref()
	typeIndex := -1
	for i, t := range d.memory.Types {
		if reqs.MemoryTypeBits&(1<<uint(i)) != 0 && t.Flags.Has(gpu.MemoryPropertyDeviceLocal) {
			typeIndex = i
			break
		}
	}
	if typeIndex < 0 {
		return fmt.Errorf("vulkan: depth attachment: %w", core.ErrNoCompatibleMemoryType)
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: uint32(typeIndex),
	}
	if err := check("vkAllocateMemory", vk.AllocateMemory(d.logical, &allocInfo, nil, &s.depthMemory)); err != nil {
		return err
	}
	if err := check("vkBindImageMemory", vk.BindImageMemory(d.logical, s.depth, s.depthMemory, 0)); err != nil {
		return err
	}
	view, err := s.view(s.depth, d.depthFormat, vk.ImageAspectDepthBit)
	if err != nil {
		return err
	}
	s.depthView = view
	return nil
}

// createRenderPass builds the single-subpass pass every graphics pipeline is
// created against: a cleared color attachment presented at the end and a
// cleared depth attachment.
func (s *Swapchain) createRenderPass() error {
	d := s.device
	attachments := []vk.AttachmentDescription{
		{
			Format:         s.format.Format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutPresentSrc,
		},
		{
			Format:         d.depthFormat,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpDontCare,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		},
	}
	colorRef := []vk.AttachmentReference{{Attachment: 0, Layout: vk.ImageLayoutColorAttachmentOptimal}}
	depthRef := vk.AttachmentReference{Attachment: 1, Layout: vk.ImageLayoutDepthStencilAttachmentOptimal}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:       vk.PipelineBindPointGraphics,
		ColorAttachmentCount:    1,
		PColorAttachments:       colorRef,
		PDepthStencilAttachment: &depthRef,
	}
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit | vk.AccessDepthStencilAttachmentWriteBit),
	}
	createInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	var rp vk.RenderPass
	if err := check("vkCreateRenderPass", vk.CreateRenderPass(d.logical, &createInfo, nil, &rp)); err != nil {
		return err
	}
	s.renderPass = d.passes.add(rp)
	return nil
}

func (s *Swapchain) createFramebuffers() error {
	d := s.device
	rp := d.passes.must(s.renderPass)
	s.framebuffers = make([]uint64, 0, len(s.views))
	for _, view := range s.views {
		createInfo := vk.FramebufferCreateInfo{
			SType:           vk.StructureTypeFramebufferCreateInfo,
			RenderPass:      rp,
			AttachmentCount: 2,
			PAttachments:    []vk.ImageView{view, s.depthView},
			Width:           s.extent.Width,
			Height:          s.extent.Height,
			Layers:          1,
		}
		var fb vk.Framebuffer
		if err := check("vkCreateFramebuffer", vk.CreateFramebuffer(d.logical, &createInfo, nil, &fb)); err != nil {
			return err
		}
		s.framebuffers = append(s.framebuffers, d.fbs.add(fb))
	}
	return nil
}

// destroyTargets releases everything tied to the current extent. The render
// pass survives since the formats do not change.
func (s *Swapchain) destroyTargets() {
	d := s.device
	for _, id := range s.framebuffers {
		if fb, ok := d.fbs.remove(id); ok {
			vk.DestroyFramebuffer(d.logical, fb, nil)
		}
	}
	s.framebuffers = nil
	if s.depthView != vk.NullImageView {
		vk.DestroyImageView(d.logical, s.depthView, nil)
		s.depthView = vk.NullImageView
	}
	if s.depth != vk.NullImage {
		vk.DestroyImage(d.logical, s.depth, nil)
		s.depth = vk.NullImage
	}
	if s.depthMemory != vk.NullDeviceMemory {
		vk.FreeMemory(d.logical, s.depthMemory, nil)
		s.depthMemory = vk.NullDeviceMemory
	}
	for _, v := range s.views {
		vk.DestroyImageView(d.logical, v, nil)
	}
	s.views = nil
	s.images = nil
}

func (s *Swapchain) Extent() gpu.Extent2D {
	return gpu.Extent2D{Width: s.extent.Width, Height: s.extent.Height}
}

func (s *Swapchain) ColorFormat() gpu.Format { return fromFormat(s.format.Format) }
func (s *Swapchain) DepthFormat() gpu.Format { return fromFormat(s.device.depthFormat) }
func (s *Swapchain) ImageCount() uint32      { return uint32(len(s.images)) }
func (s *Swapchain) RenderPass() gpu.RenderPass {
	return gpu.RenderPass(s.renderPass)
}

func (s *Swapchain) Framebuffer(imageIndex uint32) gpu.Framebuffer {
	if int(imageIndex) >= len(s.framebuffers) {
		return 0
	}
	return gpu.Framebuffer(s.framebuffers[imageIndex])
}

func (s *Swapchain) AcquireNextImage(timeout uint64, sem gpu.Semaphore) (uint32, error) {
	var index uint32
	res := vk.AcquireNextImage(s.device.logical, s.handle, timeout, s.device.semaphores.must(uint64(sem)), vk.NullFence, &index)
	switch res {
	case vk.Success, vk.Suboptimal:
		// A suboptimal image still signals the semaphore, so it is used and
		// the rebuild happens after present.
		return index, nil
	case vk.Timeout, vk.NotReady:
		return 0, gpu.ErrTimeout
	}
	return 0, check("vkAcquireNextImage", res)
}

func (s *Swapchain) Present(q gpu.Queue, wait []gpu.Semaphore, imageIndex uint32) error {
	queue, err := s.device.queue(q)
	if err != nil {
		return err
	}
	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(wait)),
		PWaitSemaphores:    s.device.vkSemaphores(wait),
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{s.handle},
		PImageIndices:      []uint32{imageIndex},
	}
	return s.device.locks.SafeQueueCall(s.device.QueueFamily(q), func() error {
		return check("vkQueuePresent", vk.QueuePresent(queue, &presentInfo))
	})
}

func (s *Swapchain) Recreate(extent gpu.Extent2D) error {
	if extent.IsZero() {
		return fmt.Errorf("vulkan: recreate with zero extent: %w", core.ErrSurfaceOutOfDate)
	}
	s.destroyTargets()
	// s.handle keeps the old swapchain until create replaces it, so a
	// failure before vkCreateSwapchain leaves it for Destroy.
	if err := s.create(extent, s.handle); err != nil {
		if errors.Is(err, core.ErrSurfaceOutOfDate) {
			return err
		}
		return fmt.Errorf("vulkan: recreate swapchain: %w", err)
	}
	return nil
}

func (s *Swapchain) Destroy() {
	d := s.device
	s.destroyTargets()
	if s.renderPass != 0 {
		if rp, ok := d.passes.remove(s.renderPass); ok {
			vk.DestroyRenderPass(d.logical, rp, nil)
		}
		s.renderPass = 0
	}
	if s.handle != vk.NullSwapchain {
		vk.DestroySwapchain(d.logical, s.handle, nil)
		s.handle = vk.NullSwapchain
	}
}
