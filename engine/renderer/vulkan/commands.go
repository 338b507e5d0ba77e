package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

type commandBuffer struct {
	handle vk.CommandBuffer
	pool   uint64
}

func (d *Device) CreateCommandPool(queueFamily uint32, resettable bool) (gpu.CommandPool, error) {
	createInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: queueFamily,
	}
	if resettable {
		createInfo.Flags = vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit)
	}
	var p vk.CommandPool
	if err := check("vkCreateCommandPool", vk.CreateCommandPool(d.logical, &createInfo, nil, &p)); err != nil {
		return 0, err
	}
	return gpu.CommandPool(d.cmdPools.add(p)), nil
}

func (d *Device) DestroyCommandPool(p gpu.CommandPool) {
	h, ok := d.cmdPools.remove(uint64(p))
	if !ok {
		return
	}
	_ = d.locks.SafeCall(CommandPoolManagement, func() error {
		vk.DestroyCommandPool(d.logical, h, nil)
		return nil
	})
	d.cmdBuffers.removeIf(func(cb commandBuffer) bool { return cb.pool == uint64(p) })
}

func (d *Device) ResetCommandPool(p gpu.CommandPool) error {
	h, ok := d.cmdPools.get(uint64(p))
	if !ok {
		return fmt.Errorf("vulkan: reset unknown command pool %d: %w", p, core.ErrInvalidObjectState)
	}
	return d.locks.SafeCall(CommandPoolManagement, func() error {
		return check("vkResetCommandPool", vk.ResetCommandPool(d.logical, h, 0))
	})
}

func (d *Device) AllocateCommandBuffers(p gpu.CommandPool, count int) ([]gpu.CommandBuffer, error) {
	pool, ok := d.cmdPools.get(uint64(p))
	if !ok {
		return nil, fmt.Errorf("vulkan: allocate from unknown command pool %d: %w", p, core.ErrInvalidObjectState)
	}
	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: uint32(count),
	}
	handles := make([]vk.CommandBuffer, count)
	err := d.locks.SafeCall(CommandPoolManagement, func() error {
		return check("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(d.logical, &allocInfo, handles))
	})
	if err != nil {
		return nil, err
	}
	out := make([]gpu.CommandBuffer, count)
	for i, h := range handles {
		out[i] = gpu.CommandBuffer(d.cmdBuffers.add(commandBuffer{handle: h, pool: uint64(p)}))
	}
	return out, nil
}

func (d *Device) FreeCommandBuffers(p gpu.CommandPool, cbs []gpu.CommandBuffer) {
	pool, ok := d.cmdPools.get(uint64(p))
	if !ok {
		return
	}
	handles := make([]vk.CommandBuffer, 0, len(cbs))
	for _, cb := range cbs {
		if h, ok := d.cmdBuffers.remove(uint64(cb)); ok {
			handles = append(handles, h.handle)
		}
	}
	if len(handles) == 0 {
		return
	}
	_ = d.locks.SafeCall(CommandPoolManagement, func() error {
		vk.FreeCommandBuffers(d.logical, pool, uint32(len(handles)), handles)
		return nil
	})
}

func (d *Device) cmd(cb gpu.CommandBuffer) vk.CommandBuffer {
	return d.cmdBuffers.must(uint64(cb)).handle
}

func (d *Device) BeginCommandBuffer(cb gpu.CommandBuffer, usage gpu.CommandBufferUsage) error {
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: toCommandBufferUsage(usage),
	}
	return check("vkBeginCommandBuffer", vk.BeginCommandBuffer(d.cmd(cb), &beginInfo))
}

func (d *Device) EndCommandBuffer(cb gpu.CommandBuffer) error {
	return check("vkEndCommandBuffer", vk.EndCommandBuffer(d.cmd(cb)))
}

func (d *Device) ResetCommandBuffer(cb gpu.CommandBuffer) error {
	return check("vkResetCommandBuffer", vk.ResetCommandBuffer(d.cmd(cb), 0))
}

func (d *Device) CmdBeginRenderPass(cb gpu.CommandBuffer, info gpu.RenderPassBeginInfo) {
	clearValues := make([]vk.ClearValue, len(info.ClearValues))
	for i, c := range info.ClearValues {
		if c.IsDepth {
			clearValues[i].SetDepthStencil(c.Depth, c.Stencil)
		} else {
			clearValues[i].SetColor(c.Color[:])
		}
	}
	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  d.passes.must(uint64(info.RenderPass)),
		Framebuffer: d.fbs.must(uint64(info.Framebuffer)),
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: info.Area.X, Y: info.Area.Y},
			Extent: toExtent(info.Area.Extent),
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vk.CmdBeginRenderPass(d.cmd(cb), &beginInfo, vk.SubpassContentsInline)
}

func (d *Device) CmdEndRenderPass(cb gpu.CommandBuffer) {
	vk.CmdEndRenderPass(d.cmd(cb))
}

func (d *Device) CmdBindPipeline(cb gpu.CommandBuffer, bindPoint gpu.PipelineBindPoint, p gpu.Pipeline) {
	vk.CmdBindPipeline(d.cmd(cb), toBindPoint(bindPoint), d.pipelines.must(uint64(p)))
}

// CmdSetViewport flips the viewport vertically so clip space matches the
// OpenGL convention the shaders are written for.
func (d *Device) CmdSetViewport(cb gpu.CommandBuffer, vp gpu.Viewport) {
	viewport := vk.Viewport{
		X:        vp.X,
		Y:        vp.Y + vp.Height,
		Width:    vp.Width,
		Height:   -vp.Height,
		MinDepth: vp.MinDepth,
		MaxDepth: vp.MaxDepth,
	}
	vk.CmdSetViewport(d.cmd(cb), 0, 1, []vk.Viewport{viewport})
}

func (d *Device) CmdSetScissor(cb gpu.CommandBuffer, r gpu.Rect2D) {
	scissor := vk.Rect2D{
		Offset: vk.Offset2D{X: r.X, Y: r.Y},
		Extent: toExtent(r.Extent),
	}
	vk.CmdSetScissor(d.cmd(cb), 0, 1, []vk.Rect2D{scissor})
}

func (d *Device) CmdBindVertexBuffers(cb gpu.CommandBuffer, firstBinding uint32, buffers []gpu.Buffer, offsets []uint64) {
	vb := make([]vk.Buffer, len(buffers))
	vo := make([]vk.DeviceSize, len(buffers))
	for i, b := range buffers {
		vb[i] = d.buffers.must(uint64(b))
		if i < len(offsets) {
			vo[i] = vk.DeviceSize(offsets[i])
		}
	}
	vk.CmdBindVertexBuffers(d.cmd(cb), firstBinding, uint32(len(vb)), vb, vo)
}

func (d *Device) CmdBindIndexBuffer(cb gpu.CommandBuffer, b gpu.Buffer, offset uint64, t gpu.IndexType) {
	vk.CmdBindIndexBuffer(d.cmd(cb), d.buffers.must(uint64(b)), vk.DeviceSize(offset), toIndexType(t))
}

func (d *Device) CmdBindDescriptorSets(cb gpu.CommandBuffer, bindPoint gpu.PipelineBindPoint, layout gpu.PipelineLayout, firstSet uint32, sets []gpu.DescriptorSet) {
	vs := make([]vk.DescriptorSet, len(sets))
	for i, s := range sets {
		vs[i] = d.sets.must(uint64(s)).handle
	}
	vk.CmdBindDescriptorSets(d.cmd(cb), toBindPoint(bindPoint), d.layouts.must(uint64(layout)), firstSet, uint32(len(vs)), vs, 0, nil)
}

func (d *Device) CmdDraw(cb gpu.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	vk.CmdDraw(d.cmd(cb), vertexCount, instanceCount, firstVertex, firstInstance)
}

func (d *Device) CmdDrawIndexed(cb gpu.CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	vk.CmdDrawIndexed(d.cmd(cb), indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

func (d *Device) CmdDispatch(cb gpu.CommandBuffer, x, y, z uint32) {
	vk.CmdDispatch(d.cmd(cb), x, y, z)
}

func (d *Device) CmdCopyBuffer(cb gpu.CommandBuffer, src, dst gpu.Buffer, regions []gpu.BufferCopy) {
	vr := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		vr[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	vk.CmdCopyBuffer(d.cmd(cb), d.buffers.must(uint64(src)), d.buffers.must(uint64(dst)), uint32(len(vr)), vr)
}

func (d *Device) CmdCopyBufferToImage(cb gpu.CommandBuffer, src gpu.Buffer, dst gpu.Image, layout gpu.ImageLayout, regions []gpu.BufferImageCopy) {
	vr := make([]vk.BufferImageCopy, len(regions))
	for i, r := range regions {
		vr[i] = vk.BufferImageCopy{
			BufferOffset: vk.DeviceSize(r.BufferOffset),
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask:     toAspect(r.Aspect),
				MipLevel:       0,
				BaseArrayLayer: r.BaseLayer,
				LayerCount:     max(r.LayerCount, 1),
			},
			ImageExtent: vk.Extent3D{
				Width:  r.Extent.Width,
				Height: r.Extent.Height,
				Depth:  max(r.Extent.Depth, 1),
			},
		}
	}
	vk.CmdCopyBufferToImage(d.cmd(cb), d.buffers.must(uint64(src)), d.images.must(uint64(dst)), toLayout(layout), uint32(len(vr)), vr)
}

func (d *Device) CmdPipelineBarrier(cb gpu.CommandBuffer, src, dst gpu.PipelineStage, barriers []gpu.ImageBarrier) {
	vb := make([]vk.ImageMemoryBarrier, len(barriers))
	for i, b := range barriers {
		vb[i] = vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       toAccess(b.SrcAccess),
			DstAccessMask:       toAccess(b.DstAccess),
			OldLayout:           toLayout(b.OldLayout),
			NewLayout:           toLayout(b.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               d.images.must(uint64(b.Image)),
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask:     toAspect(b.Aspect),
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: b.BaseLayer,
				LayerCount:     max(b.LayerCount, 1),
			},
		}
	}
	vk.CmdPipelineBarrier(d.cmd(cb), toPipelineStage(src), toPipelineStage(dst), 0, 0, nil, 0, nil, uint32(len(vb)), vb)
}
