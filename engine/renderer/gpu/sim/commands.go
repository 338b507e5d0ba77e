package sim

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbPending
	cbInvalid
)

func (s cbState) String() string {
	return [...]string{"initial", "recording", "executable", "pending", "invalid"}[s]
}

type command struct {
	name string
	exec func()
}

type commandPool struct {
	family     uint32
	resettable bool
	buffers    []gpu.CommandBuffer
}

type commandBuffer struct {
	pool         gpu.CommandPool
	state        cbState
	usage        gpu.CommandBufferUsage
	commands     []command
	refs         map[uint64]bool
	inRenderPass bool
	pipelines    [2]gpu.Pipeline
	sets         [2][]gpu.DescriptorSet
	indexBound   bool
}

func (c *commandBuffer) clear() {
	c.commands = nil
	c.refs = make(map[uint64]bool)
	c.inRenderPass = false
	c.pipelines = [2]gpu.Pipeline{}
	c.sets = [2][]gpu.DescriptorSet{}
	c.indexBound = false
}

func (d *Device) CreateCommandPool(queueFamily uint32, resettable bool) (gpu.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.CommandPool(d.newHandle("command-pool"))
	d.cmdPools[h] = &commandPool{family: queueFamily, resettable: resettable}
	return h, nil
}

func (d *Device) DestroyCommandPool(h gpu.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.cmdPools[h]; ok {
		for _, cb := range p.buffers {
			if d.isLive(uint64(cb), "command-buffer") {
				d.release(uint64(cb), "command-buffer")
				delete(d.cmdBuffers, cb)
			}
		}
	}
	if d.release(uint64(h), "command-pool") {
		delete(d.cmdPools, h)
	}
}

func (d *Device) ResetCommandPool(h gpu.CommandPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.cmdPools[h]
	if !ok {
		return fmt.Errorf("reset command pool %d: %w", h, core.ErrStaleHandle)
	}
	for _, cbh := range p.buffers {
		cb, ok := d.cmdBuffers[cbh]
		if !ok {
			continue
		}
		if cb.state == cbPending {
			d.violate("command pool %d reset while command buffer %d is pending", h, cbh)
		}
		cb.clear()
		cb.state = cbInitial
	}
	return nil
}

func (d *Device) AllocateCommandBuffers(h gpu.CommandPool, count int) ([]gpu.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.cmdPools[h]
	if !ok {
		return nil, fmt.Errorf("allocate command buffers: pool %d: %w", h, core.ErrStaleHandle)
	}
	out := make([]gpu.CommandBuffer, count)
	for i := range out {
		cbh := gpu.CommandBuffer(d.newHandle("command-buffer"))
		cb := &commandBuffer{pool: h}
		cb.clear()
		d.cmdBuffers[cbh] = cb
		p.buffers = append(p.buffers, cbh)
		out[i] = cbh
	}
	return out, nil
}

func (d *Device) FreeCommandBuffers(h gpu.CommandPool, cbs []gpu.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.cmdPools[h]
	for _, cbh := range cbs {
		if d.release(uint64(cbh), "command-buffer") {
			delete(d.cmdBuffers, cbh)
		}
		if p == nil {
			continue
		}
		for i, b := range p.buffers {
			if b == cbh {
				p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
				break
			}
		}
	}
}

func (d *Device) BeginCommandBuffer(h gpu.CommandBuffer, usage gpu.CommandBufferUsage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[h]
	if !ok {
		return fmt.Errorf("begin command buffer %d: %w", h, core.ErrStaleHandle)
	}
	switch cb.state {
	case cbInitial:
	case cbExecutable, cbInvalid:
		if !d.cmdPools[cb.pool].resettable {
			return fmt.Errorf("begin command buffer %d in state %s: %w", h, cb.state, core.ErrInvalidCommandBufferState)
		}
		cb.clear()
	default:
		return fmt.Errorf("begin command buffer %d in state %s: %w", h, cb.state, core.ErrInvalidCommandBufferState)
	}
	cb.state = cbRecording
	cb.usage = usage
	return nil
}

func (d *Device) EndCommandBuffer(h gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[h]
	if !ok {
		return fmt.Errorf("end command buffer %d: %w", h, core.ErrStaleHandle)
	}
	if cb.state != cbRecording {
		return fmt.Errorf("end command buffer %d in state %s: %w", h, cb.state, core.ErrInvalidCommandBufferState)
	}
	if cb.inRenderPass {
		return fmt.Errorf("end command buffer %d inside a render pass: %w", h, core.ErrInvalidCommandBufferState)
	}
	cb.state = cbExecutable
	return nil
}

func (d *Device) ResetCommandBuffer(h gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[h]
	if !ok {
		return fmt.Errorf("reset command buffer %d: %w", h, core.ErrStaleHandle)
	}
	if cb.state == cbPending {
		return fmt.Errorf("reset command buffer %d while pending: %w", h, core.ErrInvalidCommandBufferState)
	}
	if !d.cmdPools[cb.pool].resettable {
		return fmt.Errorf("reset command buffer %d from a non-resettable pool: %w", h, core.ErrInvalidCommandBufferState)
	}
	cb.clear()
	cb.state = cbInitial
	return nil
}

// Commands returns the names of the commands recorded into a command buffer.
func (d *Device) Commands(h gpu.CommandBuffer) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[h]
	if !ok {
		return nil
	}
	out := make([]string, len(cb.commands))
	for i, c := range cb.commands {
		out[i] = c.name
	}
	return out
}

// cmd appends a command to a recording command buffer. Commands recorded
// outside the recording state are dropped and reported.
func (d *Device) cmd(h gpu.CommandBuffer, name string, refs []uint64, exec func()) *commandBuffer {
	cb, ok := d.cmdBuffers[h]
	if !ok {
		d.violate("%s on unknown command buffer %d", name, h)
		return nil
	}
	if cb.state != cbRecording {
		d.violate("%s on command buffer %d in state %s", name, h, cb.state)
		return nil
	}
	for _, r := range refs {
		if r != 0 {
			cb.refs[r] = true
		}
	}
	cb.commands = append(cb.commands, command{name: name, exec: exec})
	return cb
}

func (d *Device) CmdBeginRenderPass(h gpu.CommandBuffer, info gpu.RenderPassBeginInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.cmdBuffers[h]; ok && cb.inRenderPass {
		d.violate("render pass begun twice on command buffer %d", h)
		return
	}
	if !d.isLive(uint64(info.Framebuffer), "framebuffer") {
		d.violate("render pass begun with unknown framebuffer %d", info.Framebuffer)
	}
	if cb := d.cmd(h, "BeginRenderPass", []uint64{uint64(info.RenderPass), uint64(info.Framebuffer)}, nil); cb != nil {
		cb.inRenderPass = true
	}
}

func (d *Device) CmdEndRenderPass(h gpu.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.cmdBuffers[h]; ok && !cb.inRenderPass {
		d.violate("render pass ended without begin on command buffer %d", h)
		return
	}
	if cb := d.cmd(h, "EndRenderPass", nil, nil); cb != nil {
		cb.inRenderPass = false
	}
}

func (d *Device) CmdBindPipeline(h gpu.CommandBuffer, bindPoint gpu.PipelineBindPoint, p gpu.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pl, ok := d.pipelines[p]
	if !ok {
		d.violate("bind of unknown pipeline %d", p)
		return
	}
	if pl.bindPoint != bindPoint {
		d.violate("pipeline %d bound to the wrong bind point", p)
	}
	if cb := d.cmd(h, "BindPipeline", []uint64{uint64(p)}, nil); cb != nil {
		cb.pipelines[bindPoint] = p
	}
}

func (d *Device) CmdSetViewport(h gpu.CommandBuffer, vp gpu.Viewport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmd(h, "SetViewport", nil, nil)
}

func (d *Device) CmdSetScissor(h gpu.CommandBuffer, r gpu.Rect2D) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmd(h, "SetScissor", nil, nil)
}

func (d *Device) CmdBindVertexBuffers(h gpu.CommandBuffer, firstBinding uint32, buffers []gpu.Buffer, offsets []uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	refs := make([]uint64, 0, len(buffers)*2)
	for _, b := range buffers {
		buf, ok := d.buffers[b]
		if !ok {
			d.violate("bind of unknown vertex buffer %d", b)
			continue
		}
		if buf.info.Usage&gpu.BufferUsageVertex == 0 {
			d.violate("buffer %d bound as vertex buffer without vertex usage", b)
		}
		refs = append(refs, uint64(b), uint64(buf.mem))
	}
	d.cmd(h, "BindVertexBuffers", refs, nil)
}

func (d *Device) CmdBindIndexBuffer(h gpu.CommandBuffer, b gpu.Buffer, offset uint64, t gpu.IndexType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		d.violate("bind of unknown index buffer %d", b)
		return
	}
	if buf.info.Usage&gpu.BufferUsageIndex == 0 {
		d.violate("buffer %d bound as index buffer without index usage", b)
	}
	if cb := d.cmd(h, "BindIndexBuffer", []uint64{uint64(b), uint64(buf.mem)}, nil); cb != nil {
		cb.indexBound = true
	}
}

func (d *Device) CmdBindDescriptorSets(h gpu.CommandBuffer, bindPoint gpu.PipelineBindPoint, layout gpu.PipelineLayout, firstSet uint32, sets []gpu.DescriptorSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	refs := []uint64{uint64(layout)}
	for _, s := range sets {
		ds, ok := d.sets[s]
		if !ok {
			d.violate("bind of unknown descriptor set %d", s)
			continue
		}
		refs = append(refs, uint64(s))
		refs = append(refs, d.setRefs(ds)...)
	}
	if cb := d.cmd(h, "BindDescriptorSets", refs, nil); cb != nil {
		cb.sets[bindPoint] = append([]gpu.DescriptorSet(nil), sets...)
	}
}

func (d *Device) CmdDraw(h gpu.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.cmdBuffers[h]; ok && (!cb.inRenderPass || cb.pipelines[gpu.BindPointGraphics] == 0) {
		d.violate("draw on command buffer %d outside a render pass or without a pipeline", h)
	}
	d.cmd(h, "Draw", nil, func() { d.stats.Draws++ })
}

func (d *Device) CmdDrawIndexed(h gpu.CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.cmdBuffers[h]; ok {
		if !cb.inRenderPass || cb.pipelines[gpu.BindPointGraphics] == 0 {
			d.violate("draw on command buffer %d outside a render pass or without a pipeline", h)
		}
		if !cb.indexBound {
			d.violate("indexed draw on command buffer %d without an index buffer", h)
		}
	}
	d.cmd(h, "DrawIndexed", nil, func() { d.stats.Draws++ })
}

func (d *Device) CmdDispatch(h gpu.CommandBuffer, x, y, z uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[h]
	if !ok {
		d.cmd(h, "Dispatch", nil, nil)
		return
	}
	if cb.inRenderPass {
		d.violate("dispatch inside a render pass on command buffer %d", h)
	}
	p := cb.pipelines[gpu.BindPointCompute]
	sets := cb.sets[gpu.BindPointCompute]
	if p == 0 {
		d.violate("dispatch on command buffer %d without a compute pipeline", h)
	}
	d.cmd(h, "Dispatch", nil, func() {
		d.stats.Dispatches++
		d.runKernel(p, sets, [3]uint32{x, y, z})
	})
}

func (d *Device) CmdCopyBuffer(h gpu.CommandBuffer, src, dst gpu.Buffer, regions []gpu.BufferCopy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, sok := d.buffers[src]
	t, tok := d.buffers[dst]
	if !sok || !tok {
		d.violate("copy between unknown buffers %d and %d", src, dst)
		return
	}
	if s.info.Usage&gpu.BufferUsageTransferSrc == 0 || t.info.Usage&gpu.BufferUsageTransferDst == 0 {
		d.violate("copy from buffer %d to %d without transfer usage", src, dst)
	}
	for _, r := range regions {
		if r.SrcOffset+r.Size > s.info.Size || r.DstOffset+r.Size > t.info.Size {
			d.violate("copy region %+v out of bounds", r)
			return
		}
	}
	regions = append([]gpu.BufferCopy(nil), regions...)
	d.cmd(h, "CopyBuffer", []uint64{uint64(src), uint64(dst), uint64(s.mem), uint64(t.mem)}, func() {
		sb, ok1 := d.bytesOf(src)
		db, ok2 := d.bytesOf(dst)
		if !ok1 || !ok2 {
			d.violate("copy executed on buffers without memory")
			return
		}
		for _, r := range regions {
			copy(db[r.DstOffset:r.DstOffset+r.Size], sb[r.SrcOffset:r.SrcOffset+r.Size])
		}
		d.stats.Copies++
	})
}

func (d *Device) CmdCopyBufferToImage(h gpu.CommandBuffer, src gpu.Buffer, dst gpu.Image, layout gpu.ImageLayout, regions []gpu.BufferImageCopy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, sok := d.buffers[src]
	im, iok := d.images[dst]
	if !sok || !iok {
		d.violate("copy from unknown buffer %d to unknown image %d", src, dst)
		return
	}
	if layout != gpu.LayoutTransferDst && layout != gpu.LayoutGeneral {
		d.violate("copy to image %d declared in layout %s", dst, layout)
	}
	regions = append([]gpu.BufferImageCopy(nil), regions...)
	d.cmd(h, "CopyBufferToImage", []uint64{uint64(src), uint64(dst), uint64(s.mem), uint64(im.mem)}, func() {
		sb, ok := d.bytesOf(src)
		im, iok := d.images[dst]
		if !ok || !iok || im.mem == 0 {
			d.violate("copy to image executed without memory")
			return
		}
		data := d.memories[im.mem].data
		layer := im.layerSize()
		for _, r := range regions {
			count := r.LayerCount
			if count == 0 {
				count = 1
			}
			for l := r.BaseLayer; l < r.BaseLayer+count; l++ {
				if int(l) >= len(im.layouts) {
					d.violate("copy to image %d layer %d out of range", dst, l)
					return
				}
				if im.layouts[l] != layout {
					d.violate("copy to image %d layer %d in layout %s, declared %s", dst, l, im.layouts[l], layout)
				}
				from := r.BufferOffset + uint64(l-r.BaseLayer)*layer
				if from+layer > uint64(len(sb)) {
					d.violate("copy to image %d reads past the end of buffer %d", dst, src)
					return
				}
				to := im.offset + uint64(l)*layer
				copy(data[to:to+layer], sb[from:from+layer])
			}
		}
		d.stats.Copies++
	})
}

func (d *Device) CmdPipelineBarrier(h gpu.CommandBuffer, src, dst gpu.PipelineStage, barriers []gpu.ImageBarrier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	refs := make([]uint64, 0, len(barriers))
	for _, b := range barriers {
		if _, ok := d.images[b.Image]; !ok {
			d.violate("barrier on unknown image %d", b.Image)
			return
		}
		refs = append(refs, uint64(b.Image))
	}
	barriers = append([]gpu.ImageBarrier(nil), barriers...)
	d.cmd(h, "PipelineBarrier", refs, func() {
		for _, b := range barriers {
			im, ok := d.images[b.Image]
			if !ok {
				continue
			}
			count := b.LayerCount
			if count == 0 {
				count = uint32(len(im.layouts)) - b.BaseLayer
			}
			for l := b.BaseLayer; l < b.BaseLayer+count && int(l) < len(im.layouts); l++ {
				if b.OldLayout != gpu.LayoutUndefined && im.layouts[l] != b.OldLayout {
					d.violate("barrier on image %d layer %d expects %s, image is %s", b.Image, l, b.OldLayout, im.layouts[l])
				}
				im.layouts[l] = b.NewLayout
			}
		}
	})
}
