package commands

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

type State int

const (
	STATE_NOT_ALLOCATED State = iota
	STATE_INITIAL
	STATE_RECORDING
	STATE_IN_RENDER_PASS
	STATE_EXECUTABLE
	STATE_SUBMITTED
)

func (s State) String() string {
	switch s {
	case STATE_NOT_ALLOCATED:
		return "not-allocated"
	case STATE_INITIAL:
		return "initial"
	case STATE_RECORDING:
		return "recording"
	case STATE_IN_RENDER_PASS:
		return "in-render-pass"
	case STATE_EXECUTABLE:
		return "executable"
	case STATE_SUBMITTED:
		return "submitted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CommandBuffer tracks the recording state of a device command buffer and
// refuses commands that do not fit it.
type CommandBuffer struct {
	Handle gpu.CommandBuffer
	// Command buffer state.
	State State

	pool   *Pool
	device gpu.Device
}

func (cb *CommandBuffer) stateError(op string) error {
	return fmt.Errorf("%s on command buffer %d in state %s: %w", op, cb.Handle, cb.State, core.ErrInvalidCommandBufferState)
}

func (cb *CommandBuffer) expect(op string, states ...State) error {
	for _, s := range states {
		if cb.State == s {
			return nil
		}
	}
	return cb.stateError(op)
}

func (cb *CommandBuffer) Begin(isSingleUse, isRenderpassContinue, isSimultaneousUse bool) error {
	if err := cb.expect("begin", STATE_INITIAL); err != nil {
		return err
	}
	var usage gpu.CommandBufferUsage
	if isSingleUse {
		usage |= gpu.UsageOneTimeSubmit
	}
	if isRenderpassContinue {
		usage |= gpu.UsageRenderPassContinue
	}
	if isSimultaneousUse {
		usage |= gpu.UsageSimultaneous
	}
	if err := cb.device.BeginCommandBuffer(cb.Handle, usage); err != nil {
		core.LogError("failed to begin command buffer: %s", err)
		return err
	}
	cb.State = STATE_RECORDING
	return nil
}

func (cb *CommandBuffer) End() error {
	if err := cb.expect("end", STATE_RECORDING); err != nil {
		return err
	}
	if err := cb.device.EndCommandBuffer(cb.Handle); err != nil {
		core.LogError("failed to end command buffer: %s", err)
		return err
	}
	cb.State = STATE_EXECUTABLE
	return nil
}

func (cb *CommandBuffer) UpdateSubmitted() {
	cb.State = STATE_SUBMITTED
}

// Reset returns the buffer to the initial state. The buffer must not be in
// flight.
func (cb *CommandBuffer) Reset() error {
	if cb.State == STATE_NOT_ALLOCATED {
		return cb.stateError("reset")
	}
	if err := cb.device.ResetCommandBuffer(cb.Handle); err != nil {
		return err
	}
	cb.State = STATE_INITIAL
	return nil
}

func (cb *CommandBuffer) BeginRenderPass(info gpu.RenderPassBeginInfo) error {
	if err := cb.expect("begin render pass", STATE_RECORDING); err != nil {
		return err
	}
	cb.device.CmdBeginRenderPass(cb.Handle, info)
	cb.State = STATE_IN_RENDER_PASS
	return nil
}

func (cb *CommandBuffer) EndRenderPass() error {
	if err := cb.expect("end render pass", STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	cb.device.CmdEndRenderPass(cb.Handle)
	cb.State = STATE_RECORDING
	return nil
}

func (cb *CommandBuffer) BindPipeline(bindPoint gpu.PipelineBindPoint, p gpu.Pipeline) error {
	if err := cb.expect("bind pipeline", STATE_RECORDING, STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	cb.device.CmdBindPipeline(cb.Handle, bindPoint, p)
	return nil
}

func (cb *CommandBuffer) SetViewport(vp gpu.Viewport) error {
	if err := cb.expect("set viewport", STATE_RECORDING, STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	cb.device.CmdSetViewport(cb.Handle, vp)
	return nil
}

func (cb *CommandBuffer) SetScissor(r gpu.Rect2D) error {
	if err := cb.expect("set scissor", STATE_RECORDING, STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	cb.device.CmdSetScissor(cb.Handle, r)
	return nil
}

func (cb *CommandBuffer) BindVertexBuffers(first uint32, buffers []gpu.Buffer, offsets []uint64) error {
	if err := cb.expect("bind vertex buffers", STATE_RECORDING, STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	if len(offsets) == 0 {
		offsets = make([]uint64, len(buffers))
	}
	cb.device.CmdBindVertexBuffers(cb.Handle, first, buffers, offsets)
	return nil
}

func (cb *CommandBuffer) BindIndexBuffer(b gpu.Buffer, offset uint64, t gpu.IndexType) error {
	if err := cb.expect("bind index buffer", STATE_RECORDING, STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	cb.device.CmdBindIndexBuffer(cb.Handle, b, offset, t)
	return nil
}

func (cb *CommandBuffer) BindDescriptorSets(bindPoint gpu.PipelineBindPoint, layout gpu.PipelineLayout, first uint32, sets []gpu.DescriptorSet) error {
	if err := cb.expect("bind descriptor sets", STATE_RECORDING, STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	cb.device.CmdBindDescriptorSets(cb.Handle, bindPoint, layout, first, sets)
	return nil
}

func (cb *CommandBuffer) Draw(vertexCount, instanceCount uint32) error {
	if err := cb.expect("draw", STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	cb.device.CmdDraw(cb.Handle, vertexCount, instanceCount, 0, 0)
	return nil
}

func (cb *CommandBuffer) DrawIndexed(indexCount, instanceCount uint32) error {
	if err := cb.expect("draw indexed", STATE_IN_RENDER_PASS); err != nil {
		return err
	}
	cb.device.CmdDrawIndexed(cb.Handle, indexCount, instanceCount, 0, 0, 0)
	return nil
}

func (cb *CommandBuffer) Dispatch(x, y, z uint32) error {
	if err := cb.expect("dispatch", STATE_RECORDING); err != nil {
		return err
	}
	cb.device.CmdDispatch(cb.Handle, x, y, z)
	return nil
}

func (cb *CommandBuffer) CopyBuffer(src, dst gpu.Buffer, regions ...gpu.BufferCopy) error {
	if err := cb.expect("copy buffer", STATE_RECORDING); err != nil {
		return err
	}
	cb.device.CmdCopyBuffer(cb.Handle, src, dst, regions)
	return nil
}

func (cb *CommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, layout gpu.ImageLayout, regions ...gpu.BufferImageCopy) error {
	if err := cb.expect("copy buffer to image", STATE_RECORDING); err != nil {
		return err
	}
	cb.device.CmdCopyBufferToImage(cb.Handle, src, dst, layout, regions)
	return nil
}

func (cb *CommandBuffer) PipelineBarrier(src, dst gpu.PipelineStage, barriers ...gpu.ImageBarrier) error {
	if err := cb.expect("pipeline barrier", STATE_RECORDING); err != nil {
		return err
	}
	cb.device.CmdPipelineBarrier(cb.Handle, src, dst, barriers)
	return nil
}

// Free returns the buffer to its pool.
func (cb *CommandBuffer) Free() {
	if cb.State == STATE_NOT_ALLOCATED {
		return
	}
	cb.pool.free(cb)
}

// EndSingleUse ends recording, submits to queue, waits for the queue to go
// idle and frees the buffer. The buffer is freed on every error path; a
// failed wait means the device is lost and the submission will not run.
func (cb *CommandBuffer) EndSingleUse(queue gpu.Queue) error {
	// End the command buffer.
	if err := cb.End(); err != nil {
		cb.Free()
		return err
	}

	// Submit the queue
	submit := gpu.SubmitInfo{CommandBuffers: []gpu.CommandBuffer{cb.Handle}}
	if err := cb.device.QueueSubmit(queue, []gpu.SubmitInfo{submit}, 0); err != nil {
		core.LogError("failed submit info to queue: %s", err)
		cb.Free()
		return fmt.Errorf("single use submit: %w", err)
	}
	cb.UpdateSubmitted()

	// Wait for it to finish
	if err := cb.device.QueueWaitIdle(queue); err != nil {
		core.LogError("queue failed to wait in idle mode: %s", err)
		cb.Free()
		return fmt.Errorf("single use wait: %w", err)
	}

	// Free the command buffer.
	cb.Free()
	return nil
}
