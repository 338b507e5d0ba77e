package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	createInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		createInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var f vk.Fence
	if err := check("vkCreateFence", vk.CreateFence(d.logical, &createInfo, nil, &f)); err != nil {
		return 0, err
	}
	return gpu.Fence(d.fences.add(f)), nil
}

func (d *Device) DestroyFence(f gpu.Fence) {
	if h, ok := d.fences.remove(uint64(f)); ok {
		vk.DestroyFence(d.logical, h, nil)
	}
}

func (d *Device) vkFences(fences []gpu.Fence) ([]vk.Fence, error) {
	out := make([]vk.Fence, len(fences))
	for i, f := range fences {
		h, ok := d.fences.get(uint64(f))
		if !ok {
			return nil, fmt.Errorf("vulkan: unknown fence %d: %w", f, core.ErrInvalidObjectState)
		}
		out[i] = h
	}
	return out, nil
}

func (d *Device) WaitForFences(fences []gpu.Fence, waitAll bool, timeout uint64) error {
	if len(fences) == 0 {
		return nil
	}
	vf, err := d.vkFences(fences)
	if err != nil {
		return err
	}
	all := vk.Bool32(vk.False)
	if waitAll {
		all = vk.True
	}
	switch res := vk.WaitForFences(d.logical, uint32(len(vf)), vf, all, timeout); res {
	case vk.Success:
		return nil
	case vk.Timeout:
		return gpu.ErrTimeout
	default:
		return check("vkWaitForFences", res)
	}
}

func (d *Device) ResetFences(fences []gpu.Fence) error {
	if len(fences) == 0 {
		return nil
	}
	vf, err := d.vkFences(fences)
	if err != nil {
		return err
	}
	return check("vkResetFences", vk.ResetFences(d.logical, uint32(len(vf)), vf))
}

func (d *Device) FenceSignaled(f gpu.Fence) (bool, error) {
	h, ok := d.fences.get(uint64(f))
	if !ok {
		return false, fmt.Errorf("vulkan: unknown fence %d: %w", f, core.ErrInvalidObjectState)
	}
	switch res := vk.GetFenceStatus(d.logical, h); res {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, check("vkGetFenceStatus", res)
	}
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	createInfo := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var s vk.Semaphore
	if err := check("vkCreateSemaphore", vk.CreateSemaphore(d.logical, &createInfo, nil, &s)); err != nil {
		return 0, err
	}
	return gpu.Semaphore(d.semaphores.add(s)), nil
}

func (d *Device) DestroySemaphore(s gpu.Semaphore) {
	if h, ok := d.semaphores.remove(uint64(s)); ok {
		vk.DestroySemaphore(d.logical, h, nil)
	}
}

func (d *Device) vkSemaphores(sems []gpu.Semaphore) []vk.Semaphore {
	out := make([]vk.Semaphore, len(sems))
	for i, s := range sems {
		out[i] = d.semaphores.must(uint64(s))
	}
	return out
}

// QueueSubmit serializes on the queue family lock. Submission failures are
// reported with core.ErrQueueSubmitFailed.
func (d *Device) QueueSubmit(q gpu.Queue, submits []gpu.SubmitInfo, fence gpu.Fence) error {
	queue, err := d.queue(q)
	if err != nil {
		return err
	}
	vs := make([]vk.SubmitInfo, len(submits))
	for i, s := range submits {
		stages := make([]vk.PipelineStageFlags, len(s.WaitStages))
		for j, st := range s.WaitStages {
			stages[j] = toPipelineStage(st)
		}
		cbs := make([]vk.CommandBuffer, len(s.CommandBuffers))
		for j, cb := range s.CommandBuffers {
			cbs[j] = d.cmd(cb)
		}
		vs[i] = vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(s.WaitSemaphores)),
			PWaitSemaphores:      d.vkSemaphores(s.WaitSemaphores),
			PWaitDstStageMask:    stages,
			CommandBufferCount:   uint32(len(cbs)),
			PCommandBuffers:      cbs,
			SignalSemaphoreCount: uint32(len(s.SignalSemaphores)),
			PSignalSemaphores:    d.vkSemaphores(s.SignalSemaphores),
		}
	}
	var vf vk.Fence
	if fence != 0 {
		vf = d.fences.must(uint64(fence))
	}
	return d.locks.SafeQueueCall(d.QueueFamily(q), func() error {
		if res := vk.QueueSubmit(queue, uint32(len(vs)), vs, vf); res != vk.Success {
			return fmt.Errorf("%w: %w", core.ErrQueueSubmitFailed, check("vkQueueSubmit", res))
		}
		return nil
	})
}
