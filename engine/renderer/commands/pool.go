// Package commands wraps command pools and command buffers and records the
// per-frame draw sequence.
package commands

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Pool is a command pool bound to the family of one queue. It is shared by
// every component that records for that queue; resetting it returns every
// buffer allocated from it to the initial state.
type Pool struct {
	Handle gpu.CommandPool
	Queue  gpu.Queue
	Family uint32

	device  gpu.Device
	buffers map[gpu.CommandBuffer]*CommandBuffer
}

func NewPool(device gpu.Device, queue gpu.Queue, resettable bool) (*Pool, error) {
	family := device.QueueFamily(queue)
	h, err := device.CreateCommandPool(family, resettable)
	if err != nil {
		return nil, fmt.Errorf("create command pool for family %d: %w", family, err)
	}
	return &Pool{
		Handle:  h,
		Queue:   queue,
		Family:  family,
		device:  device,
		buffers: make(map[gpu.CommandBuffer]*CommandBuffer),
	}, nil
}

func (p *Pool) Allocate(count int) ([]*CommandBuffer, error) {
	handles, err := p.device.AllocateCommandBuffers(p.Handle, count)
	if err != nil {
		core.LogError("failed to allocate command buffer: %s", err)
		return nil, err
	}
	out := make([]*CommandBuffer, len(handles))
	for i, h := range handles {
		cb := &CommandBuffer{Handle: h, State: STATE_INITIAL, pool: p, device: p.device}
		p.buffers[h] = cb
		out[i] = cb
	}
	return out, nil
}

// AllocateAndBeginSingleUse allocates a buffer and begins recording it for
// one submission.
func (p *Pool) AllocateAndBeginSingleUse() (*CommandBuffer, error) {
	cbs, err := p.Allocate(1)
	if err != nil {
		return nil, err
	}
	if err := cbs[0].Begin(true, false, false); err != nil {
		cbs[0].Free()
		return nil, err
	}
	return cbs[0], nil
}

func (p *Pool) free(cb *CommandBuffer) {
	p.device.FreeCommandBuffers(p.Handle, []gpu.CommandBuffer{cb.Handle})
	delete(p.buffers, cb.Handle)
	cb.Handle = 0
	cb.State = STATE_NOT_ALLOCATED
}

// Reset returns every buffer of the pool to the initial state. None of them
// may be in flight.
func (p *Pool) Reset() error {
	if err := p.device.ResetCommandPool(p.Handle); err != nil {
		return err
	}
	for _, cb := range p.buffers {
		cb.State = STATE_INITIAL
	}
	return nil
}

// Destroy frees the pool and every buffer allocated from it.
func (p *Pool) Destroy() {
	if p.Handle == 0 {
		return
	}
	p.device.DestroyCommandPool(p.Handle)
	for _, cb := range p.buffers {
		cb.Handle = 0
		cb.State = STATE_NOT_ALLOCATED
	}
	p.buffers = nil
	p.Handle = 0
}
