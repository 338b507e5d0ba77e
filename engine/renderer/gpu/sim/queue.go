package sim

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

type fence struct {
	signaled bool
	pending  *submission
}

// semaphore counts outstanding signal operations. A binary semaphore may
// have at most one.
type semaphore struct {
	signals int
}

type submission struct {
	seq     uint64
	queue   gpu.Queue
	family  uint32
	buffers []gpu.CommandBuffer
	signal  []gpu.Semaphore
	fence   gpu.Fence
	refs    map[uint64]bool
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateFence); err != nil {
		return 0, err
	}
	h := gpu.Fence(d.newHandle("fence"))
	d.fences[h] = &fence{signaled: signaled}
	return h, nil
}

func (d *Device) DestroyFence(f gpu.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fe, ok := d.fences[f]; ok && fe.pending != nil {
		d.violate("fence %d destroyed while submission %d is in flight", f, fe.pending.seq)
	}
	if d.release(uint64(f), "fence") {
		delete(d.fences, f)
	}
}

func (d *Device) WaitForFences(fences []gpu.Fence, waitAll bool, timeout uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var target *submission
	signaled := 0
	for _, f := range fences {
		fe, ok := d.fences[f]
		if !ok {
			return fmt.Errorf("wait for fence %d: %w", f, core.ErrStaleHandle)
		}
		d.record(Event{Kind: EventFenceWait, Handle: uint64(f)})
		if fe.signaled {
			signaled++
			continue
		}
		if fe.pending == nil {
			continue
		}
		if target == nil || (waitAll && fe.pending.seq > target.seq) || (!waitAll && fe.pending.seq < target.seq) {
			target = fe.pending
		}
	}
	if signaled == len(fences) || (!waitAll && signaled > 0) {
		return nil
	}
	if target == nil {
		if timeout == gpu.WaitForever {
			d.violate("wait on fences %v that no submission will signal", fences)
		}
		return gpu.ErrTimeout
	}
	d.retireThrough(target.seq)
	for _, f := range fences {
		if !d.fences[f].signaled && waitAll {
			if timeout == gpu.WaitForever {
				d.violate("wait on fence %d that no submission will signal", f)
			}
			return gpu.ErrTimeout
		}
	}
	return nil
}

func (d *Device) ResetFences(fences []gpu.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range fences {
		fe, ok := d.fences[f]
		if !ok {
			return fmt.Errorf("reset fence %d: %w", f, core.ErrStaleHandle)
		}
		if fe.pending != nil {
			d.violate("fence %d reset while submission %d is in flight", f, fe.pending.seq)
		}
		fe.signaled = false
		d.record(Event{Kind: EventFenceReset, Handle: uint64(f)})
	}
	return nil
}

func (d *Device) FenceSignaled(f gpu.Fence) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fe, ok := d.fences[f]
	if !ok {
		return false, fmt.Errorf("fence %d: %w", f, core.ErrStaleHandle)
	}
	return fe.signaled, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateSemaphore); err != nil {
		return 0, err
	}
	h := gpu.Semaphore(d.newHandle("semaphore"))
	d.semaphores[h] = &semaphore{}
	return h, nil
}

func (d *Device) DestroySemaphore(s gpu.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(s), "semaphore") {
		delete(d.semaphores, s)
	}
}

func (d *Device) signalSemaphore(h gpu.Semaphore, by string) {
	s, ok := d.semaphores[h]
	if !ok {
		d.violate("%s signals unknown semaphore %d", by, h)
		return
	}
	s.signals++
	if s.signals > 1 {
		d.violate("%s signals semaphore %d that is already signaled", by, h)
	}
}

func (d *Device) waitSemaphore(h gpu.Semaphore, by string) {
	s, ok := d.semaphores[h]
	if !ok {
		d.violate("%s waits on unknown semaphore %d", by, h)
		return
	}
	if s.signals == 0 {
		d.violate("%s waits on semaphore %d that nothing signals", by, h)
		return
	}
	s.signals--
}

func (d *Device) QueueSubmit(q gpu.Queue, submits []gpu.SubmitInfo, f gpu.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpQueueSubmit); err != nil {
		return fmt.Errorf("%w: %w", core.ErrQueueSubmitFailed, err)
	}
	family, ok := d.queues[q]
	if !ok {
		return fmt.Errorf("submit to unknown queue %d: %w", q, core.ErrQueueSubmitFailed)
	}
	var fe *fence
	if f != 0 {
		if fe, ok = d.fences[f]; !ok {
			return fmt.Errorf("submit with fence %d: %w", f, core.ErrStaleHandle)
		}
		if fe.signaled || fe.pending != nil {
			d.violate("submit with fence %d that is not reset", f)
		}
	}
	// Validate everything before changing any state.
	for _, si := range submits {
		if len(si.WaitStages) != len(si.WaitSemaphores) {
			return fmt.Errorf("submit: %d wait semaphores with %d stages: %w", len(si.WaitSemaphores), len(si.WaitStages), core.ErrInvalidObjectState)
		}
		for _, cbh := range si.CommandBuffers {
			cb, ok := d.cmdBuffers[cbh]
			if !ok {
				return fmt.Errorf("submit command buffer %d: %w", cbh, core.ErrStaleHandle)
			}
			if cb.state != cbExecutable {
				return fmt.Errorf("submit command buffer %d in state %s: %w", cbh, cb.state, core.ErrInvalidCommandBufferState)
			}
			if pf := d.cmdPools[cb.pool].family; pf != family {
				return fmt.Errorf("submit command buffer %d from family %d to family %d: %w", cbh, pf, family, core.ErrInvalidObjectState)
			}
		}
	}

	for i, si := range submits {
		d.submitSeq++
		sub := &submission{
			seq:     d.submitSeq,
			queue:   q,
			family:  family,
			buffers: append([]gpu.CommandBuffer(nil), si.CommandBuffers...),
			signal:  append([]gpu.Semaphore(nil), si.SignalSemaphores...),
			refs:    make(map[uint64]bool),
		}
		for _, s := range si.WaitSemaphores {
			d.waitSemaphore(s, fmt.Sprintf("submission %d", sub.seq))
			sub.refs[uint64(s)] = true
		}
		for _, s := range si.SignalSemaphores {
			d.signalSemaphore(s, fmt.Sprintf("submission %d", sub.seq))
			sub.refs[uint64(s)] = true
		}
		for _, cbh := range si.CommandBuffers {
			cb := d.cmdBuffers[cbh]
			cb.state = cbPending
			sub.refs[uint64(cbh)] = true
			for r := range cb.refs {
				sub.refs[r] = true
				if buf, ok := d.buffers[gpu.Buffer(r)]; ok && d.isLive(r, "buffer") {
					buf.families[family] = true
					if buf.info.Sharing == gpu.SharingExclusive && len(buf.families) > 1 {
						d.violate("exclusive buffer %d used by more than one queue family", r)
					}
				}
			}
		}
		if i == len(submits)-1 && fe != nil {
			sub.fence = f
			sub.refs[uint64(f)] = true
			fe.pending = sub
		}
		d.pending = append(d.pending, sub)
		d.stats.Submissions++
		d.record(Event{Kind: EventSubmit, Handle: uint64(q), Submission: sub.seq, Fence: uint64(sub.fence)})
	}
	if len(submits) == 0 && fe != nil {
		// An empty submit only signals the fence once earlier work is done.
		d.submitSeq++
		sub := &submission{seq: d.submitSeq, queue: q, family: family, fence: f, refs: map[uint64]bool{uint64(f): true}}
		fe.pending = sub
		d.pending = append(d.pending, sub)
	}
	if d.opts.MaxPending > 0 {
		for len(d.pending) > d.opts.MaxPending {
			d.retireThrough(d.pending[0].seq)
		}
	}
	return nil
}

// retireThrough completes every submission up to and including seq, in
// submission order. Queues are modelled as one in-order timeline.
func (d *Device) retireThrough(seq uint64) {
	for len(d.pending) > 0 && d.pending[0].seq <= seq {
		sub := d.pending[0]
		d.pending = d.pending[1:]
		for _, cbh := range sub.buffers {
			cb, ok := d.cmdBuffers[cbh]
			if !ok {
				continue
			}
			for _, c := range cb.commands {
				if c.exec != nil {
					c.exec()
				}
			}
			if cb.usage&gpu.UsageOneTimeSubmit != 0 {
				cb.state = cbInvalid
			} else {
				cb.state = cbExecutable
			}
		}
		if sub.fence != 0 {
			if fe, ok := d.fences[sub.fence]; ok {
				fe.signaled = true
				fe.pending = nil
			}
			d.record(Event{Kind: EventFenceSignal, Handle: uint64(sub.fence), Submission: sub.seq})
		}
	}
}

func (d *Device) QueueWaitIdle(q gpu.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[q]; !ok {
		return fmt.Errorf("wait idle on unknown queue %d: %w", q, core.ErrDeviceFailure)
	}
	if err := d.injected(OpQueueWaitIdle); err != nil {
		return err
	}
	var last uint64
	for _, s := range d.pending {
		if s.queue == q {
			last = s.seq
		}
	}
	d.retireThrough(last)
	d.record(Event{Kind: EventQueueWaitIdle, Handle: uint64(q)})
	return nil
}

func (d *Device) DeviceWaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.pending); n > 0 {
		d.retireThrough(d.pending[n-1].seq)
	}
	d.record(Event{Kind: EventDeviceWaitIdle})
	return nil
}
