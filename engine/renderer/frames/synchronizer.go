// Package frames paces frames in flight: one slot per frame in flight, each
// with its own fence, semaphores and command buffer, cycled for the life of
// the process.
package frames

import (
	"fmt"
	"time"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

type SlotState uint8

const (
	SlotIdle SlotState = iota
	SlotAcquiring
	SlotRecording
	SlotSubmitted
	SlotPresented
)

func (s SlotState) String() string {
	return [...]string{"idle", "acquiring", "recording", "submitted", "presented"}[s]
}

// Slot is one frame in flight.
type Slot struct {
	Index          int
	ImageAvailable gpu.Semaphore
	RenderFinished gpu.Semaphore
	InFlight       *Fence
	CommandBuffer  *commands.CommandBuffer
	State          SlotState

	// tick of the last frame submitted from this slot, -1 before the first.
	lastTick int64
}

// Frame is the frame being recorded between BeginFrame and SubmitAndPresent.
type Frame struct {
	Slot          *Slot
	Tick          uint64
	ImageIndex    uint32
	CommandBuffer *commands.CommandBuffer
}

// Synchronizer implements the per tick protocol: wait for the slot fence,
// reset it, acquire an image, hand out the command buffer for recording,
// then submit and present.
type Synchronizer struct {
	device  gpu.Device
	pool    *commands.Pool
	slots   []*Slot
	timeout uint64
	metrics *core.FrameMetrics

	tick      uint64
	completed int64
	// awaiting is set once the current slot fence was waited on and reset
	// but nothing has been submitted with it yet. A retry after an out of
	// date surface must not wait on it again.
	awaiting bool
	current  *Frame

	// tick that last rendered to each swapchain image, -1 if none.
	imagesInFlight []int64
}

// New creates the slots. pool must belong to the graphics queue and allow
// resetting individual command buffers.
func New(device gpu.Device, pool *commands.Pool, framesInFlight int, timeout time.Duration, metrics *core.FrameMetrics) (*Synchronizer, error) {
	if framesInFlight < 1 {
		return nil, fmt.Errorf("%d frames in flight: %w", framesInFlight, core.ErrInitializationFailure)
	}
	s := &Synchronizer{
		device:    device,
		pool:      pool,
		timeout:   gpu.WaitForever,
		metrics:   metrics,
		completed: -1,
	}
	if timeout > 0 {
		s.timeout = uint64(timeout.Nanoseconds())
	}

	scope := core.NewScope(nil)
	cbs, err := pool.Allocate(framesInFlight)
	if err != nil {
		return nil, fmt.Errorf("allocate frame command buffers: %w: %w", core.ErrInitializationFailure, err)
	}
	for _, cb := range cbs {
		scope.PushFunc("command-buffer", cb.Free)
	}

	for i := 0; i < framesInFlight; i++ {
		slot := &Slot{Index: i, CommandBuffer: cbs[i], lastTick: -1}
		if slot.ImageAvailable, err = device.CreateSemaphore(); err != nil {
			_ = scope.Rollback()
			return nil, fmt.Errorf("create image available semaphore: %w: %w", core.ErrInitializationFailure, err)
		}
		sem := slot.ImageAvailable
		scope.PushFunc("semaphore", func() { device.DestroySemaphore(sem) })

		if slot.RenderFinished, err = device.CreateSemaphore(); err != nil {
			_ = scope.Rollback()
			return nil, fmt.Errorf("create render finished semaphore: %w: %w", core.ErrInitializationFailure, err)
		}
		sem2 := slot.RenderFinished
		scope.PushFunc("semaphore", func() { device.DestroySemaphore(sem2) })

		// Create the fence in a signaled state, indicating that the first frame has already been "rendered".
		// This will prevent the application from waiting indefinitely for the first frame to render since it
		// cannot be rendered until a frame is "rendered" before it.
		if slot.InFlight, err = NewFence(device, true); err != nil {
			_ = scope.Rollback()
			return nil, err
		}
		scope.PushFunc("fence", slot.InFlight.Destroy)
		s.slots = append(s.slots, slot)
	}
	scope.Commit()
	return s, nil
}

func (s *Synchronizer) FramesInFlight() int { return len(s.slots) }

func (s *Synchronizer) Slot(i int) *Slot { return s.slots[i] }

// Tick returns the tick of the next frame to begin.
func (s *Synchronizer) Tick() uint64 { return s.tick }

// Completed returns the newest tick whose fence has been observed signaled,
// or -1 when none has.
func (s *Synchronizer) Completed() int64 { return s.completed }

// SlotInFlight reports whether the last frame submitted from slot may still
// be executing.
func (s *Synchronizer) SlotInFlight(slot int) bool {
	if slot < 0 || slot >= len(s.slots) {
		return false
	}
	return s.slots[slot].lastTick > s.completed
}

func (s *Synchronizer) observe(tick int64) {
	if tick > s.completed {
		s.completed = tick
	}
}

// ResetImages forgets which frames used which swapchain images. Called
// after the swapchain was rebuilt with count images.
func (s *Synchronizer) ResetImages(count uint32) {
	s.imagesInFlight = make([]int64, count)
	for i := range s.imagesInFlight {
		s.imagesInFlight[i] = -1
	}
}

// BeginFrame waits for the current slot to be free, acquires the next image
// of sc and returns the frame to record. An out of date surface is returned
// as is; the caller rebuilds the surface and calls BeginFrame again.
func (s *Synchronizer) BeginFrame(sc gpu.Swapchain) (*Frame, error) {
	if s.current != nil {
		return nil, fmt.Errorf("begin frame %d while frame %d is open: %w", s.tick, s.current.Tick, core.ErrInvalidObjectState)
	}
	slot := s.slots[s.tick%uint64(len(s.slots))]

	if !s.awaiting {
		// Wait for the execution of the current frame to complete. The fence being free will allow this one to move on.
		start := time.Now()
		if err := slot.InFlight.Wait(s.timeout); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.AddFenceWait(time.Since(start))
		}
		s.observe(slot.lastTick)
		if err := slot.InFlight.Reset(); err != nil {
			return nil, err
		}
		s.awaiting = true
	}
	slot.State = SlotAcquiring

	// Acquire the next image from the swap chain. Pass along the semaphore that should signaled when this completes.
	// This same semaphore will later be waited on by the queue submission to ensure this image is available.
	imageIndex, err := sc.AcquireNextImage(gpu.WaitForever, slot.ImageAvailable)
	if err != nil {
		slot.State = SlotIdle
		return nil, err
	}

	if len(s.imagesInFlight) != int(sc.ImageCount()) {
		s.ResetImages(sc.ImageCount())
	}
	// Make sure the previous frame is not using this image (i.e. its fence is being waited on)
	if prev := s.imagesInFlight[imageIndex]; prev > s.completed {
		owner := s.slots[prev%int64(len(s.slots))]
		if owner != slot {
			if err := owner.InFlight.Wait(s.timeout); err != nil {
				return nil, err
			}
			s.observe(owner.lastTick)
		}
	}
	// Mark the image as in use by this frame.
	s.imagesInFlight[imageIndex] = int64(s.tick)

	if slot.CommandBuffer.State != commands.STATE_INITIAL {
		if err := slot.CommandBuffer.Reset(); err != nil {
			return nil, err
		}
	}
	slot.State = SlotRecording
	s.current = &Frame{Slot: slot, Tick: s.tick, ImageIndex: imageIndex, CommandBuffer: slot.CommandBuffer}
	return s.current, nil
}

// SubmitAndPresent submits the recorded frame waiting on image available,
// signaling render finished and the slot fence, then presents. The tick
// advances once the submission succeeded, even when present reports an out
// of date surface.
func (s *Synchronizer) SubmitAndPresent(f *Frame, sc gpu.Swapchain) error {
	if f == nil || f != s.current {
		return fmt.Errorf("submit of a frame that is not open: %w", core.ErrInvalidObjectState)
	}
	slot := f.Slot
	if f.CommandBuffer.State != commands.STATE_EXECUTABLE {
		return fmt.Errorf("submit of frame %d with command buffer in state %s: %w", f.Tick, f.CommandBuffer.State, core.ErrInvalidCommandBufferState)
	}

	submit := gpu.SubmitInfo{
		// Wait semaphore ensures that the operation cannot begin until the image is available.
		WaitSemaphores: []gpu.Semaphore{slot.ImageAvailable},
		// Color attachment writes wait for the semaphore, so one frame is presented at a time.
		WaitStages:     []gpu.PipelineStage{gpu.StageColorAttachmentOutput},
		CommandBuffers: []gpu.CommandBuffer{f.CommandBuffer.Handle},
		// The semaphore(s) to be signaled when the queue is complete.
		SignalSemaphores: []gpu.Semaphore{slot.RenderFinished},
	}
	if err := s.device.QueueSubmit(s.pool.Queue, []gpu.SubmitInfo{submit}, slot.InFlight.Handle); err != nil {
		core.LogError("QueueSubmit failed with result: %s", err)
		return fmt.Errorf("submit frame %d: %w", f.Tick, err)
	}
	f.CommandBuffer.UpdateSubmitted()
	slot.State = SlotSubmitted
	slot.lastTick = int64(f.Tick)
	s.awaiting = false
	s.current = nil
	s.tick++

	// Give the image back to the swapchain.
	err := sc.Present(s.device.PresentQueue(), []gpu.Semaphore{slot.RenderFinished}, f.ImageIndex)
	slot.State = SlotPresented
	if err != nil {
		return fmt.Errorf("present frame %d: %w", f.Tick, err)
	}
	return nil
}

// WaitIdle waits for the device to finish every submission and marks every
// submitted tick complete.
func (s *Synchronizer) WaitIdle() error {
	if err := s.device.DeviceWaitIdle(); err != nil {
		return err
	}
	if s.tick > 0 {
		s.observe(int64(s.tick) - 1)
	}
	return nil
}

// Close destroys the sync objects and frees the command buffers. The device
// must be idle.
func (s *Synchronizer) Close() error {
	for _, slot := range s.slots {
		slot.InFlight.Destroy()
		s.device.DestroySemaphore(slot.ImageAvailable)
		s.device.DestroySemaphore(slot.RenderFinished)
		slot.CommandBuffer.Free()
	}
	s.slots = nil
	return nil
}
