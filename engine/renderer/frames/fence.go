package frames

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Fence wraps a device fence. IsSignaled caches the state the last wait or
// reset observed.
type Fence struct {
	Handle     gpu.Fence
	IsSignaled bool

	device gpu.Device
}

func NewFence(device gpu.Device, createSignaled bool) (*Fence, error) {
	h, err := device.CreateFence(createSignaled)
	if err != nil {
		core.LogError("failed to create fence: %s", err)
		return nil, fmt.Errorf("create fence: %w: %w", core.ErrInitializationFailure, err)
	}
	// Make sure to signal the fence if required.
	return &Fence{Handle: h, IsSignaled: createSignaled, device: device}, nil
}

func (f *Fence) Destroy() {
	if f.Handle != 0 {
		f.device.DestroyFence(f.Handle)
		f.Handle = 0
	}
	f.IsSignaled = false
}

// Wait blocks until the fence is signaled or timeoutNs elapses. The device
// is always asked, even when the fence is known to be signaled, so every
// wait is visible to the device.
func (f *Fence) Wait(timeoutNs uint64) error {
	err := f.device.WaitForFences([]gpu.Fence{f.Handle}, true, timeoutNs)
	switch {
	case err == nil:
		f.IsSignaled = true
		return nil
	case errors.Is(err, gpu.ErrTimeout):
		core.LogWarn("fence wait - Timed out")
	default:
		core.LogError("fence wait - %s", err)
	}
	return fmt.Errorf("wait for fence %d: %w", f.Handle, err)
}

func (f *Fence) Reset() error {
	if err := f.device.ResetFences([]gpu.Fence{f.Handle}); err != nil {
		core.LogError("failed to reset fence: %s", err)
		return err
	}
	f.IsSignaled = false
	return nil
}
