package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the renderer wraps exactly one of these.
var (
	ErrInitializationFailure = errors.New("initialization failure")
	ErrResourceExhaustion    = errors.New("resource exhaustion")
	ErrSurfaceOutOfDate      = errors.New("surface out of date")
	ErrInvalidObjectState    = errors.New("invalid object state")
	ErrTransferFailure       = errors.New("transfer failure")
	ErrDeviceFailure         = errors.New("device failure")
)

var (
	ErrNoCompatibleMemoryType    = fmt.Errorf("no compatible memory type: %w", ErrResourceExhaustion)
	ErrOutOfDeviceMemory         = fmt.Errorf("out of device memory: %w", ErrResourceExhaustion)
	ErrDescriptorPoolExhausted   = fmt.Errorf("descriptor pool exhausted: %w", ErrResourceExhaustion)
	ErrMemoryNotHostVisible      = fmt.Errorf("memory is not host visible: %w", ErrInvalidObjectState)
	ErrInvalidCommandBufferState = fmt.Errorf("invalid command buffer state: %w", ErrInvalidObjectState)
	ErrStaleHandle               = fmt.Errorf("stale handle: %w", ErrInvalidObjectState)
	ErrResourceInUse             = fmt.Errorf("resource in use by an in-flight frame: %w", ErrInvalidObjectState)
	ErrQueueSubmitFailed         = fmt.Errorf("queue submit failed: %w", ErrDeviceFailure)
	ErrUnsupportedDevice         = fmt.Errorf("no suitable device: %w", ErrInitializationFailure)
)

var kinds = []error{
	ErrInitializationFailure,
	ErrResourceExhaustion,
	ErrSurfaceOutOfDate,
	ErrInvalidObjectState,
	ErrTransferFailure,
	ErrDeviceFailure,
}

// KindOf returns the error kind wrapped by err, or nil when err carries none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsFatal reports whether the render loop must stop on err. Only an out of
// date surface is recovered from.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrSurfaceOutOfDate)
}
