// Package memory picks memory types and allocates device memory for buffers
// and images.
package memory

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// SelectMemoryType returns the first memory type whose bit is set in
// typeBits and whose flags include every required property.
func SelectMemoryType(props gpu.MemoryProperties, typeBits uint32, required gpu.MemoryProperty) (uint32, error) {
	for i, mt := range props.Types {
		// Check each memory type to see if its bit is set to 1.
		if typeBits&(1<<uint(i)) != 0 && mt.Flags.Has(required) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("type bits %#b, properties %s: %w", typeBits, required, core.ErrNoCompatibleMemoryType)
}

// Allocation is one block of device memory backing a single resource.
type Allocation struct {
	Memory    gpu.DeviceMemory
	Size      uint64
	TypeIndex uint32
	Flags     gpu.MemoryProperty
}

func (a Allocation) HostVisible() bool {
	return a.Flags.Has(gpu.MemoryPropertyHostVisible)
}

// Allocator hands out dedicated allocations and keeps per type usage.
type Allocator struct {
	device gpu.Device
	props  gpu.MemoryProperties

	mu    sync.Mutex
	usage map[uint32]uint64
	live  int
}

func NewAllocator(device gpu.Device) *Allocator {
	return &Allocator{
		device: device,
		props:  device.MemoryProperties(),
		usage:  make(map[uint32]uint64),
	}
}

// Allocate selects a memory type for req and allocates req.Size bytes of it.
func (a *Allocator) Allocate(req gpu.MemoryRequirements, required gpu.MemoryProperty) (Allocation, error) {
	idx, err := SelectMemoryType(a.props, req.TypeBits, required)
	if err != nil {
		core.LogWarn("Unable to find suitable memory type!")
		return Allocation{}, err
	}
	mem, err := a.device.AllocateMemory(req.Size, idx)
	if err != nil {
		return Allocation{}, fmt.Errorf("allocate %d bytes of type %d: %w", req.Size, idx, err)
	}
	a.mu.Lock()
	a.usage[idx] += req.Size
	a.live++
	a.mu.Unlock()
	return Allocation{
		Memory:    mem,
		Size:      req.Size,
		TypeIndex: idx,
		Flags:     a.props.Types[idx].Flags,
	}, nil
}

func (a *Allocator) Free(alloc Allocation) {
	if alloc.Memory == 0 {
		return
	}
	a.device.FreeMemory(alloc.Memory)
	a.mu.Lock()
	a.usage[alloc.TypeIndex] -= alloc.Size
	a.live--
	a.mu.Unlock()
}

// Usage returns the bytes currently allocated from a memory type.
func (a *Allocator) Usage(typeIndex uint32) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage[typeIndex]
}

// Live returns the number of allocations not yet freed.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Write copies data into host visible memory at offset.
func (a *Allocator) Write(alloc Allocation, offset uint64, data []byte) error {
	if !alloc.HostVisible() {
		return fmt.Errorf("write to memory %d: %w", alloc.Memory, core.ErrMemoryNotHostVisible)
	}
	view, err := a.device.MapMemory(alloc.Memory, offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(view, data)
	a.device.UnmapMemory(alloc.Memory)
	return nil
}

// Read copies len(out) bytes from host visible memory at offset.
func (a *Allocator) Read(alloc Allocation, offset uint64, out []byte) error {
	if !alloc.HostVisible() {
		return fmt.Errorf("read from memory %d: %w", alloc.Memory, core.ErrMemoryNotHostVisible)
	}
	view, err := a.device.MapMemory(alloc.Memory, offset, uint64(len(out)))
	if err != nil {
		return err
	}
	copy(out, view)
	a.device.UnmapMemory(alloc.Memory)
	return nil
}
