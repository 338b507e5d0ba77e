// Package resources owns GPU buffers, images and samplers together with the
// memory backing them.
package resources

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/memory"
)

// Buffer is a device buffer and the dedicated allocation bound to it.
type Buffer struct {
	Label   string
	Handle  gpu.Buffer
	Alloc   memory.Allocation
	Size    uint64
	Usage   gpu.BufferUsage
	Sharing gpu.SharingMode
}

func (b *Buffer) HostVisible() bool { return b.Alloc.HostVisible() }

// BufferDesc describes a buffer to create. Concurrent buffers are shared by
// the graphics and compute queue families.
type BufferDesc struct {
	Label      string
	Size       uint64
	Usage      gpu.BufferUsage
	Memory     gpu.MemoryProperty
	Concurrent bool
}

// Manager creates and releases buffers, images and samplers. Handles it
// returns are generation checked, so a handle used after release is
// reported instead of reaching a recycled object.
type Manager struct {
	device    gpu.Device
	allocator *memory.Allocator
	families  gpu.QueueFamilyIndices

	mu       sync.Mutex
	entries  *containers.Arena[entry]
	deferred *containers.RingQueue[release]
}

// entry holds exactly one of its fields.
type entry struct {
	buffer  *Buffer
	image   *Image
	sampler gpu.Sampler
}

func (e entry) kind() string {
	switch {
	case e.buffer != nil:
		return "buffer"
	case e.image != nil:
		return "image"
	}
	return "sampler"
}

func NewManager(device gpu.Device, allocator *memory.Allocator, deferredCapacity int) *Manager {
	if deferredCapacity < 1 {
		deferredCapacity = 1
	}
	return &Manager{
		device:    device,
		allocator: allocator,
		families:  device.QueueFamilies(),
		entries:   containers.NewArena[entry](64),
		deferred:  containers.NewRingQueue[release](deferredCapacity),
	}
}

func label(l, kind string) string {
	if l != "" {
		return l
	}
	return kind + "-" + uuid.NewString()[:8]
}

// CreateBuffer creates a buffer, allocates memory with the requested
// properties for it and binds the memory at offset zero.
func (m *Manager) CreateBuffer(desc BufferDesc) (containers.Handle, error) {
	info := gpu.BufferCreateInfo{Size: desc.Size, Usage: desc.Usage, Sharing: gpu.SharingExclusive}
	if desc.Concurrent {
		if families := m.families.Distinct(); len(families) > 1 {
			info.Sharing = gpu.SharingConcurrent
			info.QueueFamilies = families
		}
	}

	h, err := m.device.CreateBuffer(info)
	if err != nil {
		core.LogError("failed to create buffer: %s", err)
		return containers.InvalidHandle, fmt.Errorf("create buffer %q: %w", desc.Label, err)
	}
	alloc, err := m.allocator.Allocate(m.device.BufferMemoryRequirements(h), desc.Memory)
	if err != nil {
		m.device.DestroyBuffer(h)
		return containers.InvalidHandle, fmt.Errorf("create buffer %q: %w", desc.Label, err)
	}
	if err := m.device.BindBufferMemory(h, alloc.Memory, 0); err != nil {
		m.device.DestroyBuffer(h)
		m.allocator.Free(alloc)
		return containers.InvalidHandle, fmt.Errorf("bind buffer %q: %w", desc.Label, err)
	}

	b := &Buffer{
		Label:   label(desc.Label, "buffer"),
		Handle:  h,
		Alloc:   alloc,
		Size:    desc.Size,
		Usage:   desc.Usage,
		Sharing: info.Sharing,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Insert(entry{buffer: b}), nil
}

// Buffer resolves a buffer handle.
func (m *Manager) Buffer(h containers.Handle) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entries.Get(h)
	if err != nil {
		return nil, err
	}
	if e.buffer == nil {
		return nil, fmt.Errorf("handle %s is a %s, not a buffer: %w", h, e.kind(), core.ErrInvalidObjectState)
	}
	return e.buffer, nil
}

// Write copies data into a host visible buffer at offset.
func (m *Manager) Write(h containers.Handle, offset uint64, data []byte) error {
	b, err := m.Buffer(h)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > b.Size {
		return fmt.Errorf("write %d bytes at %d into %q of %d bytes: %w", len(data), offset, b.Label, b.Size, core.ErrTransferFailure)
	}
	return m.allocator.Write(b.Alloc, offset, data)
}

// DownloadFromBuffer copies len(out) bytes at offset out of a host visible
// buffer.
func (m *Manager) DownloadFromBuffer(h containers.Handle, offset uint64, out []byte) error {
	b, err := m.Buffer(h)
	if err != nil {
		return err
	}
	if offset+uint64(len(out)) > b.Size {
		return fmt.Errorf("read %d bytes at %d from %q of %d bytes: %w", len(out), offset, b.Label, b.Size, core.ErrTransferFailure)
	}
	return m.allocator.Read(b.Alloc, offset, out)
}

// UploadAndTransfer creates a device local buffer with usage and fills it
// with data through a staging buffer. It blocks until the copy is complete
// and is meant for load time, not for the frame loop.
func (m *Manager) UploadAndTransfer(lbl string, data []byte, usage gpu.BufferUsage, pool *commands.Pool) (containers.Handle, error) {
	h, err := m.CreateBuffer(BufferDesc{
		Label:  lbl,
		Size:   uint64(len(data)),
		Usage:  usage | gpu.BufferUsageTransferDst,
		Memory: gpu.MemoryPropertyDeviceLocal,
	})
	if err != nil {
		return containers.InvalidHandle, err
	}
	if err := m.Upload(h, 0, data, pool); err != nil {
		m.Destroy(h)
		return containers.InvalidHandle, err
	}
	return h, nil
}

// Upload copies data into any buffer created with transfer destination
// usage through a temporary staging buffer.
func (m *Manager) Upload(h containers.Handle, offset uint64, data []byte, pool *commands.Pool) error {
	dst, err := m.Buffer(h)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > dst.Size {
		return fmt.Errorf("upload %d bytes at %d into %q: %w", len(data), offset, dst.Label, core.ErrTransferFailure)
	}

	return m.withStaging(dst.Label, data, func(staging *Buffer) error {
		cb, err := pool.AllocateAndBeginSingleUse()
		if err != nil {
			return err
		}
		if err := cb.CopyBuffer(staging.Handle, dst.Handle, gpu.BufferCopy{DstOffset: offset, Size: uint64(len(data))}); err != nil {
			cb.Free()
			return err
		}
		return cb.EndSingleUse(pool.Queue)
	})
}

// withStaging fills a host visible staging buffer with data, runs fn and
// destroys the staging buffer and its memory.
func (m *Manager) withStaging(lbl string, data []byte, fn func(staging *Buffer) error) error {
	sh, err := m.CreateBuffer(BufferDesc{
		Label:  lbl + "-staging",
		Size:   uint64(len(data)),
		Usage:  gpu.BufferUsageTransferSrc,
		Memory: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent,
	})
	if err != nil {
		return fmt.Errorf("staging for %q: %w", lbl, err)
	}
	defer m.Destroy(sh)

	if err := m.Write(sh, 0, data); err != nil {
		return fmt.Errorf("staging for %q: %w", lbl, err)
	}
	staging, err := m.Buffer(sh)
	if err != nil {
		return err
	}
	if err := fn(staging); err != nil {
		return fmt.Errorf("transfer to %q: %w: %w", lbl, core.ErrTransferFailure, err)
	}
	return nil
}

// Destroy releases a buffer, image or sampler immediately. The caller
// guarantees no pending GPU work references it.
func (m *Manager) Destroy(h containers.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyLocked(h)
}

func (m *Manager) destroyLocked(h containers.Handle) {
	e, err := m.entries.Remove(h)
	if err != nil {
		core.LogWarn("resource %s already released", h)
		return
	}
	switch {
	case e.buffer != nil:
		m.device.DestroyBuffer(e.buffer.Handle)
		m.allocator.Free(e.buffer.Alloc)
	case e.image != nil:
		m.destroyImage(e.image)
	default:
		m.device.DestroySampler(e.sampler)
	}
}

// Live returns the number of buffers, images and samplers not yet released.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// Close destroys every remaining resource. The device must be idle.
func (m *Manager) Close() error {
	m.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	var handles []containers.Handle
	m.entries.Each(func(h containers.Handle, _ entry) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		m.destroyLocked(h)
	}
	if n := len(handles); n > 0 {
		core.LogDebug("released %d resources still owned at shutdown", n)
	}
	return nil
}
