// Package sim is an in-memory gpu.Device. Submitted work stays in flight
// until something waits for it, which makes hazards between the CPU and the
// GPU observable: destroying or rewriting an object that a pending submission
// still references is recorded as a violation.
package sim

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Op names an injectable device operation.
type Op string

const (
	OpCreateBuffer         Op = "create-buffer"
	OpCreateImage          Op = "create-image"
	OpAllocateMemory       Op = "allocate-memory"
	OpCreateFence          Op = "create-fence"
	OpCreateSemaphore      Op = "create-semaphore"
	OpQueueSubmit          Op = "queue-submit"
	OpQueueWaitIdle        Op = "queue-wait-idle"
	OpAcquire              Op = "acquire"
	OpPresent              Op = "present"
	OpCreatePipeline       Op = "create-pipeline"
	OpCreateDescriptorPool Op = "create-descriptor-pool"
)

// Options configures a Device. The zero value is usable.
type Options struct {
	// MemoryTypes defaults to one device local type, one host visible
	// coherent type and one host visible coherent cached type.
	MemoryTypes []gpu.MemoryType
	// HeapSize limits the bytes allocatable per heap. Zero means unlimited.
	HeapSize uint64
	// Families defaults to graphics and present on family 0, compute on 1.
	Families *gpu.QueueFamilyIndices
	// ImageCount is the number of swapchain images. Defaults to 3.
	ImageCount uint32
	// MaxPending retires the oldest submission once more than MaxPending
	// submissions are in flight. Zero lets work stay in flight until waited on.
	MaxPending int
	// SPIRVKernel is the kernel run by compute shaders whose code is a
	// compiled SPIR-V module. Empty rejects them.
	SPIRVKernel string
}

// Device is a deterministic in-memory GPU.
type Device struct {
	mu sync.Mutex

	opts     Options
	memProps gpu.MemoryProperties
	families gpu.QueueFamilyIndices

	next    uint64
	objects map[uint64]string

	memories   map[gpu.DeviceMemory]*memory
	buffers    map[gpu.Buffer]*buffer
	images     map[gpu.Image]*image
	views      map[gpu.ImageView]*imageView
	samplers   map[gpu.Sampler]struct{}
	setLayouts map[gpu.DescriptorSetLayout]*setLayout
	pools      map[gpu.DescriptorPool]*descriptorPool
	sets       map[gpu.DescriptorSet]*descriptorSet
	cmdPools   map[gpu.CommandPool]*commandPool
	cmdBuffers map[gpu.CommandBuffer]*commandBuffer
	fences     map[gpu.Fence]*fence
	semaphores map[gpu.Semaphore]*semaphore
	shaders    map[gpu.ShaderModule]*shaderModule
	layouts    map[gpu.PipelineLayout]*pipelineLayout
	pipelines  map[gpu.Pipeline]*pipeline
	queues     map[gpu.Queue]uint32
	swapchains []*Swapchain
	heapUsage  map[uint32]uint64
	kernels    map[string]Kernel
	pending    []*submission
	submitSeq  uint64
	eventSeq   uint64
	events     []Event
	violations []string
	created    map[string]int
	failures   map[Op][]error
	stats      Stats
	destroyed  bool
}

// Stats counts executed work.
type Stats struct {
	Submissions uint64
	Draws       uint64
	Dispatches  uint64
	Copies      uint64
}

func New(opts Options) *Device {
	d := &Device{
		opts:       opts,
		objects:    make(map[uint64]string),
		memories:   make(map[gpu.DeviceMemory]*memory),
		buffers:    make(map[gpu.Buffer]*buffer),
		images:     make(map[gpu.Image]*image),
		views:      make(map[gpu.ImageView]*imageView),
		samplers:   make(map[gpu.Sampler]struct{}),
		setLayouts: make(map[gpu.DescriptorSetLayout]*setLayout),
		pools:      make(map[gpu.DescriptorPool]*descriptorPool),
		sets:       make(map[gpu.DescriptorSet]*descriptorSet),
		cmdPools:   make(map[gpu.CommandPool]*commandPool),
		cmdBuffers: make(map[gpu.CommandBuffer]*commandBuffer),
		fences:     make(map[gpu.Fence]*fence),
		semaphores: make(map[gpu.Semaphore]*semaphore),
		shaders:    make(map[gpu.ShaderModule]*shaderModule),
		layouts:    make(map[gpu.PipelineLayout]*pipelineLayout),
		pipelines:  make(map[gpu.Pipeline]*pipeline),
		queues:     make(map[gpu.Queue]uint32),
		heapUsage:  make(map[uint32]uint64),
		kernels:    make(map[string]Kernel),
		created:    make(map[string]int),
		failures:   make(map[Op][]error),
	}
	types := opts.MemoryTypes
	if len(types) == 0 {
		types = []gpu.MemoryType{
			{Flags: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{Flags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
			{Flags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent | gpu.MemoryPropertyHostCached, HeapIndex: 1},
		}
	}
	d.memProps = gpu.MemoryProperties{Types: types, HeapSizes: []uint64{opts.HeapSize, opts.HeapSize}}
	if opts.Families != nil {
		d.families = *opts.Families
	} else {
		d.families = gpu.QueueFamilyIndices{Graphics: 0, Present: 0, Compute: 1}
	}
	if d.opts.ImageCount == 0 {
		d.opts.ImageCount = 3
	}
	for _, fam := range []int32{d.families.Graphics, d.families.Present, d.families.Compute} {
		if fam < 0 {
			continue
		}
		q := gpu.Queue(uint64(fam) + 1<<32)
		d.queues[q] = uint32(fam)
	}
	d.kernels["copy"] = CopyKernel
	return d
}

func (d *Device) Name() string { return "sim" }

func (d *Device) MemoryProperties() gpu.MemoryProperties { return d.memProps }

func (d *Device) QueueFamilies() gpu.QueueFamilyIndices { return d.families }

func (d *Device) queueFor(family int32) gpu.Queue {
	if family < 0 {
		return 0
	}
	return gpu.Queue(uint64(family) + 1<<32)
}

func (d *Device) GraphicsQueue() gpu.Queue { return d.queueFor(d.families.Graphics) }

func (d *Device) PresentQueue() gpu.Queue { return d.queueFor(d.families.Present) }

func (d *Device) ComputeQueue() gpu.Queue { return d.queueFor(d.families.Compute) }

func (d *Device) QueueFamily(q gpu.Queue) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[q]
}

// FailNext makes the next call of op return err. Calls queue up.
func (d *Device) FailNext(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], err)
}

func (d *Device) injected(op Op) error {
	errs := d.failures[op]
	if len(errs) == 0 {
		return nil
	}
	d.failures[op] = errs[1:]
	return errs[0]
}

// Created returns how many objects of kind were ever created, for example
// "fence" or "semaphore".
func (d *Device) Created(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[kind]
}

// Live returns the number of objects not yet destroyed, by kind.
func (d *Device) Live() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int)
	for _, kind := range d.objects {
		out[kind]++
	}
	return out
}

func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Pending returns the number of submissions still in flight.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Device) violate(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.violations = append(d.violations, msg)
	core.LogWarn("sim: %s", msg)
}

func (d *Device) newHandle(kind string) uint64 {
	d.next++
	d.objects[d.next] = kind
	d.created[kind]++
	return d.next
}

// release drops a handle and records the destroy event. Destroying an object
// referenced by in-flight work is a violation.
func (d *Device) release(h uint64, kind string) bool {
	if h == 0 {
		return false
	}
	if got, ok := d.objects[h]; !ok || got != kind {
		d.violate("destroy of unknown %s %d", kind, h)
		return false
	}
	for _, s := range d.pending {
		if s.refs[h] {
			d.violate("%s %d destroyed while referenced by in-flight submission %d", kind, h, s.seq)
			break
		}
	}
	delete(d.objects, h)
	d.record(Event{Kind: EventDestroy, Handle: h, Object: kind})
	return true
}

func (d *Device) isLive(h uint64, kind string) bool {
	got, ok := d.objects[h]
	return ok && got == kind
}

func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	if len(d.pending) > 0 {
		d.violate("device destroyed with %d submissions in flight", len(d.pending))
	}
	for h, kind := range d.objects {
		d.violate("%s %d leaked at device destruction", kind, h)
	}
}

var (
	_ gpu.Device    = (*Device)(nil)
	_ gpu.Swapchain = (*Swapchain)(nil)
)
