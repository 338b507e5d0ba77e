package vulkan

import "sync"

type LockGroup string

const (
	ResourceManagement        LockGroup = "resource_management"
	DescriptorManagement      LockGroup = "descriptor_management"
	CommandPoolManagement     LockGroup = "command_pool_management"
	PipelineManagement        LockGroup = "pipeline_management"
	MemoryManagement          LockGroup = "memory_management"
	SynchronizationManagement LockGroup = "synchronization_management"
	SwapchainManagement       LockGroup = "swapchain_management"
)

// LockPool hands out one mutex per object group plus one per queue family.
// Vulkan requires external synchronization for pools and queues, everything
// else only needs the registry lookups to be safe.
type LockPool struct {
	mu     sync.Mutex
	groups map[LockGroup]*sync.Mutex
	queues map[uint32]*sync.Mutex
}

func NewLockPool() *LockPool {
	return &LockPool{
		groups: make(map[LockGroup]*sync.Mutex),
		queues: make(map[uint32]*sync.Mutex),
	}
}

func (p *LockPool) group(g LockGroup) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.groups[g]
	if !ok {
		l = &sync.Mutex{}
		p.groups[g] = l
	}
	return l
}

func (p *LockPool) queue(family uint32) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.queues[family]
	if !ok {
		l = &sync.Mutex{}
		p.queues[family] = l
	}
	return l
}

// SafeCall runs fn holding the group lock.
func (p *LockPool) SafeCall(g LockGroup, fn func() error) error {
	l := p.group(g)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// SafeQueueCall runs fn holding the lock of a queue family. The pool lock is
// released before fn runs so calls on different queues do not serialize.
func (p *LockPool) SafeQueueCall(family uint32, fn func() error) error {
	l := p.queue(family)
	l.Lock()
	defer l.Unlock()
	return fn()
}
