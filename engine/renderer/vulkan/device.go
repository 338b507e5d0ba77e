package vulkan

import (
	"fmt"
	"runtime"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Device implements gpu.Device on top of goki/vulkan. Handles given out to
// the engine are registry ids, never raw Vulkan pointers.
type Device struct {
	inst     *instance
	physical vk.PhysicalDevice
	logical  vk.Device
	name     string
	opts     Options

	families    gpu.QueueFamilyIndices
	queues      map[gpu.Queue]vk.Queue
	memory      gpu.MemoryProperties
	depthFormat vk.Format
	anisotropy  bool

	locks *LockPool

	buffers    *registry[vk.Buffer]
	memories   *registry[vk.DeviceMemory]
	images     *registry[vk.Image]
	views      *registry[vk.ImageView]
	samplers   *registry[vk.Sampler]
	setLayouts *registry[vk.DescriptorSetLayout]
	descPools  *registry[vk.DescriptorPool]
	sets       *registry[descriptorSet]
	cmdPools   *registry[vk.CommandPool]
	cmdBuffers *registry[commandBuffer]
	fences     *registry[vk.Fence]
	semaphores *registry[vk.Semaphore]
	shaders    *registry[vk.ShaderModule]
	layouts    *registry[vk.PipelineLayout]
	pipelines  *registry[vk.Pipeline]
	passes     *registry[vk.RenderPass]
	fbs        *registry[vk.Framebuffer]
}

var _ gpu.Device = (*Device)(nil)

type physicalCandidate struct {
	handle     vk.PhysicalDevice
	name       string
	discrete   bool
	families   gpu.QueueFamilyIndices
	anisotropy bool
	portable   bool
}

// New creates the instance, surface, physical and logical device. Every
// step is rolled back when a later one fails.
func New(opts Options) (*Device, error) {
	if opts.Surface == nil {
		return nil, fmt.Errorf("vulkan: no surface provider: %w", core.ErrInitializationFailure)
	}
	inst, err := createInstance(opts)
	if err != nil {
		return nil, err
	}
	d, err := newDevice(inst, opts)
	if err != nil {
		inst.destroy()
		return nil, err
	}
	return d, nil
}

func newDevice(inst *instance, opts Options) (*Device, error) {
	cand, err := selectPhysicalDevice(inst)
	if err != nil {
		return nil, err
	}
	core.LogInfo("vulkan: selected device %q (discrete=%t)", cand.name, cand.discrete)

	d := &Device{
		inst:       inst,
		physical:   cand.handle,
		name:       cand.name,
		opts:       opts,
		families:   cand.families,
		queues:     make(map[gpu.Queue]vk.Queue),
		anisotropy: cand.anisotropy && opts.Anisotropy > 1,
		locks:      NewLockPool(),
		buffers:    newRegistry[vk.Buffer](),
		memories:   newRegistry[vk.DeviceMemory](),
		images:     newRegistry[vk.Image](),
		views:      newRegistry[vk.ImageView](),
		samplers:   newRegistry[vk.Sampler](),
		setLayouts: newRegistry[vk.DescriptorSetLayout](),
		descPools:  newRegistry[vk.DescriptorPool](),
		sets:       newRegistry[descriptorSet](),
		cmdPools:   newRegistry[vk.CommandPool](),
		cmdBuffers: newRegistry[commandBuffer](),
		fences:     newRegistry[vk.Fence](),
		semaphores: newRegistry[vk.Semaphore](),
		shaders:    newRegistry[vk.ShaderModule](),
		layouts:    newRegistry[vk.PipelineLayout](),
		pipelines:  newRegistry[vk.Pipeline](),
		passes:     newRegistry[vk.RenderPass](),
		fbs:        newRegistry[vk.Framebuffer](),
	}
	d.memory = queryMemoryProperties(cand.handle)

	depth, ok := detectDepthFormat(cand.handle)
	if !ok {
		return nil, fmt.Errorf("vulkan: no depth format: %w", core.ErrUnsupportedDevice)
	}
	d.depthFormat = depth

	priorities := []float32{1.0}
	distinct := allFamilies(d.families)
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(distinct))
	for i, family := range distinct {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: priorities,
		}
	}

	features := vk.PhysicalDeviceFeatures{}
	if d.anisotropy {
		features.SamplerAnisotropy = vk.True
	}
	extensions := []string{vk.KhrSwapchainExtensionName}
	if cand.portable {
		extensions = append(extensions, "VK_KHR_portability_subset")
	}
	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}
	if err := check("vkCreateDevice", vk.CreateDevice(cand.handle, &createInfo, nil, &d.logical)); err != nil {
		return nil, err
	}

	for _, family := range distinct {
		var q vk.Queue
		vk.GetDeviceQueue(d.logical, family, 0, &q)
		d.queues[queueHandle(family)] = q
	}
	core.LogInfo("vulkan: logical device created with %d queue families", len(distinct))
	return d, nil
}

func queueHandle(family uint32) gpu.Queue { return gpu.Queue(family + 1) }

// allFamilies is Distinct plus the present family when it stands alone.
func allFamilies(f gpu.QueueFamilyIndices) []uint32 {
	out := f.Distinct()
	for _, family := range out {
		if family == uint32(f.Present) {
			return out
		}
	}
	return append(out, uint32(f.Present))
}

func selectPhysicalDevice(inst *instance) (physicalCandidate, error) {
	var count uint32
	if err := check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(inst.handle, &count, nil)); err != nil {
		return physicalCandidate{}, err
	}
	if count == 0 {
		return physicalCandidate{}, fmt.Errorf("vulkan: no physical devices: %w", core.ErrUnsupportedDevice)
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(inst.handle, &count, devices)); err != nil {
		return physicalCandidate{}, err
	}

	var best *physicalCandidate
	for _, pd := range devices {
		c, ok := evaluate(pd, inst.surface)
		if !ok {
			continue
		}
		// Discrete GPUs win over integrated ones, except on darwin where
		// only integrated parts are common.
		if best == nil || (c.discrete && !best.discrete && runtime.GOOS != "darwin") {
			cc := c
			best = &cc
		}
	}
	if best == nil {
		return physicalCandidate{}, fmt.Errorf("vulkan: no device meets the requirements: %w", core.ErrUnsupportedDevice)
	}
	return *best, nil
}

func evaluate(pd vk.PhysicalDevice, surface vk.Surface) (physicalCandidate, bool) {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &props)
	props.Deref()
	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(pd, &features)
	features.Deref()

	c := physicalCandidate{
		handle:     pd,
		name:       vk.ToString(props.DeviceName[:]),
		discrete:   props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu,
		anisotropy: features.SamplerAnisotropy == vk.True,
		families:   gpu.QueueFamilyIndices{Graphics: -1, Present: -1, Compute: -1},
	}

	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &familyCount, families)

	for i := range families {
		families[i].Deref()
		flags := vk.QueueFlagBits(families[i].QueueFlags)
		idx := int32(i)
		if flags&vk.QueueGraphicsBit != 0 && c.families.Graphics < 0 {
			c.families.Graphics = idx
		}
		// Prefer a compute family without graphics for async dispatches.
		if flags&vk.QueueComputeBit != 0 {
			if c.families.Compute < 0 || flags&vk.QueueGraphicsBit == 0 {
				c.families.Compute = idx
			}
		}
		var present vk.Bool32
		if vk.GetPhysicalDeviceSurfaceSupport(pd, uint32(i), surface, &present) == vk.Success && present == vk.True {
			if c.families.Present < 0 || idx == c.families.Graphics {
				c.families.Present = idx
			}
		}
	}
	core.LogDebug("vulkan: %s graphics=%d present=%d compute=%d",
		c.name, c.families.Graphics, c.families.Present, c.families.Compute)
	if !c.families.Complete() {
		core.LogInfo("vulkan: %s lacks required queue families, skipping", c.name)
		return c, false
	}

	support, err := querySwapchainSupport(pd, surface)
	if err != nil || len(support.formats) == 0 || len(support.presentModes) == 0 {
		core.LogInfo("vulkan: %s lacks swapchain support, skipping", c.name)
		return c, false
	}

	var extCount uint32
	if vk.EnumerateDeviceExtensionProperties(pd, "", &extCount, nil) != vk.Success {
		return c, false
	}
	exts := make([]vk.ExtensionProperties, extCount)
	if vk.EnumerateDeviceExtensionProperties(pd, "", &extCount, exts) != vk.Success {
		return c, false
	}
	hasSwapchain := false
	for i := range exts {
		exts[i].Deref()
		switch vk.ToString(exts[i].ExtensionName[:]) {
		case vk.KhrSwapchainExtensionName:
			hasSwapchain = true
		case "VK_KHR_portability_subset":
			c.portable = true
		}
	}
	if !hasSwapchain {
		core.LogInfo("vulkan: %s lacks %s, skipping", c.name, vk.KhrSwapchainExtensionName)
		return c, false
	}
	return c, true
}

func queryMemoryProperties(pd vk.PhysicalDevice) gpu.MemoryProperties {
	var mem vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &mem)
	mem.Deref()

	out := gpu.MemoryProperties{}
	for i := uint32(0); i < mem.MemoryTypeCount; i++ {
		mem.MemoryTypes[i].Deref()
		out.Types = append(out.Types, gpu.MemoryType{
			Flags:     fromMemoryProperty(mem.MemoryTypes[i].PropertyFlags),
			HeapIndex: mem.MemoryTypes[i].HeapIndex,
		})
	}
	for i := uint32(0); i < mem.MemoryHeapCount; i++ {
		mem.MemoryHeaps[i].Deref()
		size := uint64(mem.MemoryHeaps[i].Size)
		out.HeapSizes = append(out.HeapSizes, size)
		kind := "shared"
		if vk.MemoryHeapFlagBits(mem.MemoryHeaps[i].Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			kind = "local"
		}
		core.LogDebug("vulkan: heap %d %s %d MiB", i, kind, size>>20)
	}
	return out
}

func detectDepthFormat(pd vk.PhysicalDevice) (vk.Format, bool) {
	candidates := []vk.Format{
		vk.FormatD32Sfloat,
		vk.FormatD32SfloatS8Uint,
		vk.FormatD24UnormS8Uint,
	}
	want := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
	for _, f := range candidates {
		var props vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(pd, f, &props)
		props.Deref()
		if props.OptimalTilingFeatures&want == want || props.LinearTilingFeatures&want == want {
			return f, true
		}
	}
	return vk.FormatUndefined, false
}

func (d *Device) Name() string                           { return d.name }
func (d *Device) MemoryProperties() gpu.MemoryProperties { return d.memory }
func (d *Device) QueueFamilies() gpu.QueueFamilyIndices  { return d.families }
func (d *Device) GraphicsQueue() gpu.Queue               { return queueHandle(uint32(d.families.Graphics)) }
func (d *Device) PresentQueue() gpu.Queue                { return queueHandle(uint32(d.families.Present)) }
func (d *Device) ComputeQueue() gpu.Queue                { return queueHandle(uint32(d.families.Compute)) }

func (d *Device) QueueFamily(q gpu.Queue) uint32 {
	if q == 0 {
		return 0
	}
	return uint32(q) - 1
}

func (d *Device) queue(q gpu.Queue) (vk.Queue, error) {
	h, ok := d.queues[q]
	if !ok {
		return nil, fmt.Errorf("vulkan: unknown queue %d: %w", q, core.ErrInvalidObjectState)
	}
	return h, nil
}

func (d *Device) QueueWaitIdle(q gpu.Queue) error {
	h, err := d.queue(q)
	if err != nil {
		return err
	}
	return d.locks.SafeQueueCall(d.QueueFamily(q), func() error {
		return check("vkQueueWaitIdle", vk.QueueWaitIdle(h))
	})
}

// DeviceWaitIdle holds every queue lock so no submission races the wait.
func (d *Device) DeviceWaitIdle() error {
	return d.holdQueues(allFamilies(d.families), func() error {
		return check("vkDeviceWaitIdle", vk.DeviceWaitIdle(d.logical))
	})
}

func (d *Device) holdQueues(families []uint32, fn func() error) error {
	if len(families) == 0 {
		return fn()
	}
	return d.locks.SafeQueueCall(families[0], func() error {
		return d.holdQueues(families[1:], fn)
	})
}

// Destroy releases the logical device, the surface and the instance. Child
// objects still registered are reported, since they leak.
func (d *Device) Destroy() {
	if d.logical == nil {
		return
	}
	leaked := d.buffers.len() + d.memories.len() + d.images.len() + d.views.len() +
		d.samplers.len() + d.setLayouts.len() + d.descPools.len() + d.cmdPools.len() +
		d.fences.len() + d.semaphores.len() + d.shaders.len() + d.layouts.len() +
		d.pipelines.len() + d.passes.len() + d.fbs.len()
	if leaked > 0 {
		core.LogError("vulkan: destroying device with %d live objects", leaked)
	}
	vk.DestroyDevice(d.logical, nil)
	d.logical = nil
	d.inst.destroy()
	core.LogInfo("vulkan: device destroyed")
}
