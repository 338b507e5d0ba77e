package gpu

// Device is a logical GPU context. It is owned by the orchestrator, every
// other component borrows it. All errors returned by a Device wrap one of the
// core error kinds.
type Device interface {
	Name() string
	MemoryProperties() MemoryProperties
	QueueFamilies() QueueFamilyIndices
	GraphicsQueue() Queue
	PresentQueue() Queue
	ComputeQueue() Queue
	// QueueFamily returns the family index a queue was created from.
	QueueFamily(q Queue) uint32

	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	DestroyBuffer(b Buffer)
	BufferMemoryRequirements(b Buffer) MemoryRequirements
	BindBufferMemory(b Buffer, mem DeviceMemory, offset uint64) error

	AllocateMemory(size uint64, typeIndex uint32) (DeviceMemory, error)
	FreeMemory(mem DeviceMemory)
	// MapMemory returns a host view of [offset, offset+size). The view is
	// valid until UnmapMemory.
	MapMemory(mem DeviceMemory, offset, size uint64) ([]byte, error)
	UnmapMemory(mem DeviceMemory)

	CreateImage(info ImageCreateInfo) (Image, error)
	DestroyImage(img Image)
	ImageMemoryRequirements(img Image) MemoryRequirements
	BindImageMemory(img Image, mem DeviceMemory, offset uint64) error
	CreateImageView(info ImageViewCreateInfo) (ImageView, error)
	DestroyImageView(v ImageView)
	CreateSampler(info SamplerCreateInfo) (Sampler, error)
	DestroySampler(s Sampler)

	CreateDescriptorSetLayout(bindings []DescriptorSetLayoutBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(l DescriptorSetLayout)
	CreateDescriptorPool(info DescriptorPoolCreateInfo) (DescriptorPool, error)
	DestroyDescriptorPool(p DescriptorPool)
	ResetDescriptorPool(p DescriptorPool) error
	AllocateDescriptorSets(p DescriptorPool, layouts []DescriptorSetLayout) ([]DescriptorSet, error)
	UpdateDescriptorSets(writes []WriteDescriptorSet)

	CreateCommandPool(queueFamily uint32, resettable bool) (CommandPool, error)
	DestroyCommandPool(p CommandPool)
	ResetCommandPool(p CommandPool) error
	AllocateCommandBuffers(p CommandPool, count int) ([]CommandBuffer, error)
	FreeCommandBuffers(p CommandPool, cbs []CommandBuffer)
	BeginCommandBuffer(cb CommandBuffer, usage CommandBufferUsage) error
	EndCommandBuffer(cb CommandBuffer) error
	ResetCommandBuffer(cb CommandBuffer) error

	CmdBeginRenderPass(cb CommandBuffer, info RenderPassBeginInfo)
	CmdEndRenderPass(cb CommandBuffer)
	CmdBindPipeline(cb CommandBuffer, bindPoint PipelineBindPoint, p Pipeline)
	CmdSetViewport(cb CommandBuffer, vp Viewport)
	CmdSetScissor(cb CommandBuffer, r Rect2D)
	CmdBindVertexBuffers(cb CommandBuffer, firstBinding uint32, buffers []Buffer, offsets []uint64)
	CmdBindIndexBuffer(cb CommandBuffer, b Buffer, offset uint64, t IndexType)
	CmdBindDescriptorSets(cb CommandBuffer, bindPoint PipelineBindPoint, layout PipelineLayout, firstSet uint32, sets []DescriptorSet)
	CmdDraw(cb CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32)
	CmdDrawIndexed(cb CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32)
	CmdDispatch(cb CommandBuffer, x, y, z uint32)
	CmdCopyBuffer(cb CommandBuffer, src, dst Buffer, regions []BufferCopy)
	CmdCopyBufferToImage(cb CommandBuffer, src Buffer, dst Image, layout ImageLayout, regions []BufferImageCopy)
	CmdPipelineBarrier(cb CommandBuffer, src, dst PipelineStage, barriers []ImageBarrier)

	CreateFence(signaled bool) (Fence, error)
	DestroyFence(f Fence)
	// WaitForFences returns ErrTimeout when timeout elapses first.
	WaitForFences(fences []Fence, waitAll bool, timeout uint64) error
	ResetFences(fences []Fence) error
	FenceSignaled(f Fence) (bool, error)
	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(s Semaphore)

	QueueSubmit(q Queue, submits []SubmitInfo, fence Fence) error
	QueueWaitIdle(q Queue) error
	DeviceWaitIdle() error

	CreateShaderModule(info ShaderModuleCreateInfo) (ShaderModule, error)
	DestroyShaderModule(m ShaderModule)
	CreatePipelineLayout(info PipelineLayoutCreateInfo) (PipelineLayout, error)
	DestroyPipelineLayout(l PipelineLayout)
	CreateGraphicsPipeline(info GraphicsPipelineCreateInfo) (Pipeline, error)
	CreateComputePipeline(info ComputePipelineCreateInfo) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	CreateSwapchain(info SwapchainCreateInfo) (Swapchain, error)

	// Destroy releases the device itself. Every child object must already be
	// destroyed.
	Destroy()
}

// Swapchain is the presentable surface plus the render targets drawn into
// it: one framebuffer per image, a shared depth attachment and the render
// pass they are compatible with.
type Swapchain interface {
	Extent() Extent2D
	ColorFormat() Format
	DepthFormat() Format
	ImageCount() uint32
	RenderPass() RenderPass
	Framebuffer(imageIndex uint32) Framebuffer
	// AcquireNextImage signals sem once the returned image may be written.
	// It returns an error wrapping core.ErrSurfaceOutOfDate when the surface
	// must be rebuilt, in which case sem is left untouched.
	AcquireNextImage(timeout uint64, sem Semaphore) (uint32, error)
	Present(q Queue, wait []Semaphore, imageIndex uint32) error
	// Recreate rebuilds the swapchain and its render targets for extent. The
	// caller must make sure the device is idle.
	Recreate(extent Extent2D) error
	Destroy()
}
