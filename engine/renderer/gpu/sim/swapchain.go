package sim

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Swapchain is a virtual surface. Images are handed out round robin and
// Invalidate makes the next acquire or present report an out of date surface.
type Swapchain struct {
	d            *Device
	extent       gpu.Extent2D
	renderPass   gpu.RenderPass
	framebuffers []gpu.Framebuffer
	next         uint32
	outOfDate    bool
	generation   int
	presented    []uint32
	destroyed    bool
}

func (d *Device) CreateSwapchain(info gpu.SwapchainCreateInfo) (gpu.Swapchain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info.Extent.IsZero() {
		return nil, fmt.Errorf("create swapchain %dx%d: %w", info.Extent.Width, info.Extent.Height, core.ErrSurfaceOutOfDate)
	}
	sc := &Swapchain{d: d, extent: info.Extent}
	sc.renderPass = gpu.RenderPass(d.newHandle("render-pass"))
	sc.createFramebuffers()
	d.swapchains = append(d.swapchains, sc)
	return sc, nil
}

func (sc *Swapchain) createFramebuffers() {
	sc.framebuffers = make([]gpu.Framebuffer, sc.d.opts.ImageCount)
	for i := range sc.framebuffers {
		sc.framebuffers[i] = gpu.Framebuffer(sc.d.newHandle("framebuffer"))
	}
}

func (sc *Swapchain) destroyFramebuffers() {
	for _, fb := range sc.framebuffers {
		sc.d.release(uint64(fb), "framebuffer")
	}
	sc.framebuffers = nil
}

func (sc *Swapchain) Extent() gpu.Extent2D {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	return sc.extent
}

func (sc *Swapchain) ColorFormat() gpu.Format { return gpu.FormatB8G8R8A8Srgb }

func (sc *Swapchain) DepthFormat() gpu.Format { return gpu.FormatD32Sfloat }

func (sc *Swapchain) ImageCount() uint32 { return sc.d.opts.ImageCount }

func (sc *Swapchain) RenderPass() gpu.RenderPass { return sc.renderPass }

func (sc *Swapchain) Framebuffer(imageIndex uint32) gpu.Framebuffer {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	if int(imageIndex) >= len(sc.framebuffers) {
		return 0
	}
	return sc.framebuffers[imageIndex]
}

// Invalidate marks the surface out of date, as a window resize would.
func (sc *Swapchain) Invalidate() {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	sc.outOfDate = true
}

// Generation counts rebuilds.
func (sc *Swapchain) Generation() int {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	return sc.generation
}

// Presented returns the image indices presented so far.
func (sc *Swapchain) Presented() []uint32 {
	sc.d.mu.Lock()
	defer sc.d.mu.Unlock()
	return append([]uint32(nil), sc.presented...)
}

func (sc *Swapchain) AcquireNextImage(timeout uint64, sem gpu.Semaphore) (uint32, error) {
	d := sc.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpAcquire); err != nil {
		return 0, err
	}
	if sc.destroyed {
		return 0, fmt.Errorf("acquire on destroyed swapchain: %w", core.ErrInvalidObjectState)
	}
	if sc.outOfDate {
		return 0, fmt.Errorf("acquire next image: %w", core.ErrSurfaceOutOfDate)
	}
	idx := sc.next
	sc.next = (sc.next + 1) % uint32(len(sc.framebuffers))
	d.signalSemaphore(sem, "acquire")
	d.record(Event{Kind: EventAcquire, Handle: uint64(sem)})
	return idx, nil
}

func (sc *Swapchain) Present(q gpu.Queue, wait []gpu.Semaphore, imageIndex uint32) error {
	d := sc.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpPresent); err != nil {
		return err
	}
	if _, ok := d.queues[q]; !ok {
		return fmt.Errorf("present on unknown queue %d: %w", q, core.ErrDeviceFailure)
	}
	for _, s := range wait {
		d.waitSemaphore(s, "present")
	}
	if sc.outOfDate {
		return fmt.Errorf("present image %d: %w", imageIndex, core.ErrSurfaceOutOfDate)
	}
	sc.presented = append(sc.presented, imageIndex)
	d.record(Event{Kind: EventPresent, Handle: uint64(imageIndex)})
	return nil
}

func (sc *Swapchain) Recreate(extent gpu.Extent2D) error {
	d := sc.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if extent.IsZero() {
		return fmt.Errorf("recreate swapchain %dx%d: %w", extent.Width, extent.Height, core.ErrSurfaceOutOfDate)
	}
	if len(d.pending) > 0 {
		d.violate("swapchain recreated with %d submissions in flight", len(d.pending))
	}
	sc.destroyFramebuffers()
	sc.createFramebuffers()
	sc.extent = extent
	sc.outOfDate = false
	sc.next = 0
	sc.generation++
	return nil
}

func (sc *Swapchain) Destroy() {
	d := sc.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if sc.destroyed {
		return
	}
	sc.destroyed = true
	sc.destroyFramebuffers()
	d.release(uint64(sc.renderPass), "render-pass")
}
