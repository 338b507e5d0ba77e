// Package engine is the composition root: it owns the device and wires the
// allocator, resources, descriptors, pipelines, scene and frame pacing into
// one tick loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spaghettifunk/vkframe/engine/assets"
	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/math"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/compute"
	"github.com/spaghettifunk/vkframe/engine/renderer/descriptors"
	"github.com/spaghettifunk/vkframe/engine/renderer/frames"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
	"github.com/spaghettifunk/vkframe/engine/renderer/memory"
	"github.com/spaghettifunk/vkframe/engine/renderer/pipeline"
	"github.com/spaghettifunk/vkframe/engine/renderer/resources"
	"github.com/spaghettifunk/vkframe/engine/renderer/scene"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Everything the engine created is destroyed
	EngineStageShutdown
)

// metricsInterval is how many ticks pass between two metrics log lines.
const metricsInterval = 120

// Window is the surface the engine presents to. PollEvents fires
// EventResized and EventQuit on the bus the window was created with.
type Window interface {
	FramebufferSize() (width, height uint32)
	PollEvents()
}

// DeviceFactory opens a device able to present to w.
type DeviceFactory func(cfg *config.Config, w Window) (gpu.Device, error)

type Options struct {
	// Bus receives window and shader events. A new bus is created when nil.
	Bus *core.EventBus
	// Window defaults to a headless window of the configured size.
	Window Window
	// Device is required for the vulkan backend. The headless backend
	// defaults to the in-memory device.
	Device DeviceFactory
	// Shaders defaults to a library over the configured shader directory.
	Shaders *assets.ShaderLibrary
	Camera  scene.Camera
	Game    *Game
	// MaxTicks stops Run after that many frames. Zero runs until quit.
	MaxTicks uint64
}

type Engine struct {
	cfg   *config.Config
	opts  Options
	runID string
	stage Stage

	bus     *core.EventBus
	window  Window
	shaders *assets.ShaderLibrary
	camera  scene.Camera
	game    *Game

	device       gpu.Device
	swapchain    gpu.Swapchain
	allocator    *memory.Allocator
	resources    *resources.Manager
	graphicsPool *commands.Pool
	uploadPool   *commands.Pool
	computePool  *commands.Pool
	descriptors  *descriptors.Pool
	pipelines    *pipeline.Set
	scene        *scene.Scene
	sync         *frames.Synchronizer
	recorder     *commands.Recorder
	computations []*compute.Computation

	cleanup    *core.CleanupStack
	jobs       *core.JobSystem
	unregister []func()
	clock      *core.Clock
	metrics    *core.FrameMetrics

	width  uint32
	height uint32
	// The framebuffer size generation is bumped on every resize. The swapchain
	// is rebuilt whenever it differs from the generation it was built for.
	framebufferSizeGeneration     uint64
	framebufferSizeLastGeneration uint64
	isSuspended                   bool
	isRunning                     bool

	mu             sync.Mutex
	changedShaders map[string]bool
}

// New validates cfg and prepares an engine. Nothing touches the GPU before
// Initialize.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Device == nil {
		if cfg.Renderer.Backend != config.BackendHeadless {
			return nil, fmt.Errorf("backend %q needs a device factory: %w", cfg.Renderer.Backend, core.ErrInitializationFailure)
		}
		opts.Device = func(*config.Config, Window) (gpu.Device, error) { return sim.New(sim.Options{SPIRVKernel: "copy"}), nil }
	}
	if opts.Bus == nil {
		opts.Bus = core.NewEventBus()
	}
	if opts.Window == nil {
		opts.Window = NewHeadlessWindow(cfg.Window.Width, cfg.Window.Height, opts.Bus)
	}
	if opts.Camera == nil {
		cam := scene.NewFreeCamera()
		cam.SetPosition(math.NewVec3(0, 0, 10))
		opts.Camera = cam
	}
	if opts.Game == nil {
		opts.Game = &Game{}
	}
	width, height := opts.Window.FramebufferSize()
	return &Engine{
		cfg:            cfg,
		opts:           opts,
		runID:          uuid.NewString(),
		stage:          EngineStageUninitialized,
		bus:            opts.Bus,
		window:         opts.Window,
		shaders:        opts.Shaders,
		camera:         opts.Camera,
		game:           opts.Game,
		cleanup:        core.NewCleanupStack(),
		clock:          core.NewClock(),
		metrics:        core.NewFrameMetrics(),
		width:          width,
		height:         height,
		changedShaders: make(map[string]bool),
	}, nil
}

// Initialize creates every GPU object the frame loop needs. On failure
// everything created so far is destroyed again.
func (e *Engine) Initialize() error {
	if e.stage != EngineStageUninitialized {
		return fmt.Errorf("initialize in stage %d: %w", e.stage, core.ErrInvalidObjectState)
	}
	e.stage = EngineStageInitializing
	core.SetLogLevel(e.cfg.Log.Level)
	core.Logger().Info("initializing", "run", e.runID, "backend", e.cfg.Renderer.Backend)

	if err := e.initialize(); err != nil {
		core.LogError("initialization failed: %s", err)
		if e.device != nil {
			_ = e.device.DeviceWaitIdle()
		}
		if cerr := e.cleanup.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		e.stage = EngineStageShutdown
		return err
	}
	e.stage = EngineStageInitialized
	return nil
}

func (e *Engine) initialize() error {
	e.unregister = append(e.unregister,
		e.bus.Register(core.EventQuit, e.onQuit),
		e.bus.Register(core.EventResized, e.onResized),
		e.bus.Register(core.EventShaderChanged, e.onShaderChanged),
	)
	e.cleanup.PushFunc("events", func() {
		for _, u := range e.unregister {
			u()
		}
	})

	jobs, err := core.NewJobSystem(runtime.NumCPU(), 64)
	if err != nil {
		return err
	}
	e.jobs = jobs
	e.cleanup.Push("jobs", jobs.Shutdown)

	rc := e.cfg.Renderer
	device, err := e.opts.Device(e.cfg, e.window)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	e.device = device
	e.cleanup.PushFunc("device", device.Destroy)
	if !device.QueueFamilies().Complete() {
		return fmt.Errorf("device %s: queue families %+v: %w", device.Name(), device.QueueFamilies(), core.ErrUnsupportedDevice)
	}
	core.LogInfo("using device %s", device.Name())

	e.swapchain, err = device.CreateSwapchain(gpu.SwapchainCreateInfo{
		Extent:     gpu.Extent2D{Width: e.width, Height: e.height},
		ClearColor: rc.ClearColor,
		ClearDepth: rc.ClearDepth,
	})
	if err != nil {
		return fmt.Errorf("create swapchain: %w", err)
	}
	e.framebufferSizeLastGeneration = e.framebufferSizeGeneration
	e.cleanup.PushFunc("swapchain", e.swapchain.Destroy)

	e.allocator = memory.NewAllocator(device)
	e.resources = resources.NewManager(device, e.allocator, rc.DeferredReleaseCapacity)
	e.cleanup.Push("resources", e.resources.Close)

	if e.graphicsPool, err = commands.NewPool(device, device.GraphicsQueue(), true); err != nil {
		return err
	}
	e.cleanup.PushFunc("graphics-command-pool", e.graphicsPool.Destroy)
	if e.uploadPool, err = commands.NewPool(device, device.GraphicsQueue(), false); err != nil {
		return err
	}
	e.cleanup.PushFunc("upload-command-pool", e.uploadPool.Destroy)
	if e.computePool, err = commands.NewPool(device, device.ComputeQueue(), false); err != nil {
		return err
	}
	e.cleanup.PushFunc("compute-command-pool", e.computePool.Destroy)

	if err := e.initializeShaders(); err != nil {
		return err
	}

	e.pipelines, err = pipeline.NewSet(device, e.cfg.Pipelines, e.shaders, e.swapchain.RenderPass())
	if err != nil {
		return err
	}
	e.cleanup.PushFunc("pipelines", e.pipelines.Destroy)

	reqs := scene.Requirements(e.pipelines, rc.ExpectedEntities)
	for _, p := range e.pipelines.All() {
		if p.IsCompute() {
			reqs = append(reqs, p.Requirement(rc.ExpectedEntities.Computation))
		}
	}
	info := descriptors.Sizing(reqs, rc.MaxFramesInFlight)
	if e.descriptors, err = descriptors.NewPool(device, info, rc.MaxFramesInFlight); err != nil {
		return err
	}
	e.cleanup.PushFunc("descriptor-pool", e.descriptors.Destroy)
	core.LogDebug("descriptor pool sized for %d sets", info.MaxSets)

	e.scene, err = scene.New(scene.Deps{
		Resources:   e.resources,
		Descriptors: e.descriptors,
		Pipelines:   e.pipelines,
		Uploads:     e.uploadPool,
		LightsCount: rc.LightsCount,
	})
	if err != nil {
		return err
	}
	e.cleanup.PushFunc("scene", e.scene.Close)
	e.cleanup.PushFunc("computations", func() {
		for i := len(e.computations) - 1; i >= 0; i-- {
			e.computations[i].Destroy()
		}
		e.computations = nil
	})

	e.sync, err = frames.New(device, e.graphicsPool, rc.MaxFramesInFlight, rc.FenceTimeout.Duration, e.metrics)
	if err != nil {
		return err
	}
	e.cleanup.Push("frames", e.sync.Close)
	e.sync.ResetImages(e.swapchain.ImageCount())
	e.recorder = commands.NewRecorder(rc.ClearColor, rc.ClearDepth)

	if e.game.FnInitialize != nil {
		if err := e.game.FnInitialize(e); err != nil {
			return fmt.Errorf("game initialize: %w", err)
		}
	}
	if e.game.FnOnResize != nil {
		if err := e.game.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}
	return nil
}

// initializeShaders opens the shader library. The headless backend falls
// back to built-in code for every configured shader that has no file: the
// shader name for graphics stages, the copy kernel for compute.
func (e *Engine) initializeShaders() error {
	if e.shaders == nil {
		e.shaders = assets.NewShaderLibrary(e.cfg.Assets.ShaderDir, e.bus)
	}
	if e.cfg.Renderer.Backend == config.BackendHeadless {
		for _, pc := range e.cfg.Pipelines {
			if pc.Kind == "compute" {
				e.shaders.RegisterBuiltin(pc.ComputeShader, []byte("copy"))
				continue
			}
			e.shaders.RegisterBuiltin(pc.VertexShader, []byte(pc.VertexShader))
			e.shaders.RegisterBuiltin(pc.FragmentShader, []byte(pc.FragmentShader))
		}
	}
	if !e.cfg.Assets.Watch {
		return nil
	}
	if _, err := os.Stat(e.shaders.Dir()); err != nil {
		core.LogWarn("not watching shaders: %s", err)
		return nil
	}
	if err := e.shaders.Watch(); err != nil {
		return err
	}
	e.cleanup.Push("shader-watcher", e.shaders.Close)
	return nil
}

func (e *Engine) Stage() Stage { return e.stage }

func (e *Engine) Device() gpu.Device { return e.device }

func (e *Engine) Swapchain() gpu.Swapchain { return e.swapchain }

func (e *Engine) Resources() *resources.Manager { return e.resources }

func (e *Engine) Descriptors() *descriptors.Pool { return e.descriptors }

func (e *Engine) Pipelines() *pipeline.Set { return e.pipelines }

func (e *Engine) Scene() *scene.Scene { return e.scene }

func (e *Engine) Frames() *frames.Synchronizer { return e.sync }

func (e *Engine) Metrics() *core.FrameMetrics { return e.metrics }

func (e *Engine) Camera() scene.Camera { return e.camera }

func (e *Engine) Bus() *core.EventBus { return e.bus }

// Jobs runs CPU work such as asset decoding off the frame loop. GPU objects
// are still created on the calling goroutine.
func (e *Engine) Jobs() *core.JobSystem { return e.jobs }

// GetFramebufferSize returns the width and height (in this order) of the
// framebuffer.
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

// growOnExhaustion runs add and retries it while the descriptor pool is
// exhausted. The first retry may only compact the pool, the second one
// follows a doubling.
func (e *Engine) growOnExhaustion(add func() error) error {
	err := add()
	for attempt := 0; attempt < 2 && errors.Is(err, core.ErrDescriptorPoolExhausted); attempt++ {
		if err := e.sync.WaitIdle(); err != nil {
			return err
		}
		if err := e.descriptors.Grow(); err != nil {
			return err
		}
		err = add()
	}
	return err
}

func (e *Engine) AddPBR(desc scene.PBRDesc) (h containers.Handle, err error) {
	err = e.growOnExhaustion(func() error {
		h, err = e.scene.AddPBR(desc)
		return err
	})
	return h, err
}

func (e *Engine) AddSkybox(desc scene.SkyboxDesc) (h containers.Handle, err error) {
	err = e.growOnExhaustion(func() error {
		h, err = e.scene.AddSkybox(desc)
		return err
	})
	return h, err
}

func (e *Engine) AddLight(desc scene.LightDesc) (containers.Handle, error) {
	return e.scene.AddLight(desc)
}

// Remove takes an entity out of the scene. Its resources are destroyed once
// the newest submitted frame has completed.
func (e *Engine) Remove(h containers.Handle) error {
	tick := e.sync.Tick()
	if tick > 0 {
		tick--
	}
	return e.scene.Remove(h, tick)
}

// AddComputation creates a computation over the named compute pipeline.
// It is destroyed at shutdown.
func (e *Engine) AddComputation(name, pipelineName string, inSize, outSize uint64, groups [3]uint32) (*compute.Computation, error) {
	p, ok := e.pipelines.Get(pipelineName)
	if !ok {
		return nil, fmt.Errorf("computation %q: no pipeline %q: %w", name, pipelineName, core.ErrInitializationFailure)
	}
	var c *compute.Computation
	err := e.growOnExhaustion(func() (err error) {
		c, err = compute.New(name, e.resources, e.descriptors, p, inSize, outSize, groups)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.computations = append(e.computations, c)
	return c, nil
}

// RunComputation submits c to the compute queue and waits for it.
func (e *Engine) RunComputation(c *compute.Computation) error {
	return c.Run(e.computePool)
}

// Resized records a new framebuffer size. The swapchain is rebuilt at the
// start of the next tick. A zero size suspends rendering.
func (e *Engine) Resized(width, height uint32) {
	if width == e.width && height == e.height {
		return
	}
	e.width = width
	e.height = height
	e.framebufferSizeGeneration++
	core.LogDebug("Window resize: %d, %d", width, height)

	// Handle minimization
	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending rendering.")
		e.isSuspended = true
		return
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming rendering.")
		e.isSuspended = false
	}
	if e.game.FnOnResize != nil {
		if err := e.game.FnOnResize(width, height); err != nil {
			core.LogError(err.Error())
		}
	}
}

// rebuildSwapchain waits for the device to go idle, then recreates the
// swapchain and its render targets at the current framebuffer size.
func (e *Engine) rebuildSwapchain() error {
	if err := e.sync.WaitIdle(); err != nil {
		return err
	}
	if e.width == 0 || e.height == 0 {
		e.isSuspended = true
		return nil
	}
	if err := e.swapchain.Recreate(gpu.Extent2D{Width: e.width, Height: e.height}); err != nil {
		return fmt.Errorf("rebuild swapchain: %w", err)
	}
	e.sync.ResetImages(e.swapchain.ImageCount())
	e.framebufferSizeLastGeneration = e.framebufferSizeGeneration
	e.collect()
	core.LogInfo("swapchain rebuilt at %dx%d", e.width, e.height)
	return nil
}

// applyShaderChanges rebuilds the pipelines built from changed shaders once
// the device is idle. A pipeline that fails to rebuild keeps running with
// its previous shaders.
func (e *Engine) applyShaderChanges() error {
	e.mu.Lock()
	if len(e.changedShaders) == 0 {
		e.mu.Unlock()
		return nil
	}
	names := make([]string, 0, len(e.changedShaders))
	for name := range e.changedShaders {
		names = append(names, name)
	}
	e.changedShaders = make(map[string]bool)
	e.mu.Unlock()
	sort.Strings(names)

	if err := e.sync.WaitIdle(); err != nil {
		return err
	}
	for _, name := range names {
		n, err := e.pipelines.RebuildUsing(name, e.shaders, e.swapchain.RenderPass())
		if err != nil {
			core.LogError("rebuild pipelines using %s: %s", name, err)
			continue
		}
		if n > 0 {
			core.LogInfo("rebuilt %d pipelines using %s", n, name)
		}
	}
	return nil
}

func (e *Engine) collect() {
	if c := e.sync.Completed(); c >= 0 {
		if n := e.resources.Collect(uint64(c)); n > 0 {
			core.LogDebug("destroyed %d released resources through tick %d", n, c)
		}
	}
}

// Tick renders one frame: rebuild the swapchain if the framebuffer changed,
// wait for the slot, write its uniforms, record the draw list, then submit
// and present. An out of date surface rebuilds the swapchain and is not an
// error.
func (e *Engine) Tick() error {
	if e.stage != EngineStageInitialized && e.stage != EngineStageRunning {
		return fmt.Errorf("tick in stage %d: %w", e.stage, core.ErrInvalidObjectState)
	}
	if e.framebufferSizeGeneration != e.framebufferSizeLastGeneration {
		if err := e.rebuildSwapchain(); err != nil {
			return err
		}
	}
	if e.isSuspended {
		return nil
	}
	if err := e.applyShaderChanges(); err != nil {
		return err
	}

	start := time.Now()
	frame, err := e.sync.BeginFrame(e.swapchain)
	if errors.Is(err, core.ErrSurfaceOutOfDate) {
		if err := e.rebuildSwapchain(); err != nil {
			return err
		}
		if e.isSuspended {
			return nil
		}
		frame, err = e.sync.BeginFrame(e.swapchain)
	}
	if err != nil {
		return fmt.Errorf("begin frame: %w", err)
	}
	e.collect()

	slot := frame.Slot.Index
	extent := e.swapchain.Extent()
	if err := e.scene.UpdateUniforms(slot, e.camera, extent); err != nil {
		return err
	}
	bindings, draws := e.scene.DrawList(slot)
	target := commands.RenderTarget{
		RenderPass:  e.swapchain.RenderPass(),
		Framebuffer: e.swapchain.Framebuffer(frame.ImageIndex),
		Extent:      extent,
	}
	if err := e.recorder.Record(frame.CommandBuffer, target, bindings, draws); err != nil {
		return fmt.Errorf("record frame %d: %w", frame.Tick, err)
	}

	err = e.sync.SubmitAndPresent(frame, e.swapchain)
	if errors.Is(err, core.ErrSurfaceOutOfDate) {
		core.LogDebug("surface out of date after present of frame %d", frame.Tick)
		err = e.rebuildSwapchain()
	}
	if err != nil {
		return err
	}

	e.metrics.Update(time.Since(start))
	core.Logger().Debug("frame", "tick", frame.Tick, "slot", slot, "image", frame.ImageIndex, "draws", len(draws))
	if e.metrics.Ticks()%metricsInterval == 0 {
		core.Logger().Info("frames",
			"run", e.runID,
			"ticks", e.metrics.Ticks(),
			"fps", e.metrics.FPS(),
			"frame_ms", e.metrics.FrameTime(),
			"fence_wait", e.metrics.FenceWait(),
		)
	}
	return nil
}

// Run ticks until a quit event, ctx is done, MaxTicks frames were rendered
// or a fatal error occurs. Shutdown is left to the caller.
func (e *Engine) Run(ctx context.Context) error {
	if e.stage != EngineStageInitialized {
		return fmt.Errorf("run in stage %d: %w", e.stage, core.ErrInvalidObjectState)
	}
	e.stage = EngineStageRunning
	e.isRunning = true
	defer func() {
		if e.stage == EngineStageRunning {
			e.stage = EngineStageInitialized
		}
	}()

	e.clock.Start()
	e.clock.Update()
	lastTime := e.clock.Elapsed()

	for e.isRunning {
		select {
		case <-ctx.Done():
			core.LogInfo("run cancelled: %s", ctx.Err())
			return nil
		default:
		}
		e.window.PollEvents()
		if !e.isRunning {
			break
		}
		if e.opts.MaxTicks > 0 && e.sync.Tick() >= e.opts.MaxTicks {
			break
		}

		// Update clock and get delta time.
		e.clock.Update()
		currentTime := e.clock.Elapsed()
		if e.game.FnUpdate != nil {
			if err := e.game.FnUpdate(e, currentTime-lastTime); err != nil {
				core.LogError("Game update failed, shutting down.")
				return err
			}
		}
		lastTime = currentTime

		if err := e.Tick(); err != nil {
			if core.IsFatal(err) {
				return err
			}
			core.LogWarn("tick %d: %s", e.sync.Tick(), err)
		}
	}
	return nil
}

// Shutdown waits for the device to go idle, destroys every released
// resource and then everything Initialize created, in reverse order.
func (e *Engine) Shutdown() error {
	switch e.stage {
	case EngineStageUninitialized, EngineStageShutdown, EngineStageShuttingDown:
		return nil
	}
	e.stage = EngineStageShuttingDown
	e.isRunning = false

	var errs []error
	if err := e.sync.WaitIdle(); err != nil {
		errs = append(errs, fmt.Errorf("wait idle: %w", err))
	}
	if e.game.FnShutdown != nil {
		if err := e.game.FnShutdown(e); err != nil {
			errs = append(errs, err)
		}
	}
	if n := e.resources.Flush(); n > 0 {
		core.LogDebug("flushed %d released resources", n)
	}
	errs = append(errs, e.cleanup.Close())
	e.stage = EngineStageShutdown
	core.Logger().Info("shutdown", "run", e.runID, "ticks", e.metrics.Ticks(), "fence_wait", e.metrics.FenceWait())
	return errors.Join(errs...)
}

func (e *Engine) onQuit(core.Event) bool {
	core.LogInfo("EventQuit received, shutting down.")
	e.isRunning = false
	return true
}

func (e *Engine) onResized(ev core.Event) bool {
	e.Resized(ev.Width, ev.Height)
	return false
}

// onShaderChanged may run on the watcher goroutine.
func (e *Engine) onShaderChanged(ev core.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changedShaders[ev.Name] = true
	return false
}
