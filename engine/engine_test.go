package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
	"github.com/spaghettifunk/vkframe/engine/renderer/scene"
)

type harness struct {
	e      *Engine
	d      *sim.Device
	window *HeadlessWindow
	bus    *core.EventBus
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Renderer.Backend = config.BackendHeadless
	cfg.Window.Width, cfg.Window.Height = 64, 64
	cfg.Assets.ShaderDir = t.TempDir()
	cfg.Log.Level = "error"
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, game *Game, maxTicks uint64) *harness {
	t.Helper()
	d := sim.New(sim.Options{})
	bus := core.NewEventBus()
	w := NewHeadlessWindow(cfg.Window.Width, cfg.Window.Height, bus)
	e, err := New(cfg, Options{
		Bus:      bus,
		Window:   w,
		Device:   func(*config.Config, Window) (gpu.Device, error) { return d, nil },
		Game:     game,
		MaxTicks: maxTicks,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return &harness{e: e, d: d, window: w, bus: bus}
}

// shutdown shuts the engine down and checks the device saw no misuse and
// no leaked objects.
func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	if err := h.e.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if v := h.d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
	if live := h.d.Live(); len(live) != 0 {
		t.Errorf("Live() after shutdown = %v", live)
	}
}

func (h *harness) swapchain() *sim.Swapchain {
	return h.e.Swapchain().(*sim.Swapchain)
}

func (h *harness) tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.window.PollEvents()
		if err := h.e.Tick(); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
	}
}

func solid(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func skybox() scene.SkyboxDesc {
	desc := scene.SkyboxDesc{Name: "sky"}
	for i := range desc.Faces {
		desc.Faces[i] = solid(color.RGBA{0, 0, 255, 255})
		desc.Irradiance[i] = solid(color.RGBA{8, 8, 8, 255})
	}
	return desc
}

func triangle(name string) scene.PBRDesc {
	return scene.PBRDesc{
		Name:   name,
		Meshes: []scene.MeshData{{Vertices: make([]byte, 3*44), Indices: []uint32{0, 1, 2}}},
	}
}

func populate(e *Engine) error {
	if _, err := e.AddSkybox(skybox()); err != nil {
		return err
	}
	if _, err := e.AddPBR(triangle("helmet")); err != nil {
		return err
	}
	_, err := e.AddLight(scene.LightDesc{Name: "sun", Color: [4]float32{1, 1, 1, 1}})
	return err
}

func TestRunPresentsFrames(t *testing.T) {
	var updates int
	game := &Game{
		FnInitialize: populate,
		FnUpdate: func(*Engine, time.Duration) error {
			updates++
			return nil
		},
	}
	h := newHarness(t, testConfig(t), game, 5)
	if err := h.e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(h.swapchain().Presented()); got != 5 {
		t.Errorf("presented %d frames, want 5", got)
	}
	if updates != 5 {
		t.Errorf("update hook ran %d times, want 5", updates)
	}
	if got := h.e.Metrics().Ticks(); got != 5 {
		t.Errorf("Metrics().Ticks() = %d, want 5", got)
	}
	if got := h.e.Scene().Len(); got != 3 {
		t.Errorf("Scene().Len() = %d, want 3", got)
	}
	h.shutdown(t)
	if h.e.Stage() != EngineStageShutdown {
		t.Errorf("Stage() = %d after shutdown", h.e.Stage())
	}
}

func TestShutdownWaitsBeforeDestroying(t *testing.T) {
	h := newHarness(t, testConfig(t), &Game{FnInitialize: populate}, 0)
	h.tick(t, 3)
	h.d.ClearEvents()
	h.shutdown(t)

	events := h.d.EventsOf(sim.EventDeviceWaitIdle, sim.EventDestroy)
	if len(events) == 0 || events[0].Kind != sim.EventDeviceWaitIdle {
		t.Fatalf("first shutdown event = %v, want a device wait idle", events)
	}
	if err := h.e.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestResizeRebuildsSwapchain(t *testing.T) {
	var resized []uint32
	game := &Game{FnOnResize: func(w, _ uint32) error {
		resized = append(resized, w)
		return nil
	}}
	h := newHarness(t, testConfig(t), game, 0)
	h.tick(t, 2)

	h.window.Resize(128, 32)
	h.tick(t, 1)
	sc := h.swapchain()
	if sc.Generation() != 1 {
		t.Errorf("Generation() = %d, want 1", sc.Generation())
	}
	if got := sc.Extent(); got != (gpu.Extent2D{Width: 128, Height: 32}) {
		t.Errorf("Extent() = %v, want 128x32", got)
	}
	if got := len(sc.Presented()); got != 3 {
		t.Errorf("presented %d frames, want 3", got)
	}
	if len(resized) != 2 || resized[1] != 128 {
		t.Errorf("resize hook saw widths %v, want [64 128]", resized)
	}
	h.shutdown(t)
}

func TestOutOfDateSurfaceRebuilds(t *testing.T) {
	h := newHarness(t, testConfig(t), &Game{FnInitialize: populate}, 0)
	h.tick(t, 1)
	sc := h.swapchain()
	sc.Invalidate()
	h.tick(t, 1)
	if sc.Generation() != 1 {
		t.Errorf("Generation() = %d, want 1", sc.Generation())
	}
	if got := len(sc.Presented()); got != 2 {
		t.Errorf("presented %d frames, want 2", got)
	}
	h.shutdown(t)
}

func TestMinimizeSuspendsRendering(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, 0)
	h.tick(t, 1)
	sc := h.swapchain()

	h.window.Resize(0, 0)
	h.tick(t, 3)
	if got := len(sc.Presented()); got != 1 {
		t.Errorf("presented %d frames while minimized, want 1", got)
	}
	if sc.Generation() != 0 {
		t.Errorf("Generation() = %d while minimized, want 0", sc.Generation())
	}

	h.window.Resize(32, 32)
	h.tick(t, 1)
	if got := len(sc.Presented()); got != 2 {
		t.Errorf("presented %d frames after restore, want 2", got)
	}
	if got := sc.Extent(); got != (gpu.Extent2D{Width: 32, Height: 32}) {
		t.Errorf("Extent() = %v, want 32x32", got)
	}
	h.shutdown(t)
}

func TestDescriptorPoolGrows(t *testing.T) {
	cfg := testConfig(t)
	cfg.Renderer.ExpectedEntities = config.ExpectedEntities{PBR: 1}
	h := newHarness(t, cfg, nil, 0)
	before := h.e.Descriptors().Capacity().MaxSets

	for _, name := range []string{"a", "b", "c"} {
		if _, err := h.e.AddPBR(triangle(name)); err != nil {
			t.Fatalf("AddPBR(%s) error = %v", name, err)
		}
	}
	if after := h.e.Descriptors().Capacity().MaxSets; after <= before {
		t.Errorf("MaxSets = %d after growth, want more than %d", after, before)
	}
	h.tick(t, 2)
	h.shutdown(t)
}

func TestNoExpectedEntities(t *testing.T) {
	cfg := testConfig(t)
	cfg.Renderer.ExpectedEntities = config.ExpectedEntities{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	h := newHarness(t, cfg, nil, 0)
	if got := h.e.Descriptors().Capacity().MaxSets; got == 0 {
		t.Fatal("descriptor pool created without sets")
	}
	if err := populate(h.e); err != nil {
		t.Fatalf("populate() error = %v", err)
	}
	h.tick(t, 2)
	h.shutdown(t)
}

func TestAddRemoveChurnKeepsPoolSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.Renderer.ExpectedEntities = config.ExpectedEntities{PBR: 1}
	h := newHarness(t, cfg, nil, 0)
	before := h.e.Descriptors().Capacity().MaxSets

	for i := 0; i < 40; i++ {
		ent, err := h.e.AddPBR(triangle("crate"))
		if err != nil {
			t.Fatalf("cycle %d: AddPBR() error = %v", i, err)
		}
		h.tick(t, 3)
		if err := h.e.Remove(ent); err != nil {
			t.Fatalf("cycle %d: Remove() error = %v", i, err)
		}
		h.tick(t, 3)
	}
	if got := h.e.Scene().Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
	if after := h.e.Descriptors().Capacity().MaxSets; after != before {
		t.Errorf("MaxSets = %d after add/remove churn, want %d", after, before)
	}
	h.shutdown(t)
}

func TestRemoveDefersRelease(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, 0)
	ent, err := h.e.AddPBR(triangle("crate"))
	if err != nil {
		t.Fatal(err)
	}
	h.tick(t, 3)
	if err := h.e.Remove(ent); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if h.e.Resources().Pending() == 0 {
		t.Fatal("Remove() destroyed resources of a frame still in flight")
	}
	if _, err := h.e.Scene().Entity(ent); !errors.Is(err, core.ErrStaleHandle) {
		t.Errorf("Entity() after Remove error = %v, want ErrStaleHandle", err)
	}
	h.tick(t, 3)
	if got := h.e.Resources().Pending(); got != 0 {
		t.Errorf("Pending() = %d after the frames completed, want 0", got)
	}
	h.shutdown(t)
}

func TestShaderChangeRebuildsUsingPipelines(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, 0)
	pbr, _ := h.e.Pipelines().Get("pbr")
	sky, _ := h.e.Pipelines().Get("skybox")
	pbrBefore, skyBefore := pbr.Handle, sky.Handle
	h.tick(t, 1)

	h.bus.Fire(core.Event{Code: core.EventShaderChanged, Name: "pbr.frag.spv"})
	h.tick(t, 1)
	if pbr.Handle == pbrBefore {
		t.Error("pbr pipeline was not rebuilt")
	}
	if sky.Handle != skyBefore {
		t.Error("skybox pipeline was rebuilt for a pbr shader change")
	}

	before := pbr.Handle
	h.d.FailNext(sim.OpCreatePipeline, errors.New("bad spir-v"))
	h.bus.Fire(core.Event{Code: core.EventShaderChanged, Name: "pbr.vert.spv"})
	h.tick(t, 1)
	if pbr.Handle != before {
		t.Error("failed rebuild replaced the running pipeline")
	}
	if got := len(h.swapchain().Presented()); got != 3 {
		t.Errorf("presented %d frames, want 3", got)
	}
	h.shutdown(t)
}

func TestQuitStopsRun(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, 0)
	h.window.Close()
	if err := h.e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(h.swapchain().Presented()); got != 0 {
		t.Errorf("presented %d frames after quit, want 0", got)
	}
	h.shutdown(t)
}

func TestCancelledContextStopsRun(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.e.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	h.shutdown(t)
}

func TestUpdateErrorStopsRun(t *testing.T) {
	boom := errors.New("boom")
	game := &Game{FnUpdate: func(*Engine, time.Duration) error { return boom }}
	h := newHarness(t, testConfig(t), game, 10)
	if err := h.e.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	h.shutdown(t)
}

func TestComputation(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, 0)
	c, err := h.e.AddComputation("lut", "brdf", 128, 128, [3]uint32{1, 1, 1})
	if err != nil {
		t.Fatalf("AddComputation() error = %v", err)
	}
	in := make([]byte, 128)
	for i := range in {
		in[i] = byte(i * 3)
	}
	if err := c.Upload(0, in); err != nil {
		t.Fatal(err)
	}
	if err := h.e.RunComputation(c); err != nil {
		t.Fatalf("RunComputation() error = %v", err)
	}
	out := make([]byte, 128)
	if err := c.Download(0, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Error("computation output differs from its input")
	}
	if _, err := h.e.AddComputation("x", "missing", 4, 4, [3]uint32{1, 1, 1}); !errors.Is(err, core.ErrInitializationFailure) {
		t.Errorf("AddComputation() on unknown pipeline error = %v", err)
	}
	h.shutdown(t)
}

func TestInitializeRollsBack(t *testing.T) {
	tests := []struct {
		name string
		op   sim.Op
	}{
		{"fence", sim.OpCreateFence},
		{"pipeline", sim.OpCreatePipeline},
		{"descriptor pool", sim.OpCreateDescriptorPool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sim.New(sim.Options{})
			injected := errors.New("injected")
			d.FailNext(tt.op, injected)
			e, err := New(testConfig(t), Options{
				Device: func(*config.Config, Window) (gpu.Device, error) { return d, nil },
			})
			if err != nil {
				t.Fatal(err)
			}
			if err := e.Initialize(); !errors.Is(err, injected) {
				t.Fatalf("Initialize() error = %v, want %v", err, injected)
			}
			if live := d.Live(); len(live) != 0 {
				t.Errorf("Live() after failed Initialize = %v", live)
			}
			if v := d.Violations(); len(v) != 0 {
				t.Errorf("Violations() = %v", v)
			}
			if err := e.Shutdown(); err != nil {
				t.Errorf("Shutdown() after failed Initialize error = %v", err)
			}
		})
	}
}

func TestNewRejectsVulkanWithoutFactory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Renderer.Backend = config.BackendVulkan
	if _, err := New(cfg, Options{}); !errors.Is(err, core.ErrInitializationFailure) {
		t.Errorf("New() error = %v, want ErrInitializationFailure", err)
	}
}

func TestTickBeforeInitialize(t *testing.T) {
	e, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Tick(); !errors.Is(err, core.ErrInvalidObjectState) {
		t.Errorf("Tick() error = %v, want ErrInvalidObjectState", err)
	}
	if e.Scene() != nil {
		t.Error("scene exists before Initialize")
	}
	if err := e.Shutdown(); err != nil {
		t.Errorf("Shutdown() before Initialize error = %v", err)
	}
}
