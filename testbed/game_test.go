package testbed

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/vkframe/engine"
	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
)

func run(t *testing.T, opts Options, ticks uint64) *sim.Device {
	t.Helper()
	cfg := config.Default()
	cfg.Renderer.Backend = config.BackendHeadless
	cfg.Window.Width, cfg.Window.Height = 64, 64
	cfg.Assets.ShaderDir = t.TempDir()
	cfg.Log.Level = "error"

	d := sim.New(sim.Options{})
	e, err := engine.New(cfg, engine.Options{
		Device:   func(*config.Config, engine.Window) (gpu.Device, error) { return d, nil },
		Game:     NewTestGame(opts),
		MaxTicks: ticks,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if v := d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
	if live := d.Live(); len(live) != 0 {
		t.Errorf("Live() after shutdown = %v", live)
	}
	return d
}

func TestGeneratedScene(t *testing.T) {
	d := run(t, Options{}, 5)
	stats := d.Stats()
	if stats.Dispatches != 1 {
		t.Errorf("Dispatches = %d, want 1", stats.Dispatches)
	}
	// One skybox and one model draw per frame.
	if stats.Draws != 10 {
		t.Errorf("Draws = %d, want 10", stats.Draws)
	}
}

func TestSceneFromFiles(t *testing.T) {
	dir := t.TempDir()
	sky := filepath.Join(dir, "sky")
	if err := os.MkdirAll(sky, 0o755); err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	for _, face := range []string{"px", "nx", "py", "ny", "pz", "nz"} {
		f, err := os.Create(filepath.Join(sky, face+".png"))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}

	obj := filepath.Join(dir, "tri.obj")
	src := "v 0 0 0\nv 1 0 0\nv 0 1 0\nvt 0 0\nvt 1 0\nvt 0 1\nf 1/1 2/2 3/3\n"
	if err := os.WriteFile(obj, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, Options{SkyboxDir: sky, Model: obj}, 2)
}

func TestMissingModelFailsInitialize(t *testing.T) {
	cfg := config.Default()
	cfg.Renderer.Backend = config.BackendHeadless
	cfg.Assets.ShaderDir = t.TempDir()
	cfg.Log.Level = "error"
	e, err := engine.New(cfg, engine.Options{Game: NewTestGame(Options{Model: filepath.Join(t.TempDir(), "none.obj")})})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); err == nil {
		t.Error("Initialize() with a missing model succeeded")
	}
	_ = e.Shutdown()
}
