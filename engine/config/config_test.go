package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spaghettifunk/vkframe/engine/core"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Window.Width != 1920 || cfg.Window.Height != 1080 {
		t.Errorf("default extent = %dx%d, want 1920x1080", cfg.Window.Width, cfg.Window.Height)
	}
	if cfg.Renderer.MaxFramesInFlight != 2 {
		t.Errorf("MaxFramesInFlight = %d, want 2", cfg.Renderer.MaxFramesInFlight)
	}
	if cfg.Renderer.ClearColor != [4]float32{0.3, 0.3, 0.3, 1.0} {
		t.Errorf("ClearColor = %v", cfg.Renderer.ClearColor)
	}
	if _, ok := cfg.Pipeline("brdf"); !ok {
		t.Error("default pipelines should include brdf")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vkframe.toml")
	data := `
[window]
title = "test"
width = 640
height = 480

[renderer]
backend = "headless"
max_frames_in_flight = 3
fence_timeout = "250ms"

[renderer.expected_entities]
pbr = 4

[log]
level = "debug"

[[pipelines]]
name = "copy"
kind = "compute"
compute_shader = "copy"

[[pipelines.bindings]]
slot = 0
kind = "storage"
stage = "compute"

[[pipelines.bindings]]
slot = 1
kind = "storage"
stage = "compute"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Window.Title != "test" || cfg.Window.Width != 640 {
		t.Errorf("window = %+v", cfg.Window)
	}
	if cfg.Renderer.Backend != BackendHeadless {
		t.Errorf("Backend = %q, want headless", cfg.Renderer.Backend)
	}
	if cfg.Renderer.MaxFramesInFlight != 3 {
		t.Errorf("MaxFramesInFlight = %d, want 3", cfg.Renderer.MaxFramesInFlight)
	}
	if cfg.Renderer.FenceTimeout.Duration != 250*time.Millisecond {
		t.Errorf("FenceTimeout = %v, want 250ms", cfg.Renderer.FenceTimeout)
	}
	if cfg.Renderer.ExpectedEntities.PBR != 4 || cfg.Renderer.ExpectedEntities.Skybox != 1 {
		t.Errorf("ExpectedEntities = %+v, want pbr=4 skybox=1", cfg.Renderer.ExpectedEntities)
	}
	// Unset values keep their defaults.
	if cfg.Renderer.ClearDepth != 1.0 {
		t.Errorf("ClearDepth = %v, want default 1.0", cfg.Renderer.ClearDepth)
	}
	if len(cfg.Pipelines) != 1 {
		t.Fatalf("len(Pipelines) = %d, want 1", len(cfg.Pipelines))
	}
	p, ok := cfg.Pipeline("copy")
	if !ok || len(p.Bindings) != 2 {
		t.Errorf("Pipeline(copy) = %+v, %v", p, ok)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"zero width", "[window]\nwidth = 0\n"},
		{"too many frames", "[renderer]\nmax_frames_in_flight = 9\n"},
		{"no frames", "[renderer]\nmax_frames_in_flight = 0\n"},
		{"backend", "[renderer]\nbackend = \"metal\"\n"},
		{"binding kind", "[[pipelines]]\nname = \"x\"\nkind = \"compute\"\ncompute_shader = \"c\"\n[[pipelines.bindings]]\nslot = 0\nkind = \"texel\"\nstage = \"compute\"\n"},
		{"graphics shaders", "[[pipelines]]\nname = \"x\"\nkind = \"graphics\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if !errors.Is(err, core.ErrInitializationFailure) {
				t.Errorf("Parse() error = %v, want initialization failure", err)
			}
		})
	}
}

func TestParse_UnknownField(t *testing.T) {
	if _, err := Parse([]byte("[window]\ncolour = \"red\"\n")); err == nil {
		t.Error("Parse() with unknown field should fail")
	}
}

func TestEncode(t *testing.T) {
	b, err := Default().Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for _, key := range []string{"max_frames_in_flight", "clear_color", "[[pipelines]]"} {
		if !strings.Contains(string(b), key) {
			t.Errorf("Encode() output misses %q", key)
		}
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "assets", "vkframe.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Pipelines) != len(DefaultPipelines()) {
		t.Errorf("Pipelines = %d, want the %d defaults", len(cfg.Pipelines), len(DefaultPipelines()))
	}
	if cfg.Renderer.FenceTimeout.Duration != 2*time.Second {
		t.Errorf("FenceTimeout = %v, want 2s", cfg.Renderer.FenceTimeout)
	}
}
