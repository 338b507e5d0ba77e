package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/vkframe/engine/core"
)

const (
	BackendVulkan   = "vulkan"
	BackendHeadless = "headless"

	// Upper bound for frames in flight. Most swapchains expose at most three
	// images, anything beyond eight only adds latency.
	MaxFramesInFlightLimit = 8
)

type Config struct {
	Window    WindowConfig     `toml:"window"`
	Renderer  RendererConfig   `toml:"renderer"`
	Log       LogConfig        `toml:"log"`
	Assets    AssetsConfig     `toml:"assets"`
	Pipelines []PipelineConfig `toml:"pipelines"`
}

type WindowConfig struct {
	Title  string `toml:"title"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

type RendererConfig struct {
	Backend           string     `toml:"backend"`
	MaxFramesInFlight int        `toml:"max_frames_in_flight"`
	ClearColor        [4]float32 `toml:"clear_color"`
	ClearDepth        float32    `toml:"clear_depth"`
	Validation        bool       `toml:"validation"`

	// FenceTimeout bounds a slot fence wait. Zero waits forever.
	FenceTimeout Duration `toml:"fence_timeout"`

	// Expected number of concurrently live entities per kind. Used to size
	// the descriptor pool before any allocation.
	ExpectedEntities        ExpectedEntities `toml:"expected_entities"`
	DeferredReleaseCapacity int              `toml:"deferred_release_capacity"`
	LightsCount             int              `toml:"lights_count"`
}

type ExpectedEntities struct {
	PBR         int `toml:"pbr"`
	Skybox      int `toml:"skybox"`
	Computation int `toml:"computation"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type AssetsConfig struct {
	ShaderDir string `toml:"shader_dir"`
	Watch     bool   `toml:"watch"`
}

// PipelineConfig describes one pipeline and the layout of its descriptor set.
type PipelineConfig struct {
	Name           string          `toml:"name"`
	Kind           string          `toml:"kind"` // graphics or compute
	VertexShader   string          `toml:"vertex_shader"`
	FragmentShader string          `toml:"fragment_shader"`
	ComputeShader  string          `toml:"compute_shader"`
	DepthTest      bool            `toml:"depth_test"`
	DepthWrite     bool            `toml:"depth_write"`
	CullMode       string          `toml:"cull_mode"` // none, back or front
	VertexStride   uint32          `toml:"vertex_stride"`
	Attributes     []AttributeSpec `toml:"attributes"`
	Bindings       []BindingSpec   `toml:"bindings"`
}

type AttributeSpec struct {
	Location uint32 `toml:"location"`
	Format   string `toml:"format"` // vec2, vec3 or vec4
	Offset   uint32 `toml:"offset"`
}

type BindingSpec struct {
	Slot  uint32 `toml:"slot"`
	Kind  string `toml:"kind"`  // uniform, storage or sampler
	Stage string `toml:"stage"` // vertex, fragment, compute or all
}

// Duration accepts "16ms" style strings in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default mirrors the static settings the renderer was originally built with.
func Default() *Config {
	return &Config{
		Window: WindowConfig{
			Title:  "Hello Vulkan",
			Width:  1920,
			Height: 1080,
		},
		Renderer: RendererConfig{
			Backend:           BackendVulkan,
			MaxFramesInFlight: 2,
			ClearColor:        [4]float32{0.3, 0.3, 0.3, 1.0},
			ClearDepth:        1.0,
			ExpectedEntities: ExpectedEntities{
				PBR:         16,
				Skybox:      1,
				Computation: 1,
			},
			DeferredReleaseCapacity: 64,
			LightsCount:             10,
		},
		Log: LogConfig{Level: "info"},
		Assets: AssetsConfig{
			ShaderDir: "assets/shaders",
		},
		Pipelines: DefaultPipelines(),
	}
}

// DefaultPipelines returns the PBR, skybox and BRDF compute pipelines.
func DefaultPipelines() []PipelineConfig {
	return []PipelineConfig{
		{
			Name:           "pbr",
			Kind:           "graphics",
			VertexShader:   "pbr.vert.spv",
			FragmentShader: "pbr.frag.spv",
			DepthTest:      true,
			DepthWrite:     true,
			CullMode:       "back",
			VertexStride:   44,
			Attributes: []AttributeSpec{
				{Location: 0, Format: "vec3", Offset: 0},
				{Location: 1, Format: "vec3", Offset: 12},
				{Location: 2, Format: "vec2", Offset: 24},
				{Location: 3, Format: "vec3", Offset: 32},
			},
			Bindings: []BindingSpec{
				{Slot: 0, Kind: "uniform", Stage: "all"},
				{Slot: 1, Kind: "sampler", Stage: "fragment"},
				{Slot: 2, Kind: "sampler", Stage: "fragment"},
				{Slot: 3, Kind: "sampler", Stage: "fragment"},
				{Slot: 4, Kind: "sampler", Stage: "fragment"},
			},
		},
		{
			Name:           "skybox",
			Kind:           "graphics",
			VertexShader:   "skybox.vert.spv",
			FragmentShader: "skybox.frag.spv",
			DepthTest:      true,
			DepthWrite:     false,
			CullMode:       "front",
			VertexStride:   12,
			Attributes: []AttributeSpec{
				{Location: 0, Format: "vec3", Offset: 0},
			},
			Bindings: []BindingSpec{
				{Slot: 0, Kind: "uniform", Stage: "vertex"},
				{Slot: 1, Kind: "sampler", Stage: "fragment"},
			},
		},
		{
			Name:          "brdf",
			Kind:          "compute",
			ComputeShader: "brdf.comp.spv",
			Bindings: []BindingSpec{
				{Slot: 0, Kind: "storage", Stage: "compute"},
				{Slot: 1, Kind: "storage", Stage: "compute"},
			},
		},
	}
}

// Load reads a TOML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	cfg := Default()
	// A file that lists pipelines replaces the defaults instead of appending
	// to them.
	var head struct {
		Pipelines []PipelineConfig `toml:"pipelines"`
	}
	if err := toml.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(head.Pipelines) > 0 {
		cfg.Pipelines = nil
	}
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func (c *Config) Validate() error {
	if c.Window.Width == 0 || c.Window.Height == 0 {
		return fmt.Errorf("window extent %dx%d must be non-zero: %w", c.Window.Width, c.Window.Height, core.ErrInitializationFailure)
	}
	if c.Renderer.MaxFramesInFlight < 1 || c.Renderer.MaxFramesInFlight > MaxFramesInFlightLimit {
		return fmt.Errorf("max_frames_in_flight %d outside [1, %d]: %w", c.Renderer.MaxFramesInFlight, MaxFramesInFlightLimit, core.ErrInitializationFailure)
	}
	switch c.Renderer.Backend {
	case BackendVulkan, BackendHeadless:
	default:
		return fmt.Errorf("unknown backend %q: %w", c.Renderer.Backend, core.ErrInitializationFailure)
	}
	if c.Renderer.DeferredReleaseCapacity < 1 {
		return fmt.Errorf("deferred_release_capacity must be positive: %w", core.ErrInitializationFailure)
	}
	e := c.Renderer.ExpectedEntities
	if e.PBR < 0 || e.Skybox < 0 || e.Computation < 0 {
		return fmt.Errorf("expected entity counts must not be negative: %w", core.ErrInitializationFailure)
	}
	seen := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("pipeline %q defined twice: %w", p.Name, core.ErrInitializationFailure)
		}
		seen[p.Name] = true
	}
	return nil
}

// Pipeline returns the named pipeline configuration.
func (c *Config) Pipeline(name string) (PipelineConfig, bool) {
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

func (p PipelineConfig) validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("pipeline %q: %s: %w", p.Name, fmt.Sprintf(format, args...), core.ErrInitializationFailure)
	}
	if p.Name == "" {
		return fail("missing name")
	}
	switch p.Kind {
	case "graphics":
		if p.VertexShader == "" || p.FragmentShader == "" {
			return fail("graphics pipeline needs vertex and fragment shaders")
		}
	case "compute":
		if p.ComputeShader == "" {
			return fail("compute pipeline needs a compute shader")
		}
	default:
		return fail("unknown kind %q", p.Kind)
	}
	switch p.CullMode {
	case "", "none", "back", "front":
	default:
		return fail("unknown cull mode %q", p.CullMode)
	}
	for _, a := range p.Attributes {
		switch a.Format {
		case "float", "vec2", "vec3", "vec4":
		default:
			return fail("attribute %d has unknown format %q", a.Location, a.Format)
		}
	}
	slots := make(map[uint32]bool, len(p.Bindings))
	for _, b := range p.Bindings {
		switch b.Kind {
		case "uniform", "storage", "sampler":
		default:
			return fail("binding %d has unknown kind %q", b.Slot, b.Kind)
		}
		switch b.Stage {
		case "vertex", "fragment", "compute", "all":
		default:
			return fail("binding %d has unknown stage %q", b.Slot, b.Stage)
		}
		if slots[b.Slot] {
			return fail("binding slot %d used twice", b.Slot)
		}
		slots[b.Slot] = true
	}
	return nil
}
