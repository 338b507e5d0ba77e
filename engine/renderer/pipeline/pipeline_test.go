package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
)

type shaders map[string]string

func (s shaders) Shader(name string) ([]byte, error) {
	code, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("no shader %s", name)
	}
	return []byte(code), nil
}

var testShaders = shaders{
	"pbr.vert.spv":    "pbr-vert",
	"pbr.frag.spv":    "pbr-frag",
	"skybox.vert.spv": "skybox-vert",
	"skybox.frag.spv": "skybox-frag",
	"brdf.comp.spv":   "copy",
}

func newDevice(t *testing.T) (*sim.Device, gpu.Swapchain) {
	t.Helper()
	d := sim.New(sim.Options{})
	sc, err := d.CreateSwapchain(gpu.SwapchainCreateInfo{Extent: gpu.Extent2D{Width: 16, Height: 16}})
	if err != nil {
		t.Fatal(err)
	}
	return d, sc
}

func TestNewSetFromDefaults(t *testing.T) {
	d, sc := newDevice(t)
	set, err := NewSet(d, config.DefaultPipelines(), testShaders, sc.RenderPass())
	if err != nil {
		t.Fatalf("NewSet() error = %v", err)
	}
	tests := []struct {
		name      string
		bindPoint gpu.PipelineBindPoint
		bindings  int
	}{
		{"pbr", gpu.BindPointGraphics, 5},
		{"skybox", gpu.BindPointGraphics, 2},
		{"brdf", gpu.BindPointCompute, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := set.Get(tt.name)
			if !ok {
				t.Fatalf("pipeline %q missing", tt.name)
			}
			if b := p.Binding(); b.BindPoint != tt.bindPoint || b.Pipeline == 0 || b.Layout == 0 {
				t.Errorf("Binding() = %+v", b)
			}
			if got := len(p.SetLayout.Bindings); got != tt.bindings {
				t.Errorf("set layout bindings = %d, want %d", got, tt.bindings)
			}
		})
	}
	if n := d.Live()["shader-module"]; n != 0 {
		t.Errorf("%d shader modules left after pipeline creation", n)
	}
	set.Destroy()
	for _, kind := range []string{"pipeline", "pipeline-layout", "descriptor-set-layout"} {
		if n := d.Live()[kind]; n != 0 {
			t.Errorf("live %s = %d after Destroy", kind, n)
		}
	}
}

func TestNewSetRollsBack(t *testing.T) {
	d, sc := newDevice(t)
	missing := shaders{"pbr.vert.spv": "v", "pbr.frag.spv": "f"}
	_, err := NewSet(d, config.DefaultPipelines(), missing, sc.RenderPass())
	if !errors.Is(err, core.ErrInitializationFailure) {
		t.Fatalf("NewSet() error = %v, want initialization failure", err)
	}
	for _, kind := range []string{"pipeline", "pipeline-layout", "descriptor-set-layout", "shader-module"} {
		if n := d.Live()[kind]; n != 0 {
			t.Errorf("live %s = %d after failed NewSet", kind, n)
		}
	}
}

func TestComputeNeedsKernel(t *testing.T) {
	d, sc := newDevice(t)
	cfg, _ := config.Default().Pipeline("brdf")
	if _, err := New(d, cfg, shaders{"brdf.comp.spv": "unknown"}, sc.RenderPass()); err == nil {
		t.Error("New() with an unknown kernel succeeded")
	}
}

func TestRebuildUsing(t *testing.T) {
	d, sc := newDevice(t)
	set, err := NewSet(d, config.DefaultPipelines(), testShaders, sc.RenderPass())
	if err != nil {
		t.Fatal(err)
	}
	pbr, _ := set.Get("pbr")
	skybox, _ := set.Get("skybox")
	oldPBR, oldSkybox, oldLayout := pbr.Handle, skybox.Handle, pbr.SetLayout.Handle

	n, err := set.RebuildUsing("pbr.frag.spv", testShaders, sc.RenderPass())
	if err != nil || n != 1 {
		t.Fatalf("RebuildUsing() = %d, %v", n, err)
	}
	if pbr.Handle == oldPBR {
		t.Error("pbr pipeline not rebuilt")
	}
	if pbr.SetLayout.Handle != oldLayout {
		t.Error("rebuild replaced the set layout")
	}
	if skybox.Handle != oldSkybox {
		t.Error("skybox rebuilt although its shaders did not change")
	}
	if n := d.Live()["pipeline"]; n != 3 {
		t.Errorf("live pipelines = %d, want 3", n)
	}

	d.FailNext(sim.OpCreatePipeline, errors.New("bad spir-v"))
	current := pbr.Handle
	if _, err := set.RebuildUsing("pbr.vert.spv", testShaders, sc.RenderPass()); err == nil {
		t.Fatal("RebuildUsing() with a failing pipeline succeeded")
	}
	if pbr.Handle != current {
		t.Error("failed rebuild dropped the working pipeline")
	}
}

func TestLayoutBindings(t *testing.T) {
	tests := []struct {
		name    string
		spec    config.BindingSpec
		want    gpu.DescriptorSetLayoutBinding
		wantErr bool
	}{
		{"uniform all", config.BindingSpec{Slot: 0, Kind: "uniform", Stage: "all"},
			gpu.DescriptorSetLayoutBinding{Binding: 0, Type: gpu.DescriptorUniformBuffer, Count: 1, Stages: gpu.ShaderStageAllGraphics}, false},
		{"sampler fragment", config.BindingSpec{Slot: 3, Kind: "sampler", Stage: "fragment"},
			gpu.DescriptorSetLayoutBinding{Binding: 3, Type: gpu.DescriptorCombinedImageSampler, Count: 1, Stages: gpu.ShaderStageFragment}, false},
		{"storage compute", config.BindingSpec{Slot: 1, Kind: "storage", Stage: "compute"},
			gpu.DescriptorSetLayoutBinding{Binding: 1, Type: gpu.DescriptorStorageBuffer, Count: 1, Stages: gpu.ShaderStageCompute}, false},
		{"bad kind", config.BindingSpec{Kind: "texel", Stage: "all"}, gpu.DescriptorSetLayoutBinding{}, true},
		{"bad stage", config.BindingSpec{Kind: "uniform", Stage: "geometry"}, gpu.DescriptorSetLayoutBinding{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LayoutBindings([]config.BindingSpec{tt.spec})
			if tt.wantErr {
				if err == nil {
					t.Error("LayoutBindings() succeeded")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got[0] != tt.want {
				t.Errorf("LayoutBindings() = %+v, want %+v", got[0], tt.want)
			}
		})
	}
}
