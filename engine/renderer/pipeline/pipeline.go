// Package pipeline builds graphics and compute pipelines, together with the
// descriptor set layout they bind, from configuration.
package pipeline

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/descriptors"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// ShaderSource returns the code of a shader by file name.
type ShaderSource interface {
	Shader(name string) ([]byte, error)
}

type Pipeline struct {
	Name      string
	Config    config.PipelineConfig
	Handle    gpu.Pipeline
	Layout    gpu.PipelineLayout
	SetLayout *descriptors.Layout

	device gpu.Device
}

func (p *Pipeline) IsCompute() bool { return p.Config.Kind == "compute" }

// Binding returns what the recorder needs to bind the pipeline.
func (p *Pipeline) Binding() commands.PipelineBinding {
	bp := gpu.BindPointGraphics
	if p.IsCompute() {
		bp = gpu.BindPointCompute
	}
	return commands.PipelineBinding{Pipeline: p.Handle, Layout: p.Layout, BindPoint: bp}
}

// Requirement is the descriptor need of users entities drawn with p.
func (p *Pipeline) Requirement(users int) descriptors.Requirement {
	return descriptors.Requirement{Name: p.Name, Users: users, Bindings: p.SetLayout.Bindings}
}

// Shaders returns the shader file names p is built from.
func (p *Pipeline) Shaders() []string {
	if p.IsCompute() {
		return []string{p.Config.ComputeShader}
	}
	return []string{p.Config.VertexShader, p.Config.FragmentShader}
}

// New creates the set layout, pipeline layout and pipeline described by cfg.
// Graphics pipelines are created against renderPass.
func New(device gpu.Device, cfg config.PipelineConfig, src ShaderSource, renderPass gpu.RenderPass) (*Pipeline, error) {
	bindings, err := LayoutBindings(cfg.Bindings)
	if err != nil {
		return nil, err
	}

	scope := core.NewScope(nil)
	setLayout, err := descriptors.NewLayout(device, bindings)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", cfg.Name, err)
	}
	scope.PushFunc("descriptor-set-layout", setLayout.Destroy)

	layout, err := device.CreatePipelineLayout(gpu.PipelineLayoutCreateInfo{SetLayouts: []gpu.DescriptorSetLayout{setLayout.Handle}})
	if err != nil {
		_ = scope.Rollback()
		return nil, fmt.Errorf("pipeline %q: create layout: %w", cfg.Name, err)
	}
	scope.PushFunc("pipeline-layout", func() { device.DestroyPipelineLayout(layout) })

	p := &Pipeline{Name: cfg.Name, Config: cfg, Layout: layout, SetLayout: setLayout, device: device}
	if p.Handle, err = p.create(src, renderPass); err != nil {
		_ = scope.Rollback()
		return nil, err
	}
	scope.Commit()
	core.LogDebug("%s pipeline %q created", cfg.Kind, cfg.Name)
	return p, nil
}

func (p *Pipeline) create(src ShaderSource, renderPass gpu.RenderPass) (gpu.Pipeline, error) {
	// Shader modules are only needed while the pipeline is created.
	var modules []gpu.ShaderModule
	defer func() {
		for _, m := range modules {
			p.device.DestroyShaderModule(m)
		}
	}()
	load := func(name string) (gpu.ShaderModule, error) {
		code, err := src.Shader(name)
		if err != nil {
			return 0, fmt.Errorf("pipeline %q: load shader %s: %w: %w", p.Name, name, core.ErrInitializationFailure, err)
		}
		m, err := p.device.CreateShaderModule(gpu.ShaderModuleCreateInfo{Name: name, Code: code})
		if err != nil {
			return 0, fmt.Errorf("pipeline %q: shader module %s: %w", p.Name, name, err)
		}
		modules = append(modules, m)
		return m, nil
	}

	if p.IsCompute() {
		cs, err := load(p.Config.ComputeShader)
		if err != nil {
			return 0, err
		}
		h, err := p.device.CreateComputePipeline(gpu.ComputePipelineCreateInfo{Layout: p.Layout, Shader: cs, EntryPoint: "main"})
		if err != nil {
			return 0, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		return h, nil
	}

	vs, err := load(p.Config.VertexShader)
	if err != nil {
		return 0, err
	}
	fs, err := load(p.Config.FragmentShader)
	if err != nil {
		return 0, err
	}
	attrs, err := vertexAttributes(p.Config.Attributes)
	if err != nil {
		return 0, err
	}
	h, err := p.device.CreateGraphicsPipeline(gpu.GraphicsPipelineCreateInfo{
		Layout:         p.Layout,
		RenderPass:     renderPass,
		VertexShader:   vs,
		FragmentShader: fs,
		VertexStride:   p.Config.VertexStride,
		Attributes:     attrs,
		DepthTest:      p.Config.DepthTest,
		DepthWrite:     p.Config.DepthWrite,
		Cull:           cullMode(p.Config.CullMode),
		Blend:          true,
	})
	if err != nil {
		return 0, fmt.Errorf("pipeline %q: %w", p.Name, err)
	}
	return h, nil
}

// Rebuild replaces the pipeline handle with one built from the current
// shader code. The set layout is kept, so descriptor sets stay valid. The
// device must be idle. On failure the old pipeline is kept.
func (p *Pipeline) Rebuild(src ShaderSource, renderPass gpu.RenderPass) error {
	h, err := p.create(src, renderPass)
	if err != nil {
		return err
	}
	p.device.DestroyPipeline(p.Handle)
	p.Handle = h
	core.LogInfo("pipeline %q rebuilt", p.Name)
	return nil
}

func (p *Pipeline) Destroy() {
	if p.Handle != 0 {
		p.device.DestroyPipeline(p.Handle)
		p.Handle = 0
	}
	if p.Layout != 0 {
		p.device.DestroyPipelineLayout(p.Layout)
		p.Layout = 0
	}
	p.SetLayout.Destroy()
}

// LayoutBindings converts configured bindings to set layout bindings.
func LayoutBindings(specs []config.BindingSpec) ([]gpu.DescriptorSetLayoutBinding, error) {
	out := make([]gpu.DescriptorSetLayoutBinding, 0, len(specs))
	for _, s := range specs {
		b := gpu.DescriptorSetLayoutBinding{Binding: s.Slot, Count: 1}
		switch s.Kind {
		case "uniform":
			b.Type = gpu.DescriptorUniformBuffer
		case "storage":
			b.Type = gpu.DescriptorStorageBuffer
		case "sampler":
			b.Type = gpu.DescriptorCombinedImageSampler
		default:
			return nil, fmt.Errorf("binding %d: unknown kind %q: %w", s.Slot, s.Kind, core.ErrInitializationFailure)
		}
		switch s.Stage {
		case "vertex":
			b.Stages = gpu.ShaderStageVertex
		case "fragment":
			b.Stages = gpu.ShaderStageFragment
		case "compute":
			b.Stages = gpu.ShaderStageCompute
		case "all":
			b.Stages = gpu.ShaderStageAllGraphics
		default:
			return nil, fmt.Errorf("binding %d: unknown stage %q: %w", s.Slot, s.Stage, core.ErrInitializationFailure)
		}
		out = append(out, b)
	}
	return out, nil
}

func vertexAttributes(specs []config.AttributeSpec) ([]gpu.VertexAttribute, error) {
	out := make([]gpu.VertexAttribute, 0, len(specs))
	for _, a := range specs {
		var f gpu.Format
		switch a.Format {
		case "float":
			f = gpu.FormatR32Sfloat
		case "vec2":
			f = gpu.FormatR32G32Sfloat
		case "vec3":
			f = gpu.FormatR32G32B32Sfloat
		case "vec4":
			f = gpu.FormatR32G32B32A32Sfloat
		default:
			return nil, fmt.Errorf("attribute %d: unknown format %q: %w", a.Location, a.Format, core.ErrInitializationFailure)
		}
		out = append(out, gpu.VertexAttribute{Location: a.Location, Format: f, Offset: a.Offset})
	}
	return out, nil
}

func cullMode(s string) gpu.CullMode {
	switch s {
	case "none":
		return gpu.CullNone
	case "front":
		return gpu.CullFront
	default:
		return gpu.CullBack
	}
}
