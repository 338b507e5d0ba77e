package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Kernel emulates a compute shader. Buffers maps binding slots of the first
// bound descriptor set to the storage of the bound buffers.
type Kernel func(k KernelContext) error

type KernelContext struct {
	Buffers map[uint32][]byte
	Groups  [3]uint32
}

// CopyKernel copies binding 0 into binding 1.
func CopyKernel(k KernelContext) error {
	in, ok1 := k.Buffers[0]
	out, ok2 := k.Buffers[1]
	if !ok1 || !ok2 {
		return fmt.Errorf("copy kernel needs bindings 0 and 1")
	}
	copy(out, in)
	return nil
}

type shaderModule struct {
	name string
	code []byte
}

type pipelineLayout struct {
	setLayouts []gpu.DescriptorSetLayout
}

type pipeline struct {
	bindPoint gpu.PipelineBindPoint
	layout    gpu.PipelineLayout
	kernel    string
}

// RegisterKernel makes name usable as compute shader code.
func (d *Device) RegisterKernel(name string, k Kernel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernels[name] = k
}

func (d *Device) CreateShaderModule(info gpu.ShaderModuleCreateInfo) (gpu.ShaderModule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(info.Code) == 0 {
		return 0, fmt.Errorf("create shader module %q: empty code: %w", info.Name, core.ErrInitializationFailure)
	}
	h := gpu.ShaderModule(d.newHandle("shader-module"))
	d.shaders[h] = &shaderModule{name: info.Name, code: append([]byte(nil), info.Code...)}
	return h, nil
}

func (d *Device) DestroyShaderModule(m gpu.ShaderModule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(m), "shader-module") {
		delete(d.shaders, m)
	}
}

func (d *Device) CreatePipelineLayout(info gpu.PipelineLayoutCreateInfo) (gpu.PipelineLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range info.SetLayouts {
		if _, ok := d.setLayouts[l]; !ok {
			return 0, fmt.Errorf("create pipeline layout: set layout %d: %w", l, core.ErrStaleHandle)
		}
	}
	h := gpu.PipelineLayout(d.newHandle("pipeline-layout"))
	d.layouts[h] = &pipelineLayout{setLayouts: append([]gpu.DescriptorSetLayout(nil), info.SetLayouts...)}
	return h, nil
}

func (d *Device) DestroyPipelineLayout(l gpu.PipelineLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(l), "pipeline-layout") {
		delete(d.layouts, l)
	}
}

func (d *Device) CreateGraphicsPipeline(info gpu.GraphicsPipelineCreateInfo) (gpu.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreatePipeline); err != nil {
		return 0, err
	}
	if _, ok := d.layouts[info.Layout]; !ok {
		return 0, fmt.Errorf("create graphics pipeline: layout %d: %w", info.Layout, core.ErrStaleHandle)
	}
	if _, ok := d.shaders[info.VertexShader]; !ok {
		return 0, fmt.Errorf("create graphics pipeline: vertex shader %d: %w", info.VertexShader, core.ErrStaleHandle)
	}
	if _, ok := d.shaders[info.FragmentShader]; !ok {
		return 0, fmt.Errorf("create graphics pipeline: fragment shader %d: %w", info.FragmentShader, core.ErrStaleHandle)
	}
	if !d.isLive(uint64(info.RenderPass), "render-pass") {
		return 0, fmt.Errorf("create graphics pipeline: render pass %d: %w", info.RenderPass, core.ErrStaleHandle)
	}
	h := gpu.Pipeline(d.newHandle("pipeline"))
	d.pipelines[h] = &pipeline{bindPoint: gpu.BindPointGraphics, layout: info.Layout}
	return h, nil
}

func (d *Device) CreateComputePipeline(info gpu.ComputePipelineCreateInfo) (gpu.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreatePipeline); err != nil {
		return 0, err
	}
	if _, ok := d.layouts[info.Layout]; !ok {
		return 0, fmt.Errorf("create compute pipeline: layout %d: %w", info.Layout, core.ErrStaleHandle)
	}
	sm, ok := d.shaders[info.Shader]
	if !ok {
		return 0, fmt.Errorf("create compute pipeline: shader %d: %w", info.Shader, core.ErrStaleHandle)
	}
	name := string(sm.code)
	if isSPIRV(sm.code) && d.opts.SPIRVKernel != "" {
		name = d.opts.SPIRVKernel
	}
	if _, ok := d.kernels[name]; !ok {
		return 0, fmt.Errorf("create compute pipeline: no kernel named %q: %w", name, core.ErrInitializationFailure)
	}
	h := gpu.Pipeline(d.newHandle("pipeline"))
	d.pipelines[h] = &pipeline{bindPoint: gpu.BindPointCompute, layout: info.Layout, kernel: name}
	return h, nil
}

func (d *Device) DestroyPipeline(p gpu.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release(uint64(p), "pipeline") {
		delete(d.pipelines, p)
	}
}

func (d *Device) runKernel(p gpu.Pipeline, sets []gpu.DescriptorSet, groups [3]uint32) {
	pl, ok := d.pipelines[p]
	if !ok {
		d.violate("dispatch executed with destroyed pipeline %d", p)
		return
	}
	k := d.kernels[pl.kernel]
	ctx := KernelContext{Buffers: make(map[uint32][]byte), Groups: groups}
	if len(sets) > 0 {
		if s, ok := d.sets[sets[0]]; ok {
			for binding, info := range s.buffers {
				b, ok := d.bytesOf(info.Buffer)
				if !ok {
					d.violate("dispatch reads buffer %d without memory", info.Buffer)
					continue
				}
				ctx.Buffers[binding] = b
			}
		}
	}
	if err := k(ctx); err != nil {
		d.violate("kernel %q: %s", pl.kernel, err)
	}
}

func isSPIRV(code []byte) bool {
	return len(code) >= 4 && binary.LittleEndian.Uint32(code) == 0x07230203
}
