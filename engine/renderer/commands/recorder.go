package commands

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// RenderTarget is the render pass and framebuffer a frame draws into.
type RenderTarget struct {
	RenderPass  gpu.RenderPass
	Framebuffer gpu.Framebuffer
	Extent      gpu.Extent2D
}

// PipelineBinding is a pipeline together with the layout its descriptor
// sets are bound through.
type PipelineBinding struct {
	Pipeline  gpu.Pipeline
	Layout    gpu.PipelineLayout
	BindPoint gpu.PipelineBindPoint
}

// Draw is one entry of a draw list. Pipeline indexes the bindings passed to
// Record. A draw with an index buffer is recorded as an indexed draw.
type Draw struct {
	Pipeline       int
	VertexBuffers  []gpu.Buffer
	IndexBuffer    gpu.Buffer
	IndexType      gpu.IndexType
	IndexCount     uint32
	VertexCount    uint32
	InstanceCount  uint32
	DescriptorSets []gpu.DescriptorSet
}

// Recorder records the frame command sequence with fixed clear values.
type Recorder struct {
	clearColor [4]float32
	clearDepth float32
}

func NewRecorder(clearColor [4]float32, clearDepth float32) *Recorder {
	return &Recorder{clearColor: clearColor, clearDepth: clearDepth}
}

func (r *Recorder) ClearValues() []gpu.ClearValue {
	return []gpu.ClearValue{
		gpu.ClearColor(r.clearColor[0], r.clearColor[1], r.clearColor[2], r.clearColor[3]),
		gpu.ClearDepthStencil(r.clearDepth, 0),
	}
}

// Record writes a complete frame into cb, which must be in the initial
// state: begin, render pass, then for each pipeline its bind, dynamic
// viewport and scissor, and the draws that use it, then end.
func (r *Recorder) Record(cb *CommandBuffer, target RenderTarget, pipelines []PipelineBinding, draws []Draw) error {
	for i, d := range draws {
		if d.Pipeline < 0 || d.Pipeline >= len(pipelines) {
			return fmt.Errorf("draw %d references pipeline %d of %d", i, d.Pipeline, len(pipelines))
		}
	}
	if err := cb.Begin(false, false, false); err != nil {
		return err
	}

	err := cb.BeginRenderPass(gpu.RenderPassBeginInfo{
		RenderPass:  target.RenderPass,
		Framebuffer: target.Framebuffer,
		Area:        gpu.Rect2D{Extent: target.Extent},
		ClearValues: r.ClearValues(),
	})
	if err != nil {
		return err
	}

	viewport := gpu.Viewport{
		Width:    float32(target.Extent.Width),
		Height:   float32(target.Extent.Height),
		MinDepth: 0.0,
		MaxDepth: 1.0,
	}
	scissor := gpu.Rect2D{Extent: target.Extent}

	for pi, p := range pipelines {
		if err := cb.BindPipeline(p.BindPoint, p.Pipeline); err != nil {
			return err
		}
		if err := cb.SetViewport(viewport); err != nil {
			return err
		}
		if err := cb.SetScissor(scissor); err != nil {
			return err
		}
		for _, d := range draws {
			if d.Pipeline != pi {
				continue
			}
			if err := r.recordDraw(cb, p, d); err != nil {
				return err
			}
		}
	}

	if err := cb.EndRenderPass(); err != nil {
		return err
	}
	return cb.End()
}

func (r *Recorder) recordDraw(cb *CommandBuffer, p PipelineBinding, d Draw) error {
	if len(d.VertexBuffers) > 0 {
		if err := cb.BindVertexBuffers(0, d.VertexBuffers, nil); err != nil {
			return err
		}
	}
	if d.IndexBuffer != 0 {
		if err := cb.BindIndexBuffer(d.IndexBuffer, 0, d.IndexType); err != nil {
			return err
		}
	}
	if len(d.DescriptorSets) > 0 {
		if err := cb.BindDescriptorSets(p.BindPoint, p.Layout, 0, d.DescriptorSets); err != nil {
			return err
		}
	}
	instances := d.InstanceCount
	if instances == 0 {
		instances = 1
	}
	if d.IndexBuffer != 0 {
		return cb.DrawIndexed(d.IndexCount, instances)
	}
	return cb.Draw(d.VertexCount, instances)
}

// RecordCompute writes a single dispatch into cb, which must be in the
// initial state.
func (r *Recorder) RecordCompute(cb *CommandBuffer, p PipelineBinding, sets []gpu.DescriptorSet, groups [3]uint32) error {
	if err := cb.Begin(false, false, false); err != nil {
		return err
	}
	if err := cb.BindPipeline(gpu.BindPointCompute, p.Pipeline); err != nil {
		return err
	}
	if len(sets) > 0 {
		if err := cb.BindDescriptorSets(gpu.BindPointCompute, p.Layout, 0, sets); err != nil {
			return err
		}
	}
	if err := cb.Dispatch(groups[0], groups[1], groups[2]); err != nil {
		return err
	}
	return cb.End()
}
