package commands

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
)

type fixture struct {
	d        *sim.Device
	sc       gpu.Swapchain
	pool     *Pool
	pipeline PipelineBinding
	vertices gpu.Buffer
	indices  gpu.Buffer
}

func buffer(t *testing.T, d *sim.Device, size uint64, usage gpu.BufferUsage) (gpu.Buffer, gpu.DeviceMemory) {
	t.Helper()
	b, err := d.CreateBuffer(gpu.BufferCreateInfo{Size: size, Usage: usage})
	if err != nil {
		t.Fatal(err)
	}
	mem, err := d.AllocateMemory(d.BufferMemoryRequirements(b).Size, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.BindBufferMemory(b, mem, 0); err != nil {
		t.Fatal(err)
	}
	return b, mem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := sim.New(sim.Options{})
	sc, err := d.CreateSwapchain(gpu.SwapchainCreateInfo{Extent: gpu.Extent2D{Width: 64, Height: 32}})
	if err != nil {
		t.Fatal(err)
	}
	pool, err := NewPool(d, d.GraphicsQueue(), true)
	if err != nil {
		t.Fatal(err)
	}
	layout, _ := d.CreatePipelineLayout(gpu.PipelineLayoutCreateInfo{})
	vs, _ := d.CreateShaderModule(gpu.ShaderModuleCreateInfo{Name: "vs", Code: []byte("vs")})
	fs, _ := d.CreateShaderModule(gpu.ShaderModuleCreateInfo{Name: "fs", Code: []byte("fs")})
	p, err := d.CreateGraphicsPipeline(gpu.GraphicsPipelineCreateInfo{
		Layout:         layout,
		RenderPass:     sc.RenderPass(),
		VertexShader:   vs,
		FragmentShader: fs,
	})
	if err != nil {
		t.Fatal(err)
	}
	vb, _ := buffer(t, d, 64, gpu.BufferUsageVertex)
	ib, _ := buffer(t, d, 64, gpu.BufferUsageIndex)
	return &fixture{
		d:        d,
		sc:       sc,
		pool:     pool,
		pipeline: PipelineBinding{Pipeline: p, Layout: layout, BindPoint: gpu.BindPointGraphics},
		vertices: vb,
		indices:  ib,
	}
}

func (f *fixture) target() RenderTarget {
	return RenderTarget{RenderPass: f.sc.RenderPass(), Framebuffer: f.sc.Framebuffer(0), Extent: f.sc.Extent()}
}

func TestRecorder_Record(t *testing.T) {
	f := newFixture(t)
	cbs, err := f.pool.Allocate(1)
	if err != nil {
		t.Fatal(err)
	}
	cb := cbs[0]
	r := NewRecorder([4]float32{0.3, 0.3, 0.3, 1}, 1)
	draws := []Draw{
		{VertexBuffers: []gpu.Buffer{f.vertices}, IndexBuffer: f.indices, IndexType: gpu.IndexTypeUint32, IndexCount: 36},
		{VertexBuffers: []gpu.Buffer{f.vertices}, VertexCount: 3},
	}
	if err := r.Record(cb, f.target(), []PipelineBinding{f.pipeline}, draws); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if cb.State != STATE_EXECUTABLE {
		t.Errorf("State = %s, want executable", cb.State)
	}
	want := []string{
		"BeginRenderPass", "BindPipeline", "SetViewport", "SetScissor",
		"BindVertexBuffers", "BindIndexBuffer", "DrawIndexed",
		"BindVertexBuffers", "Draw",
		"EndRenderPass",
	}
	if got := f.d.Commands(cb.Handle); !reflect.DeepEqual(got, want) {
		t.Errorf("Commands() = %v, want %v", got, want)
	}
	if v := f.d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
}

func TestRecorder_ClearValues(t *testing.T) {
	r := NewRecorder([4]float32{0.3, 0.3, 0.3, 1}, 1)
	cv := r.ClearValues()
	if len(cv) != 2 {
		t.Fatalf("len(ClearValues()) = %d, want 2", len(cv))
	}
	if cv[0].IsDepth || cv[0].Color != [4]float32{0.3, 0.3, 0.3, 1} {
		t.Errorf("color clear = %+v", cv[0])
	}
	if !cv[1].IsDepth || cv[1].Depth != 1 || cv[1].Stencil != 0 {
		t.Errorf("depth clear = %+v", cv[1])
	}
}

func TestRecorder_RejectsBadDrawList(t *testing.T) {
	f := newFixture(t)
	cbs, _ := f.pool.Allocate(1)
	r := NewRecorder([4]float32{}, 1)
	err := r.Record(cbs[0], f.target(), []PipelineBinding{f.pipeline}, []Draw{{Pipeline: 3, VertexCount: 3}})
	if err == nil {
		t.Fatal("Record() with an unknown pipeline index succeeded")
	}
	if cbs[0].State != STATE_INITIAL {
		t.Errorf("State = %s, want initial", cbs[0].State)
	}
}

func TestCommandBuffer_StateChecks(t *testing.T) {
	f := newFixture(t)
	cbs, _ := f.pool.Allocate(1)
	cb := cbs[0]
	r := NewRecorder([4]float32{}, 1)

	tests := []struct {
		name string
		run  func() error
	}{
		{"draw before begin", func() error { return cb.Draw(3, 1) }},
		{"end before begin", cb.End},
		{"bind before begin", func() error { return cb.BindPipeline(gpu.BindPointGraphics, f.pipeline.Pipeline) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, core.ErrInvalidCommandBufferState) || core.KindOf(err) != core.ErrInvalidObjectState {
				t.Errorf("error = %v, want invalid object state", err)
			}
		})
	}

	if err := cb.Begin(false, false, false); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(cb, f.target(), []PipelineBinding{f.pipeline}, nil); !errors.Is(err, core.ErrInvalidCommandBufferState) {
		t.Errorf("Record() into a recording buffer error = %v", err)
	}
	if err := cb.Draw(3, 1); !errors.Is(err, core.ErrInvalidCommandBufferState) {
		t.Errorf("Draw() outside a render pass error = %v", err)
	}
	if err := cb.Dispatch(1, 1, 1); err != nil {
		t.Errorf("Dispatch() while recording error = %v", err)
	}
	if err := cb.End(); err != nil {
		t.Fatal(err)
	}
	if err := cb.SetScissor(gpu.Rect2D{}); !errors.Is(err, core.ErrInvalidCommandBufferState) {
		t.Errorf("SetScissor() after end error = %v", err)
	}
	if err := cb.Begin(false, false, false); !errors.Is(err, core.ErrInvalidCommandBufferState) {
		t.Errorf("Begin() without reset error = %v", err)
	}
	if err := cb.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(cb, f.target(), []PipelineBinding{f.pipeline}, nil); err != nil {
		t.Errorf("Record() after reset error = %v", err)
	}
}

func TestPool_Reset(t *testing.T) {
	f := newFixture(t)
	cbs, _ := f.pool.Allocate(2)
	for _, cb := range cbs {
		_ = cb.Begin(false, false, false)
		_ = cb.End()
	}
	if err := f.pool.Reset(); err != nil {
		t.Fatal(err)
	}
	for i, cb := range cbs {
		if cb.State != STATE_INITIAL {
			t.Errorf("buffer %d State = %s, want initial", i, cb.State)
		}
	}
	f.pool.Destroy()
	if cbs[0].State != STATE_NOT_ALLOCATED {
		t.Errorf("State after Destroy = %s", cbs[0].State)
	}
	if n := f.d.Live()["command-buffer"]; n != 0 {
		t.Errorf("live command buffers = %d", n)
	}
}

func TestSingleUse(t *testing.T) {
	d := sim.New(sim.Options{})
	pool, err := NewPool(d, d.GraphicsQueue(), false)
	if err != nil {
		t.Fatal(err)
	}
	src, srcMem := buffer(t, d, 32, gpu.BufferUsageTransferSrc)
	dst, dstMem := buffer(t, d, 32, gpu.BufferUsageTransferDst)
	view, _ := d.MapMemory(srcMem, 0, gpu.WholeSize)
	copy(view, bytes.Repeat([]byte{9}, 32))
	d.UnmapMemory(srcMem)

	cb, err := pool.AllocateAndBeginSingleUse()
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.CopyBuffer(src, dst, gpu.BufferCopy{Size: 32}); err != nil {
		t.Fatal(err)
	}
	if err := cb.EndSingleUse(d.GraphicsQueue()); err != nil {
		t.Fatalf("EndSingleUse() error = %v", err)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after EndSingleUse", d.Pending())
	}
	out, _ := d.MapMemory(dstMem, 0, 32)
	if !bytes.Equal(out, bytes.Repeat([]byte{9}, 32)) {
		t.Errorf("copy result = %v", out[:4])
	}
	d.UnmapMemory(dstMem)
	if cb.State != STATE_NOT_ALLOCATED || d.Live()["command-buffer"] != 0 {
		t.Errorf("single use buffer not freed: state %s", cb.State)
	}
}

func TestSingleUse_SubmitFailure(t *testing.T) {
	d := sim.New(sim.Options{})
	pool, _ := NewPool(d, d.GraphicsQueue(), false)
	d.FailNext(sim.OpQueueSubmit, errors.New("lost"))
	cb, _ := pool.AllocateAndBeginSingleUse()
	err := cb.EndSingleUse(d.GraphicsQueue())
	if !errors.Is(err, core.ErrQueueSubmitFailed) {
		t.Errorf("EndSingleUse() error = %v, want ErrQueueSubmitFailed", err)
	}
	if cb.State != STATE_NOT_ALLOCATED {
		t.Errorf("State = %s, want not-allocated", cb.State)
	}
}

func TestSingleUse_WaitFailure(t *testing.T) {
	d := sim.New(sim.Options{})
	pool, _ := NewPool(d, d.GraphicsQueue(), false)
	d.FailNext(sim.OpQueueWaitIdle, core.ErrDeviceFailure)
	cb, _ := pool.AllocateAndBeginSingleUse()
	err := cb.EndSingleUse(d.GraphicsQueue())
	if !errors.Is(err, core.ErrDeviceFailure) {
		t.Errorf("EndSingleUse() error = %v, want ErrDeviceFailure", err)
	}
	if cb.State != STATE_NOT_ALLOCATED {
		t.Errorf("State = %s, want not-allocated", cb.State)
	}
	if n := d.Live()["command-buffer"]; n != 0 {
		t.Errorf("live command-buffer = %d after failed wait, want 0", n)
	}
}
