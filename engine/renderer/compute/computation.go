// Package compute runs compute pipelines over a pair of storage buffers
// shared by the graphics and compute queues.
package compute

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/descriptors"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/pipeline"
	"github.com/spaghettifunk/vkframe/engine/renderer/resources"
)

const hostCoherent = gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent

// Computation owns an input and an output storage buffer bound at slots 0
// and 1 of one shared descriptor set.
type Computation struct {
	Name   string
	In     containers.Handle
	Out    containers.Handle
	Groups [3]uint32

	pipeline  *pipeline.Pipeline
	sets      *descriptors.SetGroup
	resources *resources.Manager
}

// New creates the buffers of a computation and its descriptor set. p must
// be a compute pipeline with storage buffers at slots 0 and 1.
func New(name string, rm *resources.Manager, pool *descriptors.Pool, p *pipeline.Pipeline, inSize, outSize uint64, groups [3]uint32) (*Computation, error) {
	if !p.IsCompute() {
		return nil, fmt.Errorf("computation %q: pipeline %q is not a compute pipeline: %w", name, p.Name, core.ErrInitializationFailure)
	}
	c := &Computation{Name: name, Groups: groups, pipeline: p, resources: rm}

	scope := core.NewScope(nil)
	var err error
	c.In, err = rm.CreateBuffer(resources.BufferDesc{
		Label:      name + "-in",
		Size:       inSize,
		Usage:      gpu.BufferUsageStorage,
		Memory:     hostCoherent,
		Concurrent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("computation %q: %w", name, err)
	}
	scope.PushFunc("in", func() { rm.Destroy(c.In) })

	c.Out, err = rm.CreateBuffer(resources.BufferDesc{
		Label:      name + "-out",
		Size:       outSize,
		Usage:      gpu.BufferUsageStorage,
		Memory:     hostCoherent,
		Concurrent: true,
	})
	if err != nil {
		_ = scope.Rollback()
		return nil, fmt.Errorf("computation %q: %w", name, err)
	}
	scope.PushFunc("out", func() { rm.Destroy(c.Out) })

	in, _ := rm.Buffer(c.In)
	out, _ := rm.Buffer(c.Out)
	c.sets, err = pool.CreateDescriptorSets(p.SetLayout, descriptors.Shared, descriptors.Static(
		descriptors.StorageBuffer(0, in.Handle),
		descriptors.StorageBuffer(1, out.Handle),
	))
	if err != nil {
		_ = scope.Rollback()
		return nil, fmt.Errorf("computation %q: %w", name, err)
	}
	scope.Commit()
	return c, nil
}

// Upload writes data into the input buffer.
func (c *Computation) Upload(offset uint64, data []byte) error {
	return c.resources.Write(c.In, offset, data)
}

// Execute records the pipeline bind, the set bind and the dispatch into cb,
// which must be recording.
func (c *Computation) Execute(cb *commands.CommandBuffer) error {
	b := c.pipeline.Binding()
	if err := cb.BindPipeline(b.BindPoint, b.Pipeline); err != nil {
		return err
	}
	if err := cb.BindDescriptorSets(b.BindPoint, b.Layout, 0, []gpu.DescriptorSet{c.sets.Set(0)}); err != nil {
		return err
	}
	return cb.Dispatch(c.Groups[0], c.Groups[1], c.Groups[2])
}

// Run executes the computation in a single use command buffer from pool and
// waits for it to finish.
func (c *Computation) Run(pool *commands.Pool) error {
	cb, err := pool.AllocateAndBeginSingleUse()
	if err != nil {
		return fmt.Errorf("computation %q: %w", c.Name, err)
	}
	if err := c.Execute(cb); err != nil {
		cb.Free()
		return fmt.Errorf("computation %q: %w", c.Name, err)
	}
	if err := cb.EndSingleUse(pool.Queue); err != nil {
		return fmt.Errorf("computation %q: %w", c.Name, err)
	}
	return nil
}

// Download copies the output buffer into out.
func (c *Computation) Download(offset uint64, out []byte) error {
	return c.resources.DownloadFromBuffer(c.Out, offset, out)
}

// OutBuffer returns the output buffer handle, for binding the result
// elsewhere.
func (c *Computation) OutBuffer() gpu.Buffer {
	b, err := c.resources.Buffer(c.Out)
	if err != nil {
		return 0
	}
	return b.Handle
}

func (c *Computation) Destroy() {
	if c.sets != nil {
		c.sets.Release()
		c.sets = nil
	}
	c.resources.Destroy(c.In)
	c.resources.Destroy(c.Out)
}
