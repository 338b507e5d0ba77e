package pipeline

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// Set holds every configured pipeline by name.
type Set struct {
	order  []string
	byName map[string]*Pipeline
}

// NewSet builds every pipeline in cfgs. Nothing is left behind on failure.
func NewSet(device gpu.Device, cfgs []config.PipelineConfig, src ShaderSource, renderPass gpu.RenderPass) (*Set, error) {
	s := &Set{byName: make(map[string]*Pipeline, len(cfgs))}
	for _, cfg := range cfgs {
		if _, ok := s.byName[cfg.Name]; ok {
			s.Destroy()
			return nil, fmt.Errorf("pipeline %q defined twice: %w", cfg.Name, core.ErrInitializationFailure)
		}
		p, err := New(device, cfg, src, renderPass)
		if err != nil {
			s.Destroy()
			return nil, err
		}
		s.order = append(s.order, cfg.Name)
		s.byName[cfg.Name] = p
	}
	return s, nil
}

func (s *Set) Get(name string) (*Pipeline, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// All returns the pipelines in configuration order.
func (s *Set) All() []*Pipeline {
	out := make([]*Pipeline, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.byName[n])
	}
	return out
}

// Using returns the pipelines built from the named shader file.
func (s *Set) Using(shader string) []*Pipeline {
	var out []*Pipeline
	for _, p := range s.All() {
		for _, n := range p.Shaders() {
			if n == shader {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// RebuildUsing rebuilds every pipeline built from shader and returns how
// many were rebuilt. The device must be idle.
func (s *Set) RebuildUsing(shader string, src ShaderSource, renderPass gpu.RenderPass) (int, error) {
	n := 0
	for _, p := range s.Using(shader) {
		if err := p.Rebuild(src, renderPass); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RebuildGraphics rebuilds the graphics pipelines against a new render pass.
func (s *Set) RebuildGraphics(src ShaderSource, renderPass gpu.RenderPass) error {
	for _, p := range s.All() {
		if p.IsCompute() {
			continue
		}
		if err := p.Rebuild(src, renderPass); err != nil {
			return err
		}
	}
	return nil
}

// Destroy destroys the pipelines in reverse creation order.
func (s *Set) Destroy() {
	for i := len(s.order) - 1; i >= 0; i-- {
		s.byName[s.order[i]].Destroy()
	}
	s.order = nil
	s.byName = map[string]*Pipeline{}
}
