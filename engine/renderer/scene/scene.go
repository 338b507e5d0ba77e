// Package scene keeps the entities drawn every frame: PBR meshes, a skybox
// and the directional lights that feed the PBR uniforms.
package scene

import (
	"fmt"
	"image"

	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/descriptors"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/pipeline"
	"github.com/spaghettifunk/vkframe/engine/renderer/resources"
)

const hostCoherent = gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent

// Deps are the systems a scene creates its resources through. Uploads is a
// graphics queue pool used for single use transfers.
type Deps struct {
	Resources   *resources.Manager
	Descriptors *descriptors.Pool
	Pipelines   *pipeline.Set
	Uploads     *commands.Pool
	LightsCount int
}

type Scene struct {
	deps   Deps
	frames int

	entities *containers.Arena[*Entity]
	// order is insertion order, the order draws are recorded in.
	order  []containers.Handle
	skybox containers.Handle
	lights int

	sampler     containers.Handle
	defaults    [textureCount]containers.Handle
	defaultCube containers.Handle
}

var defaultColors = [textureCount][4]byte{
	TextureDiffuse:           {255, 255, 255, 255},
	TextureMetallicRoughness: {0, 255, 0, 255},
	TextureNormal:            {128, 128, 255, 255},
}

// New creates the shared sampler and the default textures bound when an
// entity supplies none.
func New(deps Deps) (*Scene, error) {
	if deps.LightsCount < 1 {
		deps.LightsCount = 1
	}
	s := &Scene{
		deps:     deps,
		frames:   deps.Descriptors.FramesInFlight(),
		entities: containers.NewArena[*Entity](16),
	}
	scope := core.NewScope(nil)
	var err error
	s.sampler, err = deps.Resources.CreateSampler(resources.SamplerDesc{
		Filter:        gpu.FilterLinear,
		AddressMode:   gpu.AddressRepeat,
		MaxAnisotropy: 16,
	})
	if err != nil {
		return nil, fmt.Errorf("scene: %w", err)
	}
	scope.PushFunc("sampler", func() { deps.Resources.Destroy(s.sampler) })

	for i, c := range defaultColors {
		h, err := s.texture(fmt.Sprintf("default-texture-%d", i), resources.SolidTexels(1, 1, c), gpu.Extent2D{Width: 1, Height: 1}, gpu.FormatR8G8B8A8Unorm, false)
		if err != nil {
			_ = scope.Rollback()
			return nil, fmt.Errorf("scene: %w", err)
		}
		s.defaults[i] = h
		scope.PushFunc("default-texture", func() { deps.Resources.Destroy(h) })
	}

	var cube []byte
	for i := 0; i < 6; i++ {
		cube = append(cube, resources.SolidTexels(1, 1, [4]byte{0, 0, 0, 255})...)
	}
	s.defaultCube, err = s.texture("default-irradiance", cube, gpu.Extent2D{Width: 1, Height: 1}, gpu.FormatR8G8B8A8Unorm, true)
	if err != nil {
		_ = scope.Rollback()
		return nil, fmt.Errorf("scene: %w", err)
	}
	scope.Commit()
	return s, nil
}

// Requirements returns the descriptor need of the expected entity counts.
// PBR entities are counted as one mesh each. A pipeline with no expected
// users still gets room for one.
func Requirements(pipelines *pipeline.Set, expected config.ExpectedEntities) []descriptors.Requirement {
	var reqs []descriptors.Requirement
	if p, ok := pipelines.Get(KindNormalPBR.capabilities().pipeline); ok {
		reqs = append(reqs, p.Requirement(expected.PBR))
	}
	if p, ok := pipelines.Get(KindSkybox.capabilities().pipeline); ok {
		reqs = append(reqs, p.Requirement(expected.Skybox))
	}
	return reqs
}

// texture creates a sampled image with its view and uploads texels into it.
func (s *Scene) texture(label string, texels []byte, extent gpu.Extent2D, format gpu.Format, cube bool) (containers.Handle, error) {
	rm := s.deps.Resources
	h, err := rm.CreateImage(resources.ImageDesc{
		Label:  label,
		Extent: extent,
		Format: format,
		Tiling: gpu.TilingOptimal,
		Usage:  gpu.ImageUsageTransferDst | gpu.ImageUsageSampled,
		Memory: gpu.MemoryPropertyDeviceLocal,
		Cube:   cube,
		View:   true,
	})
	if err != nil {
		return containers.InvalidHandle, err
	}
	if err := rm.UploadImage(h, texels, s.deps.Uploads); err != nil {
		rm.Destroy(h)
		return containers.InvalidHandle, err
	}
	return h, nil
}

func extentOf(img image.Image) gpu.Extent2D {
	b := img.Bounds()
	return gpu.Extent2D{Width: uint32(b.Dx()), Height: uint32(b.Dy())}
}

func (s *Scene) cubemap(label string, faces [6]image.Image) (containers.Handle, error) {
	for i, f := range faces {
		if f == nil {
			return containers.InvalidHandle, fmt.Errorf("cubemap %q: face %d missing: %w", label, i, core.ErrInitializationFailure)
		}
		if extentOf(f) != extentOf(faces[0]) {
			return containers.InvalidHandle, fmt.Errorf("cubemap %q: face %d is %v, face 0 is %v: %w", label, i, extentOf(f), extentOf(faces[0]), core.ErrInitializationFailure)
		}
	}
	return s.texture(label, resources.CubeTexels(faces), extentOf(faces[0]), gpu.FormatR8G8B8A8Srgb, true)
}

// uniformBuffers creates one host coherent uniform buffer per frame slot.
func (s *Scene) uniformBuffers(name string, size uint64, e *Entity, scope *core.Scope) error {
	rm := s.deps.Resources
	for slot := 0; slot < s.frames; slot++ {
		h, err := rm.CreateBuffer(resources.BufferDesc{
			Label:  fmt.Sprintf("%s-uniform-%d", name, slot),
			Size:   size,
			Usage:  gpu.BufferUsageUniform,
			Memory: hostCoherent,
		})
		if err != nil {
			return err
		}
		scope.PushFunc("uniform", func() { rm.Destroy(h) })
		e.uniforms = append(e.uniforms, h)
		e.owned = append(e.owned, h)
	}
	return nil
}

func (s *Scene) pipeline(k Kind) (*pipeline.Pipeline, error) {
	name := k.capabilities().pipeline
	p, ok := s.deps.Pipelines.Get(name)
	if !ok {
		return nil, fmt.Errorf("no %q pipeline for %s entities: %w", name, k, core.ErrInitializationFailure)
	}
	return p, nil
}

func (s *Scene) view(h containers.Handle) gpu.ImageView {
	img, err := s.deps.Resources.Image(h)
	if err != nil {
		return 0
	}
	return img.View
}

func (s *Scene) bufferOf(h containers.Handle) gpu.Buffer {
	b, err := s.deps.Resources.Buffer(h)
	if err != nil {
		return 0
	}
	return b.Handle
}

// AddPBR uploads the meshes and textures of a PBR entity and allocates one
// descriptor set per mesh and frame slot. The irradiance map of the current
// skybox is bound, or a black cube when there is none. On failure
// everything created so far is destroyed.
func (s *Scene) AddPBR(desc PBRDesc) (containers.Handle, error) {
	p, err := s.pipeline(KindNormalPBR)
	if err != nil {
		return containers.InvalidHandle, err
	}
	rm := s.deps.Resources
	e := &Entity{Name: desc.Name, Kind: KindNormalPBR, Transform: desc.Transform, irradiance: s.defaultCube}
	if sky, err := s.entities.Get(s.skybox); err == nil {
		e.irradiance = sky.irradiance
	}

	scope := core.NewScope(nil)
	fail := func(err error) (containers.Handle, error) {
		_ = scope.Rollback()
		return containers.InvalidHandle, fmt.Errorf("add pbr entity %q: %w", desc.Name, err)
	}
	if err := s.uniformBuffers(desc.Name, PBRUniformSize(s.deps.LightsCount), e, scope); err != nil {
		return fail(err)
	}

	for mi, md := range desc.Meshes {
		m := &Mesh{IndexCount: uint32(len(md.Indices)), Textures: s.defaults}
		m.Vertices, err = rm.UploadAndTransfer(fmt.Sprintf("%s-vertices-%d", desc.Name, mi), md.Vertices, gpu.BufferUsageVertex, s.deps.Uploads)
		if err != nil {
			return fail(err)
		}
		scope.PushFunc("vertices", func() { rm.Destroy(m.Vertices) })
		e.owned = append(e.owned, m.Vertices)

		if len(md.Indices) > 0 {
			m.Indices, err = rm.UploadAndTransfer(fmt.Sprintf("%s-indices-%d", desc.Name, mi), indexBytes(md.Indices), gpu.BufferUsageIndex, s.deps.Uploads)
			if err != nil {
				return fail(err)
			}
			scope.PushFunc("indices", func() { rm.Destroy(m.Indices) })
			e.owned = append(e.owned, m.Indices)
		} else {
			m.VertexCount = uint32(len(md.Vertices) / int(p.Config.VertexStride))
		}

		for ti, img := range md.Textures {
			if img == nil {
				continue
			}
			format := gpu.FormatR8G8B8A8Unorm
			if ti == TextureDiffuse {
				format = gpu.FormatR8G8B8A8Srgb
			}
			h, err := s.texture(fmt.Sprintf("%s-texture-%d-%d", desc.Name, mi, ti), resources.TexelsFromImage(img), extentOf(img), format, false)
			if err != nil {
				return fail(err)
			}
			scope.PushFunc("texture", func() { rm.Destroy(h) })
			m.Textures[ti] = h
			e.owned = append(e.owned, h)
		}

		sampler, err := rm.Sampler(s.sampler)
		if err != nil {
			return fail(err)
		}
		m.sets, err = s.deps.Descriptors.CreateDescriptorSets(p.SetLayout, descriptors.PerFrame, func(slot int) []descriptors.Binding {
			return []descriptors.Binding{
				descriptors.UniformBuffer(0, s.bufferOf(e.uniforms[slot])),
				descriptors.CombinedImageSampler(1, s.view(m.Textures[TextureDiffuse]), sampler),
				descriptors.CombinedImageSampler(2, s.view(m.Textures[TextureMetallicRoughness]), sampler),
				descriptors.CombinedImageSampler(3, s.view(m.Textures[TextureNormal]), sampler),
				descriptors.CombinedImageSampler(4, s.view(e.irradiance), sampler),
			}
		})
		if err != nil {
			return fail(err)
		}
		scope.PushFunc("sets", m.sets.Release)
		e.Meshes = append(e.Meshes, m)
	}
	scope.Commit()
	return s.insert(e), nil
}

// AddSkybox uploads the environment and irradiance cubemaps. Only one
// skybox can exist at a time.
func (s *Scene) AddSkybox(desc SkyboxDesc) (containers.Handle, error) {
	if s.entities.Contains(s.skybox) {
		return containers.InvalidHandle, fmt.Errorf("add skybox %q: a skybox already exists: %w", desc.Name, core.ErrInvalidObjectState)
	}
	p, err := s.pipeline(KindSkybox)
	if err != nil {
		return containers.InvalidHandle, err
	}
	rm := s.deps.Resources
	e := &Entity{Name: desc.Name, Kind: KindSkybox}

	scope := core.NewScope(nil)
	fail := func(err error) (containers.Handle, error) {
		_ = scope.Rollback()
		return containers.InvalidHandle, fmt.Errorf("add skybox %q: %w", desc.Name, err)
	}
	if err := s.uniformBuffers(desc.Name, SkyboxUniformSize, e, scope); err != nil {
		return fail(err)
	}

	env, err := s.cubemap(desc.Name+"-environment", desc.Faces)
	if err != nil {
		return fail(err)
	}
	scope.PushFunc("environment", func() { rm.Destroy(env) })
	e.owned = append(e.owned, env)

	e.irradiance, err = s.cubemap(desc.Name+"-irradiance", desc.Irradiance)
	if err != nil {
		return fail(err)
	}
	scope.PushFunc("irradiance", func() { rm.Destroy(e.irradiance) })
	e.owned = append(e.owned, e.irradiance)

	vertices := desc.Vertices
	if vertices == nil {
		vertices = cubeVertices()
	}
	m := &Mesh{VertexCount: uint32(len(vertices) / int(p.Config.VertexStride))}
	m.Vertices, err = rm.UploadAndTransfer(desc.Name+"-vertices", vertices, gpu.BufferUsageVertex, s.deps.Uploads)
	if err != nil {
		return fail(err)
	}
	scope.PushFunc("vertices", func() { rm.Destroy(m.Vertices) })
	e.owned = append(e.owned, m.Vertices)

	sampler, err := rm.Sampler(s.sampler)
	if err != nil {
		return fail(err)
	}
	m.sets, err = s.deps.Descriptors.CreateDescriptorSets(p.SetLayout, descriptors.PerFrame, func(slot int) []descriptors.Binding {
		return []descriptors.Binding{
			descriptors.UniformBuffer(0, s.bufferOf(e.uniforms[slot])),
			descriptors.CombinedImageSampler(1, s.view(env), sampler),
		}
	})
	if err != nil {
		return fail(err)
	}
	e.Meshes = []*Mesh{m}
	scope.Commit()
	s.skybox = s.insert(e)
	return s.skybox, nil
}

// AddLight adds a directional light. At most LightsCount lights exist.
func (s *Scene) AddLight(desc LightDesc) (containers.Handle, error) {
	if s.lights >= s.deps.LightsCount {
		return containers.InvalidHandle, fmt.Errorf("add light %q: %d lights already: %w", desc.Name, s.lights, core.ErrResourceExhaustion)
	}
	s.lights++
	return s.insert(&Entity{
		Name:  desc.Name,
		Kind:  KindDirectionalLight,
		Light: Light{Position: desc.Position, Color: desc.Color},
	}), nil
}

func (s *Scene) insert(e *Entity) containers.Handle {
	h := s.entities.Insert(e)
	s.order = append(s.order, h)
	core.LogDebug("%s entity %q added as %s", e.Kind, e.Name, h)
	return h
}

func (s *Scene) Entity(h containers.Handle) (*Entity, error) {
	return s.entities.Get(h)
}

func (s *Scene) Len() int { return s.entities.Len() }

// Remove takes an entity out of the scene. Its resources are released
// against tick, the newest frame that may still reference them, and
// destroyed once that frame completes. A skybox whose irradiance map is
// bound by PBR entities cannot be removed.
func (s *Scene) Remove(h containers.Handle, tick uint64) error {
	e, err := s.entities.Get(h)
	if err != nil {
		return fmt.Errorf("remove entity: %w", err)
	}
	if e.Kind == KindSkybox {
		users := 0
		for _, oh := range s.order {
			if o, _ := s.entities.Get(oh); o != nil && o.Kind == KindNormalPBR && o.irradiance == e.irradiance {
				users++
			}
		}
		if users > 0 {
			return fmt.Errorf("remove skybox %q: irradiance bound by %d entities: %w", e.Name, users, core.ErrResourceInUse)
		}
		s.skybox = containers.InvalidHandle
	}
	if e.Kind.capabilities().light {
		s.lights--
	}

	_, _ = s.entities.Remove(h)
	for i, oh := range s.order {
		if oh == h {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for _, m := range e.Meshes {
		m.sets.Release()
	}
	for _, r := range e.owned {
		s.deps.Resources.Release(r, tick)
	}
	core.LogDebug("%s entity %q removed at tick %d", e.Kind, e.Name, tick)
	return nil
}

func (s *Scene) eachOf(k Kind, fn func(*Entity)) {
	for _, h := range s.order {
		if e, err := s.entities.Get(h); err == nil && e.Kind == k {
			fn(e)
		}
	}
}

// DrawList returns the pipelines and draws of the frame slot: the skybox
// first, then every PBR mesh in insertion order.
func (s *Scene) DrawList(slot int) ([]commands.PipelineBinding, []commands.Draw) {
	var bindings []commands.PipelineBinding
	var draws []commands.Draw
	for _, k := range []Kind{KindSkybox, KindNormalPBR} {
		p, err := s.pipeline(k)
		if err != nil {
			continue
		}
		idx := -1
		s.eachOf(k, func(e *Entity) {
			if idx < 0 {
				idx = len(bindings)
				bindings = append(bindings, p.Binding())
			}
			for _, m := range e.Meshes {
				d := commands.Draw{
					Pipeline:       idx,
					VertexBuffers:  []gpu.Buffer{s.bufferOf(m.Vertices)},
					InstanceCount:  1,
					DescriptorSets: []gpu.DescriptorSet{m.sets.Set(slot)},
				}
				if m.Indices.IsValid() {
					d.IndexBuffer = s.bufferOf(m.Indices)
					d.IndexType = gpu.IndexTypeUint32
					d.IndexCount = m.IndexCount
				} else {
					d.VertexCount = m.VertexCount
				}
				draws = append(draws, d)
			}
		})
	}
	return bindings, draws
}

// Lights returns the directional lights in insertion order.
func (s *Scene) Lights() []Light {
	var out []Light
	s.eachOf(KindDirectionalLight, func(e *Entity) { out = append(out, e.Light) })
	return out
}

// UpdateUniforms writes the uniform buffers of slot. The slot's previous
// frame must have completed.
func (s *Scene) UpdateUniforms(slot int, cam Camera, extent gpu.Extent2D) error {
	aspect := float32(1)
	if extent.Height > 0 {
		aspect = float32(extent.Width) / float32(extent.Height)
	}
	view := cam.View()
	proj := cam.Projection(aspect)
	lights := s.Lights()

	for _, h := range s.order {
		e, err := s.entities.Get(h)
		if err != nil || !e.Kind.capabilities().uniform {
			continue
		}
		var data []byte
		switch e.Kind {
		case KindSkybox:
			data = skyboxUniform(view, proj)
		case KindNormalPBR:
			data = pbrUniform(e.Transform.Model(), view, proj, cam.Position(), lights, s.deps.LightsCount)
		}
		if err := s.deps.Resources.Write(e.uniforms[slot%len(e.uniforms)], 0, data); err != nil {
			return fmt.Errorf("update uniforms of %q: %w", e.Name, err)
		}
	}
	return nil
}

// Close destroys every entity and the scene defaults. The device must be
// idle.
func (s *Scene) Close() {
	if !s.sampler.IsValid() {
		return
	}
	rm := s.deps.Resources
	for i := len(s.order) - 1; i >= 0; i-- {
		e, err := s.entities.Remove(s.order[i])
		if err != nil {
			continue
		}
		for _, m := range e.Meshes {
			m.sets.Release()
		}
		for _, r := range e.owned {
			rm.Destroy(r)
		}
	}
	s.order = nil
	s.skybox = containers.InvalidHandle
	s.lights = 0
	rm.Destroy(s.defaultCube)
	for _, h := range s.defaults {
		rm.Destroy(h)
	}
	rm.Destroy(s.sampler)
	s.sampler = containers.InvalidHandle
}
