package scene

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	stdmath "math"
	"testing"

	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/math"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/descriptors"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
	"github.com/spaghettifunk/vkframe/engine/renderer/memory"
	"github.com/spaghettifunk/vkframe/engine/renderer/pipeline"
	"github.com/spaghettifunk/vkframe/engine/renderer/resources"
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

const frames = 2

type fixture struct {
	d     *sim.Device
	rm    *resources.Manager
	dp    *descriptors.Pool
	scene *Scene
	base  int
}

func newFixture(t *testing.T, expected config.ExpectedEntities, lights int) *fixture {
	t.Helper()
	d := sim.New(sim.Options{})
	sc, err := d.CreateSwapchain(gpu.SwapchainCreateInfo{Extent: gpu.Extent2D{Width: 16, Height: 16}})
	if err != nil {
		t.Fatal(err)
	}
	set, err := pipeline.NewSet(d, config.DefaultPipelines(), testShaders, sc.RenderPass())
	if err != nil {
		t.Fatal(err)
	}
	dp, err := descriptors.NewPool(d, descriptors.Sizing(Requirements(set, expected), frames), frames)
	if err != nil {
		t.Fatal(err)
	}
	uploads, err := commands.NewPool(d, d.GraphicsQueue(), false)
	if err != nil {
		t.Fatal(err)
	}
	rm := resources.NewManager(d, memory.NewAllocator(d), 4)
	s, err := New(Deps{Resources: rm, Descriptors: dp, Pipelines: set, Uploads: uploads, LightsCount: lights})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{d: d, rm: rm, dp: dp, scene: s, base: rm.Live()}
}

func triangle() MeshData {
	return MeshData{Vertices: make([]byte, 3*44), Indices: []uint32{0, 1, 2}}
}

func solid(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func skybox() SkyboxDesc {
	var desc SkyboxDesc
	desc.Name = "sky"
	for i := range desc.Faces {
		desc.Faces[i] = solid(color.RGBA{0, 0, 255, 255})
		desc.Irradiance[i] = solid(color.RGBA{10, 10, 10, 255})
	}
	return desc
}

func readFloat(b []byte, off int) float32 {
	return stdmath.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

func TestAddPBRUsesDefaultTextures(t *testing.T) {
	f := newFixture(t, config.ExpectedEntities{PBR: 2}, 2)
	diffuse := solid(color.RGBA{255, 0, 0, 255})
	md := triangle()
	md.Textures[TextureDiffuse] = diffuse

	h, err := f.scene.AddPBR(PBRDesc{Name: "cube", Meshes: []MeshData{md}})
	if err != nil {
		t.Fatalf("AddPBR() error = %v", err)
	}
	e, err := f.scene.Entity(h)
	if err != nil {
		t.Fatal(err)
	}
	m := e.Meshes[0]
	if m.Textures[TextureDiffuse] == f.scene.defaults[TextureDiffuse] {
		t.Error("supplied diffuse texture replaced by the default")
	}
	for _, ti := range []int{TextureMetallicRoughness, TextureNormal} {
		if m.Textures[ti] != f.scene.defaults[ti] {
			t.Errorf("texture %d = %s, want default", ti, m.Textures[ti])
		}
	}
	for slot := 0; slot < frames; slot++ {
		set := m.sets.Set(slot)
		ubo, _ := f.d.DescriptorBuffer(set, 0)
		if want := f.scene.bufferOf(e.uniforms[slot]); ubo != want {
			t.Errorf("slot %d binds uniform buffer %d, want %d", slot, ubo, want)
		}
		irr, _ := f.d.DescriptorImage(set, 4)
		if want := f.scene.view(f.scene.defaultCube); irr != want {
			t.Errorf("slot %d binds irradiance view %d, want default cube %d", slot, irr, want)
		}
	}
	// 2 uniform buffers, vertices, indices and one texture.
	if got := f.rm.Live() - f.base; got != 5 {
		t.Errorf("entity owns %d resources, want 5", got)
	}
	if v := f.d.Violations(); len(v) > 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestSkyboxIrradianceSharedByHandle(t *testing.T) {
	f := newFixture(t, config.ExpectedEntities{PBR: 1, Skybox: 1}, 2)
	sky, err := f.scene.AddSkybox(skybox())
	if err != nil {
		t.Fatalf("AddSkybox() error = %v", err)
	}
	if _, err := f.scene.AddSkybox(skybox()); !errors.Is(err, core.ErrInvalidObjectState) {
		t.Errorf("second AddSkybox() error = %v, want ErrInvalidObjectState", err)
	}
	h, err := f.scene.AddPBR(PBRDesc{Name: "sphere", Meshes: []MeshData{triangle()}})
	if err != nil {
		t.Fatal(err)
	}
	se, _ := f.scene.Entity(sky)
	pe, _ := f.scene.Entity(h)
	if pe.irradiance != se.irradiance {
		t.Fatalf("pbr irradiance %s, want skybox %s", pe.irradiance, se.irradiance)
	}
	irr, _ := f.d.DescriptorImage(pe.Meshes[0].sets.Set(0), 4)
	if want := f.scene.view(se.irradiance); irr != want {
		t.Errorf("irradiance view %d, want %d", irr, want)
	}

	if err := f.scene.Remove(sky, 0); !errors.Is(err, core.ErrResourceInUse) {
		t.Fatalf("Remove(skybox) error = %v, want ErrResourceInUse", err)
	}
	if err := f.scene.Remove(h, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.scene.Remove(sky, 0); err != nil {
		t.Fatalf("Remove(skybox) after its users = %v", err)
	}
}

func TestSkyboxRejectsMismatchedFaces(t *testing.T) {
	f := newFixture(t, config.ExpectedEntities{Skybox: 1}, 1)
	desc := skybox()
	desc.Faces[3] = image.NewRGBA(image.Rect(0, 0, 4, 4))
	if _, err := f.scene.AddSkybox(desc); !errors.Is(err, core.ErrInitializationFailure) {
		t.Fatalf("AddSkybox() error = %v, want ErrInitializationFailure", err)
	}
	if got := f.rm.Live(); got != f.base {
		t.Errorf("Live() = %d after failed add, want %d", got, f.base)
	}
}

func TestLightsLimit(t *testing.T) {
	f := newFixture(t, config.ExpectedEntities{}, 2)
	sun, err := f.scene.AddLight(LightDesc{Name: "sun", Color: [4]float32{1, 1, 1, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.scene.AddLight(LightDesc{Name: "moon", Position: math.NewVec3(0, 1, 0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.scene.AddLight(LightDesc{Name: "extra"}); !errors.Is(err, core.ErrResourceExhaustion) {
		t.Fatalf("third AddLight() error = %v, want ErrResourceExhaustion", err)
	}
	if got := len(f.scene.Lights()); got != 2 {
		t.Fatalf("Lights() = %d, want 2", got)
	}

	if err := f.scene.Remove(sun, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.scene.AddLight(LightDesc{Name: "extra"}); err != nil {
		t.Fatalf("AddLight() after remove error = %v", err)
	}
	if got := f.scene.Lights()[0].Position; got != math.NewVec3(0, 1, 0) {
		t.Errorf("first light at %+v, want the moon", got)
	}
}

func TestDrawListOrder(t *testing.T) {
	f := newFixture(t, config.ExpectedEntities{PBR: 2, Skybox: 1}, 1)
	for _, name := range []string{"a", "b"} {
		if _, err := f.scene.AddPBR(PBRDesc{Name: name, Meshes: []MeshData{triangle()}}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.scene.AddSkybox(skybox()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.scene.AddLight(LightDesc{Name: "sun"}); err != nil {
		t.Fatal(err)
	}

	sky, _ := f.scene.deps.Pipelines.Get("skybox")
	pbr, _ := f.scene.deps.Pipelines.Get("pbr")
	for slot := 0; slot < frames; slot++ {
		bindings, draws := f.scene.DrawList(slot)
		if len(bindings) != 2 || bindings[0].Pipeline != sky.Handle || bindings[1].Pipeline != pbr.Handle {
			t.Fatalf("slot %d bindings = %+v, want skybox then pbr", slot, bindings)
		}
		if len(draws) != 3 {
			t.Fatalf("slot %d has %d draws, want 3", slot, len(draws))
		}
		if d := draws[0]; d.Pipeline != 0 || d.VertexCount != 36 || d.IndexBuffer != 0 {
			t.Errorf("skybox draw = %+v", d)
		}
		for _, d := range draws[1:] {
			if d.Pipeline != 1 || d.IndexCount != 3 || d.IndexType != gpu.IndexTypeUint32 {
				t.Errorf("pbr draw = %+v", d)
			}
		}
	}
	_, d0 := f.scene.DrawList(0)
	_, d1 := f.scene.DrawList(1)
	if d0[1].DescriptorSets[0] == d1[1].DescriptorSets[0] {
		t.Error("frame slots share a descriptor set")
	}
}

func TestUpdateUniforms(t *testing.T) {
	const lights = 3
	f := newFixture(t, config.ExpectedEntities{PBR: 1, Skybox: 1}, lights)
	sky, err := f.scene.AddSkybox(skybox())
	if err != nil {
		t.Fatal(err)
	}
	h, err := f.scene.AddPBR(PBRDesc{
		Name:      "cube",
		Meshes:    []MeshData{triangle()},
		Transform: math.TransformFromPosition(math.NewVec3(4, 5, 6)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.scene.AddLight(LightDesc{Name: "sun", Color: [4]float32{1, 0.5, 0.25, 1}, Position: math.NewVec3(7, 8, 9)}); err != nil {
		t.Fatal(err)
	}
	cam := NewFreeCamera()
	cam.SetPosition(math.NewVec3(1, 2, 3))

	if err := f.scene.UpdateUniforms(1, cam, gpu.Extent2D{Width: 1280, Height: 720}); err != nil {
		t.Fatalf("UpdateUniforms() error = %v", err)
	}

	e, _ := f.scene.Entity(h)
	ubo := make([]byte, PBRUniformSize(lights))
	if err := f.rm.DownloadFromBuffer(e.uniforms[1], 0, ubo); err != nil {
		t.Fatal(err)
	}
	checks := []struct {
		name string
		off  int
		want float32
	}{
		{"model translation x", 12 * 4, 4},
		{"model translation z", 14 * 4, 6},
		{"camera x", 192, 1},
		{"camera z", 200, 3},
		{"light position y", 208 + 4, 8},
		{"light color g", 208 + lights*16 + 4, 0.5},
	}
	for _, c := range checks {
		if got := readFloat(ubo, c.off); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
	if n := binary.LittleEndian.Uint32(ubo[len(ubo)-16:]); n != 1 {
		t.Errorf("light count = %d, want 1", n)
	}

	// Slot 0 was not written.
	other := make([]byte, 4)
	if err := f.rm.DownloadFromBuffer(e.uniforms[0], 192, other); err != nil {
		t.Fatal(err)
	}
	if readFloat(other, 0) != 0 {
		t.Error("slot 0 uniforms written by an update of slot 1")
	}

	se, _ := f.scene.Entity(sky)
	view := make([]byte, SkyboxUniformSize)
	if err := f.rm.DownloadFromBuffer(se.uniforms[1], 0, view); err != nil {
		t.Fatal(err)
	}
	for _, i := range []int{12, 13, 14} {
		if got := readFloat(view, i*4); got != 0 {
			t.Errorf("skybox view element %d = %v, want 0", i, got)
		}
	}
}

func TestRemoveDefersRelease(t *testing.T) {
	f := newFixture(t, config.ExpectedEntities{PBR: 1}, 1)
	h, err := f.scene.AddPBR(PBRDesc{Name: "cube", Meshes: []MeshData{triangle()}})
	if err != nil {
		t.Fatal(err)
	}
	owned := f.rm.Live() - f.base

	if err := f.scene.Remove(h, 3); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := f.scene.Entity(h); !errors.Is(err, core.ErrStaleHandle) {
		t.Errorf("Entity() after Remove error = %v, want ErrStaleHandle", err)
	}
	if err := f.scene.Remove(h, 3); !errors.Is(err, core.ErrStaleHandle) {
		t.Errorf("second Remove() error = %v, want ErrStaleHandle", err)
	}
	if got := f.rm.Pending(); got != owned {
		t.Fatalf("Pending() = %d, want %d", got, owned)
	}
	if _, draws := f.scene.DrawList(0); len(draws) != 0 {
		t.Errorf("removed entity still drawn: %d draws", len(draws))
	}
	if n := f.rm.Collect(2); n != 0 {
		t.Errorf("Collect(2) destroyed %d resources of tick 3", n)
	}
	if n := f.rm.Collect(3); n != owned {
		t.Errorf("Collect(3) = %d, want %d", n, owned)
	}
	if got := f.rm.Live(); got != f.base {
		t.Errorf("Live() = %d, want %d", got, f.base)
	}
	if f.dp.Groups() != 0 {
		t.Errorf("descriptor groups = %d after remove, want 0", f.dp.Groups())
	}
}

func TestAddRollsBackOnPoolExhaustion(t *testing.T) {
	f := newFixture(t, config.ExpectedEntities{PBR: 1}, 1)
	if _, err := f.scene.AddPBR(PBRDesc{Name: "first", Meshes: []MeshData{triangle()}}); err != nil {
		t.Fatal(err)
	}
	live := f.rm.Live()
	_, err := f.scene.AddPBR(PBRDesc{Name: "second", Meshes: []MeshData{triangle()}})
	if !errors.Is(err, core.ErrDescriptorPoolExhausted) {
		t.Fatalf("AddPBR() error = %v, want ErrDescriptorPoolExhausted", err)
	}
	if got := f.rm.Live(); got != live {
		t.Errorf("Live() = %d after rollback, want %d", got, live)
	}
	if f.scene.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.scene.Len())
	}

	if err := f.dp.Recreate(2); err != nil {
		t.Fatal(err)
	}
	if _, err := f.scene.AddPBR(PBRDesc{Name: "second", Meshes: []MeshData{triangle()}}); err != nil {
		t.Fatalf("AddPBR() after recreate error = %v", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, config.ExpectedEntities{PBR: 1, Skybox: 1}, 1)
	if _, err := f.scene.AddSkybox(skybox()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.scene.AddPBR(PBRDesc{Name: "cube", Meshes: []MeshData{triangle()}}); err != nil {
		t.Fatal(err)
	}
	f.scene.Close()
	f.scene.Close()
	if got := f.rm.Live(); got != 0 {
		t.Errorf("Live() = %d after Close, want 0", got)
	}
	if f.scene.Len() != 0 {
		t.Errorf("Len() = %d after Close", f.scene.Len())
	}
}
