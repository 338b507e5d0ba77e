// Package testbed is a small scene used to exercise the engine: a skybox,
// a spinning textured model lit by two lights and a BRDF lookup table
// computed once at startup.
package testbed

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	stdmath "math"
	"os"
	"path/filepath"
	"time"

	"github.com/spaghettifunk/vkframe/engine"
	"github.com/spaghettifunk/vkframe/engine/assets/loaders"
	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/math"
	"github.com/spaghettifunk/vkframe/engine/renderer/scene"
)

// lutSize is the edge of the BRDF lookup table in texels.
const lutSize = 32

// Options points the testbed at optional assets. Anything missing falls
// back to generated content.
type Options struct {
	// SkyboxDir holds px.png, nx.png, py.png, ny.png, pz.png and nz.png.
	// An irradiance/ subdirectory with the same layout is used when present.
	SkyboxDir string
	// Model is a Wavefront OBJ file. A cube is generated when empty.
	Model string
	// Material is a material file applied to every mesh of the model.
	Material string
	// SpinSpeed is the model rotation in radians per second.
	SpinSpeed float32
}

type gameState struct {
	opts Options

	width  uint32
	height uint32

	model     containers.Handle
	transform math.Transform
	lights    []containers.Handle
	lut       []float32
}

func NewTestGame(opts Options) *engine.Game {
	if opts.SpinSpeed == 0 {
		opts.SpinSpeed = 0.5
	}
	state := &gameState{opts: opts, transform: math.TransformCreate()}
	return &engine.Game{
		FnInitialize: state.Initialize,
		FnUpdate:     state.Update,
		FnOnResize:   state.OnResize,
		FnShutdown:   state.Shutdown,
	}
}

func (g *gameState) Initialize(e *engine.Engine) error {
	core.LogDebug("testbed initialize")

	if cam, ok := e.Camera().(*scene.FreeCamera); ok {
		cam.SetPosition(math.NewVec3(0, 2, 8))
		cam.Pitch(-0.2)
	}

	// Decode everything on the job system, then create GPU objects here.
	var (
		sky    scene.SkyboxDesc
		meshes []scene.MeshData
	)
	sky.Name = "skybox"
	err := e.Jobs().Do("testbed-assets",
		func() (err error) {
			sky.Faces, err = g.cubemap(g.opts.SkyboxDir, color.RGBA{R: 90, G: 120, B: 170, A: 255})
			return err
		},
		func() (err error) {
			sky.Irradiance, err = g.cubemap(filepath.Join(g.opts.SkyboxDir, "irradiance"), color.RGBA{R: 40, G: 50, B: 70, A: 255})
			return err
		},
		func() (err error) {
			meshes, err = g.loadModel()
			return err
		},
	)
	if err != nil {
		return err
	}
	if _, err := e.AddSkybox(sky); err != nil {
		return err
	}
	if g.model, err = e.AddPBR(scene.PBRDesc{Name: "model", Meshes: meshes, Transform: g.transform}); err != nil {
		return err
	}

	for i, l := range []scene.LightDesc{
		{Name: "key", Color: [4]float32{1, 0.95, 0.9, 1}, Position: math.NewVec3(5, 5, 5)},
		{Name: "fill", Color: [4]float32{0.3, 0.35, 0.5, 1}, Position: math.NewVec3(-5, 2, -3)},
	} {
		h, err := e.AddLight(l)
		if err != nil {
			return fmt.Errorf("light %d: %w", i, err)
		}
		g.lights = append(g.lights, h)
	}

	if e.Pipelines() != nil {
		if _, ok := e.Pipelines().Get("brdf"); ok {
			if err := g.computeLUT(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// cubemap loads dir when it exists and otherwise returns six 1x1 faces of c.
func (g *gameState) cubemap(dir string, c color.RGBA) ([6]image.Image, error) {
	if dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return loaders.LoadCubemap(dir)
		}
		core.LogWarn("cubemap directory %s not found, using a solid color", dir)
	}
	var faces [6]image.Image
	for i := range faces {
		img := image.NewRGBA(image.Rect(0, 0, 1, 1))
		img.SetRGBA(0, 0, c)
		faces[i] = img
	}
	return faces, nil
}

func (g *gameState) loadModel() ([]scene.MeshData, error) {
	var meshes []scene.MeshData
	if g.opts.Model != "" {
		var err error
		if meshes, err = loaders.LoadOBJ(g.opts.Model); err != nil {
			return nil, err
		}
	} else {
		meshes = []scene.MeshData{loaders.GenerateCube(2, 2, 2, 1, 1)}
	}

	if g.opts.Material != "" {
		mat, err := loaders.LoadMaterial(g.opts.Material)
		if err != nil {
			return nil, err
		}
		textures, err := mat.Textures()
		if err != nil {
			return nil, err
		}
		for i := range meshes {
			meshes[i].Textures = textures
		}
		core.LogInfo("material %s applied to %d meshes", mat.Name, len(meshes))
	}
	return meshes, nil
}

// computeLUT runs the brdf pipeline over every (NdotV, roughness) pair of
// the table and keeps the resulting (scale, bias) pairs.
func (g *gameState) computeLUT(e *engine.Engine) error {
	size := uint64(lutSize * lutSize * 2 * 4)
	c, err := e.AddComputation("brdf-lut", "brdf", size, size, [3]uint32{lutSize / 8, lutSize / 8, 1})
	if err != nil {
		return err
	}

	in := make([]byte, size)
	for y := 0; y < lutSize; y++ {
		for x := 0; x < lutSize; x++ {
			off := (y*lutSize + x) * 8
			binary.LittleEndian.PutUint32(in[off:], stdmath.Float32bits((float32(x)+0.5)/lutSize))
			binary.LittleEndian.PutUint32(in[off+4:], stdmath.Float32bits((float32(y)+0.5)/lutSize))
		}
	}
	if err := c.Upload(0, in); err != nil {
		return err
	}
	if err := e.RunComputation(c); err != nil {
		return err
	}
	out := make([]byte, size)
	if err := c.Download(0, out); err != nil {
		return err
	}
	g.lut = make([]float32, len(out)/4)
	for i := range g.lut {
		g.lut[i] = stdmath.Float32frombits(binary.LittleEndian.Uint32(out[i*4:]))
	}
	core.LogInfo("brdf lut computed: %dx%d, first texel (%.3f, %.3f)", lutSize, lutSize, g.lut[0], g.lut[1])
	return nil
}

func (g *gameState) Update(e *engine.Engine, delta time.Duration) error {
	if !g.model.IsValid() {
		return nil
	}
	ent, err := e.Scene().Entity(g.model)
	if err != nil {
		return err
	}
	g.transform.Rotation.Y += g.opts.SpinSpeed * float32(delta.Seconds())
	ent.Transform = g.transform
	return nil
}

func (g *gameState) OnResize(width, height uint32) error {
	core.LogDebug("testbed resized to %dx%d", width, height)
	g.width, g.height = width, height
	return nil
}

func (g *gameState) Shutdown(e *engine.Engine) error {
	core.LogDebug("testbed shutdown")
	return nil
}
