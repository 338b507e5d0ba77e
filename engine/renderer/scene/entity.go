package scene

import (
	"encoding/binary"
	"image"
	stdmath "math"

	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/math"
	"github.com/spaghettifunk/vkframe/engine/renderer/descriptors"
)

type Kind uint8

const (
	KindNormalPBR Kind = iota
	KindSkybox
	KindDirectionalLight
)

func (k Kind) String() string {
	switch k {
	case KindNormalPBR:
		return "pbr"
	case KindSkybox:
		return "skybox"
	case KindDirectionalLight:
		return "directional-light"
	}
	return "unknown"
}

// capabilities is what the frame loop does with an entity of a kind.
type capabilities struct {
	pipeline string
	drawable bool
	uniform  bool
	light    bool
}

func (k Kind) capabilities() capabilities {
	switch k {
	case KindNormalPBR:
		return capabilities{pipeline: "pbr", drawable: true, uniform: true}
	case KindSkybox:
		return capabilities{pipeline: "skybox", drawable: true, uniform: true}
	case KindDirectionalLight:
		return capabilities{light: true}
	}
	return capabilities{}
}

// Texture slots of a PBR mesh, bound at descriptor bindings 1 to 3.
const (
	TextureDiffuse = iota
	TextureMetallicRoughness
	TextureNormal
	textureCount
)

type Mesh struct {
	Vertices    containers.Handle
	Indices     containers.Handle
	IndexCount  uint32
	VertexCount uint32
	Textures    [textureCount]containers.Handle

	sets *descriptors.SetGroup
}

// Entity is one object of the scene. Which fields are set depends on Kind.
type Entity struct {
	Name      string
	Kind      Kind
	Transform math.Transform
	Meshes    []*Mesh
	Light     Light

	// uniforms holds one host coherent uniform buffer per frame slot.
	uniforms []containers.Handle
	// owned is every resource released together with the entity.
	owned []containers.Handle
	// irradiance is the skybox cube bound by a PBR entity, or the cube a
	// skybox exposes to PBR entities added after it.
	irradiance containers.Handle
}

// MeshData is the CPU side of one PBR mesh. Vertices follow the pbr
// pipeline layout: position, normal, uv and tangent. Nil textures fall back
// to the scene defaults.
type MeshData struct {
	Vertices []byte
	Indices  []uint32
	Textures [textureCount]image.Image
}

type PBRDesc struct {
	Name      string
	Meshes    []MeshData
	Transform math.Transform
}

// SkyboxDesc holds two cubemaps with faces in +X, -X, +Y, -Y, +Z, -Z order.
// Nil Vertices use a unit cube.
type SkyboxDesc struct {
	Name       string
	Faces      [6]image.Image
	Irradiance [6]image.Image
	Vertices   []byte
}

type LightDesc struct {
	Name     string
	Color    [4]float32
	Position math.Vec3
}

// cubeVertices returns the 36 positions of a unit cube as tightly packed
// float32 triples.
func cubeVertices() []byte {
	corners := [8][3]float32{
		{-1, -1, -1}, {1, -1, -1}, {1, 1, -1}, {-1, 1, -1},
		{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1},
	}
	faces := [6][4]int{
		{1, 5, 6, 2}, {4, 0, 3, 7}, {3, 2, 6, 7},
		{4, 5, 1, 0}, {5, 4, 7, 6}, {0, 1, 2, 3},
	}
	out := make([]byte, 0, 36*12)
	for _, f := range faces {
		for _, i := range [6]int{f[0], f[1], f[2], f[2], f[3], f[0]} {
			for _, c := range corners[i] {
				out = binary.LittleEndian.AppendUint32(out, stdmath.Float32bits(c))
			}
		}
	}
	return out
}
