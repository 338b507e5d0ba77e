package loaders

import (
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/math"
	"github.com/spaghettifunk/vkframe/engine/renderer/scene"
)

// cubeFace lists the four corners of one side as signs of the half extents,
// in the winding the index pattern below expects.
type cubeFace struct {
	normal  math.Vec3
	corners [4]math.Vec3
}

var cubeFaces = [6]cubeFace{
	{math.NewVec3(0, 0, 1), [4]math.Vec3{{X: -1, Y: -1, Z: 1}, {X: 1, Y: 1, Z: 1}, {X: -1, Y: 1, Z: 1}, {X: 1, Y: -1, Z: 1}}},
	{math.NewVec3(0, 0, -1), [4]math.Vec3{{X: 1, Y: -1, Z: -1}, {X: -1, Y: 1, Z: -1}, {X: 1, Y: 1, Z: -1}, {X: -1, Y: -1, Z: -1}}},
	{math.NewVec3(-1, 0, 0), [4]math.Vec3{{X: -1, Y: -1, Z: -1}, {X: -1, Y: 1, Z: 1}, {X: -1, Y: 1, Z: -1}, {X: -1, Y: -1, Z: 1}}},
	{math.NewVec3(1, 0, 0), [4]math.Vec3{{X: 1, Y: -1, Z: 1}, {X: 1, Y: 1, Z: -1}, {X: 1, Y: 1, Z: 1}, {X: 1, Y: -1, Z: -1}}},
	{math.NewVec3(0, -1, 0), [4]math.Vec3{{X: 1, Y: -1, Z: 1}, {X: -1, Y: -1, Z: -1}, {X: 1, Y: -1, Z: -1}, {X: -1, Y: -1, Z: 1}}},
	{math.NewVec3(0, 1, 0), [4]math.Vec3{{X: -1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: -1}, {X: -1, Y: 1, Z: -1}, {X: 1, Y: 1, Z: 1}}},
}

// GenerateCube builds a box centered on the origin with 4 vertices per side
// and texture coordinates repeated tileX by tileY times on each side.
func GenerateCube(width, height, depth, tileX, tileY float32) scene.MeshData {
	if width == 0 {
		core.LogWarn("width must be nonzero. Defaulting to one.")
		width = 1
	}
	if height == 0 {
		core.LogWarn("height must be nonzero. Defaulting to one.")
		height = 1
	}
	if depth == 0 {
		core.LogWarn("depth must be nonzero. Defaulting to one.")
		depth = 1
	}
	if tileX == 0 {
		core.LogWarn("tileX must be nonzero. Defaulting to one.")
		tileX = 1
	}
	if tileY == 0 {
		core.LogWarn("tileY must be nonzero. Defaulting to one.")
		tileY = 1
	}

	half := math.NewVec3(width*0.5, height*0.5, depth*0.5)
	uvs := [4][2]float32{{0, 0}, {tileX, tileY}, {0, tileY}, {tileX, 0}}

	verts := make([]vertex, 0, 4*len(cubeFaces))
	indices := make([]uint32, 0, 6*len(cubeFaces))
	for i, f := range cubeFaces {
		for c, corner := range f.corners {
			verts = append(verts, vertex{
				pos:    math.NewVec3(corner.X*half.X, corner.Y*half.Y, corner.Z*half.Z),
				normal: f.normal,
				uv:     uvs[c],
			})
		}
		base := uint32(i * 4)
		indices = append(indices, base, base+1, base+2, base, base+3, base+1)
	}
	computeTangents(verts, indices)

	return scene.MeshData{Vertices: encodeVertices(verts), Indices: indices}
}
