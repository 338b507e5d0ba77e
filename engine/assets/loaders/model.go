package loaders

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	stdmath "math"
	"os"
	"strconv"
	"strings"

	"github.com/spaghettifunk/vkframe/engine/math"
	"github.com/spaghettifunk/vkframe/engine/renderer/scene"
)

// VertexSize is the byte size of one PBR vertex: position, normal, uv and
// tangent as float32.
const VertexSize = 44

type vertex struct {
	pos     math.Vec3
	normal  math.Vec3
	uv      [2]float32
	tangent math.Vec3
}

type objIndex struct{ v, vt, vn int }

// LoadOBJ reads a Wavefront OBJ file. Every "o" or "g" statement starts a
// new mesh, faces with more than three corners are fanned into triangles.
func LoadOBJ(path string) ([]scene.MeshData, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	meshes, err := ParseOBJ(file)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return meshes, nil
}

func ParseOBJ(r io.Reader) ([]scene.MeshData, error) {
	var (
		positions []math.Vec3
		uvs       [][2]float32
		normals   []math.Vec3
		meshes    []scene.MeshData
		verts     []vertex
		indices   []uint32
		seen      map[objIndex]uint32
	)
	flush := func() {
		if len(indices) > 0 {
			computeTangents(verts, indices)
			meshes = append(meshes, scene.MeshData{Vertices: encodeVertices(verts), Indices: indices})
		}
		verts, indices, seen = nil, nil, make(map[objIndex]uint32)
	}
	flush()

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "v":
			f, err := floats(fields[1:], 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			positions = append(positions, math.NewVec3(f[0], f[1], f[2]))
		case "vt":
			f, err := floats(fields[1:], 2)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			uvs = append(uvs, [2]float32{f[0], 1 - f[1]})
		case "vn":
			f, err := floats(fields[1:], 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			normals = append(normals, math.NewVec3(f[0], f[1], f[2]))
		case "o", "g":
			flush()
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least 3 corners", line)
			}
			corners := make([]uint32, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				idx, err := parseCorner(tok, len(positions), len(uvs), len(normals))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				if i, ok := seen[idx]; ok {
					corners = append(corners, i)
					continue
				}
				v := vertex{pos: positions[idx.v]}
				if idx.vt >= 0 {
					v.uv = uvs[idx.vt]
				}
				if idx.vn >= 0 {
					v.normal = normals[idx.vn]
				}
				i := uint32(len(verts))
				verts = append(verts, v)
				seen[idx] = i
				corners = append(corners, i)
			}
			for k := 1; k+1 < len(corners); k++ {
				indices = append(indices, corners[0], corners[k], corners[k+1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	if len(meshes) == 0 {
		return nil, fmt.Errorf("no faces")
	}
	return meshes, nil
}

func floats(fields []string, n int) ([]float32, error) {
	if len(fields) < n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(fields))
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		f, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}

// parseCorner resolves "v", "v/vt", "v//vn" and "v/vt/vn" to zero based
// indices, -1 for a missing element. Negative OBJ indices count back from
// the end.
func parseCorner(tok string, nv, nvt, nvn int) (objIndex, error) {
	parts := strings.Split(tok, "/")
	idx := objIndex{v: -1, vt: -1, vn: -1}
	counts := [3]int{nv, nvt, nvn}
	out := [3]*int{&idx.v, &idx.vt, &idx.vn}
	for i := 0; i < len(parts) && i < 3; i++ {
		if parts[i] == "" {
			continue
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return idx, fmt.Errorf("corner %q: %w", tok, err)
		}
		if n < 0 {
			n = counts[i] + n
		} else {
			n--
		}
		if n < 0 || n >= counts[i] {
			return idx, fmt.Errorf("corner %q: index out of range", tok)
		}
		*out[i] = n
	}
	if idx.v < 0 {
		return idx, fmt.Errorf("corner %q: missing position", tok)
	}
	return idx, nil
}

// computeTangents fills face normals where the file had none and derives
// tangents from the uv gradients.
func computeTangents(verts []vertex, indices []uint32) {
	for t := 0; t+2 < len(indices); t += 3 {
		a, b, c := &verts[indices[t]], &verts[indices[t+1]], &verts[indices[t+2]]
		e1 := b.pos.Sub(a.pos)
		e2 := c.pos.Sub(a.pos)
		if a.normal == (math.Vec3{}) || b.normal == (math.Vec3{}) || c.normal == (math.Vec3{}) {
			n := e1.Cross(e2).Normalized()
			for _, v := range []*vertex{a, b, c} {
				if v.normal == (math.Vec3{}) {
					v.normal = n
				}
			}
		}
		du1, dv1 := b.uv[0]-a.uv[0], b.uv[1]-a.uv[1]
		du2, dv2 := c.uv[0]-a.uv[0], c.uv[1]-a.uv[1]
		det := du1*dv2 - du2*dv1
		tangent := math.NewVec3(1, 0, 0)
		if stdmath.Abs(float64(det)) > 1e-8 {
			r := 1 / det
			tangent = math.NewVec3(
				(e1.X*dv2-e2.X*dv1)*r,
				(e1.Y*dv2-e2.Y*dv1)*r,
				(e1.Z*dv2-e2.Z*dv1)*r,
			).Normalized()
		}
		for _, v := range []*vertex{a, b, c} {
			v.tangent = tangent
		}
	}
}

func encodeVertices(verts []vertex) []byte {
	out := make([]byte, len(verts)*VertexSize)
	off := 0
	put := func(fs ...float32) {
		for _, f := range fs {
			binary.LittleEndian.PutUint32(out[off:], stdmath.Float32bits(f))
			off += 4
		}
	}
	for _, v := range verts {
		put(v.pos.X, v.pos.Y, v.pos.Z)
		put(v.normal.X, v.normal.Y, v.normal.Z)
		put(v.uv[0], v.uv[1])
		put(v.tangent.X, v.tangent.Y, v.tangent.Z)
	}
	return out
}
