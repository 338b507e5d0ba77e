package scene

import (
	"encoding/binary"
	stdmath "math"

	"github.com/spaghettifunk/vkframe/engine/math"
)

// Uniform block layouts follow std140: matrices and vec4 arrays are 16 byte
// aligned, the trailing int is padded to a full vec4.

const mat4Size = 64

// PBRUniformSize is the byte size of the PBR uniform block for lights
// directional lights.
func PBRUniformSize(lights int) uint64 {
	return 3*mat4Size + 16 + uint64(lights)*32 + 16
}

// SkyboxUniformSize is the byte size of the skybox uniform block.
const SkyboxUniformSize = 2 * mat4Size

type Light struct {
	Position math.Vec3
	Color    [4]float32
}

type uniformWriter struct {
	buf []byte
	off int
}

func newUniformWriter(size uint64) *uniformWriter {
	return &uniformWriter{buf: make([]byte, size)}
}

func (w *uniformWriter) float(f float32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], stdmath.Float32bits(f))
	w.off += 4
}

func (w *uniformWriter) mat4(m math.Mat4) {
	for _, f := range m.Data {
		w.float(f)
	}
}

func (w *uniformWriter) vec4(x, y, z, a float32) {
	w.float(x)
	w.float(y)
	w.float(z)
	w.float(a)
}

func (w *uniformWriter) int32(v int32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], uint32(v))
	w.off += 16
}

// pbrUniform encodes model, view, projection, camera position, capacity
// light positions, capacity light colors and the light count.
func pbrUniform(model, view, proj math.Mat4, camera math.Vec3, lights []Light, capacity int) []byte {
	w := newUniformWriter(PBRUniformSize(capacity))
	w.mat4(model)
	w.mat4(view)
	w.mat4(proj)
	w.vec4(camera.X, camera.Y, camera.Z, 1)
	if len(lights) > capacity {
		lights = lights[:capacity]
	}
	for i := 0; i < capacity; i++ {
		if i < len(lights) {
			p := lights[i].Position
			w.vec4(p.X, p.Y, p.Z, 1)
		} else {
			w.vec4(0, 0, 0, 0)
		}
	}
	for i := 0; i < capacity; i++ {
		if i < len(lights) {
			c := lights[i].Color
			w.vec4(c[0], c[1], c[2], c[3])
		} else {
			w.vec4(0, 0, 0, 0)
		}
	}
	w.int32(int32(len(lights)))
	return w.buf
}

// skyboxUniform drops the view translation so the cube stays centered on
// the camera.
func skyboxUniform(view, proj math.Mat4) []byte {
	w := newUniformWriter(SkyboxUniformSize)
	w.mat4(view.WithoutTranslation())
	w.mat4(proj)
	return w.buf
}

func indexBytes(indices []uint32) []byte {
	out := make([]byte, 4*len(indices))
	for i, v := range indices {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}
