// Package math holds the small amount of vector and matrix math needed to
// fill uniform buffers.
package math

import m "math"

const (
	K_PI                 float32 = 3.14159265358979323846
	K_DEG2RAD_MULTIPLIER float32 = K_PI / 180.0
	K_FLOAT_EPSILON      float32 = 1.192092896e-07
)

type Vec3 struct {
	X, Y, Z float32
}

type Vec4 struct {
	X, Y, Z, W float32
}

func NewVec3(x, y, z float32) Vec3 { return Vec3{x, y, z} }

func NewVec3Zero() Vec3 { return Vec3{} }

func NewVec3One() Vec3 { return Vec3{1, 1, 1} }

func NewVec3Up() Vec3 { return Vec3{0, 1, 0} }

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) MulScalar(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

func (v Vec3) Dot(o Vec3) float32 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Cross returns a vector orthogonal to both v and o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

func (v Vec3) Length() float32 { return float32(m.Sqrt(float64(v.Dot(v)))) }

// Normalized returns v scaled to unit length. The zero vector stays zero.
func (v Vec3) Normalized() Vec3 {
	l := v.Length()
	if l < K_FLOAT_EPSILON {
		return Vec3{}
	}
	return v.MulScalar(1 / l)
}

func (v Vec3) ToVec4(w float32) Vec4 { return Vec4{v.X, v.Y, v.Z, w} }

// Compare reports whether every component differs by at most tolerance.
func (v Vec3) Compare(o Vec3, tolerance float32) bool {
	d := v.Sub(o)
	return abs(d.X) <= tolerance && abs(d.Y) <= tolerance && abs(d.Z) <= tolerance
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func DegToRad(degrees float32) float32 {
	return degrees * K_DEG2RAD_MULTIPLIER
}
