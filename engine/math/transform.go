package math

// Transform places an object in the world with Euler angles in radians.
type Transform struct {
	Position Vec3
	Rotation Vec3
	Scale    Vec3
}

func TransformCreate() Transform {
	return Transform{Scale: NewVec3One()}
}

func TransformFromPosition(position Vec3) Transform {
	t := TransformCreate()
	t.Position = position
	return t
}

// Model returns scale, then rotation, then translation applied to a point.
func (t Transform) Model() Mat4 {
	scale := t.Scale
	if scale == (Vec3{}) {
		scale = NewVec3One()
	}
	return NewMat4Scale(scale).
		Mul(NewMat4EulerXYZ(t.Rotation.X, t.Rotation.Y, t.Rotation.Z)).
		Mul(NewMat4Translation(t.Position))
}
