package scene

import (
	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/math"
)

// Camera supplies the view and projection written into uniform buffers.
type Camera interface {
	Position() math.Vec3
	View() math.Mat4
	Projection(aspect float32) math.Mat4
}

// FreeCamera is a camera positioned in the world and rotated with Euler
// angles (pitch, yaw, roll).
type FreeCamera struct {
	FOV  float32
	Near float32
	Far  float32

	position      math.Vec3
	eulerRotation math.Vec3
	// view is rebuilt on the next View call when dirty is set.
	isDirty bool
	view    math.Mat4
}

func NewFreeCamera() *FreeCamera {
	c := &FreeCamera{FOV: math.DegToRad(45), Near: 0.01, Far: 200}
	c.Reset()
	return c
}

func (c *FreeCamera) Reset() {
	c.eulerRotation = math.NewVec3Zero()
	c.position = math.NewVec3Zero()
	c.isDirty = false
	c.view = math.NewMat4Identity()
}

func (c *FreeCamera) Position() math.Vec3 { return c.position }

func (c *FreeCamera) SetPosition(position math.Vec3) {
	c.position = position
	c.isDirty = true
}

func (c *FreeCamera) SetEulerRotation(rotation math.Vec3) {
	c.eulerRotation = rotation
	c.isDirty = true
}

func (c *FreeCamera) View() math.Mat4 {
	if c.isDirty {
		rotation := math.NewMat4EulerXYZ(c.eulerRotation.X, c.eulerRotation.Y, c.eulerRotation.Z)
		translation := math.NewMat4Translation(c.position)
		c.view = rotation.Mul(translation).Inverse()
		c.isDirty = false
	}
	return c.view
}

func (c *FreeCamera) Projection(aspect float32) math.Mat4 {
	return math.NewMat4Perspective(c.FOV, aspect, c.Near, c.Far)
}

func (c *FreeCamera) Yaw(amount float32) {
	c.eulerRotation.Y += amount
	c.isDirty = true
}

func (c *FreeCamera) Pitch(amount float32) {
	c.eulerRotation.X += amount
	// Clamp to avoid Gimbal lock.
	limit := float32(1.55334306) // 89 degrees
	c.eulerRotation.X = containers.Clamp(c.eulerRotation.X, -limit, limit)
	c.isDirty = true
}
