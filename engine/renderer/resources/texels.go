package resources

import (
	"image"

	"golang.org/x/image/draw"
)

// TexelsFromImage converts any decoded image to tightly packed RGBA8
// texels, ready for an R8G8B8A8 image upload.
func TexelsFromImage(src image.Image) []byte {
	b := src.Bounds()
	if rgba, ok := src.(*image.RGBA); ok && rgba.Stride == 4*b.Dx() && b.Min == (image.Point{}) {
		return append([]byte(nil), rgba.Pix...)
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst.Pix
}

// CubeTexels packs six equally sized faces in +X, -X, +Y, -Y, +Z, -Z order.
func CubeTexels(faces [6]image.Image) []byte {
	var out []byte
	for _, f := range faces {
		out = append(out, TexelsFromImage(f)...)
	}
	return out
}

// SolidTexels returns a w×h RGBA8 image filled with one color, used for
// default textures.
func SolidTexels(w, h int, c [4]byte) []byte {
	out := make([]byte, 0, w*h*4)
	for i := 0; i < w*h; i++ {
		out = append(out, c[:]...)
	}
	return out
}
