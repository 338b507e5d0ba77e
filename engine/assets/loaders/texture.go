// Package loaders reads textures, materials and meshes from disk into the
// CPU side descriptions the scene uploads.
package loaders

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/vkframe/engine/core"
)

// CubemapFaces are the file stems of a cubemap directory, in +X, -X, +Y,
// -Y, +Z, -Z order.
var CubemapFaces = [6]string{"px", "nx", "py", "ny", "pz", "nz"}

// LoadImage decodes a PNG, JPEG, BMP, TIFF or WebP file.
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	b := img.Bounds()
	core.LogDebug("loaded %s image %s (%dx%d)", format, path, b.Dx(), b.Dy())
	return img, nil
}

// LoadCubemap loads the six faces found in dir. Each face is the first
// file named after its CubemapFaces stem with a supported extension.
func LoadCubemap(dir string) ([6]image.Image, error) {
	var faces [6]image.Image
	for i, stem := range CubemapFaces {
		matches, err := filepath.Glob(filepath.Join(dir, stem+".*"))
		if err != nil {
			return faces, err
		}
		if len(matches) == 0 {
			return faces, fmt.Errorf("cubemap %s: missing face %q", dir, stem)
		}
		img, err := LoadImage(matches[0])
		if err != nil {
			return faces, err
		}
		if i > 0 && img.Bounds().Size() != faces[0].Bounds().Size() {
			return faces, fmt.Errorf("cubemap %s: face %q is %v, want %v", dir, stem, img.Bounds().Size(), faces[0].Bounds().Size())
		}
		faces[i] = img
	}
	return faces, nil
}
