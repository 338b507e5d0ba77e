package loaders

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/scene"
)

// Material names the texture maps of a PBR mesh. Paths are relative to the
// material file.
type Material struct {
	Name                 string
	DiffuseMap           string
	MetallicRoughnessMap string
	NormalMap            string

	dir string
}

// LoadMaterial parses a material file made of "key = value" lines. Lines
// starting with # are comments.
func LoadMaterial(path string) (*Material, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	m, err := ParseMaterial(file)
	if err != nil {
		return nil, fmt.Errorf("material %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

func ParseMaterial(r io.Reader) (*Material, error) {
	m := &Material{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(text, "#") || text == "" {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key = value", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "name":
			m.Name = value
		case "diffuse_map":
			m.DiffuseMap = value
		case "metallic_roughness_map":
			m.MetallicRoughnessMap = value
		case "normal_map":
			m.NormalMap = value
		default:
			core.LogWarn("material: unknown key %q on line %d, skipping", key, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, fmt.Errorf("material name is required")
	}
	return m, nil
}

// Textures loads the maps into the scene texture slots. Unset maps stay nil
// so the scene defaults apply.
func (m *Material) Textures() ([3]image.Image, error) {
	var out [3]image.Image
	maps := map[int]string{
		scene.TextureDiffuse:           m.DiffuseMap,
		scene.TextureMetallicRoughness: m.MetallicRoughnessMap,
		scene.TextureNormal:            m.NormalMap,
	}
	for slot, name := range maps {
		if name == "" {
			continue
		}
		img, err := LoadImage(filepath.Join(m.dir, name))
		if err != nil {
			return out, fmt.Errorf("material %s: %w", m.Name, err)
		}
		out[slot] = img
	}
	return out, nil
}
