package loaders

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	stdmath "math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spaghettifunk/vkframe/engine/renderer/scene"
)

func writePNG(t *testing.T, path string, size int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func floatAt(b []byte, i int) float32 {
	return stdmath.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
}

func TestParseOBJ(t *testing.T) {
	src := `
# quad split in two meshes
o first
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
vn 0 0 1
f 1/1/1 2/2/1 3/3/1 4/4/1
o second
f -4//1 -3//1 -2//1
`
	meshes, err := ParseOBJ(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(meshes) != 2 {
		t.Fatalf("got %d meshes, want 2", len(meshes))
	}

	quad := meshes[0]
	if got := len(quad.Vertices) / VertexSize; got != 4 {
		t.Errorf("quad has %d vertices, want 4", got)
	}
	want := []uint32{0, 1, 2, 0, 2, 3}
	if len(quad.Indices) != len(want) {
		t.Fatalf("quad indices = %v, want %v", quad.Indices, want)
	}
	for i := range want {
		if quad.Indices[i] != want[i] {
			t.Fatalf("quad indices = %v, want %v", quad.Indices, want)
		}
	}
	// Second vertex: position (1,0,0), normal (0,0,1), uv (1,1) after the v flip,
	// tangent along +X.
	v1 := quad.Vertices[VertexSize : 2*VertexSize]
	checks := []struct {
		field int
		want  float32
	}{{0, 1}, {5, 1}, {6, 1}, {7, 1}, {8, 1}}
	for _, c := range checks {
		if got := floatAt(v1, c.field); got != c.want {
			t.Errorf("vertex 1 float %d = %v, want %v", c.field, got, c.want)
		}
	}

	tri := meshes[1]
	if len(tri.Indices) != 3 {
		t.Fatalf("triangle indices = %v", tri.Indices)
	}
}

func TestParseOBJFillsMissingNormals(t *testing.T) {
	meshes, err := ParseOBJ(strings.NewReader("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"))
	if err != nil {
		t.Fatal(err)
	}
	v0 := meshes[0].Vertices[:VertexSize]
	if nz := floatAt(v0, 5); nz != 1 {
		t.Fatalf("normal z = %v, want 1", nz)
	}
}

func TestParseOBJErrors(t *testing.T) {
	tests := map[string]string{
		"empty":         "",
		"out of range":  "v 0 0 0\nf 1 2 3\n",
		"short face":    "v 0 0 0\nv 1 0 0\nf 1 2\n",
		"bad float":     "v 0 x 0\n",
		"bad corner":    "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 a 3\n",
		"missing coord": "v 0 0\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseOBJ(strings.NewReader(src)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestParseMaterial(t *testing.T) {
	m, err := ParseMaterial(strings.NewReader("# helmet\nname = helmet\ndiffuse_map = albedo.png\nshininess = 3\n"))
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "helmet" || m.DiffuseMap != "albedo.png" || m.NormalMap != "" {
		t.Fatalf("material = %+v", m)
	}
	if _, err := ParseMaterial(strings.NewReader("diffuse_map = a.png\n")); err == nil {
		t.Fatal("missing name accepted")
	}
	if _, err := ParseMaterial(strings.NewReader("name helmet\n")); err == nil {
		t.Fatal("line without = accepted")
	}
}

func TestMaterialTextures(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "albedo.png"), 4, color.RGBA{255, 0, 0, 255})
	path := filepath.Join(dir, "helmet.mat")
	if err := os.WriteFile(path, []byte("name = helmet\ndiffuse_map = albedo.png\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadMaterial(path)
	if err != nil {
		t.Fatal(err)
	}
	tex, err := m.Textures()
	if err != nil {
		t.Fatal(err)
	}
	if tex[scene.TextureDiffuse] == nil || tex[scene.TextureNormal] != nil {
		t.Fatalf("textures = %v", tex)
	}
}

func TestLoadCubemap(t *testing.T) {
	dir := t.TempDir()
	for _, stem := range CubemapFaces {
		writePNG(t, filepath.Join(dir, stem+".png"), 2, color.RGBA{0, 0, 255, 255})
	}
	faces, err := LoadCubemap(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i, f := range faces {
		if f == nil || f.Bounds().Dx() != 2 {
			t.Fatalf("face %d = %v", i, f)
		}
	}

	writePNG(t, filepath.Join(dir, "nz.png"), 4, color.RGBA{0, 0, 255, 255})
	if _, err := LoadCubemap(dir); err == nil {
		t.Fatal("mismatched face size accepted")
	}
	if err := os.Remove(filepath.Join(dir, "px.png")); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCubemap(dir); err == nil {
		t.Fatal("missing face accepted")
	}
}

func TestGenerateCube(t *testing.T) {
	m := GenerateCube(2, 4, 6, 1, 1)
	if got := len(m.Vertices) / VertexSize; got != 24 {
		t.Fatalf("vertices = %d, want 24", got)
	}
	if len(m.Indices) != 36 {
		t.Fatalf("indices = %d, want 36", len(m.Indices))
	}

	var maxX, maxY, maxZ float32
	for i := 0; i < 24; i++ {
		x, y, z := floatAt(m.Vertices, i*11), floatAt(m.Vertices, i*11+1), floatAt(m.Vertices, i*11+2)
		maxX = max(maxX, x)
		maxY = max(maxY, y)
		maxZ = max(maxZ, z)
	}
	if maxX != 1 || maxY != 2 || maxZ != 3 {
		t.Errorf("half extents = %v %v %v, want 1 2 3", maxX, maxY, maxZ)
	}

	// Every triangle winds counter-clockwise seen from outside.
	pos := func(i uint32) [3]float32 {
		o := int(i) * 11
		return [3]float32{floatAt(m.Vertices, o), floatAt(m.Vertices, o+1), floatAt(m.Vertices, o+2)}
	}
	for tri := 0; tri < len(m.Indices); tri += 3 {
		a, b, c := pos(m.Indices[tri]), pos(m.Indices[tri+1]), pos(m.Indices[tri+2])
		e1 := [3]float32{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
		e2 := [3]float32{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
		n := [3]float32{e1[1]*e2[2] - e1[2]*e2[1], e1[2]*e2[0] - e1[0]*e2[2], e1[0]*e2[1] - e1[1]*e2[0]}
		o := int(m.Indices[tri]) * 11
		normal := [3]float32{floatAt(m.Vertices, o+3), floatAt(m.Vertices, o+4), floatAt(m.Vertices, o+5)}
		if n[0]*normal[0]+n[1]*normal[1]+n[2]*normal[2] <= 0 {
			t.Errorf("triangle %d faces away from its normal %v", tri/3, normal)
		}
	}
}

func TestGenerateCubeDefaultsZeroSizes(t *testing.T) {
	m := GenerateCube(0, 0, 0, 0, 0)
	if floatAt(m.Vertices, 0) != -0.5 {
		t.Errorf("x = %v, want -0.5", floatAt(m.Vertices, 0))
	}
}
