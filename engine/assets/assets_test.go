package assets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spaghettifunk/vkframe/engine/core"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestShader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pbr.vert.spv"), "vert")
	writeFile(t, filepath.Join(dir, "compute", "brdf.comp.spv"), "brdf")

	l := NewShaderLibrary(dir, nil)
	l.RegisterBuiltin("pbr.vert.spv", []byte("builtin"))
	l.RegisterBuiltin("skybox.vert.spv", []byte("sky"))

	tests := []struct {
		name    string
		want    string
		wantErr error
	}{
		{"pbr.vert.spv", "vert", nil},
		{"compute/brdf.comp.spv", "brdf", nil},
		{"skybox.vert.spv", "sky", nil},
		{"missing.frag.spv", "", ErrShaderNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Shader(tt.name)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Shader() error = %v, want %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("Shader() = %q, want %q", got, tt.want)
			}
		})
	}
	if info, ok := l.Info("pbr.vert.spv"); !ok || info.Size != 4 {
		t.Errorf("Info() = %+v, %v", info, ok)
	}
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.spv")
	writeFile(t, path, "one")
	l := NewShaderLibrary(dir, nil)
	if _, err := l.Shader("a.spv"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "two")
	if got, _ := l.Shader("a.spv"); string(got) != "one" {
		t.Fatalf("Shader() = %q before invalidation, want cached %q", got, "one")
	}
	l.Invalidate("a.spv")
	if got, _ := l.Shader("a.spv"); string(got) != "two" {
		t.Errorf("Shader() = %q after invalidation, want %q", got, "two")
	}
}

func TestWatchFiresShaderChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pbr.frag.spv")
	writeFile(t, path, "old")

	bus := core.NewEventBus()
	changed := make(chan string, 16)
	bus.Register(core.EventShaderChanged, func(e core.Event) bool {
		changed <- e.Name
		return true
	})
	l := NewShaderLibrary(dir, bus)
	if _, err := l.Shader("pbr.frag.spv"); err != nil {
		t.Fatal(err)
	}
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer l.Close()

	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, path, "new")

	select {
	case name := <-changed:
		if name != "pbr.frag.spv" {
			t.Fatalf("changed shader %q, want pbr.frag.spv", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no EventShaderChanged within 5s")
	}
	if got, _ := l.Shader("pbr.frag.spv"); string(got) != "new" {
		t.Errorf("Shader() after change = %q, want %q", got, "new")
	}
}

func TestCloseWithoutWatch(t *testing.T) {
	l := NewShaderLibrary(t.TempDir(), nil)
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
