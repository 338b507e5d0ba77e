// Package assets loads compiled shaders from disk and reports changes to
// them while the engine runs.
package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/vkframe/engine/core"
)

var ErrShaderNotFound = errors.New("shader not found")

type ShaderInfo struct {
	Path       string
	Size       int
	LastLoaded time.Time
}

// ShaderLibrary serves SPIR-V code by file name relative to its directory.
// Names without a file on disk fall back to registered built-in code.
type ShaderLibrary struct {
	dir string
	bus *core.EventBus

	mutex   sync.RWMutex
	shaders map[string]ShaderInfo
	code    map[string][]byte
	builtin map[string][]byte

	fsnotify *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	isClosed bool
}

// NewShaderLibrary serves shaders from dir. Changes are fired on bus as
// EventShaderChanged once Watch is called. bus may be nil.
func NewShaderLibrary(dir string, bus *core.EventBus) *ShaderLibrary {
	return &ShaderLibrary{
		dir:     dir,
		bus:     bus,
		shaders: make(map[string]ShaderInfo),
		code:    make(map[string][]byte),
		builtin: make(map[string][]byte),
	}
}

func (l *ShaderLibrary) Dir() string { return l.dir }

// RegisterBuiltin sets the code served for name when no file exists.
func (l *ShaderLibrary) RegisterBuiltin(name string, code []byte) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.builtin[name] = code
}

// Shader returns the code of name, reading it from disk on first use.
func (l *ShaderLibrary) Shader(name string) ([]byte, error) {
	l.mutex.RLock()
	code, ok := l.code[name]
	l.mutex.RUnlock()
	if ok {
		return code, nil
	}

	path := filepath.Join(l.dir, filepath.FromSlash(name))
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		l.mutex.Lock()
		defer l.mutex.Unlock()
		l.code[name] = data
		l.shaders[name] = ShaderInfo{Path: path, Size: len(data), LastLoaded: time.Now()}
		core.LogDebug("shader %s loaded from %s (%d bytes)", name, path, len(data))
		return data, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read shader %s: %w", name, err)
	}

	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if code, ok := l.builtin[name]; ok {
		return code, nil
	}
	return nil, fmt.Errorf("%s in %s: %w", name, l.dir, ErrShaderNotFound)
}

// Info returns what is known about a shader loaded from disk.
func (l *ShaderLibrary) Info(name string) (ShaderInfo, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	info, ok := l.shaders[name]
	return info, ok
}

// Invalidate drops the cached code of name so the next Shader call reads
// the file again.
func (l *ShaderLibrary) Invalidate(name string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.code, name)
	delete(l.shaders, name)
}

// Watch starts watching the shader directory and all sub-directories. A
// created or written .spv file invalidates its cached code and fires
// EventShaderChanged with its name.
func (l *ShaderLibrary) Watch() error {
	if l.fsnotify != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch shaders: %w", err)
	}
	l.fsnotify = w
	l.done = make(chan struct{})
	l.stopped = make(chan struct{})
	if err := l.watchRecursive(l.dir); err != nil {
		_ = w.Close()
		l.fsnotify = nil
		return fmt.Errorf("watch shaders in %s: %w", l.dir, err)
	}
	go l.start()
	core.LogInfo("watching shaders in %s", l.dir)
	return nil
}

func (l *ShaderLibrary) start() {
	defer close(l.stopped)
	for {
		select {
		case e, ok := <-l.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := l.watchRecursive(e.Name); err != nil {
						core.LogWarn("failed to watch %s: %s", e.Name, err)
					}
				}
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				l.handleFileEvent(e.Name)
			}
			if e.Op&fsnotify.Remove != 0 {
				if name, ok := l.nameOf(e.Name); ok {
					l.Invalidate(name)
				}
			}

		case err, ok := <-l.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("shader watcher: %s", err)

		case <-l.done:
			return
		}
	}
}

// watchRecursive adds path and every directory under it to the watch list.
func (l *ShaderLibrary) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return l.fsnotify.Add(walkPath)
		}
		return nil
	})
}

func (l *ShaderLibrary) nameOf(path string) (string, bool) {
	if filepath.Ext(path) != ".spv" {
		return "", false
	}
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (l *ShaderLibrary) handleFileEvent(path string) {
	name, ok := l.nameOf(path)
	if !ok {
		return
	}
	l.Invalidate(name)
	core.LogDebug("shader %s changed", name)
	if l.bus != nil {
		l.bus.Fire(core.Event{Code: core.EventShaderChanged, Name: name})
	}
}

// Close stops the watcher. The library keeps serving shaders.
func (l *ShaderLibrary) Close() error {
	l.mutex.Lock()
	if l.isClosed || l.fsnotify == nil {
		l.isClosed = true
		l.mutex.Unlock()
		return nil
	}
	l.isClosed = true
	l.mutex.Unlock()

	close(l.done)
	err := l.fsnotify.Close()
	<-l.stopped
	return err
}
