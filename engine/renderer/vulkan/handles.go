package vulkan

import (
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/vkframe/engine/core"
)

// nextID is shared by every registry so a handle never aliases an object of
// another kind.
var nextID atomic.Uint64

// registry maps the opaque uint64 handles the engine sees to the goki
// objects behind them.
type registry[T any] struct {
	mu      sync.RWMutex
	objects map[uint64]T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{objects: make(map[uint64]T)}
}

func (r *registry[T]) add(v T) uint64 {
	id := nextID.Add(1)
	r.mu.Lock()
	r.objects[id] = v
	r.mu.Unlock()
	return id
}

func (r *registry[T]) get(id uint64) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.objects[id]
	return v, ok
}

// must returns the object for id and logs unknown handles. The zero value
// is a null Vulkan handle, which the driver ignores for destroy calls.
func (r *registry[T]) must(id uint64) T {
	v, ok := r.get(id)
	if !ok && id != 0 {
		core.LogWarn("vulkan: unknown handle %d", id)
	}
	return v
}

func (r *registry[T]) remove(id uint64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.objects[id]
	delete(r.objects, id)
	return v, ok
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// removeIf drops every object matching pred, for children released
// implicitly with their parent.
func (r *registry[T]) removeIf(pred func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, v := range r.objects {
		if pred(v) {
			delete(r.objects, id)
			n++
		}
	}
	return n
}
