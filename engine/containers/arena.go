package containers

import (
	"fmt"

	"github.com/spaghettifunk/vkframe/engine/core"
)

// Handle identifies a slot in an Arena. The generation changes every time the
// slot is released so that handles kept past a release can be detected.
type Handle struct {
	index      uint32
	generation uint32
}

// InvalidHandle is the zero handle. No live entry ever has generation zero.
var InvalidHandle = Handle{}

func (h Handle) IsValid() bool {
	return h.generation != 0
}

func (h Handle) Index() uint32 {
	return h.index
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index, h.generation)
}

type arenaSlot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Arena stores values by generation-checked handle. Free slots are reused.
type Arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	live  int
}

func NewArena[T any](capacity int) *Arena[T] {
	return &Arena[T]{
		slots: make([]arenaSlot[T], 0, capacity),
	}
}

// Insert stores value and returns its handle.
func (a *Arena[T]) Insert(value T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		// Existing free spot. Take it.
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	s.value = value
	s.live = true
	a.live++
	return Handle{index: idx, generation: s.generation}
}

// Get returns the value behind h, or ErrStaleHandle if h was released or
// never issued by this arena.
func (a *Arena[T]) Get(h Handle) (T, error) {
	var zero T
	s, err := a.slot(h)
	if err != nil {
		return zero, err
	}
	return s.value, nil
}

// Set replaces the value behind a live handle.
func (a *Arena[T]) Set(h Handle, value T) error {
	s, err := a.slot(h)
	if err != nil {
		return err
	}
	s.value = value
	return nil
}

// Remove releases h and returns the value it held.
func (a *Arena[T]) Remove(h Handle) (T, error) {
	var zero T
	s, err := a.slot(h)
	if err != nil {
		return zero, err
	}
	v := s.value
	s.value = zero
	s.live = false
	a.free = append(a.free, h.index)
	a.live--
	return v, nil
}

func (a *Arena[T]) Contains(h Handle) bool {
	_, err := a.slot(h)
	return err == nil
}

func (a *Arena[T]) Len() int {
	return a.live
}

// Each calls fn for every live entry in index order. Iteration stops when fn
// returns false.
func (a *Arena[T]) Each(fn func(Handle, T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.live {
			continue
		}
		if !fn(Handle{index: uint32(i), generation: s.generation}, s.value) {
			return
		}
	}
}

func (a *Arena[T]) slot(h Handle) (*arenaSlot[T], error) {
	if !h.IsValid() || int(h.index) >= len(a.slots) {
		return nil, fmt.Errorf("handle %s: %w", h, core.ErrStaleHandle)
	}
	s := &a.slots[h.index]
	if !s.live || s.generation != h.generation {
		return nil, fmt.Errorf("handle %s: %w", h, core.ErrStaleHandle)
	}
	return s, nil
}
