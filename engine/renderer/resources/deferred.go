package resources

import (
	"github.com/spaghettifunk/vkframe/engine/containers"
	"github.com/spaghettifunk/vkframe/engine/core"
)

type release struct {
	handle containers.Handle
	tick   uint64
}

// Release queues a resource for destruction once the frame recorded at
// tick is known to have completed on the GPU. Ticks must be queued in non
// decreasing order.
func (m *Manager) Release(h containers.Handle, tick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.entries.Contains(h) {
		core.LogWarn("release of unknown resource %s", h)
		return
	}
	if m.deferred.IsFull() {
		m.deferred.Grow()
		core.LogDebug("deferred release queue grown to %d", m.deferred.Cap())
	}
	_ = m.deferred.Enqueue(release{handle: h, tick: tick})
}

// Collect destroys every queued resource whose tick is at or before
// completed, the newest tick whose fence has been observed signaled. It
// returns how many resources were destroyed.
func (m *Manager) Collect(completed uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for !m.deferred.IsEmpty() {
		r, _ := m.deferred.Peek()
		if r.tick > completed {
			break
		}
		_, _ = m.deferred.Dequeue()
		m.destroyLocked(r.handle)
		n++
	}
	return n
}

// Flush destroys every queued resource regardless of its tick. The device
// must be idle.
func (m *Manager) Flush() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for !m.deferred.IsEmpty() {
		r, _ := m.deferred.Dequeue()
		m.destroyLocked(r.handle)
		n++
	}
	return n
}

// Pending returns how many resources wait for deferred destruction.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deferred.Len()
}
