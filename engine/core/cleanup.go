package core

import (
	"errors"
	"sync"
)

// CleanupStack collects release functions and runs them in reverse order of
// registration. It replaces hand-ordered destroy calls at shutdown.
type CleanupStack struct {
	mu     sync.Mutex
	names  []string
	funcs  []func() error
	closed bool
}

func NewCleanupStack() *CleanupStack {
	return &CleanupStack{}
}

// Push registers fn under name. Pushing after Close runs fn immediately.
func (s *CleanupStack) Push(name string, fn func() error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err := fn(); err != nil {
			LogError("cleanup %s: %s", name, err)
		}
		return
	}
	s.names = append(s.names, name)
	s.funcs = append(s.funcs, fn)
	s.mu.Unlock()
}

// PushFunc is Push for release functions that cannot fail.
func (s *CleanupStack) PushFunc(name string, fn func()) {
	s.Push(name, func() error { fn(); return nil })
}

func (s *CleanupStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.funcs)
}

// Close runs every registered function, last in first out. All functions run
// even if some fail; the failures are joined.
func (s *CleanupStack) Close() error {
	s.mu.Lock()
	names, funcs := s.names, s.funcs
	s.names, s.funcs = nil, nil
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		LogDebug("releasing %s", names[i])
		if err := funcs[i](); err != nil {
			LogError("cleanup %s: %s", names[i], err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scope is a nested cleanup stack used while building a composite object.
// If the build fails, Rollback releases what was created so far; on success
// Commit moves everything into the parent stack.
type Scope struct {
	stack  CleanupStack
	parent *CleanupStack
}

func NewScope(parent *CleanupStack) *Scope {
	return &Scope{parent: parent}
}

func (s *Scope) Push(name string, fn func() error) {
	s.stack.Push(name, fn)
}

func (s *Scope) PushFunc(name string, fn func()) {
	s.stack.PushFunc(name, fn)
}

func (s *Scope) Rollback() error {
	return s.stack.Close()
}

func (s *Scope) Commit() {
	s.stack.mu.Lock()
	names, funcs := s.stack.names, s.stack.funcs
	s.stack.names, s.stack.funcs = nil, nil
	s.stack.mu.Unlock()
	if s.parent == nil {
		return
	}
	for i := range funcs {
		s.parent.Push(names[i], funcs[i])
	}
}
