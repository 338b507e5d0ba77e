package engine

import "time"

// Game holds the application hooks the engine calls around its frame loop.
// Every hook is optional.
type Game struct {
	FnInitialize Initialize
	FnUpdate     Update
	FnOnResize   OnResize
	FnShutdown   Shutdown
}

// Initialize runs once the engine is initialized, typically to populate
// the scene.
type Initialize func(e *Engine) error

// Update runs before every tick with the time since the previous one.
type Update func(e *Engine, delta time.Duration) error

type OnResize func(width uint32, height uint32) error

// Shutdown runs after the device went idle and before anything is
// destroyed.
type Shutdown func(e *Engine) error
