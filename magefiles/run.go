//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed on the in-memory device for 300 frames.
func (Run) Headless() error {
	fmt.Println("Run headless...")
	return run("go", "run", ".", "-backend", "headless", "-ticks", "300")
}

// Compiles the shaders and runs the testbed in a window.
func (Run) Vulkan() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run vulkan...")
	return run("go", "run", ".", "-backend", "vulkan")
}
