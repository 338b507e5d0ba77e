//go:build mage

package main

import "github.com/magefile/mage/mg"

type Test mg.Namespace

// Runs every test with the race detector.
func (Test) All() error {
	return run("go", "test", "-race", "./...")
}

// Runs the tests of the engine packages that need no GPU.
func (Test) Headless() error {
	return run("go", "test", "./engine/...", "./testbed/...")
}
