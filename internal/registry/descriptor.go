// Package registry holds the set of known functions and their descriptors.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/kldeb/lambdev/internal/event"
)

// Descriptor describes one runnable function. Descriptors are immutable once
// published; a rebuild replaces the whole descriptor rather than mutating it
// in place.
type Descriptor struct {
	// Name uniquely identifies the function.
	Name string
	// Handler is the path to the executable artifact.
	Handler string
	// Dir is the function's working directory.
	Dir string
	// Env holds extra environment variables for the worker process.
	Env map[string]string
	// Timeout bounds a single invocation.
	Timeout time.Duration
	// Concurrency is the maximum number of simultaneously busy workers.
	Concurrency int
	// Shape selects the gateway event template.
	Shape event.Shape
	// Build describes how to rebuild the artifact when sources change.
	Build *BuildConfig
	// MemorySize is reported to the worker via its environment, in MB.
	MemorySize int
}

// BuildConfig describes the build collaborator's inputs for one function.
type BuildConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Watch   []string `yaml:"watch"`
	Output  string   `yaml:"output"`
}

// Validate checks a descriptor before it is published.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("descriptor: name is required")
	}
	if d.Handler == "" {
		return fmt.Errorf("descriptor %s: handler artifact is required", d.Name)
	}
	if d.Concurrency < 1 {
		return fmt.Errorf("descriptor %s: concurrency must be >= 1", d.Name)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("descriptor %s: timeout must be positive", d.Name)
	}
	if _, err := event.ParseShape(string(d.Shape)); err != nil {
		return fmt.Errorf("descriptor %s: %w", d.Name, err)
	}
	return nil
}
