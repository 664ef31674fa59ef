package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/kldeb/lambdev/internal/event"
)

// Manifest is the on-disk per-function configuration, loaded from a
// function.yaml next to the function's sources.
type Manifest struct {
	Name        string            `yaml:"name"`
	Handler     string            `yaml:"handler"`
	Timeout     string            `yaml:"timeout"`
	Concurrency int               `yaml:"concurrency"`
	Shape       string            `yaml:"shape"`
	Memory      int               `yaml:"memory"`
	Env         map[string]string `yaml:"env"`
	Build       *BuildConfig      `yaml:"build"`
}

// Defaults supplies fallback values for manifest fields left unset.
type Defaults struct {
	Timeout     time.Duration
	Concurrency int
	Shape       event.Shape
	MemorySize  int
	Env         map[string]string
}

const manifestFileName = "function.yaml"

// Discover walks dir for function manifests and returns the descriptors they
// define. Each immediate subdirectory containing a function.yaml is one
// function; directories without a manifest are skipped.
func Discover(dir string, defaults Defaults) ([]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading functions dir: %w", err)
	}

	var out []*Descriptor
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		funcDir := filepath.Join(dir, e.Name())
		manifestPath := filepath.Join(funcDir, manifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		desc, err := loadManifest(manifestPath, funcDir, defaults)
		if err != nil {
			log.Warn().Err(err).Str("path", manifestPath).Msg("Skipping invalid function manifest")
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

func loadManifest(path, funcDir string, defaults Defaults) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	return m.Descriptor(funcDir, defaults)
}

// Descriptor converts a manifest into a validated descriptor rooted at
// funcDir, applying defaults for unset fields.
func (m *Manifest) Descriptor(funcDir string, defaults Defaults) (*Descriptor, error) {
	name := m.Name
	if name == "" {
		name = filepath.Base(funcDir)
	}

	handler := m.Handler
	if handler == "" && m.Build != nil && m.Build.Output != "" {
		handler = m.Build.Output
	}
	if handler != "" && !filepath.IsAbs(handler) {
		handler = filepath.Join(funcDir, handler)
	}

	timeout := defaults.Timeout
	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: invalid timeout %q: %w", name, m.Timeout, err)
		}
		timeout = d
	}

	concurrency := m.Concurrency
	if concurrency == 0 {
		concurrency = defaults.Concurrency
	}

	shapeStr := m.Shape
	if shapeStr == "" {
		shapeStr = string(defaults.Shape)
	}
	shape, err := event.ParseShape(shapeStr)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}

	memory := m.Memory
	if memory == 0 {
		memory = defaults.MemorySize
	}

	env := make(map[string]string, len(defaults.Env)+len(m.Env))
	for k, v := range defaults.Env {
		env[k] = v
	}
	for k, v := range m.Env {
		env[k] = v
	}

	desc := &Descriptor{
		Name:        name,
		Handler:     handler,
		Dir:         funcDir,
		Env:         env,
		Timeout:     timeout,
		Concurrency: concurrency,
		Shape:       shape,
		Build:       m.Build,
		MemorySize:  memory,
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}
