// Package watch rebuilds functions when their sources change. A successful
// build republishes the function's descriptor, which retires its running
// workers through the registry's restart hook; a failed build marks the
// function BuildFailed until the next success.
package watch

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/kldeb/lambdev/internal/registry"
)

const (
	defaultDebounce     = 300 * time.Millisecond
	defaultBuildTimeout = 2 * time.Minute
)

// Event reports one completed rebuild attempt.
type Event struct {
	Function string
	// Err is nil on a successful build.
	Err error
}

// Watcher debounces file change notifications per function and runs that
// function's build command.
type Watcher struct {
	registry     *registry.Registry
	watcher      *fsnotify.Watcher
	debounce     time.Duration
	buildTimeout time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Watcher. Zero values fall back to defaults.
type Options struct {
	Debounce     time.Duration
	BuildTimeout time.Duration
}

// New creates a watcher over the registry's functions.
func New(reg *registry.Registry, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	buildTimeout := opts.BuildTimeout
	if buildTimeout <= 0 {
		buildTimeout = defaultBuildTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		registry:     reg,
		watcher:      fsw,
		debounce:     debounce,
		buildTimeout: buildTimeout,
		timers:       make(map[string]*time.Timer),
		events:       make(chan Event, 16),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Events delivers one event per completed rebuild attempt.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start registers watch paths for every function with a build configuration
// and begins processing change notifications.
func (w *Watcher) Start() error {
	for _, desc := range w.registry.List() {
		if desc.Build == nil || desc.Dir == "" {
			continue
		}
		if err := w.addWatchPaths(desc); err != nil {
			log.Warn().Err(err).Str("function", desc.Name).Msg("Failed to add watch paths")
			continue
		}
		log.Debug().
			Str("function", desc.Name).
			Strs("patterns", desc.Build.Watch).
			Msg("Watching source files")
	}

	w.wg.Add(1)
	go w.eventLoop()

	return nil
}

// Stop halts event processing and pending debounce timers.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.mu.Unlock()

	// The events channel stays open: a build finishing after Stop may still
	// emit, and emit never blocks.
	return err
}

func (w *Watcher) addWatchPaths(desc *registry.Descriptor) error {
	if len(desc.Build.Watch) == 0 {
		return w.watcher.Add(desc.Dir)
	}

	seen := make(map[string]bool)
	for _, pattern := range desc.Build.Watch {
		dir := patternBaseDir(filepath.Join(desc.Dir, pattern))
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("adding watch for %s: %w", dir, err)
		}
	}
	return nil
}

// patternBaseDir returns the deepest directory of a glob pattern that has no
// wildcards, since fsnotify watches directories, not patterns.
func patternBaseDir(pattern string) string {
	dir := filepath.Dir(pattern)
	for strings.ContainsAny(dir, "*?[") {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return dir
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.handleChange(ev.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) handleChange(path string) {
	for _, desc := range w.registry.List() {
		if desc.Build == nil || desc.Dir == "" {
			continue
		}
		if !w.matches(desc, path) {
			continue
		}

		log.Debug().
			Str("file", path).
			Str("function", desc.Name).
			Msg("Source file changed")
		w.scheduleBuild(desc.Name)
	}
}

func (w *Watcher) matches(desc *registry.Descriptor, path string) bool {
	rel, err := filepath.Rel(desc.Dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}

	if len(desc.Build.Watch) == 0 {
		return true
	}

	rel = filepath.ToSlash(rel)
	for _, pattern := range desc.Build.Watch {
		matcher, err := glob.Compile(pattern, '/')
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid glob pattern")
			continue
		}
		if matcher.Match(rel) {
			return true
		}
	}
	return false
}

// scheduleBuild resets the function's debounce timer so a burst of saves
// produces one build.
func (w *Watcher) scheduleBuild(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.timers[name]; exists {
		timer.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.rebuild(name)
	})
}

// rebuild runs the function's build command. Success republishes the
// descriptor (the registry hook retires running workers); failure marks the
// function BuildFailed and leaves the previous artifact alone.
func (w *Watcher) rebuild(name string) {
	desc, err := w.registry.Lookup(name)
	if err != nil {
		// Removed since the timer was armed.
		return
	}
	if desc.Build == nil || desc.Build.Command == "" {
		return
	}

	log.Info().
		Str("function", name).
		Str("command", desc.Build.Command).
		Msg("Building function")

	ctx, cancel := context.WithTimeout(w.ctx, w.buildTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, desc.Build.Command, desc.Build.Args...)
	cmd.Dir = desc.Dir
	output, err := cmd.CombinedOutput()

	if err != nil {
		reason := buildFailureReason(err, output)
		log.Error().
			Str("function", name).
			Str("output", string(output)).
			Err(err).
			Msg("Build failed")
		w.registry.SetBuildError(name, reason)
		w.emit(Event{Function: name, Err: fmt.Errorf("%s", reason)})
		return
	}

	log.Info().Str("function", name).Msg("Build succeeded")

	next := *desc
	if out := desc.Build.Output; out != "" && !filepath.IsAbs(out) {
		next.Handler = filepath.Join(desc.Dir, out)
	} else if out != "" {
		next.Handler = out
	}
	if err := w.registry.Upsert(&next); err != nil {
		log.Error().Err(err).Str("function", name).Msg("Failed to republish descriptor")
		w.registry.SetBuildError(name, "republishing descriptor: "+err.Error())
		w.emit(Event{Function: name, Err: err})
		return
	}

	w.emit(Event{Function: name})
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		// Nobody draining; drop rather than stall the build loop.
	}
}

func buildFailureReason(err error, output []byte) string {
	tail := strings.TrimSpace(string(output))
	const maxTail = 2048
	if len(tail) > maxTail {
		tail = tail[len(tail)-maxTail:]
	}
	if tail == "" {
		return err.Error()
	}
	return err.Error() + ": " + tail
}
