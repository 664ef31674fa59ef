// Package supervisor owns per-function worker pools: it spawns and retires
// worker processes, assigns queued invocations to idle workers, and
// invalidates in-flight work when a function is rebuilt.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/kldeb/lambdev/internal/registry"
)

// Process is a handle to a running worker process.
type Process interface {
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill force-terminates the process.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err returns the exit error (nil on clean exit); valid once Done is closed.
	Err() error
	// Pid returns the OS process id, for logging.
	Pid() int
}

// Spawner launches worker processes for a function descriptor. It exists so
// pool tests can substitute fake processes.
type Spawner interface {
	Spawn(desc *registry.Descriptor, workerID string, env []string) (Process, error)
}

// ExecSpawner runs the function's executable artifact directly.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(desc *registry.Descriptor, workerID string, env []string) (Process, error) {
	cmd := exec.Command(desc.Handler)
	cmd.Dir = desc.Dir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", desc.Handler, err)
	}

	go pipeOutput(stdout, desc.Name, workerID, false)
	go pipeOutput(stderr, desc.Name, workerID, true)

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// pipeOutput streams a worker's output line-wise into the emulator log,
// tagged with the function and worker so interleaved pools stay readable.
func pipeOutput(r io.Reader, function, workerID string, isStderr bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev := log.Info()
		if isStderr {
			ev = log.Warn()
		}
		ev.Str("function", function).
			Str("worker", workerID).
			Msg(scanner.Text())
	}
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *osProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osProcess) Err() error {
	return p.err
}

func (p *osProcess) Pid() int {
	return p.cmd.Process.Pid
}

// buildEnv assembles the worker environment: the emulator's own environment,
// the descriptor's variables, and the runtime contract variables the shim
// reads to find the protocol surface.
func buildEnv(desc *registry.Descriptor, workerID, runtimeAddr string) []string {
	env := os.Environ()
	for k, v := range desc.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"AWS_LAMBDA_RUNTIME_API="+runtimeAddr+"/"+workerID,
		"AWS_LAMBDA_FUNCTION_NAME="+desc.Name,
		"AWS_LAMBDA_FUNCTION_VERSION=$LATEST",
		"AWS_LAMBDA_FUNCTION_MEMORY_SIZE="+strconv.Itoa(desc.MemorySize),
		"AWS_LAMBDA_FUNCTION_TIMEOUT="+strconv.Itoa(int(desc.Timeout.Seconds())),
	)
	return env
}
