// Package adbexec wraps ADB command execution: the single leaf component
// every other component (device scan, control actions, the scrcpy
// controller) spawns child processes through. Grounded on the teacher's
// adb.ADBClient, generalized from fixed single-purpose methods to one
// Execute primitive with an explicit wait/timeout contract (spec.md §4.1).
package adbexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"androidcontrol/internal/stream"
)

// Options controls one ADB invocation.
type Options struct {
	// Wait, if false, spawns and detaches immediately with a zero exit
	// code. If true, stdout/stderr are collected and the deadline (if
	// set) is enforced, killing the process on expiry.
	Wait    bool
	Timeout time.Duration
}

// Result is the outcome of a waited invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Executor resolves the adb binary once at construction and runs every
// command through os/exec with an argument vector — never a shell, so
// there is no interpolation risk.
type Executor struct {
	binary string
}

// wellKnownADBPaths is probed, in order, when neither the configured path
// nor $ANDROID_HOME/platform-tools/adb exists.
var wellKnownADBPaths = []string{
	"/usr/bin/adb",
	"/usr/local/bin/adb",
	"/opt/android-sdk/platform-tools/adb",
}

// New resolves the adb binary: configuredPath if non-empty and present,
// otherwise $ANDROID_HOME/platform-tools/adb if present, otherwise the
// first well-known location that exists, otherwise the
// literal "adb" (left for the OS loader to fail on with a clear error).
func New(configuredPath string) *Executor {
	if configuredPath != "" {
		if _, err := os.Stat(configuredPath); err == nil {
			return &Executor{binary: configuredPath}
		}
	}
	if home := os.Getenv("ANDROID_HOME"); home != "" {
		candidate := home + "/platform-tools/adb"
		if _, err := os.Stat(candidate); err == nil {
			return &Executor{binary: candidate}
		}
	}
	for _, candidate := range wellKnownADBPaths {
		if _, err := os.Stat(candidate); err == nil {
			return &Executor{binary: candidate}
		}
	}
	return &Executor{binary: "adb"}
}

// Binary returns the resolved adb path, for diagnostics/logging.
func (e *Executor) Binary() string { return e.binary }

// Execute runs adb with the given argument vector. With opts.Wait=false
// it spawns and returns immediately. With opts.Wait=true it collects
// stdout/stderr and the exit code, killing the process and returning
// stream.KindTimeout if opts.Timeout elapses first.
func (e *Executor) Execute(ctx context.Context, args []string, opts Options) (Result, error) {
	if !opts.Wait {
		cmd := exec.Command(e.binary, args...)
		if err := cmd.Start(); err != nil {
			return Result{}, stream.Wrap(stream.KindUnknown, err)
		}
		go cmd.Wait()
		return Result{}, nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, stream.New(stream.KindTimeout)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, stream.Wrap(stream.KindUnknown, err)
		}
	}

	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
}

// BackgroundProcess is a long-running adb shell invocation (the scrcpy
// server) whose stderr is captured for diagnostics and whose lifetime the
// caller manages explicitly. A single background goroutine owns the one
// permitted call to cmd.Wait(); Exited/Wait read its result instead of
// calling cmd.Wait() themselves, since os/exec forbids calling it twice.
type BackgroundProcess struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	done     chan struct{}
	mu       sync.Mutex
	exited   bool
	exitCode int
	waitErr  error
}

// StartBackground launches `adb shell <args...>` and returns immediately,
// capturing stderr into a buffer the caller can inspect after an early
// exit (e.g. to build ServerLaunchFailed's stderr snippet). Mirrors
// Execute's fire-and-forget branch, which reaps with `go cmd.Wait()` so
// the child never lingers as a zombie.
func (e *Executor) StartBackground(deviceID string, args []string) (*BackgroundProcess, error) {
	fullArgs := append([]string{"-s", deviceID, "shell"}, args...)
	cmd := exec.Command(e.binary, fullArgs...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, stream.Wrap(stream.KindServerLaunchFailed, err)
	}

	p := &BackgroundProcess{cmd: cmd, stderr: &stderr, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

// reap is the only goroutine allowed to call cmd.Wait(); it records the
// exit code and error, then unblocks Exited/Wait.
func (p *BackgroundProcess) reap() {
	err := p.cmd.Wait()

	code := 0
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Exited reports whether the process has already exited, without
// blocking, along with its exit code if so.
func (p *BackgroundProcess) Exited() (exited bool, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitCode
}

// Stderr returns everything captured on stderr so far.
func (p *BackgroundProcess) Stderr() string { return p.stderr.String() }

// Wait blocks until the process exits and returns the error cmd.Wait()
// produced, if any.
func (p *BackgroundProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill terminates the process if still running.
func (p *BackgroundProcess) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// Pid returns the process id, or 0 if not started.
func (p *BackgroundProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
