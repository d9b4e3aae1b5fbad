package adbexec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFakeADB writes a shell script standing in for the adb binary,
// for exercising StartBackground without a real device attached.
func writeFakeADB(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "adb")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// An immediately-exiting background process must be observable as
// exited (with its exit code) once the reaper goroutine has run, so
// internal/scrcpy.Controller's immediate-crash check after launchGrace
// actually fires instead of silently falling through to connect retries.
func TestBackgroundProcess_ExitedAfterImmediateCrash(t *testing.T) {
	adbPath := writeFakeADB(t, "echo boom >&2\nexit 7\n")
	e := New(adbPath)

	p, err := e.StartBackground("device-1", []string{"app_process"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exited, _ := p.Exited()
		return exited
	}, time.Second, 5*time.Millisecond)

	exited, code := p.Exited()
	require.True(t, exited)
	require.Equal(t, 7, code)
	require.Contains(t, p.Stderr(), "boom")
}

// A still-running process reports Exited() == false until it actually
// exits, and Wait blocks until then.
func TestBackgroundProcess_ExitedFalseWhileRunning(t *testing.T) {
	adbPath := writeFakeADB(t, "sleep 0.2\nexit 0\n")
	e := New(adbPath)

	p, err := e.StartBackground("device-1", []string{"app_process"})
	require.NoError(t, err)

	exited, _ := p.Exited()
	require.False(t, exited)

	require.NoError(t, p.Wait())

	exited, code := p.Exited()
	require.True(t, exited)
	require.Equal(t, 0, code)
}

// Kill terminates a still-running process and the reaper still observes
// the exit, without a second call to cmd.Wait() panicking.
func TestBackgroundProcess_Kill(t *testing.T) {
	adbPath := writeFakeADB(t, "sleep 5\n")
	e := New(adbPath)

	p, err := e.StartBackground("device-1", []string{"app_process"})
	require.NoError(t, err)

	p.Kill()

	require.Eventually(t, func() bool {
		exited, _ := p.Exited()
		return exited
	}, time.Second, 5*time.Millisecond)
}
