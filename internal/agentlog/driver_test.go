package agentlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFakeAgent writes a shell script standing in for the external AI
// agent binary, for exercising Driver.Run without a real agent install.
func writeFakeAgent(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestDriver_BroadcastsStdoutAndStderrLines(t *testing.T) {
	agentPath := writeFakeAgent(t, "echo 'step 1/3: tap'\necho 'request failed' >&2\necho done\n")
	broker := NewBroker()
	sub := broker.Subscribe("device-1")
	driver := NewDriver(agentPath, broker)

	err := driver.Run(context.Background(), "device-1", "open settings")
	require.NoError(t, err)

	var lines []string
	for len(lines) < 3 {
		select {
		case raw := <-sub.Receive():
			lines = append(lines, string(raw))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for broadcast lines, got %d", len(lines))
		}
	}
}

func TestDriver_Run_NoBinaryConfigured(t *testing.T) {
	driver := NewDriver("", NewBroker())
	err := driver.Run(context.Background(), "device-1", "open settings")
	require.Error(t, err)
}
