// Driver subprocess-drives the external AI agent binary referenced by
// config.AgentBinaryPath, grounded on original_source's
// ai_service.py:AIService.execute_natural_language_command. The Python
// reference spawns a Python interpreter over a separate agent script with
// asyncio dual-stream readers for stdout/stderr; this driver keeps the
// same env-var contract and the same per-line broadcast shape but runs
// one os/exec.Cmd with combined output, scanned by bufio.Scanner, per
// spec.md §2's "subprocess driving via os/exec with scanning via
// bufio.Scanner" wiring note.
package agentlog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Driver launches one agent invocation per Run call.
type Driver struct {
	binaryPath string
	broker     *Broker
}

// NewDriver builds a driver that broadcasts through broker every line the
// process at binaryPath writes to stdout or stderr.
func NewDriver(binaryPath string, broker *Broker) *Driver {
	return &Driver{binaryPath: binaryPath, broker: broker}
}

// Run executes the agent binary for one natural-language command against
// deviceID, streaming every output line to broker as it arrives. It
// blocks until the process exits; callers that want this to happen in
// the background (the HTTP control route) run it in a goroutine.
//
// The argument vector and PHONE_AGENT_* environment variables mirror the
// reference driver's subprocess contract, minus the model/base-url/
// api-key surface spec.md leaves to the agent binary's own defaults.
func (d *Driver) Run(ctx context.Context, deviceID, command string) error {
	if d.binaryPath == "" {
		return fmt.Errorf("agentlog: no agent binary configured")
	}

	cmd := exec.CommandContext(ctx, d.binaryPath, "--device-id", deviceID, command)
	cmd.Env = append(cmd.Environ(), "PHONE_AGENT_DEVICE_ID="+deviceID)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return err
	}

	go func() {
		waitErr := cmd.Wait()
		if waitErr != nil {
			pw.CloseWithError(waitErr)
			return
		}
		pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		d.broker.BroadcastLogLine(deviceID, line, nil)
	}

	if err := scanner.Err(); err != nil && err != io.ErrClosedPipe {
		logrus.WithError(err).WithField("device", deviceID).Warn("agent output scan stopped early")
		d.broker.BroadcastLogLine(deviceID, "agent output stream error: "+err.Error(), nil)
	}
	return nil
}
