package scrcpy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"androidcontrol/internal/adbexec"
	"androidcontrol/internal/stream"

	"github.com/stretchr/testify/require"
)

// writeFakeADB writes a shell script standing in for the adb binary: any
// "forward" invocation fails until it has been called failCount times,
// then succeeds, so forwardWithRetry can be exercised without a real
// device. The call count lives in a file rather than an env var so
// successive forwardWithRetry attempts (distinct ports), each a separate
// subprocess invocation, still share one counter.
func writeFakeADB(t *testing.T, failCount int) string {
	t.Helper()
	dir := t.TempDir()
	counter := filepath.Join(dir, "calls")
	require.NoError(t, os.WriteFile(counter, []byte("0"), 0o644))

	script := filepath.Join(dir, "adb")
	contents := `#!/bin/sh
if [ "$3" = "forward" ]; then
  n=$(cat "` + counter + `")
  n=$((n + 1))
  echo "$n" > "` + counter + `"
  if [ "$n" -le ` + itoaForTest(failCount) + ` ]; then
    echo "fake failure" >&2
    exit 1
  fi
  exit 0
fi
exit 0
`
	require.NoError(t, os.WriteFile(script, []byte(contents), 0o755))
	return script
}

func itoaForTest(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// S4 (port-forward half) — the first two forward attempts fail (each on a
// freshly chosen port, per spec.md §4.2's "retry up to 3 times on a fresh
// port"); the third succeeds, so forwardWithRetry returns that port with
// no error.
func TestController_ForwardWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	adbPath := writeFakeADB(t, 2)
	adb := adbexec.New(adbPath)

	c := NewController(adb, "device-1", "/tmp/scrcpy-server.jar", 0, 0)

	port, err := c.forwardWithRetry(context.Background())
	require.NoError(t, err)
	require.NotZero(t, port)
}

// When every attempt fails, forwardWithRetry exhausts forwardRetries and
// surfaces a PortForwardFailed error instead of retrying forever.
func TestController_ForwardWithRetry_ExhaustsRetries(t *testing.T) {
	adbPath := writeFakeADB(t, forwardRetries+1)
	adb := adbexec.New(adbPath)

	c := NewController(adb, "device-1", "/tmp/scrcpy-server.jar", 0, 0)

	_, err := c.forwardWithRetry(context.Background())
	require.Error(t, err)

	var streamErr *stream.Error
	require.True(t, errors.As(err, &streamErr))
	require.Equal(t, stream.KindPortForwardFailed, streamErr.Kind)
}

// A configured port range is honored: the port forwardWithRetry picks
// and forwards must fall inside [portLo, portHi].
func TestController_ForwardWithRetry_HonorsPortRange(t *testing.T) {
	adbPath := writeFakeADB(t, 0)
	adb := adbexec.New(adbPath)

	// Wide enough that a randomly chosen port in the band is almost
	// always free to listen on.
	lo, hi := 20000, 65000
	c := NewController(adb, "device-1", "/tmp/scrcpy-server.jar", lo, hi)

	port, err := c.forwardWithRetry(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, lo)
	require.LessOrEqual(t, port, hi)
}
