// Package scrcpy manages the lifecycle of one scrcpy-server process on one
// device: pushing the jar, forwarding a local port, spawning the server,
// and connecting back over that forward. Grounded on the teacher's
// service.ScrcpyClient (Start/Stop/cleanup/connectWithRetry/handshake),
// generalized from the v1.24 "no frame meta" screen-mirroring invocation
// to the modern headered wire format spec.md §4.2 and §6 require.
package scrcpy

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"androidcontrol/internal/adbexec"
	"androidcontrol/internal/stream"

	"github.com/sirupsen/logrus"
)

const (
	remoteJarPath   = "/data/local/tmp/scrcpy-server.jar"
	serverVersion   = "2.4"
	serverMainClass = "com.genymobile.scrcpy.Server"

	pushTimeout    = 15 * time.Second
	forwardTimeout = 5 * time.Second
	forwardRetries = 3

	connectRetries = 5
	connectDelay   = 500 * time.Millisecond
	connectTimeout = 2 * time.Second

	launchGrace = 1500 * time.Millisecond
)

// Controller drives one device's scrcpy-server process. It implements
// stream.Controller; the Session Supervisor owns one per active session
// and never reuses it across Start/Stop cycles.
type Controller struct {
	adb        *adbexec.Executor
	deviceID   string
	serverPath string

	portLo int
	portHi int

	log *logrus.Entry

	mu   sync.Mutex
	port int
	proc *adbexec.BackgroundProcess
	conn net.Conn
}

// NewController builds a Controller for one device. serverPath is the
// local scrcpy-server jar (resolved by config.ResolveScrcpyServerPath);
// portLo/portHi bound the local forward port search.
func NewController(adb *adbexec.Executor, deviceID, serverPath string, portLo, portHi int) *Controller {
	return &Controller{
		adb:        adb,
		deviceID:   deviceID,
		serverPath: serverPath,
		portLo:     portLo,
		portHi:     portHi,
		log:        logrus.WithField("device", deviceID),
	}
}

// Start runs spec.md §4.2's six-step sequence: pre-clean, push, forward,
// spawn, connect, hand off. Start reads the handshake itself, without
// reading past it, and returns it as the VideoMetadata; the returned
// connection is positioned at the first media packet, ready for repeated
// Codec.ReadPacket on a fresh Codec.
func (c *Controller) Start(ctx context.Context, opts stream.StreamOptions) (io.ReadWriteCloser, stream.VideoMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.preClean(ctx)

	c.log.Info("pushing scrcpy-server.jar")
	if _, err := c.adb.Execute(ctx, []string{"-s", c.deviceID, "push", c.serverPath, remoteJarPath}, adbexec.Options{Wait: true, Timeout: pushTimeout}); err != nil {
		return nil, stream.VideoMetadata{}, stream.Wrap(stream.KindServerPushFailed, err)
	}

	port, err := c.forwardWithRetry(ctx)
	if err != nil {
		return nil, stream.VideoMetadata{}, err
	}
	c.port = port

	proc, err := c.spawn(opts)
	if err != nil {
		c.teardownForward(context.Background())
		return nil, stream.VideoMetadata{}, err
	}
	c.proc = proc

	time.Sleep(launchGrace)
	if exited, code := proc.Exited(); exited {
		c.teardownForward(context.Background())
		return nil, stream.VideoMetadata{}, stream.Newf(stream.KindServerLaunchFailed, "server exited immediately (code %d): %s", code, proc.Stderr())
	}

	conn, err := c.connectWithRetry(ctx)
	if err != nil {
		proc.Kill()
		c.teardownForward(context.Background())
		return nil, stream.VideoMetadata{}, err
	}
	c.conn = conn

	codec := stream.NewCodec(handshakeReader{conn}, opts)
	meta, err := codec.ReadMetadata()
	if err != nil {
		conn.Close()
		proc.Kill()
		c.teardownForward(context.Background())
		return nil, stream.VideoMetadata{}, err
	}

	c.log.WithField("device_name", meta.DeviceName).Infof("scrcpy stream ready, %dx%d", meta.Width, meta.Height)
	return conn, meta, nil
}

// handshakeReader hands out at most one byte per Read, so the buffered
// reader inside the handshake Codec never pulls packet bytes past the
// handshake off the connection.
type handshakeReader struct{ r io.Reader }

func (h handshakeReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return h.r.Read(p)
}

// Stop tears down everything Start built, in reverse order, best-effort:
// a failure at one step never skips the rest.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.proc != nil {
		c.proc.Kill()
		c.proc.Wait()
		c.proc = nil
	}
	c.teardownForward(ctx)
}

// preClean removes any stale forward left over from a prior crashed
// session before starting a new one, ignoring errors — there may be
// nothing to remove.
func (c *Controller) preClean(ctx context.Context) {
	c.adb.Execute(ctx, []string{"-s", c.deviceID, "forward", "--remove-all"}, adbexec.Options{Wait: true, Timeout: forwardTimeout})
}

// forwardWithRetry tries up to forwardRetries distinct local ports,
// since a chosen port can lose a race with another process between
// picking it and forwarding it.
func (c *Controller) forwardWithRetry(ctx context.Context) (int, error) {
	var lastErr error
	for attempt := 0; attempt < forwardRetries; attempt++ {
		port, err := findFreePort(c.portLo, c.portHi)
		if err != nil {
			lastErr = err
			continue
		}

		local := fmt.Sprintf("tcp:%d", port)
		res, err := c.adb.Execute(ctx, []string{"-s", c.deviceID, "forward", local, "localabstract:scrcpy"}, adbexec.Options{Wait: true, Timeout: forwardTimeout})
		if err == nil && res.ExitCode == 0 {
			return port, nil
		}
		lastErr = stream.Newf(stream.KindPortForwardFailed, "forward attempt %d on port %d: %s", attempt+1, port, string(res.Stderr))
	}
	if lastErr == nil {
		lastErr = stream.New(stream.KindPortForwardFailed)
	}
	return 0, lastErr
}

func (c *Controller) teardownForward(ctx context.Context) {
	if c.port == 0 {
		return
	}
	c.adb.Execute(ctx, []string{"-s", c.deviceID, "forward", "--remove", fmt.Sprintf("tcp:%d", c.port)}, adbexec.Options{Wait: true, Timeout: forwardTimeout})
	c.port = 0
}

// spawn launches `app_process ... Server` with the modern key=value
// argument set, grounded on the teacher's v1.24 arguments but toggling
// send_frame_meta/send_device_meta/send_codec_meta/send_dummy_byte from
// StreamOptions instead of hardcoding the legacy profile.
func (c *Controller) spawn(opts stream.StreamOptions) (*adbexec.BackgroundProcess, error) {
	args := []string{
		"CLASSPATH=" + remoteJarPath,
		"app_process",
		"/",
		serverMainClass,
		serverVersion,
		"log_level=info",
		fmt.Sprintf("max_size=%d", opts.MaxSize),
		fmt.Sprintf("video_bit_rate=%d", opts.BitRate),
		fmt.Sprintf("video_codec=%s", opts.Codec),
		fmt.Sprintf("video_codec_options=i-frame-interval=%d", opts.IDRIntervalSecs),
		"tunnel_forward=true",
		"audio=false",
		"control=false",
		"cleanup=false",
		"show_touches=false",
		"stay_awake=false",
		"power_off_on_close=false",
		fmt.Sprintf("send_frame_meta=%t", opts.SendFrameMeta),
		fmt.Sprintf("send_device_meta=%t", opts.SendDeviceMeta),
		fmt.Sprintf("send_codec_meta=%t", opts.SendCodecMeta),
		fmt.Sprintf("send_dummy_byte=%t", opts.SendDummyByte),
		"raw_stream=false",
	}

	proc, err := c.adb.StartBackground(c.deviceID, args)
	if err != nil {
		return nil, stream.Wrap(stream.KindServerLaunchFailed, err)
	}
	return proc, nil
}

func (c *Controller) connectWithRetry(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", c.port)

	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, stream.Wrap(stream.KindConnectRefused, ctx.Err())
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(connectDelay)
	}
	return nil, stream.Wrap(stream.KindConnectRefused, lastErr)
}

// findFreePort returns a local port that is free to listen on: an
// OS-assigned ephemeral port when lo and hi are both 0, otherwise a
// randomly chosen port inside [lo, hi], retrying a bounded number of
// times. The scrcpy port range is configurable so operators can firewall
// a fixed band.
func findFreePort(lo, hi int) (int, error) {
	for attempt := 0; attempt < 20; attempt++ {
		addr := "127.0.0.1:0"
		if hi > 0 && hi >= lo {
			addr = fmt.Sprintf("127.0.0.1:%d", lo+rand.Intn(hi-lo+1))
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			if addr != "127.0.0.1:0" {
				continue
			}
			return 0, stream.Wrap(stream.KindPortForwardFailed, err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		if lo == 0 && hi == 0 {
			return port, nil
		}
		if port >= lo && port <= hi {
			return port, nil
		}
	}
	return 0, stream.Newf(stream.KindPortForwardFailed, "no free port found in range [%d, %d]", lo, hi)
}
