package stream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeController is a Controller backed by an in-process pipe: Start
// writes a canned handshake + packet stream into the write end and hands
// the read end to the Supervisor; Stop closes the write end.
type pipeController struct {
	startCalls int32
	stopCalls  int32

	failTimes int // number of leading Start calls that should fail

	w io.WriteCloser
}

func newPipeController() *pipeController { return &pipeController{} }

func (c *pipeController) Start(ctx context.Context, opts StreamOptions) (io.ReadWriteCloser, VideoMetadata, error) {
	calls := atomic.AddInt32(&c.startCalls, 1)
	if int(calls) <= c.failTimes {
		return nil, VideoMetadata{}, Newf(KindServerLaunchFailed, "Address already in use (attempt %d)", calls)
	}

	r, w := io.Pipe()
	c.w = w

	go func() {
		w.Write(buildHandshake("Pixel 7", 1080, 2400, codecIDH264))
		w.Write(buildPacket(ptsAllOnes, []byte("config")))
		w.Write(buildPacket(ptsKeyframeBit, []byte("idr")))
	}()

	return &pipeConn{PipeReader: r, w: w}, VideoMetadata{DeviceName: "Pixel 7", Width: 1080, Height: 2400, CodecID: codecIDH264}, nil
}

func (c *pipeController) Stop(ctx context.Context) {
	atomic.AddInt32(&c.stopCalls, 1)
	if c.w != nil {
		c.w.Close()
	}
}

// pipeConn adapts an io.PipeReader plus its writer into io.ReadWriteCloser.
type pipeConn struct {
	*io.PipeReader
	w io.WriteCloser
}

func (p *pipeConn) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipeConn) Close() error                { p.w.Close(); return p.PipeReader.Close() }

// S4 — server launch failure: the port-forward retry loop itself lives
// in internal/scrcpy.Controller (see its own tests); here we exercise
// the Supervisor's half of S4 — once Start ultimately fails,
// ServerLaunchFailed is surfaced to the subscribing client and the
// session returns to Idle rather than getting stuck in Starting.
func TestSupervisor_ServerLaunchFailureSurfaced(t *testing.T) {
	ctrl := newPipeController()
	ctrl.failTimes = 1

	sup := NewSupervisor(func(DeviceId) Controller { return ctrl }, nil)

	ctx := context.Background()
	_, _, err := sup.Subscribe(ctx, "device-1", DefaultStreamOptions())
	require.Error(t, err)

	var streamErr *Error
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, KindServerLaunchFailed, streamErr.Kind)
	require.Equal(t, StateIdle, sup.State("device-1"))
}

// S5 — last-leaver teardown: two subscribers attach, both disconnect;
// the session moves Running -> Stopping -> Idle exactly once and a fresh
// Subscribe after that starts a brand new session (new Start call).
func TestSupervisor_LastLeaverTeardown(t *testing.T) {
	ctrl := newPipeController()
	sup := NewSupervisor(func(DeviceId) Controller { return ctrl }, nil)

	ctx := context.Background()
	sub1, _, err := sup.Subscribe(ctx, "device-1", DefaultStreamOptions())
	require.NoError(t, err)
	sub2, _, err := sup.Subscribe(ctx, "device-1", DefaultStreamOptions())
	require.NoError(t, err)
	require.Equal(t, StateRunning, sup.State("device-1"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sup.Unsubscribe("device-1", sub1) }()
	go func() { defer wg.Done(); sup.Unsubscribe("device-1", sub2) }()
	wg.Wait()

	require.Eventually(t, func() bool {
		return sup.State("device-1") == StateIdle
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&ctrl.stopCalls))

	_, _, err = sup.Subscribe(ctx, "device-1", DefaultStreamOptions())
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&ctrl.startCalls))
}

// Restart — a lone viewer changing StreamOptions gets a fresh session
// under the new options without anyone else to disrupt.
func TestSupervisor_RestartSoleSubscriber(t *testing.T) {
	ctrl := newPipeController()
	sup := NewSupervisor(func(DeviceId) Controller { return ctrl }, nil)

	ctx := context.Background()
	sub, _, err := sup.Subscribe(ctx, "device-1", DefaultStreamOptions())
	require.NoError(t, err)

	newOpts := DefaultStreamOptions()
	newOpts.MaxSize = 1280

	newSub, _, err := sup.Restart(ctx, "device-1", sub, newOpts)
	require.NoError(t, err)
	require.NotNil(t, newSub)
	require.Equal(t, StateRunning, sup.State("device-1"))
	require.Equal(t, int32(2), atomic.LoadInt32(&ctrl.startCalls))
	require.Equal(t, int32(1), atomic.LoadInt32(&ctrl.stopCalls))

	sup.Unsubscribe("device-1", newSub)
	require.Eventually(t, func() bool {
		return sup.State("device-1") == StateIdle
	}, time.Second, 10*time.Millisecond)
}

// Restart is rejected with OptionsMismatch, same as a plain Subscribe,
// when another viewer is still attached — it would change the stream
// out from under them.
func TestSupervisor_RestartRejectedWithMultipleSubscribers(t *testing.T) {
	ctrl := newPipeController()
	sup := NewSupervisor(func(DeviceId) Controller { return ctrl }, nil)

	ctx := context.Background()
	sub1, _, err := sup.Subscribe(ctx, "device-1", DefaultStreamOptions())
	require.NoError(t, err)
	_, _, err = sup.Subscribe(ctx, "device-1", DefaultStreamOptions())
	require.NoError(t, err)

	newOpts := DefaultStreamOptions()
	newOpts.MaxSize = 1280

	_, _, err = sup.Restart(ctx, "device-1", sub1, newOpts)
	require.Error(t, err)

	var streamErr *Error
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, KindOptionsMismatch, streamErr.Kind)
	require.Equal(t, int32(1), atomic.LoadInt32(&ctrl.startCalls))
}

// fakeHistory is an in-memory SessionRecorder standing in for
// internal/store.Store, for asserting what the Supervisor records
// without a real sqlite file.
type fakeHistory struct {
	mu     sync.Mutex
	nextID int64
	open   map[int64]string
	closed map[int64]string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{open: make(map[int64]string), closed: make(map[int64]string)}
}

func (f *fakeHistory) RecordSessionStart(deviceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.open[f.nextID] = deviceID
	return f.nextID, nil
}

func (f *fakeHistory) RecordSessionEnd(id int64, closeKind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = closeKind
	return nil
}

// A session's full lifecycle records exactly one open row and closes it
// with the right close-reason kind, for both the last-leaver teardown
// path and the sole-subscriber restart path.
func TestSupervisor_RecordsConnectionHistory(t *testing.T) {
	ctrl := newPipeController()
	history := newFakeHistory()
	sup := NewSupervisor(func(DeviceId) Controller { return ctrl }, history)

	ctx := context.Background()
	sub, _, err := sup.Subscribe(ctx, "device-1", DefaultStreamOptions())
	require.NoError(t, err)

	history.mu.Lock()
	require.Len(t, history.open, 1)
	require.Len(t, history.closed, 0)
	history.mu.Unlock()

	newOpts := DefaultStreamOptions()
	newOpts.MaxSize = 1280
	newSub, _, err := sup.Restart(ctx, "device-1", sub, newOpts)
	require.NoError(t, err)

	history.mu.Lock()
	require.Len(t, history.open, 2)
	require.Equal(t, "restart", history.closed[1])
	history.mu.Unlock()

	sup.Unsubscribe("device-1", newSub)
	require.Eventually(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		return history.closed[2] == "client-disconnect"
	}, time.Second, 10*time.Millisecond)
}
