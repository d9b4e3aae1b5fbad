package stream

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionRecorder is what the Supervisor needs to persist connection
// history. internal/store.Store implements this.
type SessionRecorder interface {
	RecordSessionStart(deviceID string) (int64, error)
	RecordSessionEnd(id int64, closeKind string) error
}

// State is one of the four supervisor states from spec.md §4.4.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Controller is what the Session Supervisor needs from a scrcpy server
// controller: start a session's transport and hand back a readable
// connection plus its handshake metadata, and tear everything down on
// Stop. internal/scrcpy.Controller implements this.
type Controller interface {
	Start(ctx context.Context, opts StreamOptions) (io.ReadWriteCloser, VideoMetadata, error)
	Stop(ctx context.Context)
}

// ControllerFactory builds a fresh Controller for one device. Supervisor
// calls it once per session start, never reusing a stopped Controller —
// this is the "process-scoped registry constructed at startup and
// threaded through component constructors" redesign spec.md §9 asks for,
// replacing the source's module-scope dictionaries.
type ControllerFactory func(DeviceId) Controller

type deviceState struct {
	mu   sync.Mutex
	cond *sync.Cond

	state      State
	generation uint64

	opts       StreamOptions
	meta       VideoMetadata
	bus        *Bus
	controller Controller
	cancel     context.CancelFunc

	startErr  error
	historyID int64
}

func newDeviceState() *deviceState {
	d := &deviceState{state: StateIdle}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Supervisor is the process-wide registry of per-device state machines.
// Exactly one exists per process, constructed explicitly in main and
// threaded into the HTTP/WS layer — never a package-level singleton.
type Supervisor struct {
	newController ControllerFactory
	history       SessionRecorder

	registryMu sync.Mutex
	devices    map[DeviceId]*deviceState

	log *logrus.Entry
}

// NewSupervisor builds a registry backed by the given controller factory.
// history may be nil, in which case connection history is simply not
// recorded (used by tests that have no store.Store to hand).
func NewSupervisor(factory ControllerFactory, history SessionRecorder) *Supervisor {
	return &Supervisor{
		newController: factory,
		history:       history,
		devices:       make(map[DeviceId]*deviceState),
		log:           logrus.WithField("component", "supervisor"),
	}
}

// recordSessionStart opens a connection-history row for a freshly-started
// session, returning its id (0 if history isn't configured or the insert
// failed — a history-write error must never abort a session start).
func (s *Supervisor) recordSessionStart(id DeviceId) int64 {
	if s.history == nil {
		return 0
	}
	historyID, err := s.history.RecordSessionStart(string(id))
	if err != nil {
		s.log.WithError(err).WithField("device", string(id)).Warn("failed to record session start")
		return 0
	}
	return historyID
}

// recordSessionEnd closes historyID's connection-history row, a no-op if
// history isn't configured or the session never got a history row.
func (s *Supervisor) recordSessionEnd(id DeviceId, historyID int64, closeKind string) {
	if s.history == nil || historyID == 0 {
		return
	}
	if err := s.history.RecordSessionEnd(historyID, closeKind); err != nil {
		s.log.WithError(err).WithField("device", string(id)).Warn("failed to record session end")
	}
}

func (s *Supervisor) entry(id DeviceId) *deviceState {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		d = newDeviceState()
		s.devices[id] = d
	}
	return d
}

// Subscribe attaches a new viewer to the device's session, starting one
// if none is running. If a session is already Running with different
// StreamOptions, it fails with OptionsMismatch per spec.md §4.4.
func (s *Supervisor) Subscribe(ctx context.Context, id DeviceId, opts StreamOptions) (*Subscriber, VideoMetadata, error) {
	d := s.entry(id)

	d.mu.Lock()
	for {
		switch d.state {
		case StateIdle:
			d.state = StateStarting
			d.mu.Unlock()
			return s.startSession(ctx, id, d, opts)

		case StateStarting, StateStopping:
			d.cond.Wait()
			continue

		case StateRunning:
			if !d.opts.Equal(opts) {
				d.mu.Unlock()
				return nil, VideoMetadata{}, New(KindOptionsMismatch)
			}
			sub := d.bus.Subscribe()
			meta := d.meta
			d.mu.Unlock()
			return sub, meta, nil
		}
	}
}

// Unsubscribe detaches a viewer. If it was the last subscriber, the
// session is torn down and the device returns to Idle.
func (s *Supervisor) Unsubscribe(id DeviceId, sub *Subscriber) {
	d := s.entry(id)

	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		return
	}
	bus.Unsubscribe(sub)

	if bus.SubscriberCount() > 0 {
		return
	}

	d.mu.Lock()
	if d.state != StateRunning || d.bus != bus {
		d.mu.Unlock()
		return
	}
	d.state = StateStopping
	cancel := d.cancel
	controller := d.controller
	historyID := d.historyID
	d.cond.Broadcast()
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	bus.Close()
	if controller != nil {
		controller.Stop(context.Background())
	}
	s.recordSessionEnd(id, historyID, "client-disconnect")

	d.mu.Lock()
	d.state = StateIdle
	d.bus = nil
	d.controller = nil
	d.cancel = nil
	d.historyID = 0
	d.cond.Broadcast()
	d.mu.Unlock()
}

// startSession runs a scrcpy session from a cold start, assuming the
// caller has already transitioned d.state to StateStarting. Shared by
// Subscribe's StateIdle branch and Restart.
func (s *Supervisor) startSession(ctx context.Context, id DeviceId, d *deviceState, opts StreamOptions) (*Subscriber, VideoMetadata, error) {
	controller := s.newController(id)
	conn, meta, err := controller.Start(ctx, opts)

	d.mu.Lock()
	if err != nil {
		d.startErr = err
		d.state = StateStopping
		d.cond.Broadcast()
		d.mu.Unlock()

		controller.Stop(context.Background())

		d.mu.Lock()
		d.state = StateIdle
		d.cond.Broadcast()
		d.mu.Unlock()
		return nil, VideoMetadata{}, err
	}

	d.opts = opts
	d.meta = meta
	d.bus = NewBus()
	d.controller = controller
	d.generation++
	gen := d.generation
	d.historyID = s.recordSessionStart(id)

	readerCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.state = StateRunning
	d.cond.Broadcast()

	sub := d.bus.Subscribe()
	d.mu.Unlock()

	go s.runCodecReader(id, d, gen, conn, opts, readerCtx)
	return sub, meta, nil
}

// Restart replaces a running session with a fresh one under new
// StreamOptions, but only when sub is the session's sole subscriber —
// this is the in-band "{"type":"config",...}" path spec.md §4.4's Open
// Question resolves: a lone viewer may change StreamOptions without
// waiting for everyone else to disconnect first, since there is no one
// else to disrupt. With any other subscriber present it fails with
// OptionsMismatch, same as Subscribe would.
func (s *Supervisor) Restart(ctx context.Context, id DeviceId, sub *Subscriber, opts StreamOptions) (*Subscriber, VideoMetadata, error) {
	d := s.entry(id)

	d.mu.Lock()
	for d.state == StateStarting || d.state == StateStopping {
		d.cond.Wait()
	}
	if d.state != StateRunning || d.bus == nil || d.bus.SubscriberCount() != 1 {
		d.mu.Unlock()
		return nil, VideoMetadata{}, New(KindOptionsMismatch)
	}
	if d.opts.Equal(opts) {
		existing := d.bus.Subscribe()
		meta := d.meta
		d.mu.Unlock()
		return existing, meta, nil
	}

	bus := d.bus
	cancel := d.cancel
	controller := d.controller
	historyID := d.historyID
	d.state = StateStopping
	d.cond.Broadcast()
	d.mu.Unlock()

	bus.Unsubscribe(sub)
	if cancel != nil {
		cancel()
	}
	bus.Close()
	if controller != nil {
		controller.Stop(context.Background())
	}
	s.recordSessionEnd(id, historyID, "restart")

	d.mu.Lock()
	d.bus = nil
	d.controller = nil
	d.cancel = nil
	d.historyID = 0
	d.state = StateStarting
	d.cond.Broadcast()
	d.mu.Unlock()

	return s.startSession(ctx, id, d, opts)
}

// runCodecReader is the per-session codec-reader task: it loops over
// ReadPacket and publishes to the bus until the connection closes, the
// reader is cancelled, or the codec errors — at which point it tears the
// session down itself (spec.md §4.4's "codec error → Stopping").
func (s *Supervisor) runCodecReader(id DeviceId, d *deviceState, gen uint64, conn io.ReadWriteCloser, opts StreamOptions, ctx context.Context) {
	defer conn.Close()

	codec := NewCodec(conn, opts)
	log := s.log.WithField("device", string(id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := codec.ReadPacket()
		if err != nil {
			log.WithError(err).Warn("codec read failed, tearing down session")
			s.terminateOnCodecError(id, d, gen)
			return
		}

		d.mu.Lock()
		bus := d.bus
		curGen := d.generation
		d.mu.Unlock()
		if bus == nil || curGen != gen {
			return
		}
		bus.Publish(pkt)
	}
}

// terminateOnCodecError moves a Running session straight to Stopping then
// Idle, guarded by the generation counter so a stale reader from an
// already-replaced session cannot tear down the new one.
func (s *Supervisor) terminateOnCodecError(id DeviceId, d *deviceState, gen uint64) {
	d.mu.Lock()
	if d.state != StateRunning || d.generation != gen {
		d.mu.Unlock()
		return
	}
	d.state = StateStopping
	bus := d.bus
	controller := d.controller
	historyID := d.historyID
	d.cond.Broadcast()
	d.mu.Unlock()

	if bus != nil {
		bus.Close()
	}
	if controller != nil {
		controller.Stop(context.Background())
	}
	s.recordSessionEnd(id, historyID, "codec-error")

	d.mu.Lock()
	d.state = StateIdle
	d.bus = nil
	d.controller = nil
	d.cancel = nil
	d.historyID = 0
	d.cond.Broadcast()
	d.mu.Unlock()
}

// State reports the current state of a device, mostly for diagnostics.
func (s *Supervisor) State(id DeviceId) State {
	d := s.entry(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
