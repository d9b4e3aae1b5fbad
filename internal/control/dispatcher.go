// Package control serializes device control actions (tap, swipe, key,
// text, app-launch) onto one worker goroutine per device, so requests
// stay responsive while guaranteeing at most one in-flight ADB shell per
// device — spec.md's redesign of the source's fire-and-forget subprocess
// launches (§9). Grounded on the teacher's ADBClient.SendTap/SendSwipe/
// SendText/SendKey/OpenApp, generalized from direct synchronous calls to
// a queued per-device worker, and on service.ActionDispatcher's
// queue-based dispatch pattern for the worker-loop shape itself.
package control

import (
	"context"
	"fmt"
	"sync"

	"androidcontrol/internal/adbexec"
)

// Action is one control request to be serialized behind a device's
// worker.
type Action struct {
	Kind string // tap, swipe, long-press, input-text, key, scroll, app
	Args map[string]interface{}

	result chan error
}

type worker struct {
	queue chan *Action
	done  chan struct{}
}

// Dispatcher owns one worker per device, created lazily on first use.
type Dispatcher struct {
	adb *adbexec.Executor

	mu      sync.Mutex
	workers map[string]*worker
}

// NewDispatcher builds a Dispatcher backed by the given ADB executor.
func NewDispatcher(adb *adbexec.Executor) *Dispatcher {
	return &Dispatcher{adb: adb, workers: make(map[string]*worker)}
}

func (d *Dispatcher) workerFor(deviceID string) *worker {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[deviceID]
	if ok {
		return w
	}
	w = &worker{queue: make(chan *Action, 32), done: make(chan struct{})}
	d.workers[deviceID] = w
	go d.run(deviceID, w)
	return w
}

func (d *Dispatcher) run(deviceID string, w *worker) {
	for action := range w.queue {
		action.result <- d.execute(deviceID, action)
	}
	close(w.done)
}

// Dispatch enqueues action for deviceID and blocks until it has run. If
// ctx is cancelled before the action is queued, the action is dropped and
// never runs; if ctx is cancelled after it is queued, the action still
// executes but the caller stops waiting.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, action Action) error {
	action.result = make(chan error, 1)
	w := d.workerFor(deviceID)

	select {
	case w.queue <- &action:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-action.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) execute(deviceID string, action *Action) error {
	args, err := buildShellArgs(deviceID, action)
	if err != nil {
		return err
	}
	res, err := d.adb.Execute(context.Background(), args, adbexec.Options{Wait: true})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("adb shell exited %d: %s", res.ExitCode, string(res.Stderr))
	}
	return nil
}

// buildShellArgs translates a control Action into the equivalent
// `adb -s <id> shell input ...` / `adb -s <id> shell monkey ...`
// invocation, grounded on the teacher's SendTap/SendSwipe/SendText/
// SendKey/OpenApp shell command strings.
func buildShellArgs(deviceID string, a *Action) ([]string, error) {
	base := []string{"-s", deviceID, "shell"}

	switch a.Kind {
	case "tap":
		x, y := intArg(a, "x"), intArg(a, "y")
		return append(base, "input", "tap", itoa(x), itoa(y)), nil

	case "swipe":
		x1, y1 := intArg(a, "x1"), intArg(a, "y1")
		x2, y2 := intArg(a, "x2"), intArg(a, "y2")
		duration := intArg(a, "duration_ms")
		return append(base, "input", "swipe", itoa(x1), itoa(y1), itoa(x2), itoa(y2), itoa(duration)), nil

	case "long-press":
		x, y := intArg(a, "x"), intArg(a, "y")
		duration := intArg(a, "duration_ms")
		if duration == 0 {
			duration = 500
		}
		return append(base, "input", "swipe", itoa(x), itoa(y), itoa(x), itoa(y), itoa(duration)), nil

	case "input-text":
		text, _ := a.Args["text"].(string)
		return append(base, "input", "text", shellQuoteForInputText(text)), nil

	case "key":
		keycode := intArg(a, "keycode")
		return append(base, "input", "keyevent", itoa(keycode)), nil

	case "scroll":
		x1, y1 := intArg(a, "x1"), intArg(a, "y1")
		x2, y2 := intArg(a, "x2"), intArg(a, "y2")
		return append(base, "input", "swipe", itoa(x1), itoa(y1), itoa(x2), itoa(y2), "300"), nil

	case "app":
		pkg, _ := a.Args["package"].(string)
		return append(base, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1"), nil

	default:
		return nil, fmt.Errorf("unknown control action %q", a.Kind)
	}
}

func intArg(a *Action, key string) int {
	switch v := a.Args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func itoa(v int) string { return fmt.Sprintf("%d", v) }

// shellQuoteForInputText replaces spaces with %s, matching how `adb shell
// input text` expects whitespace to be escaped.
func shellQuoteForInputText(text string) string {
	out := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			out = append(out, '%', 's')
		} else {
			out = append(out, text[i])
		}
	}
	return string(out)
}
