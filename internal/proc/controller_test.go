package proc

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stevenwang288/termdeck/internal/backlog"
	"github.com/stevenwang288/termdeck/internal/termio"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []termio.RunState
	ch     chan termio.RunState
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan termio.RunState, 16)}
}

func (r *stateRecorder) record(sessionID string, rs termio.RunState) {
	r.mu.Lock()
	r.states = append(r.states, rs)
	r.mu.Unlock()
	select {
	case r.ch <- rs:
	default:
	}
}

func (r *stateRecorder) waitFor(t *testing.T, want termio.RunState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case rs := <-r.ch:
			if rs == want {
				return
			}
		case <-deadline:
			t.Fatalf("run-state %v never observed", want)
		}
	}
}

func newTestController(t *testing.T, shell string, args ...string) (*Controller, *backlog.Store, *stateRecorder) {
	t.Helper()
	store, err := backlog.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	rec := newStateRecorder()
	c := NewController(Config{
		Shell:      shell,
		ShellArgs:  args,
		Store:      store,
		OnRunState: rec.record,
	})
	t.Cleanup(c.Close)
	return c, store, rec
}

func waitForOutput(t *testing.T, store *backlog.Store, sessionID string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _, err := store.Fetch(context.Background(), sessionID, termio.StreamPTY, 0)
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(data, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("output %q never appeared, have %q", want, data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControllerCapturesOutput(t *testing.T) {
	c, store, rec := newTestController(t, "/bin/sh", "-c", "echo termdeck-ping")

	err := c.Start(context.Background(), "sess-1", termio.Geometry{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFor(t, termio.RunStateRunning)

	waitForOutput(t, store, "sess-1", []byte("termdeck-ping"))
	rec.waitFor(t, termio.RunStateDone)

	if rs := c.RunState("sess-1"); rs != termio.RunStateDone {
		t.Errorf("run-state = %v, want done", rs)
	}
}

func TestControllerSendInput(t *testing.T) {
	c, store, rec := newTestController(t, "/bin/cat")

	err := c.Start(context.Background(), "sess-1", termio.Geometry{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFor(t, termio.RunStateRunning)

	if err := c.SendInput(context.Background(), "sess-1", []byte("round-trip\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	waitForOutput(t, store, "sess-1", []byte("round-trip"))
}

func TestControllerSendInputNotRunning(t *testing.T) {
	c, _, _ := newTestController(t, "/bin/cat")

	if err := c.SendInput(context.Background(), "nope", []byte("x")); err == nil {
		t.Error("SendInput to unknown session succeeded")
	}
}

func TestControllerResyncRestartsDeadProcess(t *testing.T) {
	c, _, rec := newTestController(t, "/bin/sh", "-c", "exit 0")

	err := c.Start(context.Background(), "sess-1", termio.Geometry{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFor(t, termio.RunStateDone)

	rs, err := c.Resync(context.Background(), "sess-1", termio.ResyncOpts{
		TermSize: termio.Geometry{Rows: 24, Cols: 80},
	})
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if rs != termio.RunStateRunning {
		t.Errorf("resync state = %v, want running", rs)
	}
}

func TestControllerResyncNoopWhileRunning(t *testing.T) {
	c, _, rec := newTestController(t, "/bin/cat")

	err := c.Start(context.Background(), "sess-1", termio.Geometry{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFor(t, termio.RunStateRunning)

	rs, err := c.Resync(context.Background(), "sess-1", termio.ResyncOpts{
		TermSize: termio.Geometry{Rows: 30, Cols: 100},
	})
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if rs != termio.RunStateRunning {
		t.Errorf("resync state = %v", rs)
	}

	rec.mu.Lock()
	restarts := 0
	for _, s := range rec.states {
		if s == termio.RunStateRunning {
			restarts++
		}
	}
	rec.mu.Unlock()
	if restarts != 1 {
		t.Errorf("running transitions = %d, want 1 (no restart without force)", restarts)
	}
}

func TestControllerStop(t *testing.T) {
	c, _, rec := newTestController(t, "/bin/cat")

	err := c.Start(context.Background(), "sess-1", termio.Geometry{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFor(t, termio.RunStateRunning)

	c.Stop("sess-1")
	rec.waitFor(t, termio.RunStateDone)
	if rs := c.RunState("sess-1"); rs != termio.RunStateInit {
		t.Errorf("run-state after stop = %v, want init (no process)", rs)
	}
}
