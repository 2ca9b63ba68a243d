package proc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stevenwang288/termdeck/internal/backlog"
	"github.com/stevenwang288/termdeck/internal/termio"
)

// Config configures a Controller.
type Config struct {
	// Shell is the command to spawn per session. Empty falls back to $SHELL.
	Shell string
	// ShellArgs are passed to the shell, typically ["-l"].
	ShellArgs []string
	// Store receives every byte the process writes.
	Store *backlog.Store
	// OnRunState is invoked after every run-state change. May be nil.
	OnRunState func(sessionID string, rs termio.RunState)
}

// Controller manages the controlling processes of all sessions. It
// implements termio.ProcessController; output flows into the backlog store,
// from where the session's tailer picks it up.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	procs map[string]*process
}

type process struct {
	pty   *PTY
	state termio.RunState
}

// NewController creates a controller.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:   cfg,
		procs: make(map[string]*process),
	}
}

// Start spawns the shell process for a session. Starting an already-running
// session is a no-op.
func (c *Controller) Start(ctx context.Context, sessionID string, size termio.Geometry) error {
	c.mu.Lock()
	if p, ok := c.procs[sessionID]; ok && p.state == termio.RunStateRunning {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.spawn(sessionID, size)
}

func (c *Controller) spawn(sessionID string, size termio.Geometry) error {
	p, err := SpawnPTY(size.Cols, size.Rows, c.cfg.Shell, c.cfg.ShellArgs...)
	if err != nil {
		return fmt.Errorf("failed to spawn session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	c.procs[sessionID] = &process{pty: p, state: termio.RunStateRunning}
	c.mu.Unlock()

	c.notify(sessionID, termio.RunStateRunning)
	go c.readLoop(sessionID, p)
	return nil
}

// readLoop copies process output into the backlog store until the process
// exits.
func (c *Controller) readLoop(sessionID string, p *PTY) {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.Read(buf)
		if n > 0 && c.cfg.Store != nil {
			if aerr := c.cfg.Store.Append(sessionID, termio.StreamPTY, buf[:n]); aerr != nil {
				log.Printf("[proc] %s: backlog append failed: %v", sessionID, aerr)
			}
		}
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	cur, ok := c.procs[sessionID]
	// A restart may already have replaced this process; only the loop of the
	// current one reports done.
	if ok && cur.pty == p {
		cur.state = termio.RunStateDone
		c.mu.Unlock()
		c.notify(sessionID, termio.RunStateDone)
	} else {
		c.mu.Unlock()
	}
	p.Wait()
}

// SendInput delivers encoded input bytes to the session's process.
func (c *Controller) SendInput(ctx context.Context, sessionID string, data []byte) error {
	c.mu.Lock()
	p, ok := c.procs[sessionID]
	c.mu.Unlock()

	if !ok || p.state != termio.RunStateRunning {
		return fmt.Errorf("session %s: process not running", sessionID)
	}
	if _, err := p.pty.Write(data); err != nil {
		return fmt.Errorf("session %s: pty write failed: %w", sessionID, err)
	}
	return nil
}

// Resize changes the session's terminal size.
func (c *Controller) Resize(sessionID string, geo termio.Geometry) error {
	c.mu.Lock()
	p, ok := c.procs[sessionID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s: no process", sessionID)
	}
	return p.pty.Resize(uint16(geo.Cols), uint16(geo.Rows))
}

// Resync reconciles the session's process with the requested state: a dead
// process is restarted, as is a live one when ForceRestart is set. The
// resulting run-state is returned.
func (c *Controller) Resync(ctx context.Context, sessionID string, opts termio.ResyncOpts) (termio.RunState, error) {
	c.mu.Lock()
	p, ok := c.procs[sessionID]
	running := ok && p.state == termio.RunStateRunning
	c.mu.Unlock()

	if running && !opts.ForceRestart {
		if opts.TermSize.Rows > 0 && opts.TermSize.Cols > 0 {
			if err := c.Resize(sessionID, opts.TermSize); err != nil {
				log.Printf("[proc] %s: resync resize failed: %v", sessionID, err)
			}
		}
		return termio.RunStateRunning, nil
	}

	if running {
		c.stop(sessionID)
	}
	if err := c.spawn(sessionID, opts.TermSize); err != nil {
		return termio.RunStateDone, err
	}
	log.Printf("[proc] %s: restarted (force=%v)", sessionID, opts.ForceRestart)
	return termio.RunStateRunning, nil
}

// Stop kills the session's process.
func (c *Controller) Stop(sessionID string) {
	c.stop(sessionID)
}

func (c *Controller) stop(sessionID string) {
	c.mu.Lock()
	p, ok := c.procs[sessionID]
	if ok {
		delete(c.procs, sessionID)
	}
	c.mu.Unlock()

	if ok {
		p.pty.Close()
		c.notify(sessionID, termio.RunStateDone)
	}
}

// Close stops every process.
func (c *Controller) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.procs))
	for id := range c.procs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.stop(id)
	}
}

// RunState returns the session's current run-state.
func (c *Controller) RunState(sessionID string) termio.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.procs[sessionID]; ok {
		return p.state
	}
	return termio.RunStateInit
}

func (c *Controller) notify(sessionID string, rs termio.RunState) {
	if c.cfg.OnRunState != nil {
		c.cfg.OnRunState(sessionID, rs)
	}
}
