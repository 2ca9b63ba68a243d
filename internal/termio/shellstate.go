package termio

import (
	"context"
	"encoding/base64"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
)

// ShellState is the integration readiness of the controlling shell.
type ShellState int

const (
	ShellUnknown ShellState = iota
	ShellReady
	ShellRunning
)

func (s ShellState) String() string {
	switch s {
	case ShellReady:
		return "ready"
	case ShellRunning:
		return "running-command"
	}
	return "unknown"
}

// exitAltScreen leaves the alternate buffer (DECRST 1049).
const exitAltScreen = "\x1b[?1049l"

// ShellTracker consumes decoded shell-integration events and tracks the
// current shell state, last command, last exit code, and prompt markers.
// Each accepted transition bumps a monotonic version so stale out-of-order
// updates arriving via a side channel can be rejected.
type ShellTracker struct {
	mu sync.Mutex

	sessionID string
	limits    Limits
	renderer  Renderer
	pipeline  *WritePipeline
	store     MetaStore
	telemetry Telemetry
	now       nowFunc

	state       ShellState
	version     uint64
	updatedAt   time.Time
	lastCommand string
	lastExit    *int
	inputEmpty  bool
	meta        ShellMetadata
	markers     []MarkerHandle

	// metaQueue holds persistence batches in transition order; a single
	// flusher drains it so an older state document never lands after a
	// newer one.
	metaMu    sync.Mutex
	metaQueue []map[string]any
	metaBusy  bool

	observers []func(ShellState)
}

// NewShellTracker wires a tracker to its collaborators. store and telemetry
// may be nil.
func NewShellTracker(sessionID string, limits Limits, renderer Renderer, pipeline *WritePipeline, store MetaStore, telemetry Telemetry) *ShellTracker {
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &ShellTracker{
		sessionID: sessionID,
		limits:    limits,
		renderer:  renderer,
		pipeline:  pipeline,
		store:     store,
		telemetry: telemetry,
		now:       time.Now,
	}
}

// Observe registers a callback invoked after every state change.
func (st *ShellTracker) Observe(fn func(ShellState)) {
	st.mu.Lock()
	st.observers = append(st.observers, fn)
	st.mu.Unlock()
}

// State returns the current shell state and its version.
func (st *ShellTracker) State() (ShellState, uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state, st.version
}

// LastCommand returns the most recent decoded command line, if any.
func (st *ShellTracker) LastCommand() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastCommand
}

// LastExitCode returns the most recent exit code and whether one was seen.
func (st *ShellTracker) LastExitCode() (int, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastExit == nil {
		return 0, false
	}
	return *st.lastExit, true
}

// InputLineEmpty reports whether the shell last signaled a blank prompt line.
func (st *ShellTracker) InputLineEmpty() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inputEmpty
}

// Handle applies one decoded shell-integration event.
func (st *ShellTracker) Handle(msg ShellMsg) {
	switch m := msg.(type) {
	case SessionReady:
		st.handleReady()
	case CommandStart:
		st.handleCommandStart(m)
	case CommandDone:
		st.handleCommandDone(m)
	case ShellMetadata:
		st.handleMetadata(m)
	case InputEmpty:
		// No state transition; the flag is kept for callers that care
		// whether the prompt line is blank.
		st.mu.Lock()
		st.inputEmpty = true
		st.mu.Unlock()
	case ShellReset:
		st.handleReset()
	}
}

// HandleCwd persists a working-directory change reported on the directory
// channel.
func (st *ShellTracker) HandleCwd(path string) {
	st.deferMeta(map[string]any{"cmd:cwd": path})
}

// ApplyExternal applies a state update arriving via a side channel. Updates
// older than the current version are dropped.
func (st *ShellTracker) ApplyExternal(version uint64, state ShellState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if version <= st.version {
		return false
	}
	st.version = version
	st.state = state
	st.updatedAt = st.now()
	st.notifyLocked(state)
	return true
}

func (st *ShellTracker) handleReady() {
	st.mu.Lock()
	st.state = ShellReady
	st.version++
	st.updatedAt = st.now()
	st.notifyLocked(ShellReady)
	st.mu.Unlock()

	if st.renderer != nil {
		if h, err := st.renderer.RegisterMarker(0); err == nil && h != nil {
			st.mu.Lock()
			st.markers = append(st.markers, h)
			st.mu.Unlock()
		}
	}

	st.deferMeta(map[string]any{"shell:state": st.stateDoc()})
}

func (st *ShellTracker) handleCommandStart(m CommandStart) {
	cmd := st.decodeCommand(m.Cmd64)

	st.mu.Lock()
	st.state = ShellRunning
	st.version++
	st.updatedAt = st.now()
	st.inputEmpty = false
	if cmd != "" {
		st.lastCommand = cmd
	}
	st.notifyLocked(ShellRunning)
	st.mu.Unlock()

	if kind := classifyCommand(cmd); kind != "" {
		st.telemetry.Emit("terminal:command", map[string]any{
			"kind":    kind,
			"session": st.sessionID,
		})
	}

	st.deferMeta(map[string]any{"shell:state": st.stateDoc()})
}

func (st *ShellTracker) handleCommandDone(m CommandDone) {
	st.mu.Lock()
	// Exit code is recorded without changing the ready/running state; the
	// next A or R decides that.
	if m.HasExitCode {
		ec := m.ExitCode
		st.lastExit = &ec
	}
	st.version++
	st.updatedAt = st.now()
	st.mu.Unlock()

	st.deferMeta(map[string]any{"shell:state": st.stateDoc()})
}

func (st *ShellTracker) handleMetadata(m ShellMetadata) {
	st.mu.Lock()
	if m.Shell != "" {
		st.meta.Shell = m.Shell
	}
	if m.Version != "" {
		st.meta.Version = m.Version
	}
	if m.OS != "" {
		st.meta.OS = m.OS
	}
	if m.Integration {
		st.meta.Integration = true
	}
	st.version++
	st.updatedAt = st.now()
	st.mu.Unlock()

	st.deferMeta(map[string]any{"shell:meta": st.metaDoc()})
}

func (st *ShellTracker) handleReset() {
	st.mu.Lock()
	st.state = ShellUnknown
	st.version++
	st.updatedAt = st.now()
	st.inputEmpty = false
	st.notifyLocked(ShellUnknown)
	st.mu.Unlock()

	// A reset while a full-screen program still owns the display would leave
	// the renderer stuck in the alternate buffer.
	if st.renderer != nil && st.renderer.BufferType() == BufferAlternate {
		if st.pipeline != nil {
			st.pipeline.Enqueue([]byte(exitAltScreen))
		}
	}

	st.deferMeta(map[string]any{"shell:state": st.stateDoc()})
}

// TakeMarkers returns the registered prompt markers and clears the list;
// the reflow controller disposes them before a full replay.
func (st *ShellTracker) TakeMarkers() []MarkerHandle {
	st.mu.Lock()
	defer st.mu.Unlock()
	m := st.markers
	st.markers = nil
	return m
}

func (st *ShellTracker) notifyLocked(s ShellState) {
	for _, fn := range st.observers {
		fn(s)
	}
}

// decodeCommand decodes the optional base64 command string from a
// command-start event, rejecting oversize payloads by estimate before
// decoding.
func (st *ShellTracker) decodeCommand(cmd64 string) string {
	if cmd64 == "" {
		return ""
	}
	if (len(cmd64)*3+3)/4 > st.limits.CommandMaxBytes {
		log.Printf("[shell] %s: command payload too large (%d b64 chars), dropped", st.sessionID, len(cmd64))
		return ""
	}
	cmd, err := base64.StdEncoding.DecodeString(cmd64)
	if err != nil {
		log.Printf("[shell] %s: command base64 decode failed: %v", st.sessionID, err)
		return ""
	}
	return string(cmd)
}

// stateDoc builds the persisted shell-state document.
func (st *ShellTracker) stateDoc() string {
	st.mu.Lock()
	defer st.mu.Unlock()

	doc := "{}"
	doc, _ = sjson.Set(doc, "state", st.state.String())
	doc, _ = sjson.Set(doc, "version", st.version)
	doc, _ = sjson.Set(doc, "ts", st.updatedAt.UnixMilli())
	if st.lastCommand != "" {
		doc, _ = sjson.Set(doc, "lastcmd", st.lastCommand)
	}
	if st.lastExit != nil {
		doc, _ = sjson.Set(doc, "exitcode", *st.lastExit)
	}
	return doc
}

// metaDoc builds the persisted shell-metadata document.
func (st *ShellTracker) metaDoc() string {
	st.mu.Lock()
	defer st.mu.Unlock()

	doc := "{}"
	doc, _ = sjson.Set(doc, "shell", st.meta.Shell)
	doc, _ = sjson.Set(doc, "version", st.meta.Version)
	doc, _ = sjson.Set(doc, "os", st.meta.OS)
	doc, _ = sjson.Set(doc, "integration", st.meta.Integration)
	return doc
}

// deferMeta hands the batched key-value update to the store on a zero-delay
// async hop so persistence never blocks the synchronous decode path. One
// SetMeta call per transition.
func (st *ShellTracker) deferMeta(kv map[string]any) {
	if st.store == nil {
		return
	}
	st.metaMu.Lock()
	st.metaQueue = append(st.metaQueue, kv)
	if st.metaBusy {
		st.metaMu.Unlock()
		return
	}
	st.metaBusy = true
	st.metaMu.Unlock()

	go st.flushMeta()
}

func (st *ShellTracker) flushMeta() {
	for {
		st.metaMu.Lock()
		if len(st.metaQueue) == 0 {
			st.metaBusy = false
			st.metaMu.Unlock()
			return
		}
		kv := st.metaQueue[0]
		st.metaQueue = st.metaQueue[1:]
		st.metaMu.Unlock()

		if err := st.store.SetMeta(context.Background(), st.sessionID, kv); err != nil {
			log.Printf("[shell] %s: meta persist failed: %v", st.sessionID, err)
		}
	}
}

// classifyCommand tags command lines the telemetry collaborator cares
// about: remote logins, interactive editors, and follow-mode log tailing.
func classifyCommand(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	bin := fields[0]
	if i := strings.LastIndexByte(bin, '/'); i >= 0 {
		bin = bin[i+1:]
	}

	switch bin {
	case "ssh", "mosh", "telnet":
		return "remote-login"
	case "vim", "vi", "nvim", "nano", "emacs", "hx":
		return "editor"
	case "tail", "journalctl":
		for _, f := range fields[1:] {
			if f == "-f" || f == "-F" || f == "--follow" || strings.HasPrefix(f, "-f") {
				return "follow-log"
			}
		}
	}
	return ""
}
