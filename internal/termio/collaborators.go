package termio

import (
	"context"
	"time"
)

// BufferType identifies which screen buffer the renderer is currently showing.
type BufferType int

const (
	BufferNormal BufferType = iota
	BufferAlternate
)

// Geometry is a terminal grid size.
type Geometry struct {
	Rows int
	Cols int
}

// MarkerHandle is a renderer-owned position handle for a prompt decoration.
type MarkerHandle interface {
	Dispose()
}

// Renderer is the terminal rendering surface. The engine never draws glyphs
// itself; it commits byte batches and issues geometry/scroll commands.
type Renderer interface {
	// Write commits a batch of raw bytes. It returns once the renderer has
	// consumed the batch.
	Write(ctx context.Context, p []byte) error
	Resize(cols, rows int) error
	BufferType() BufferType
	// RegisterMarker registers a decoration at the given line offset from the
	// current cursor line.
	RegisterMarker(lineOffset int) (MarkerHandle, error)
	// Reset clears the screen and scrollback storage.
	Reset() error
	ScrollToLine(line int) error
	ScrollToBottom() error
	// ScrollLine reports the current top visible line, LineCount the total
	// number of lines including scrollback (used to clamp scroll restore).
	ScrollLine() int
	LineCount() int
	// Selection returns the current selection text, empty if none.
	Selection() string
}

// FileInfo describes a backlog stream file at fetch time.
type FileInfo struct {
	Size int64
}

// CacheMeta is the sidecar metadata of a session's cold-start cache stream.
type CacheMeta struct {
	PtyOffset int64    `toml:"pty_offset"`
	TermSize  Geometry `toml:"term_size"`
}

// BacklogStore is the persisted historical byte stream for a session.
type BacklogStore interface {
	Fetch(ctx context.Context, sessionID, stream string, fromOffset int64) ([]byte, FileInfo, error)
	FetchCache(ctx context.Context, sessionID string) ([]byte, CacheMeta, error)
}

// TailControl is the live stream feed into the session. A replay must pause
// it before rewriting the renderer, then park its cursor past the bytes the
// replay already covered, or the feed re-delivers them.
type TailControl interface {
	Pause()
	Resume()
	SetPosition(offset int64)
}

// RunState is the controlling process run-state as reported by the
// process-control channel.
type RunState int

const (
	RunStateInit RunState = iota
	RunStateRunning
	RunStateDone
)

func (rs RunState) String() string {
	switch rs {
	case RunStateInit:
		return "init"
	case RunStateRunning:
		return "running"
	case RunStateDone:
		return "done"
	}
	return "unknown"
}

// ResyncOpts controls a process resync request.
type ResyncOpts struct {
	TermSize     Geometry
	ForceRestart bool
}

// ProcessController is the channel to the controlling shell process.
type ProcessController interface {
	SendInput(ctx context.Context, sessionID string, data []byte) error
	Resync(ctx context.Context, sessionID string, opts ResyncOpts) (RunState, error)
}

// MetaStore persists per-session key-value metadata.
type MetaStore interface {
	SetMeta(ctx context.Context, sessionID string, meta map[string]any) error
}

// Clipboard receives text decoded from the clipboard-bridge channel.
// Delivery is fire-and-forget; errors never propagate into the data path.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
}

// Telemetry is a fire-and-forget event emitter.
type Telemetry interface {
	Emit(event string, props map[string]any)
}

// nopTelemetry is used when no telemetry collaborator is configured.
type nopTelemetry struct{}

func (nopTelemetry) Emit(string, map[string]any) {}

// nowFunc lets tests pin the clock.
type nowFunc func() time.Time
