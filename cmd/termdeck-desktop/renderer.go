package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/stevenwang288/termdeck/internal/termio"
)

// FrontendRenderer bridges the engine's renderer interface to the xterm.js
// frontend over Wails events. Commands go out as events; the frontend
// reports buffer state and scroll position back through app bindings, and
// the bridge caches the latest report so engine queries never block on the
// webview.
type FrontendRenderer struct {
	mu sync.Mutex

	ctx       context.Context
	sessionID string

	altBuffer  bool
	scrollLine int
	lineCount  int
	selection  string
}

// NewFrontendRenderer creates a renderer bridge for one session.
func NewFrontendRenderer(ctx context.Context, sessionID string) *FrontendRenderer {
	return &FrontendRenderer{
		ctx:       ctx,
		sessionID: sessionID,
	}
}

// Write emits a batch of output bytes to the frontend terminal.
func (r *FrontendRenderer) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.EventsEmit(r.ctx, "terminal:data:"+r.sessionID, base64.StdEncoding.EncodeToString(p))
	return nil
}

// Resize tells the frontend terminal to adopt a new grid size.
func (r *FrontendRenderer) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid resize %dx%d", cols, rows)
	}
	runtime.EventsEmit(r.ctx, "terminal:resize:"+r.sessionID, map[string]int{
		"cols": cols,
		"rows": rows,
	})
	return nil
}

// BufferType returns the buffer the frontend last reported.
func (r *FrontendRenderer) BufferType() termio.BufferType {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.altBuffer {
		return termio.BufferAlternate
	}
	return termio.BufferNormal
}

// RegisterMarker asks the frontend to place a prompt decoration and returns
// a handle that removes it.
func (r *FrontendRenderer) RegisterMarker(lineOffset int) (termio.MarkerHandle, error) {
	id := uuid.New().String()
	runtime.EventsEmit(r.ctx, "terminal:marker:"+r.sessionID, map[string]any{
		"id":     id,
		"offset": lineOffset,
	})
	return &frontendMarker{renderer: r, id: id}, nil
}

// Reset clears the frontend terminal including scrollback.
func (r *FrontendRenderer) Reset() error {
	runtime.EventsEmit(r.ctx, "terminal:reset:"+r.sessionID)
	return nil
}

// ScrollToLine scrolls the frontend viewport to an absolute line.
func (r *FrontendRenderer) ScrollToLine(line int) error {
	runtime.EventsEmit(r.ctx, "terminal:scrollto:"+r.sessionID, line)
	return nil
}

// ScrollToBottom pins the frontend viewport to the bottom.
func (r *FrontendRenderer) ScrollToBottom() error {
	runtime.EventsEmit(r.ctx, "terminal:scrollbottom:"+r.sessionID)
	return nil
}

// ScrollLine returns the top visible line the frontend last reported.
func (r *FrontendRenderer) ScrollLine() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scrollLine
}

// LineCount returns the total line count the frontend last reported.
func (r *FrontendRenderer) LineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lineCount
}

// Selection returns the selection text the frontend last reported.
func (r *FrontendRenderer) Selection() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selection
}

// ReportState caches a frontend state report.
func (r *FrontendRenderer) ReportState(altBuffer bool, scrollLine, lineCount int, selection string) {
	r.mu.Lock()
	r.altBuffer = altBuffer
	r.scrollLine = scrollLine
	r.lineCount = lineCount
	r.selection = selection
	r.mu.Unlock()
}

type frontendMarker struct {
	renderer *FrontendRenderer
	id       string
	once     sync.Once
}

func (m *frontendMarker) Dispose() {
	m.once.Do(func() {
		runtime.EventsEmit(m.renderer.ctx, "terminal:marker:dispose:"+m.renderer.sessionID, m.id)
	})
}
