package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/stevenwang288/termdeck/internal/backlog"
	"github.com/stevenwang288/termdeck/internal/metastore"
	"github.com/stevenwang288/termdeck/internal/proc"
	"github.com/stevenwang288/termdeck/internal/termio"
)

// cacheSnapshotBytes is how much of the backlog tail is snapshotted as the
// cold-start cache when a session closes.
const cacheSnapshotBytes = 256 * 1024

// SessionManager owns every live terminal session: its I/O engine, its
// renderer bridge, and the tailer feeding backlog bytes into it.
type SessionManager struct {
	mu sync.RWMutex

	ctx      context.Context
	limits   termio.Limits
	store    *backlog.Store
	meta     *metastore.Store
	proc     *proc.Controller
	sessions map[string]*managedSession
}

type managedSession struct {
	session  *termio.Session
	renderer *FrontendRenderer
	tailer   *backlog.Tailer
}

// NewSessionManager creates a manager over the shared stores.
func NewSessionManager(limits termio.Limits, store *backlog.Store, meta *metastore.Store) *SessionManager {
	sm := &SessionManager{
		limits:   limits,
		store:    store,
		meta:     meta,
		sessions: make(map[string]*managedSession),
	}
	sm.proc = proc.NewController(proc.Config{
		Store:      store,
		OnRunState: sm.onRunState,
	})
	return sm
}

// SetContext sets the Wails runtime context. Must be called before Start.
func (sm *SessionManager) SetContext(ctx context.Context) {
	sm.mu.Lock()
	sm.ctx = ctx
	sm.mu.Unlock()
}

// Start creates (or returns) the session and spawns its shell process.
func (sm *SessionManager) Start(sessionID string, cols, rows int) error {
	sm.mu.Lock()
	if _, exists := sm.sessions[sessionID]; exists {
		sm.mu.Unlock()
		return sm.proc.Start(context.Background(), sessionID, termio.Geometry{Rows: rows, Cols: cols})
	}
	ctx := sm.ctx
	sm.mu.Unlock()

	if ctx == nil {
		return fmt.Errorf("session manager has no runtime context")
	}

	renderer := NewFrontendRenderer(ctx, sessionID)
	sess, err := termio.NewSession(termio.SessionConfig{
		ID:        sessionID,
		Limits:    sm.limits,
		Renderer:  renderer,
		Backlog:   sm.store,
		Proc:      sm.proc,
		Meta:      sm.meta,
		Clipboard: NewWailsClipboard(ctx),
		Telemetry: NewEventTelemetry(ctx),
	})
	if err != nil {
		return err
	}

	// Replay the cold cache before any live bytes flow.
	if err := sess.LoadInitial(context.Background()); err != nil {
		log.Printf("[manager] %s: initial load failed: %v", sessionID, err)
	}

	tailer := backlog.NewTailer(sessionID, sm.store.StreamPath(sessionID, termio.StreamPTY),
		sess.Ingest,
		func() { sess.Truncate() })
	// Live delivery starts where the replayed history ended, and reflow
	// replays pause it so the overlap is never delivered twice.
	tailer.SetPosition(sess.Pipeline().Offset())
	sess.AttachTail(tailer)
	if err := tailer.Start(); err != nil {
		sess.Close()
		return fmt.Errorf("failed to start tailer: %w", err)
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = &managedSession{
		session:  sess,
		renderer: renderer,
		tailer:   tailer,
	}
	sm.mu.Unlock()

	if err := sm.proc.Start(context.Background(), sessionID, termio.Geometry{Rows: rows, Cols: cols}); err != nil {
		sm.Close(sessionID)
		return err
	}
	sess.HandleResize(termio.Geometry{Rows: rows, Cols: cols}, "start")
	return nil
}

// Get returns a live session, nil if absent.
func (sm *SessionManager) Get(sessionID string) *termio.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if m, ok := sm.sessions[sessionID]; ok {
		return m.session
	}
	return nil
}

// Renderer returns a session's renderer bridge, nil if absent.
func (sm *SessionManager) Renderer(sessionID string) *FrontendRenderer {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if m, ok := sm.sessions[sessionID]; ok {
		return m.renderer
	}
	return nil
}

// Close tears a session down, snapshotting the backlog tail as the next
// cold-start cache.
func (sm *SessionManager) Close(sessionID string) error {
	sm.mu.Lock()
	m, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	m.tailer.Stop()
	sm.proc.Stop(sessionID)
	sm.writeSnapshot(sessionID, m.session)
	m.session.Close()
	return nil
}

// writeSnapshot saves the tail of the backlog with the offset it starts at,
// so the next start replays recent history without the full stream.
func (sm *SessionManager) writeSnapshot(sessionID string, sess *termio.Session) {
	size := sm.store.Size(sessionID, termio.StreamPTY)
	if size == 0 {
		return
	}
	from := size - cacheSnapshotBytes
	if from < 0 {
		from = 0
	}
	data, _, err := sm.store.Fetch(context.Background(), sessionID, termio.StreamPTY, from)
	if err != nil {
		log.Printf("[manager] %s: snapshot fetch failed: %v", sessionID, err)
		return
	}
	err = sm.store.WriteCache(context.Background(), sessionID, data, termio.CacheMeta{
		PtyOffset: from,
		TermSize:  sess.Geometry(),
	})
	if err != nil {
		log.Printf("[manager] %s: snapshot write failed: %v", sessionID, err)
	}
}

// CloseAll tears down every session.
func (sm *SessionManager) CloseAll() {
	sm.mu.RLock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sm.mu.RUnlock()

	for _, id := range ids {
		if err := sm.Close(id); err != nil {
			log.Printf("[manager] close %s: %v", id, err)
		}
	}
	sm.proc.Close()
}

// onRunState forwards process run-state changes to the session engine and
// the frontend.
func (sm *SessionManager) onRunState(sessionID string, rs termio.RunState) {
	if sess := sm.Get(sessionID); sess != nil {
		sess.SetRunState(rs)
	}
	sm.mu.RLock()
	ctx := sm.ctx
	sm.mu.RUnlock()
	if ctx != nil {
		runtime.EventsEmit(ctx, "terminal:runstate:"+sessionID, rs.String())
	}
}
