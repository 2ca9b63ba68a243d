package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/stevenwang288/termdeck/internal/backlog"
	"github.com/stevenwang288/termdeck/internal/metastore"
	"github.com/stevenwang288/termdeck/internal/termio"
)

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

// App holds the application state.
type App struct {
	ctx      context.Context
	limits   termio.Limits
	store    *backlog.Store
	meta     *metastore.Store
	sessions *SessionManager
}

// NewApp creates the application struct and opens the shared stores.
func NewApp() *App {
	dataDir := dataDir()
	limits := termio.LoadLimits(filepath.Join(dataDir, "config.toml"))

	store, err := backlog.NewStore(filepath.Join(dataDir, "backlog"))
	if err != nil {
		log.Fatalf("failed to open backlog store: %v", err)
	}
	meta, err := metastore.Open(context.Background(), filepath.Join(dataDir, "meta.db"))
	if err != nil {
		log.Fatalf("failed to open meta store: %v", err)
	}

	return &App{
		limits:   limits,
		store:    store,
		meta:     meta,
		sessions: NewSessionManager(limits, store, meta),
	}
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termdeck"
	}
	return filepath.Join(home, ".termdeck")
}

// startup is called when the app starts.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.sessions.SetContext(ctx)
}

// shutdown is called when the app is closing.
func (a *App) shutdown(ctx context.Context) {
	a.sessions.CloseAll()
	a.store.Close()
	a.meta.Close()
}

// GetVersion returns the application version.
func (a *App) GetVersion() string {
	return Version
}

// StartSession spawns (or reattaches) a terminal session at the given size.
func (a *App) StartSession(sessionID string, cols, rows int) error {
	return a.sessions.Start(sessionID, cols, rows)
}

// CloseSession tears a session down.
func (a *App) CloseSession(sessionID string) error {
	return a.sessions.Close(sessionID)
}

// ResizeSession routes a viewport geometry change through the reflow
// controller. Bursts are debounced engine-side.
func (a *App) ResizeSession(sessionID string, cols, rows int) error {
	sess := a.sessions.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.HandleResize(termio.Geometry{Rows: rows, Cols: cols}, "frontend")
	return nil
}

// SendKeyData delivers raw keystroke data from the frontend.
func (a *App) SendKeyData(sessionID, data string) error {
	sess := a.sessions.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.SendKeyData(data)
	return nil
}

// CompositionStart signals the frontend IME opened a composition.
func (a *App) CompositionStart(sessionID string) {
	if sess := a.sessions.Get(sessionID); sess != nil {
		sess.CompositionStart()
	}
}

// CompositionUpdate carries interim composition text.
func (a *App) CompositionUpdate(sessionID, text string) {
	if sess := a.sessions.Get(sessionID); sess != nil {
		sess.CompositionUpdate(text)
	}
}

// CompositionEnd resolves the composition to its final text.
func (a *App) CompositionEnd(sessionID, text string) {
	if sess := a.sessions.Get(sessionID); sess != nil {
		sess.CompositionEnd(text)
	}
}

// FocusLost signals the terminal lost input focus.
func (a *App) FocusLost(sessionID string) {
	if sess := a.sessions.Get(sessionID); sess != nil {
		sess.FocusLost()
	}
}

// PasteText types clipboard text into the session under bracketed paste.
func (a *App) PasteText(sessionID, text string) error {
	sess := a.sessions.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return sess.Paste([]termio.PasteItem{{Kind: termio.PasteText, Text: text}})
}

// PasteImages materializes PNG images (base64-encoded) to temp files and
// types their quoted paths into the session.
func (a *App) PasteImages(sessionID string, images []string) error {
	sess := a.sessions.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	items := make([]termio.PasteItem, 0, len(images))
	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return fmt.Errorf("bad image data: %w", err)
		}
		items = append(items, termio.PasteItem{Kind: termio.PasteImage, Image: data})
	}
	return sess.Paste(items)
}

// ReportTerminalState caches the frontend's view of the terminal: active
// buffer, scroll position, line count, and selection. The engine reads the
// cache instead of round-tripping to the webview.
func (a *App) ReportTerminalState(sessionID string, altBuffer bool, scrollLine, lineCount int, selection string) {
	if r := a.sessions.Renderer(sessionID); r != nil {
		r.ReportState(altBuffer, scrollLine, lineCount, selection)
	}
}

// GetShellState returns the session's shell-integration state and version.
func (a *App) GetShellState(sessionID string) (map[string]any, error) {
	sess := a.sessions.Get(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	state, version := sess.Shell().State()
	out := map[string]any{
		"state":   state.String(),
		"version": version,
		"lastcmd": sess.Shell().LastCommand(),
	}
	if ec, ok := sess.Shell().LastExitCode(); ok {
		out["exitcode"] = ec
	}
	return out, nil
}

// GetSessionMeta returns all persisted metadata of a session.
func (a *App) GetSessionMeta(sessionID string) (map[string]string, error) {
	return a.meta.AllMeta(context.Background(), sessionID)
}
