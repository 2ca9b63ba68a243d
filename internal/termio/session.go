package termio

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/bep/debounce"
)

// SessionConfig carries the collaborators a session needs. Renderer,
// Backlog, and Proc are required; the rest may be nil.
type SessionConfig struct {
	ID        string
	Limits    Limits
	Renderer  Renderer
	Backlog   BacklogStore
	Proc      ProcessController
	Meta      MetaStore
	Clipboard Clipboard
	Telemetry Telemetry
}

// Session is the per-session context object owning the whole I/O engine:
// decoder, shell tracker, write pipeline, reflow controller, input encoder,
// and send queue. There is no process-wide state; everything, including the
// resize debounce timer, is scoped here.
type Session struct {
	ID string

	limits   Limits
	renderer Renderer
	backlog  BacklogStore

	decoder  *Decoder
	shell    *ShellTracker
	pipeline *WritePipeline
	reflow   *ReflowController
	encoder  *InputEncoder
	sendq    *SendQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	geometry Geometry
	loaded   bool

	debounced func(func())

	// ingestMu serializes Ingest so decoder state and byte ordering stay
	// consistent when the producer delivers from multiple goroutines.
	ingestMu sync.Mutex
}

// NewSession builds and wires a session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("session id required")
	}
	if cfg.Renderer == nil || cfg.Backlog == nil || cfg.Proc == nil {
		return nil, fmt.Errorf("session %s: renderer, backlog, and proc are required", cfg.ID)
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:        cfg.ID,
		limits:    cfg.Limits,
		renderer:  cfg.Renderer,
		backlog:   cfg.Backlog,
		ctx:       ctx,
		cancel:    cancel,
		debounced: debounce.New(cfg.Limits.ResizeDebounce),
	}

	s.pipeline = NewWritePipeline(ctx, cfg.ID, cfg.Limits, cfg.Renderer)
	s.shell = NewShellTracker(cfg.ID, cfg.Limits, cfg.Renderer, s.pipeline, cfg.Meta, cfg.Telemetry)
	s.decoder = NewDecoder(cfg.ID, cfg.Limits, cfg.Clipboard, s.shell.Handle, s.shell.HandleCwd)
	s.reflow = NewReflowController(cfg.ID, cfg.Limits, cfg.Renderer, cfg.Backlog, s.pipeline, s.shell)
	s.encoder = NewInputEncoder(cfg.Limits)
	s.sendq = NewSendQueue(ctx, cfg.ID, cfg.Limits, cfg.Proc, s.Geometry)

	return s, nil
}

// Shell exposes the shell tracker for observers.
func (s *Session) Shell() *ShellTracker { return s.shell }

// AttachTail hands the live stream feed to the reflow controller so replays
// pause it instead of racing it. Call before the feed starts.
func (s *Session) AttachTail(tail TailControl) {
	s.reflow.SetTail(tail)
}

// Pipeline exposes the write pipeline, mainly for diagnostics.
func (s *Session) Pipeline() *WritePipeline { return s.pipeline }

// Geometry returns the last applied grid size.
func (s *Session) Geometry() Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geometry
}

// LoadInitial replays the session's cold-start cache, if any, and activates
// protocol decoding. Until this runs, control channels in replayed bytes are
// accepted and discarded.
func (s *Session) LoadInitial(ctx context.Context) error {
	data, meta, err := s.backlog.FetchCache(ctx, s.ID)
	if err != nil {
		log.Printf("[session] %s: no cold cache: %v", s.ID, err)
	} else if len(data) > 0 {
		if meta.TermSize.Rows > 0 && meta.TermSize.Cols > 0 {
			if rerr := s.renderer.Resize(meta.TermSize.Cols, meta.TermSize.Rows); rerr != nil {
				log.Printf("[session] %s: cache resize failed: %v", s.ID, rerr)
			}
			s.mu.Lock()
			s.geometry = meta.TermSize
			s.mu.Unlock()
		}
		s.pipeline.SetOffset(meta.PtyOffset)
		s.pipeline.Enqueue(data)
		if derr := s.pipeline.WaitDrained(ctx); derr != nil {
			return fmt.Errorf("cache replay: %w", derr)
		}
		if serr := s.renderer.ScrollToBottom(); serr != nil {
			log.Printf("[session] %s: initial scroll failed: %v", s.ID, serr)
		}
	}

	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	s.decoder.SetLoaded()
	s.reflow.MarkLoaded()
	return nil
}

// Ingest feeds a raw output chunk through the decoder; literal bytes go to
// the write pipeline, protocol events to the shell tracker. Decode and
// enqueue stay inside the same critical section so bytes reach the pipeline
// in arrival order even with multiple producers.
func (s *Session) Ingest(chunk []byte) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	literal := s.decoder.Feed(chunk)
	if len(literal) > 0 {
		s.pipeline.Enqueue(literal)
	}
}

// HandleResize records new geometry, debounces, and routes the change
// through the reflow controller.
func (s *Session) HandleResize(geo Geometry, reason string) {
	s.mu.Lock()
	s.geometry = geo
	s.mu.Unlock()

	s.debounced(func() {
		if err := s.reflow.Resize(s.ctx, geo, reason); err != nil {
			log.Printf("[session] %s: resize (%s) failed: %v", s.ID, reason, err)
		}
	})
}

// SetRunState forwards a process run-state change to the send queue.
func (s *Session) SetRunState(rs RunState) {
	s.sendq.SetRunState(rs)
}

// SendKeyData encodes and delivers raw keystroke data.
func (s *Session) SendKeyData(data string) {
	if payload, ok := s.encoder.KeyData(data); ok {
		s.sendq.Send(payload)
	}
}

// CompositionStart begins composed text entry.
func (s *Session) CompositionStart() { s.encoder.CompositionStart() }

// CompositionUpdate updates the composition buffer.
func (s *Session) CompositionUpdate(text string) { s.encoder.CompositionUpdate(text) }

// CompositionEnd resolves composed text and delivers it if not a duplicate
// echo.
func (s *Session) CompositionEnd(text string) {
	if payload, ok := s.encoder.CompositionEnd(text); ok {
		s.sendq.Send(payload)
	}
}

// FocusLost resets any in-flight composition.
func (s *Session) FocusLost() { s.encoder.FocusLost() }

// Paste encodes clipboard items and delivers them in order.
func (s *Session) Paste(items []PasteItem) error {
	payloads, err := s.encoder.Paste(items)
	if err != nil {
		return err
	}
	// Delays between image items run off the caller's path.
	go s.sendq.SendPayloads(payloads)
	return nil
}

// Truncate clears pending output and resets the cursor, e.g. when the
// backlog file was truncated out from under the session.
func (s *Session) Truncate() {
	s.pipeline.Truncate()
	s.pipeline.SetOffset(0)
}

// Close cancels the session context. Queued work stops at the next
// suspension point.
func (s *Session) Close() {
	s.cancel()
}
