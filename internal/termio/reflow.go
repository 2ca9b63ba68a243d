package termio

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// StreamPTY is the backlog stream name carrying the raw process output.
const StreamPTY = "pty"

// ReflowController decides, on viewport geometry change, whether to re-fetch
// and replay the full backlog through the write pipeline so line wrapping
// recomputes for the new width. Wrap points are not stored independently of
// width, so a replay is the only correct answer. It is also expensive, so
// the controller suppresses it aggressively.
type ReflowController struct {
	mu sync.Mutex

	sessionID string
	limits    Limits
	renderer  Renderer
	backlog   BacklogStore
	pipeline  *WritePipeline
	tracker   *ShellTracker
	tail      TailControl

	inProgress   bool
	lastGeometry *Geometry
	loadedOnce   bool
}

// NewReflowController wires the controller. tracker may be nil when no shell
// integration is active.
func NewReflowController(sessionID string, limits Limits, renderer Renderer, backlog BacklogStore, pipeline *WritePipeline, tracker *ShellTracker) *ReflowController {
	return &ReflowController{
		sessionID: sessionID,
		limits:    limits,
		renderer:  renderer,
		backlog:   backlog,
		pipeline:  pipeline,
		tracker:   tracker,
	}
}

// SetTail attaches the live stream feed so replays can pause it. Must be
// called before the feed starts delivering.
func (rc *ReflowController) SetTail(tail TailControl) {
	rc.mu.Lock()
	rc.tail = tail
	rc.mu.Unlock()
}

// MarkLoaded records that the initial backlog load has happened, so the
// first geometry-driven reflow restores scroll instead of jumping to bottom.
func (rc *ReflowController) MarkLoaded() {
	rc.mu.Lock()
	rc.loadedOnce = true
	rc.mu.Unlock()
}

// LastGeometry returns the geometry of the last successful reflow, if any.
func (rc *ReflowController) LastGeometry() (Geometry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.lastGeometry == nil {
		return Geometry{}, false
	}
	return *rc.lastGeometry, true
}

// Resize handles a geometry change request. reason tags the trigger for
// diagnostics only. The full-history replay is performed at most once per
// distinct geometry; skips are silent no-ops.
func (rc *ReflowController) Resize(ctx context.Context, geo Geometry, reason string) error {
	if geo.Rows <= 0 || geo.Cols <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", geo.Cols, geo.Rows)
	}

	rc.mu.Lock()
	if rc.inProgress {
		rc.mu.Unlock()
		log.Printf("[reflow] %s: skip (%s): reflow already in progress", rc.sessionID, reason)
		return nil
	}
	if rc.lastGeometry != nil && *rc.lastGeometry == geo {
		rc.mu.Unlock()
		log.Printf("[reflow] %s: skip (%s): geometry unchanged %dx%d", rc.sessionID, reason, geo.Cols, geo.Rows)
		return nil
	}
	rc.inProgress = true
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		rc.inProgress = false
		rc.mu.Unlock()
	}()

	// Full-screen programs own their own redraw; a plain resize suffices.
	if rc.renderer.BufferType() == BufferAlternate {
		log.Printf("[reflow] %s: alt buffer active, resize only (%s)", rc.sessionID, reason)
		return rc.renderer.Resize(geo.Cols, geo.Rows)
	}

	if off := rc.pipeline.Offset(); off > rc.limits.ReflowMaxBytes {
		log.Printf("[reflow] %s: abandoned (%s): offset %d exceeds ceiling %d", rc.sessionID, reason, off, rc.limits.ReflowMaxBytes)
		return rc.renderer.Resize(geo.Cols, geo.Rows)
	}

	if err := rc.replay(ctx, geo, reason); err != nil {
		// Partial reflow: whatever was written is accounted for in the
		// cursor; the stream continues from there.
		log.Printf("[reflow] %s: replay failed (%s): %v", rc.sessionID, reason, err)
		return err
	}

	rc.mu.Lock()
	g := geo
	rc.lastGeometry = &g
	rc.mu.Unlock()
	return nil
}

func (rc *ReflowController) replay(ctx context.Context, geo Geometry, reason string) error {
	scrollLine := rc.renderer.ScrollLine()
	rc.mu.Lock()
	firstLoad := !rc.loadedOnce
	tail := rc.tail
	rc.mu.Unlock()

	// The live feed and the replay both source from the backlog; running
	// them concurrently delivers the overlap twice. Pause the feed for the
	// duration and re-park it past what the replay covered.
	if tail != nil {
		tail.Pause()
		defer tail.Resume()
	}

	if err := rc.renderer.Resize(geo.Cols, geo.Rows); err != nil {
		return fmt.Errorf("pre-reset resize: %w", err)
	}

	data, info, err := rc.backlog.Fetch(ctx, rc.sessionID, StreamPTY, 0)
	if err != nil {
		return fmt.Errorf("backlog fetch: %w", err)
	}
	if info.Size > rc.limits.ReflowMaxBytes {
		log.Printf("[reflow] %s: abandoned (%s): backlog %d exceeds ceiling %d", rc.sessionID, reason, info.Size, rc.limits.ReflowMaxBytes)
		return nil
	}

	if rc.tracker != nil {
		for _, m := range rc.tracker.TakeMarkers() {
			m.Dispose()
		}
	}

	if err := rc.renderer.Reset(); err != nil {
		return fmt.Errorf("renderer reset: %w", err)
	}
	if err := rc.renderer.Resize(geo.Cols, geo.Rows); err != nil {
		return fmt.Errorf("post-reset resize: %w", err)
	}

	// Replay from an absolute offset: the cursor must describe the replayed
	// stream, not the sum of everything ever written.
	rc.pipeline.Truncate()
	rc.pipeline.SetOffset(0)
	rc.pipeline.Enqueue(data)
	if err := rc.pipeline.WaitDrained(ctx); err != nil {
		return fmt.Errorf("replay drain: %w", err)
	}

	// Delta catch-up: bytes appended while the snapshot replayed.
	delta, _, err := rc.backlog.Fetch(ctx, rc.sessionID, StreamPTY, info.Size)
	if err != nil {
		return fmt.Errorf("delta fetch: %w", err)
	}
	if len(delta) > 0 {
		rc.pipeline.Enqueue(delta)
		if err := rc.pipeline.WaitDrained(ctx); err != nil {
			return fmt.Errorf("delta drain: %w", err)
		}
	}
	if tail != nil {
		tail.SetPosition(info.Size + int64(len(delta)))
	}

	rc.restoreScroll(scrollLine, firstLoad)

	rc.mu.Lock()
	rc.loadedOnce = true
	rc.mu.Unlock()

	log.Printf("[reflow] %s: replayed %d bytes (+%d delta) at %dx%d (%s)",
		rc.sessionID, len(data), len(delta), geo.Cols, geo.Rows, reason)
	return nil
}

// restoreScroll puts the viewport back where it was, clamped to the new
// line count; the very first load pins to the bottom instead.
func (rc *ReflowController) restoreScroll(line int, firstLoad bool) {
	if firstLoad {
		if err := rc.renderer.ScrollToBottom(); err != nil {
			log.Printf("[reflow] %s: scroll-to-bottom failed: %v", rc.sessionID, err)
		}
		return
	}
	max := rc.renderer.LineCount() - 1
	if max < 0 {
		max = 0
	}
	if line > max {
		line = max
	}
	if line < 0 {
		line = 0
	}
	if err := rc.renderer.ScrollToLine(line); err != nil {
		log.Printf("[reflow] %s: scroll restore failed: %v", rc.sessionID, err)
	}
}
