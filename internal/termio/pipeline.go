package termio

import (
	"context"
	"log"
	"sync"
	"time"
)

// compactAfterTakes bounds how far the queue head may walk before storage is
// compacted, so a long-lived queue does not pin drained chunks.
const compactAfterTakes = 64

// WritePipeline receives raw byte chunks from the live stream or a backlog
// replay, batches them, and commits them to the renderer in bounded-size
// writes. Enqueue never blocks; a single drain goroutine does the work,
// guarded by a running flag and a generation counter so a truncate can stop
// an in-flight loop cleanly.
//
// The byte-offset cursor reflects exactly the bytes committed to the
// renderer, never bytes merely enqueued. It only moves backwards on an
// explicit SetOffset.
type WritePipeline struct {
	mu sync.Mutex

	sessionID string
	renderer  Renderer
	limits    Limits
	ctx       context.Context

	queue       [][]byte
	head        int
	queuedBytes int64
	takes       int

	offset          int64
	sinceCheckpoint int64
	lastUpdate      time.Time

	generation uint64
	draining   bool

	altBuffer    bool
	lastAltCheck time.Time

	waiters []chan struct{}
}

// NewWritePipeline creates a pipeline bound to a renderer. ctx scopes all
// renderer writes and is usually the session context.
func NewWritePipeline(ctx context.Context, sessionID string, limits Limits, renderer Renderer) *WritePipeline {
	return &WritePipeline{
		sessionID: sessionID,
		renderer:  renderer,
		limits:    limits,
		ctx:       ctx,
	}
}

// Enqueue appends a chunk and starts the drain loop if idle. It copies the
// chunk and returns immediately.
func (wp *WritePipeline) Enqueue(p []byte) {
	if len(p) == 0 {
		return
	}
	c := make([]byte, len(p))
	copy(c, p)

	wp.mu.Lock()
	wp.queue = append(wp.queue, c)
	wp.queuedBytes += int64(len(c))
	start := !wp.draining
	if start {
		wp.draining = true
	}
	gen := wp.generation
	wp.mu.Unlock()

	if start {
		go wp.drain(gen)
	}
}

// Truncate invalidates all pending work: the queue is cleared and the
// generation bumped so any in-flight drain iteration exits without side
// effects. The offset cursor is left for the caller to reset explicitly.
func (wp *WritePipeline) Truncate() {
	wp.mu.Lock()
	wp.generation++
	wp.queue = nil
	wp.head = 0
	wp.queuedBytes = 0
	wp.takes = 0
	wp.notifyWaitersLocked()
	wp.mu.Unlock()
}

// SetOffset resets the cursor to an absolute offset. Used on truncation and
// when replaying from a cold cache whose bytes start mid-stream.
func (wp *WritePipeline) SetOffset(abs int64) {
	wp.mu.Lock()
	wp.offset = abs
	wp.sinceCheckpoint = 0
	wp.lastUpdate = time.Now()
	wp.mu.Unlock()
}

// Offset returns the committed byte offset.
func (wp *WritePipeline) Offset() int64 {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.offset
}

// BytesSinceCheckpoint returns the bytes committed since the last SetOffset.
func (wp *WritePipeline) BytesSinceCheckpoint() int64 {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.sinceCheckpoint
}

// AltBuffer reports the renderer buffer flag as of the last recompute.
func (wp *WritePipeline) AltBuffer() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.altBuffer
}

// Pending returns the byte count queued but not yet committed.
func (wp *WritePipeline) Pending() int64 {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.queuedBytes
}

// WaitDrained blocks until the queue is empty and no drain is running, or
// ctx expires. The reflow controller uses it to sequence replay, delta
// catch-up, and scroll restore.
func (wp *WritePipeline) WaitDrained(ctx context.Context) error {
	for {
		wp.mu.Lock()
		if wp.queuedBytes == 0 && !wp.draining {
			wp.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		wp.waiters = append(wp.waiters, ch)
		wp.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain writes batches until the queue is exhausted, the generation changes,
// or a write fails. Exactly one drain runs at a time.
func (wp *WritePipeline) drain(gen uint64) {
	for {
		batch := wp.takeBatch(gen)
		if batch == nil {
			break
		}
		if err := wp.renderer.Write(wp.ctx, batch); err != nil {
			// Abort without the restart check: the loop becomes eligible to
			// run again on the next Enqueue, never in a tight retry.
			log.Printf("[pipeline] %s: renderer write failed, stopping drain: %v", wp.sessionID, err)
			wp.abortDrain()
			wp.recomputeAlt(true)
			return
		}
		if !wp.commit(gen, int64(len(batch))) {
			// Truncated mid-write; the stale bytes are the renderer reset's
			// problem, not the cursor's.
			break
		}
		wp.recomputeAlt(false)
	}
	wp.finishDrain(gen)
	wp.recomputeAlt(true)
}

// takeBatch pops chunks from the queue head until the queue is exhausted or
// the batch ceiling is reached. Multiple chunks are coalesced into one
// contiguous buffer only when more than one is taken; a single chunk larger
// than the ceiling passes through whole.
func (wp *WritePipeline) takeBatch(gen uint64) []byte {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.generation != gen || wp.head >= len(wp.queue) {
		return nil
	}

	first := wp.head
	total := len(wp.queue[first])
	n := 1
	for wp.head+n < len(wp.queue) {
		next := len(wp.queue[wp.head+n])
		if total+next > wp.limits.WriteBatchBytes {
			break
		}
		total += next
		n++
	}

	var batch []byte
	if n == 1 {
		batch = wp.queue[first]
	} else {
		batch = make([]byte, 0, total)
		for i := 0; i < n; i++ {
			batch = append(batch, wp.queue[first+i]...)
		}
	}

	for i := 0; i < n; i++ {
		wp.queue[first+i] = nil
	}
	wp.head += n
	wp.queuedBytes -= int64(total)
	wp.takes += n
	if wp.head >= len(wp.queue) || wp.takes >= compactAfterTakes {
		wp.compactLocked()
	}
	return batch
}

// compactLocked resets the head index and drops drained storage.
func (wp *WritePipeline) compactLocked() {
	if wp.head == 0 {
		return
	}
	remaining := len(wp.queue) - wp.head
	if remaining == 0 {
		wp.queue = nil
	} else {
		fresh := make([][]byte, remaining)
		copy(fresh, wp.queue[wp.head:])
		wp.queue = fresh
	}
	wp.head = 0
	wp.takes = 0
}

// commit advances the cursor for a batch actually written. A generation
// mismatch means a truncate landed mid-write; the cursor is left alone.
func (wp *WritePipeline) commit(gen uint64, n int64) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.generation != gen {
		return false
	}
	wp.offset += n
	wp.sinceCheckpoint += n
	wp.lastUpdate = time.Now()
	return true
}

// finishDrain clears the running flag, restarting immediately if work
// arrived after the last takeBatch came up empty. The restart picks up the
// current generation, so chunks enqueued right after a truncate are not
// stranded behind the stale loop.
func (wp *WritePipeline) finishDrain(gen uint64) {
	wp.mu.Lock()
	if wp.head < len(wp.queue) {
		nextGen := wp.generation
		wp.mu.Unlock()
		go wp.drain(nextGen)
		return
	}
	wp.draining = false
	wp.notifyWaitersLocked()
	wp.mu.Unlock()
}

// abortDrain drops the running flag without restarting.
func (wp *WritePipeline) abortDrain() {
	wp.mu.Lock()
	wp.draining = false
	wp.notifyWaitersLocked()
	wp.mu.Unlock()
}

func (wp *WritePipeline) notifyWaitersLocked() {
	if wp.queuedBytes != 0 || wp.draining {
		return
	}
	for _, ch := range wp.waiters {
		close(ch)
	}
	wp.waiters = nil
}

// recomputeAlt refreshes the alternate-buffer flag from the renderer,
// throttled except when forced at loop end.
func (wp *WritePipeline) recomputeAlt(force bool) {
	wp.mu.Lock()
	if !force && time.Since(wp.lastAltCheck) < wp.limits.AltCheckInterval {
		wp.mu.Unlock()
		return
	}
	wp.lastAltCheck = time.Now()
	wp.mu.Unlock()

	alt := wp.renderer.BufferType() == BufferAlternate

	wp.mu.Lock()
	wp.altBuffer = alt
	wp.mu.Unlock()
}
