package termio

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// SendQueue delivers encoded input to the controlling process. When the
// process is not running, or a delivery fails, payloads are buffered and a
// restart is requested at a bounded rate; queued payloads coalesce into the
// next attempt rather than retrying one-by-one.
type SendQueue struct {
	mu sync.Mutex

	sessionID string
	limits    Limits
	proc      ProcessController
	termSize  func() Geometry
	ctx       context.Context
	now       nowFunc

	pending []string

	runState        RunState
	lastRestart     time.Time
	restartInFlight bool
}

// NewSendQueue wires the queue to the process controller. termSize supplies
// the current geometry for restart requests; it may be nil.
func NewSendQueue(ctx context.Context, sessionID string, limits Limits, proc ProcessController, termSize func() Geometry) *SendQueue {
	if termSize == nil {
		termSize = func() Geometry { return Geometry{} }
	}
	return &SendQueue{
		sessionID: sessionID,
		limits:    limits,
		proc:      proc,
		termSize:  termSize,
		ctx:       ctx,
		now:       time.Now,
	}
}

// Send delivers a payload, queuing it when the process is not running or
// delivery fails. Failures never loop: the worst case is a queued payload
// and a throttled restart request.
func (q *SendQueue) Send(payload string) {
	if payload == "" {
		return
	}

	q.mu.Lock()
	if q.runState != RunStateRunning {
		q.pending = append(q.pending, payload)
		q.requestRestartLocked()
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	if err := q.proc.SendInput(q.ctx, q.sessionID, []byte(payload)); err != nil {
		log.Printf("[sendq] %s: input delivery failed, queuing: %v", q.sessionID, err)
		q.mu.Lock()
		q.pending = append(q.pending, payload)
		q.requestRestartLocked()
		q.mu.Unlock()
	}
}

// SendPayloads delivers encoder output, honoring inter-item delays.
func (q *SendQueue) SendPayloads(payloads []Payload) {
	for _, p := range payloads {
		if p.DelayBefore > 0 {
			select {
			case <-time.After(p.DelayBefore):
			case <-q.ctx.Done():
				return
			}
		}
		q.Send(p.Text)
	}
}

// SetRunState records a run-state change from the process controller. A
// transition to running flushes the pending queue.
func (q *SendQueue) SetRunState(rs RunState) {
	q.mu.Lock()
	prev := q.runState
	q.runState = rs
	q.mu.Unlock()

	if rs == RunStateRunning && prev != RunStateRunning {
		q.flush()
	}
}

// RunState returns the last observed run-state.
func (q *SendQueue) RunState() RunState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runState
}

// PendingCount returns the number of queued payloads.
func (q *SendQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// flush joins all queued payloads into one delivery attempt. On failure the
// joined payload is prepended, preserving order, and another restart is
// requested instead of looping.
func (q *SendQueue) flush() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	joined := strings.Join(q.pending, "")
	q.pending = nil
	q.mu.Unlock()

	if err := q.proc.SendInput(q.ctx, q.sessionID, []byte(joined)); err != nil {
		log.Printf("[sendq] %s: flush failed, re-queuing %d bytes: %v", q.sessionID, len(joined), err)
		q.mu.Lock()
		q.pending = append([]string{joined}, q.pending...)
		q.requestRestartLocked()
		q.mu.Unlock()
	}
}

// requestRestartLocked asks the controller to restart the process, rate
// limited by the cooldown window and suppressed while a request is already
// in flight. Callers hold q.mu.
func (q *SendQueue) requestRestartLocked() {
	if q.restartInFlight {
		return
	}
	if !q.lastRestart.IsZero() && q.now().Sub(q.lastRestart) < q.limits.RestartCooldown {
		return
	}
	q.restartInFlight = true
	q.lastRestart = q.now()

	go func() {
		rs, err := q.proc.Resync(q.ctx, q.sessionID, ResyncOpts{
			TermSize:     q.termSize(),
			ForceRestart: true,
		})

		q.mu.Lock()
		q.restartInFlight = false
		q.mu.Unlock()

		if err != nil {
			log.Printf("[sendq] %s: restart request failed: %v", q.sessionID, err)
			return
		}
		q.SetRunState(rs)
	}()
}
