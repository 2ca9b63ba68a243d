package backlog

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// tailInterval is the poll period for new stream bytes. Polling beats
// platform file-watch APIs here: the writer appends continuously and the
// interval bounds latency at a fixed, predictable cost.
const tailInterval = 10 * time.Millisecond

// Tailer streams bytes appended to a session stream file into a sink,
// typically the session's ingest path. It detects out-of-band truncation of
// the file and reports it so the consumer can reset its own cursor.
type Tailer struct {
	mu sync.Mutex

	sessionID string
	path      string
	sink      func([]byte)
	onTrunc   func()

	file     *os.File
	position int64
	running  bool
	paused   bool
	stopChan chan struct{}
	done     chan struct{}

	// deliverMu is held across one whole poll, so Pause doubles as a
	// barrier: once it returns, no delivery is in flight.
	deliverMu sync.Mutex

	bytesRead int64
}

// NewTailer creates a tailer for one session stream. onTrunc may be nil.
func NewTailer(sessionID, path string, sink func([]byte), onTrunc func()) *Tailer {
	return &Tailer{
		sessionID: sessionID,
		path:      path,
		sink:      sink,
		onTrunc:   onTrunc,
	}
}

// Start opens the stream file and begins delivering appended bytes.
func (t *Tailer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	// The writer may not have created the file yet.
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(t.path); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	f, err := os.OpenFile(t.path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stream for tailing: %w", err)
	}

	t.file = f
	t.position = 0
	t.bytesRead = 0
	t.running = true
	t.stopChan = make(chan struct{})
	t.done = make(chan struct{})

	go t.tailLoop()
	return nil
}

// Stop halts delivery without removing the file. It returns only after the
// tail loop has exited, so the file handle is safe to close.
func (t *Tailer) Stop() {
	t.mu.Lock()
	running := t.running
	stopChan := t.stopChan
	done := t.done
	t.mu.Unlock()

	if !running {
		return
	}
	close(stopChan)
	<-done

	t.mu.Lock()
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	t.running = false
	t.mu.Unlock()
}

// Pause suspends delivery, e.g. while a reflow replay owns the renderer.
// When Pause returns, any poll that was already reading has delivered and
// no further bytes flow until Resume.
func (t *Tailer) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()

	// Taking deliverMu waits out a poll that already passed the paused
	// check.
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
}

// Resume restarts delivery after a pause.
func (t *Tailer) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
}

// Position returns the read cursor into the stream file.
func (t *Tailer) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// SetPosition moves the read cursor, e.g. to skip bytes already replayed
// from a cold cache.
func (t *Tailer) SetPosition(pos int64) {
	t.mu.Lock()
	t.position = pos
	t.mu.Unlock()
}

func (t *Tailer) tailLoop() {
	defer close(t.done)

	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

	buf := make([]byte, 64*1024)

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.readAndDeliver(buf)
		}
	}
}

func (t *Tailer) readAndDeliver(buf []byte) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	f := t.file
	position := t.position
	paused := t.paused
	t.mu.Unlock()

	if f == nil || paused {
		return
	}

	stat, err := f.Stat()
	if err != nil {
		return
	}
	if stat.Size() < position {
		// The file shrank under us: someone truncated the stream.
		log.Printf("[tailer] %s: stream truncated (%d -> %d), resetting", t.sessionID, position, stat.Size())
		t.mu.Lock()
		t.position = 0
		t.mu.Unlock()
		if t.onTrunc != nil {
			t.onTrunc()
		}
		return
	}
	if stat.Size() == position {
		return
	}

	n, err := f.ReadAt(buf, position)
	if n == 0 {
		return
	}

	t.mu.Lock()
	t.position = position + int64(n)
	t.bytesRead += int64(n)
	t.mu.Unlock()

	chunk := make([]byte, n)
	copy(chunk, buf[:n])
	t.sink(chunk)

	_ = err // io.EOF on a short final read is expected
}
