package termio

import (
	"context"
	"sync"
	"time"
)

// fakeClock is a settable clock for window/cooldown tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeMarker struct {
	disposed *int
	mu       *sync.Mutex
}

func (m fakeMarker) Dispose() {
	m.mu.Lock()
	*m.disposed++
	m.mu.Unlock()
}

// fakeRenderer records every renderer interaction. gate, when set, blocks
// Write until a token is received, letting tests pile up queue state.
type fakeRenderer struct {
	mu sync.Mutex

	writes     [][]byte
	buffer     BufferType
	resizes    []Geometry
	resets     int
	markers    int
	disposed   int
	scrolledTo []int
	bottoms    int
	scrollLine int
	lineCount  int

	writeErr error
	gate     chan struct{}
	started  chan struct{}
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{lineCount: 100}
}

func (r *fakeRenderer) Write(ctx context.Context, p []byte) error {
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	c := make([]byte, len(p))
	copy(c, p)
	r.writes = append(r.writes, c)
	return nil
}

func (r *fakeRenderer) Resize(cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes = append(r.resizes, Geometry{Rows: rows, Cols: cols})
	return nil
}

func (r *fakeRenderer) BufferType() BufferType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}

func (r *fakeRenderer) setBuffer(b BufferType) {
	r.mu.Lock()
	r.buffer = b
	r.mu.Unlock()
}

func (r *fakeRenderer) RegisterMarker(lineOffset int) (MarkerHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers++
	return fakeMarker{disposed: &r.disposed, mu: &r.mu}, nil
}

func (r *fakeRenderer) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	return nil
}

func (r *fakeRenderer) ScrollToLine(line int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrolledTo = append(r.scrolledTo, line)
	return nil
}

func (r *fakeRenderer) ScrollToBottom() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bottoms++
	return nil
}

func (r *fakeRenderer) ScrollLine() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scrollLine
}

func (r *fakeRenderer) LineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lineCount
}

func (r *fakeRenderer) Selection() string { return "" }

func (r *fakeRenderer) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func (r *fakeRenderer) allBytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for _, w := range r.writes {
		out = append(out, w...)
	}
	return out
}

// fakeBacklog serves a mutable in-memory stream plus a cold cache.
type fakeBacklog struct {
	mu         sync.Mutex
	data       []byte
	cacheData  []byte
	cacheMeta  CacheMeta
	cacheErr   error
	fetchErr   error
	fetchCalls int
}

func (b *fakeBacklog) Fetch(ctx context.Context, sessionID, stream string, fromOffset int64) ([]byte, FileInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchCalls++
	if b.fetchErr != nil {
		return nil, FileInfo{}, b.fetchErr
	}
	if fromOffset > int64(len(b.data)) {
		fromOffset = int64(len(b.data))
	}
	out := make([]byte, len(b.data[fromOffset:]))
	copy(out, b.data[fromOffset:])
	return out, FileInfo{Size: int64(len(b.data))}, nil
}

func (b *fakeBacklog) FetchCache(ctx context.Context, sessionID string) ([]byte, CacheMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cacheErr != nil {
		return nil, CacheMeta{}, b.cacheErr
	}
	return b.cacheData, b.cacheMeta, nil
}

func (b *fakeBacklog) append(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// fakeTail records live-feed control calls from replays.
type fakeTail struct {
	mu       sync.Mutex
	calls    []string
	position int64
}

func (ft *fakeTail) Pause() {
	ft.mu.Lock()
	ft.calls = append(ft.calls, "pause")
	ft.mu.Unlock()
}

func (ft *fakeTail) Resume() {
	ft.mu.Lock()
	ft.calls = append(ft.calls, "resume")
	ft.mu.Unlock()
}

func (ft *fakeTail) SetPosition(offset int64) {
	ft.mu.Lock()
	ft.calls = append(ft.calls, "setpos")
	ft.position = offset
	ft.mu.Unlock()
}

func (ft *fakeTail) sequence() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]string, len(ft.calls))
	copy(out, ft.calls)
	return out
}

// fakeProc records deliveries and restart requests.
type fakeProc struct {
	mu          sync.Mutex
	inputs      []string
	sendErr     error
	resyncs     int
	resyncState RunState
	resyncErr   error
}

func (p *fakeProc) SendInput(ctx context.Context, sessionID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.inputs = append(p.inputs, string(data))
	return nil
}

func (p *fakeProc) Resync(ctx context.Context, sessionID string, opts ResyncOpts) (RunState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resyncs++
	return p.resyncState, p.resyncErr
}

func (p *fakeProc) resyncCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resyncs
}

func (p *fakeProc) sentInputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.inputs))
	copy(out, p.inputs)
	return out
}

func (p *fakeProc) setSendErr(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

// fakeClipboard records clipboard writes.
type fakeClipboard struct {
	mu     sync.Mutex
	texts  []string
	wrote  chan struct{}
	closed bool
}

func newFakeClipboard() *fakeClipboard {
	return &fakeClipboard{wrote: make(chan struct{}, 16)}
}

func (c *fakeClipboard) WriteText(ctx context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeClipboard) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func (c *fakeClipboard) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) == 0 {
		return ""
	}
	return c.texts[len(c.texts)-1]
}

// fakeMeta records SetMeta batches. gate, when set, blocks SetMeta until
// closed, letting tests pile up pending persistence.
type fakeMeta struct {
	mu      sync.Mutex
	batches []map[string]any
	gate    chan struct{}
}

func (m *fakeMeta) SetMeta(ctx context.Context, sessionID string, meta map[string]any) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, meta)
	return nil
}

// fakeTelemetry records emitted events.
type fakeTelemetry struct {
	mu     sync.Mutex
	events []string
	props  []map[string]any
}

func (t *fakeTelemetry) Emit(event string, props map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
	t.props = append(t.props, props)
}

func (t *fakeTelemetry) kinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, p := range t.props {
		if k, ok := p["kind"].(string); ok {
			out = append(out, k)
		}
	}
	return out
}
