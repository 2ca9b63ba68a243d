package termio

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Bracketed paste delimiters keep pasted text from being interpreted as
// editor commands by the receiving program.
const (
	bracketedPasteStart = "\x1b[200~"
	bracketedPasteEnd   = "\x1b[201~"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// PasteItemKind discriminates clipboard items.
type PasteItemKind int

const (
	PasteText PasteItemKind = iota
	PasteImage
)

// PasteItem is one clipboard or drag-drop item.
type PasteItem struct {
	Kind  PasteItemKind
	Text  string
	Image []byte // PNG-encoded
}

// Payload is one outbound delivery produced by the encoder. DelayBefore
// spaces consecutive image items so their typed paths do not interleave in
// the receiving shell.
type Payload struct {
	Text        string
	DelayBefore time.Duration
}

// InputEncoder converts keystrokes, composed-text events, and paste payloads
// into an outbound stream. Some input-method/OS combinations emit the
// composed text twice, once as the composition result and once as a key
// event; a short same-text window suppresses the echo without eating
// deliberate retyping.
type InputEncoder struct {
	mu sync.Mutex

	limits Limits
	now    nowFunc

	composing      bool
	composeBuf     string
	lastComposed   string
	lastComposeEnd time.Time
	firstEchoSent  bool
}

// NewInputEncoder creates an encoder for one input session.
func NewInputEncoder(limits Limits) *InputEncoder {
	return &InputEncoder{limits: limits, now: time.Now}
}

// KeyData handles raw keystroke data. It returns the outbound payload and
// whether anything should be sent.
func (e *InputEncoder) KeyData(data string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.composing {
		// Interim data mid-composition never reaches the process; the
		// composition end event carries the real text.
		return "", false
	}
	if e.isDupEchoLocked(data) {
		return "", false
	}
	if data != e.lastComposed {
		// An intervening different event re-arms the window: the same text
		// typed again on purpose must pass.
		e.lastComposed = ""
	}
	return data, true
}

// CompositionStart begins composed (multi-keystroke) text entry.
func (e *InputEncoder) CompositionStart() {
	e.mu.Lock()
	e.composing = true
	e.composeBuf = ""
	e.mu.Unlock()
}

// CompositionUpdate replaces the in-progress composition buffer. Nothing is
// sent until the composition ends.
func (e *InputEncoder) CompositionUpdate(text string) {
	e.mu.Lock()
	if e.composing {
		e.composeBuf = text
	}
	e.mu.Unlock()
}

// CompositionEnd resolves a composition to its final text.
func (e *InputEncoder) CompositionEnd(text string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.composing = false
	e.composeBuf = ""

	if e.isDupEchoLocked(text) {
		return "", false
	}
	e.lastComposed = text
	e.lastComposeEnd = e.now()
	e.firstEchoSent = true
	return text, true
}

// FocusLost resets composition state so a stale buffer cannot echo into the
// stream when focus returns.
func (e *InputEncoder) FocusLost() {
	e.mu.Lock()
	if e.composing {
		e.composing = false
		e.composeBuf = ""
		e.lastComposed = ""
		e.firstEchoSent = false
	}
	e.mu.Unlock()
}

// isDupEchoLocked reports whether text is the duplicate delivery of the last
// composed text inside the dedup window.
func (e *InputEncoder) isDupEchoLocked(text string) bool {
	return e.firstEchoSent &&
		text != "" &&
		text == e.lastComposed &&
		e.now().Sub(e.lastComposeEnd) <= e.limits.ComposeDedupWindow
}

// Paste encodes clipboard or drag-drop items. Text items are wrapped in
// bracketed paste as-is; image items are materialized to a temporary file
// and the quoted path is typed as text. Multiple image items get an
// inter-item delay.
func (e *InputEncoder) Paste(items []PasteItem) ([]Payload, error) {
	var out []Payload
	imagesSeen := 0

	for _, item := range items {
		switch item.Kind {
		case PasteText:
			if item.Text == "" {
				continue
			}
			out = append(out, Payload{Text: bracketedPasteStart + item.Text + bracketedPasteEnd})

		case PasteImage:
			path, err := e.materializeImage(item.Image)
			if err != nil {
				log.Printf("[input] image paste skipped: %v", err)
				continue
			}
			p := Payload{Text: bracketedPasteStart + quotePathForShell(path) + bracketedPasteEnd}
			if imagesSeen > 0 {
				p.DelayBefore = e.limits.PasteItemDelay
			}
			imagesSeen++
			out = append(out, p)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no usable paste items")
	}
	return out, nil
}

// materializeImage validates PNG data and writes it to a temp file whose
// path is typed into the terminal.
func (e *InputEncoder) materializeImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty image data")
	}
	if len(data) > e.limits.ImageMaxBytes {
		return "", fmt.Errorf("image too large: %d bytes (max %d)", len(data), e.limits.ImageMaxBytes)
	}
	if !bytes.HasPrefix(data, pngHeader) {
		return "", fmt.Errorf("invalid image format: expected PNG")
	}

	f, err := os.CreateTemp("", "termdeck-img-*.png")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp image: %w", err)
	}
	return f.Name(), nil
}

// quotePathForShell single-quotes a path for safe injection into a shell
// command line.
func quotePathForShell(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
