package termio

import (
	"context"
	"encoding/base64"
	"log"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// OSC channel numbers owned by the protocol decoder. Everything else in the
// stream, OSC or not, passes through to the renderer untouched.
const (
	oscDirChange   = 7   // working-directory report, file:// URI payload
	oscClipboard   = 52  // clipboard bridge, "<selector>;<base64>" payload
	oscShellSignal = 133 // shell integration, "<letter>[;<json>]" payload
)

// maxOscBuffer bounds how much of an owned sequence the scanner retains.
// Payloads past the raw clipboard ceiling are rejected anyway, so anything
// beyond this is swallowed without buffering.
const maxOscBuffer = 256 * 1024

// ShellMsg is a decoded shell-integration event, one variant per command
// letter.
type ShellMsg interface{ shellMsg() }

// SessionReady signals the shell prompt is up (letter A).
type SessionReady struct{}

// CommandStart signals a command began executing (letter C). Cmd64 is the
// optional base64-encoded command line.
type CommandStart struct {
	Cmd64 string
}

// ShellMetadata carries shell identification fields (letter M).
type ShellMetadata struct {
	Shell       string
	Version     string
	OS          string
	Integration bool
}

// CommandDone records a command exit (letter D).
type CommandDone struct {
	ExitCode    int
	HasExitCode bool
}

// InputEmpty signals the shell input line is empty (letter I).
type InputEmpty struct{}

// ShellReset clears integration state (letter R).
type ShellReset struct{}

func (SessionReady) shellMsg()  {}
func (CommandStart) shellMsg()  {}
func (ShellMetadata) shellMsg() {}
func (CommandDone) shellMsg()   {}
func (InputEmpty) shellMsg()    {}
func (ShellReset) shellMsg()    {}

// scanner states for the OSC splitter.
const (
	scanGround = iota
	scanEsc          // saw ESC
	scanOscNum       // inside "ESC ]", collecting the channel number
	scanOscPayload   // inside an owned sequence, collecting the payload
	scanOscPassthru  // inside a foreign OSC, copying bytes through
	scanOscEsc       // saw ESC inside an owned payload (ST candidate)
	scanPassthruEsc  // saw ESC inside a foreign OSC
)

// Decoder extracts the three owned out-of-band channels from a raw terminal
// byte stream, forwarding every other byte as literal output. It is owned by
// a single session and is not safe for concurrent use; all calls come from
// the session's ingest path.
type Decoder struct {
	limits    Limits
	clipboard Clipboard
	sessionID string

	onShell func(ShellMsg)
	onCwd   func(path string)

	// loaded gates decoding: until the initial backlog load completes,
	// channel data is accepted and discarded so historical replay cannot
	// corrupt live state.
	loaded bool

	state    int
	numBuf   []byte // channel number digits
	seqBuf   []byte // raw bytes of the candidate sequence, for literal spill
	payload  []byte
	channel  int
	overflow bool
}

// NewDecoder creates a decoder for one session. onShell and onCwd may be nil.
func NewDecoder(sessionID string, limits Limits, clipboard Clipboard, onShell func(ShellMsg), onCwd func(string)) *Decoder {
	return &Decoder{
		limits:    limits,
		clipboard: clipboard,
		sessionID: sessionID,
		onShell:   onShell,
		onCwd:     onCwd,
	}
}

// SetLoaded marks the initial backlog load complete and activates decoding.
func (d *Decoder) SetLoaded() {
	d.loaded = true
}

// Feed scans a raw chunk, returning the literal bytes to render. Owned
// sequences are consumed whole, even when they span chunk boundaries.
func (d *Decoder) Feed(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))

	for _, b := range chunk {
		switch d.state {
		case scanGround:
			if b == 0x1b {
				d.state = scanEsc
				continue
			}
			out = append(out, b)

		case scanEsc:
			if b == ']' {
				d.state = scanOscNum
				d.numBuf = d.numBuf[:0]
				d.seqBuf = append(d.seqBuf[:0], 0x1b, ']')
				continue
			}
			if b == 0x1b {
				// A run of ESCs: flush one, the latest may still open a
				// sequence we own.
				out = append(out, 0x1b)
				continue
			}
			out = append(out, 0x1b, b)
			d.state = scanGround

		case scanOscNum:
			d.seqBuf = append(d.seqBuf, b)
			switch {
			case b >= '0' && b <= '9' && len(d.numBuf) < 8:
				d.numBuf = append(d.numBuf, b)
			case b == ';':
				d.channel = atoiBytes(d.numBuf)
				if d.owns(d.channel) {
					d.state = scanOscPayload
					d.payload = d.payload[:0]
					d.overflow = false
				} else {
					out = append(out, d.seqBuf...)
					d.state = scanOscPassthru
				}
			case b == 0x07:
				// Parameterless OSC, e.g. "ESC ] 104 BEL". An owned channel
				// is swallowed even without a payload separator.
				d.channel = atoiBytes(d.numBuf)
				if d.owns(d.channel) {
					d.payload = d.payload[:0]
					d.overflow = false
					d.dispatch()
				} else {
					out = append(out, d.seqBuf...)
				}
				d.state = scanGround
			case b == 0x1b:
				d.channel = atoiBytes(d.numBuf)
				if d.owns(d.channel) {
					d.payload = d.payload[:0]
					d.overflow = false
					d.state = scanOscEsc
				} else {
					out = append(out, d.seqBuf[:len(d.seqBuf)-1]...)
					d.state = scanEsc
				}
			default:
				// Not an OSC number after all; spill and resume.
				out = append(out, d.seqBuf...)
				d.state = scanGround
			}

		case scanOscPayload:
			switch b {
			case 0x07:
				d.dispatch()
				d.state = scanGround
			case 0x1b:
				d.state = scanOscEsc
			default:
				if len(d.payload) < maxOscBuffer {
					d.payload = append(d.payload, b)
				} else {
					d.overflow = true
				}
			}

		case scanOscEsc:
			if b == '\\' {
				d.dispatch()
				d.state = scanGround
				continue
			}
			// A bare ESC inside the payload; keep it and the byte that
			// followed, then continue collecting.
			if len(d.payload)+2 <= maxOscBuffer {
				d.payload = append(d.payload, 0x1b, b)
			} else {
				d.overflow = true
			}
			d.state = scanOscPayload

		case scanOscPassthru:
			out = append(out, b)
			if b == 0x07 {
				d.state = scanGround
			} else if b == 0x1b {
				d.state = scanPassthruEsc
			}

		case scanPassthruEsc:
			out = append(out, b)
			if b == '\\' || b == 0x07 {
				d.state = scanGround
			} else {
				d.state = scanOscPassthru
			}
		}
	}

	return out
}

func (d *Decoder) owns(channel int) bool {
	switch channel {
	case oscDirChange, oscClipboard, oscShellSignal:
		return true
	}
	return false
}

// dispatch hands a completed owned sequence to the channel decoder.
func (d *Decoder) dispatch() {
	payload := string(d.payload)
	if d.overflow {
		// The scanner stopped buffering; fabricate a payload that still
		// trips the raw-length ceiling so the reject path is uniform.
		payload = payload + strings.Repeat("\x00", 1)
	}
	d.Decode(d.channel, payload)
}

// Decode processes one out-of-band payload for a channel the decoder owns.
// It always reports handled: malformed control data must never fall through
// as literal screen output.
func (d *Decoder) Decode(channel int, payload string) bool {
	if !d.owns(channel) {
		return false
	}
	if !d.loaded {
		// Historical bytes are being replayed; accept and discard.
		return true
	}

	switch channel {
	case oscDirChange:
		d.decodeDirChange(payload)
	case oscClipboard:
		d.decodeClipboard(payload)
	case oscShellSignal:
		d.decodeShellSignal(payload)
	}
	return true
}

// decodeDirChange handles the working-directory channel: a file:// URI whose
// path is percent-decoded and normalized across path dialects.
func (d *Decoder) decodeDirChange(payload string) {
	path, ok := normalizeFileURI(payload)
	if !ok {
		log.Printf("[decoder] %s: malformed cwd uri %q", d.sessionID, truncateForLog(payload))
		return
	}
	if d.onCwd != nil {
		d.onCwd(path)
	}
}

// normalizeFileURI converts a file:// URI to a usable path. Doubled leading
// slashes are collapsed; the drive-letter form "/X:/..." becomes "X:/...";
// UNC forms become "\\server\share".
func normalizeFileURI(raw string) (string, bool) {
	rest, ok := strings.CutPrefix(raw, "file://")
	if !ok {
		return "", false
	}
	dec, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}

	// Collapse a run of leading slashes down to at most two.
	i := 0
	for i < len(dec) && dec[i] == '/' {
		i++
	}
	if i > 2 {
		dec = dec[i-2:]
	}

	switch {
	case strings.HasPrefix(dec, "//"):
		// Slash-form UNC: //server/share -> \\server\share.
		return `\\` + strings.ReplaceAll(dec[2:], "/", `\`), true
	case strings.HasPrefix(dec, `/\\`):
		// Already-backslashed UNC carried behind a single slash.
		return dec[1:], true
	case len(dec) >= 4 && dec[0] == '/' && isASCIIAlpha(dec[1]) && dec[2] == ':' && dec[3] == '/':
		// Drive-letter form: /C:/Users -> C:/Users.
		return dec[1:], true
	}
	return dec, true
}

// decodeClipboard handles the clipboard-bridge channel. Only writes are
// honored; the read-back query is always rejected. Every reject is silent:
// the channel stays owned and the stream continues.
func (d *Decoder) decodeClipboard(payload string) {
	if payload == "" || len(payload) > d.limits.ClipboardRawMaxBytes {
		log.Printf("[decoder] %s: clipboard payload rejected, raw len %d", d.sessionID, len(payload))
		return
	}
	selector, body, ok := strings.Cut(payload, ";")
	if !ok {
		log.Printf("[decoder] %s: clipboard payload missing selector", d.sessionID)
		return
	}
	if len(selector) > 10 {
		return
	}
	if body == "?" {
		// Clipboard read-back is never honored, only write.
		return
	}

	// Producers may wrap the base64 body across lines.
	body = stripWhitespace(body)

	// Estimate first so a grossly oversized body is never decoded at all.
	if (len(body)*3+3)/4 > d.limits.ClipboardTextMaxBytes {
		return
	}
	text, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		log.Printf("[decoder] %s: clipboard base64 decode failed: %v", d.sessionID, err)
		return
	}
	if len(text) > d.limits.ClipboardTextMaxBytes {
		return
	}

	if d.clipboard == nil {
		return
	}
	// Fire-and-forget: a clipboard failure never blocks or breaks the stream.
	go func(s string) {
		if err := d.clipboard.WriteText(context.Background(), s); err != nil {
			log.Printf("[decoder] %s: clipboard write failed: %v", d.sessionID, err)
		}
	}(string(text))
}

// decodeShellSignal handles the shell-integration channel. A JSON parse
// failure degrades to an empty data object; missing fields default rather
// than failing the message.
func (d *Decoder) decodeShellSignal(payload string) {
	letter, data, _ := strings.Cut(payload, ";")
	if len(letter) != 1 {
		log.Printf("[decoder] %s: shell signal with bad command %q", d.sessionID, truncateForLog(letter))
		return
	}
	if !gjson.Valid(data) {
		data = "{}"
	}

	var msg ShellMsg
	switch letter[0] {
	case 'A':
		msg = SessionReady{}
	case 'C':
		msg = CommandStart{Cmd64: gjson.Get(data, "cmd64").String()}
	case 'M':
		msg = ShellMetadata{
			Shell:       gjson.Get(data, "shell").String(),
			Version:     gjson.Get(data, "version").String(),
			OS:          gjson.Get(data, "os").String(),
			Integration: gjson.Get(data, "integration").Bool(),
		}
	case 'D':
		ec := gjson.Get(data, "exitcode")
		msg = CommandDone{ExitCode: int(ec.Int()), HasExitCode: ec.Exists()}
	case 'I':
		msg = InputEmpty{}
	case 'R':
		msg = ShellReset{}
	default:
		log.Printf("[decoder] %s: unknown shell signal %q", d.sessionID, letter)
		return
	}

	if d.onShell != nil {
		d.onShell(msg)
	}
}

func atoiBytes(b []byte) int {
	n := 0
	for _, c := range b {
		n = n*10 + int(c-'0')
	}
	return n
}

func isASCIIAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

func truncateForLog(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
