package termio

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Limits holds the policy ceilings of the engine. The ceilings are
// configurable but always enforced: removing one would let a single burst
// block the renderer for an unbounded duration.
type Limits struct {
	// WriteBatchBytes caps a single renderer write. A single source chunk
	// larger than this passes through whole, never split.
	WriteBatchBytes int
	// ReflowMaxBytes is the cumulative byte ceiling above which a full
	// history reflow is abandoned with a warning.
	ReflowMaxBytes int64
	// ClipboardRawMaxBytes caps the raw clipboard-bridge payload.
	ClipboardRawMaxBytes int
	// ClipboardTextMaxBytes caps the decoded clipboard text.
	ClipboardTextMaxBytes int
	// CommandMaxBytes caps the decoded command string on a command-start event.
	CommandMaxBytes int
	// ImageMaxBytes caps a pasted image materialized to a temp file.
	ImageMaxBytes int

	RestartCooldown    time.Duration
	ComposeDedupWindow time.Duration
	PasteItemDelay     time.Duration
	AltCheckInterval   time.Duration
	ResizeDebounce     time.Duration
}

// DefaultLimits returns the stock policy constants.
func DefaultLimits() Limits {
	return Limits{
		WriteBatchBytes:       256 * 1024,
		ReflowMaxBytes:        5 * 1024 * 1024,
		ClipboardRawMaxBytes:  128 * 1024,
		ClipboardTextMaxBytes: 75 * 1024,
		CommandMaxBytes:       8 * 1024,
		ImageMaxBytes:         10 * 1024 * 1024,
		RestartCooldown:       1200 * time.Millisecond,
		ComposeDedupWindow:    50 * time.Millisecond,
		PasteItemDelay:        150 * time.Millisecond,
		AltCheckInterval:      200 * time.Millisecond,
		ResizeDebounce:        250 * time.Millisecond,
	}
}

// limitsFile mirrors the [terminal.limits] table of the config file.
// Durations are in milliseconds.
type limitsFile struct {
	Terminal struct {
		Limits struct {
			WriteBatchBytes       *int   `toml:"write_batch_bytes"`
			ReflowMaxBytes        *int64 `toml:"reflow_max_bytes"`
			ClipboardRawMaxBytes  *int   `toml:"clipboard_raw_max_bytes"`
			ClipboardTextMaxBytes *int   `toml:"clipboard_text_max_bytes"`
			CommandMaxBytes       *int   `toml:"command_max_bytes"`
			ImageMaxBytes         *int   `toml:"image_max_bytes"`
			RestartCooldownMs     *int   `toml:"restart_cooldown_ms"`
			ComposeDedupWindowMs  *int   `toml:"compose_dedup_window_ms"`
			PasteItemDelayMs      *int   `toml:"paste_item_delay_ms"`
			AltCheckIntervalMs    *int   `toml:"alt_check_interval_ms"`
			ResizeDebounceMs      *int   `toml:"resize_debounce_ms"`
		} `toml:"limits"`
	} `toml:"terminal"`
}

// LoadLimits reads ceiling overrides from a TOML config file. A missing file
// or a parse error falls back to defaults; each field is optional.
func LoadLimits(path string) Limits {
	l := DefaultLimits()

	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}

	var f limitsFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		fmt.Fprintf(os.Stderr, "termdeck: ignoring malformed config %s: %v\n", path, err)
		return l
	}

	t := f.Terminal.Limits
	if t.WriteBatchBytes != nil && *t.WriteBatchBytes > 0 {
		l.WriteBatchBytes = *t.WriteBatchBytes
	}
	if t.ReflowMaxBytes != nil && *t.ReflowMaxBytes > 0 {
		l.ReflowMaxBytes = *t.ReflowMaxBytes
	}
	if t.ClipboardRawMaxBytes != nil && *t.ClipboardRawMaxBytes > 0 {
		l.ClipboardRawMaxBytes = *t.ClipboardRawMaxBytes
	}
	if t.ClipboardTextMaxBytes != nil && *t.ClipboardTextMaxBytes > 0 {
		l.ClipboardTextMaxBytes = *t.ClipboardTextMaxBytes
	}
	if t.CommandMaxBytes != nil && *t.CommandMaxBytes > 0 {
		l.CommandMaxBytes = *t.CommandMaxBytes
	}
	if t.ImageMaxBytes != nil && *t.ImageMaxBytes > 0 {
		l.ImageMaxBytes = *t.ImageMaxBytes
	}
	if t.RestartCooldownMs != nil && *t.RestartCooldownMs > 0 {
		l.RestartCooldown = time.Duration(*t.RestartCooldownMs) * time.Millisecond
	}
	if t.ComposeDedupWindowMs != nil && *t.ComposeDedupWindowMs > 0 {
		l.ComposeDedupWindow = time.Duration(*t.ComposeDedupWindowMs) * time.Millisecond
	}
	if t.PasteItemDelayMs != nil && *t.PasteItemDelayMs > 0 {
		l.PasteItemDelay = time.Duration(*t.PasteItemDelayMs) * time.Millisecond
	}
	if t.AltCheckIntervalMs != nil && *t.AltCheckIntervalMs > 0 {
		l.AltCheckInterval = time.Duration(*t.AltCheckIntervalMs) * time.Millisecond
	}
	if t.ResizeDebounceMs != nil && *t.ResizeDebounceMs > 0 {
		l.ResizeDebounce = time.Duration(*t.ResizeDebounceMs) * time.Millisecond
	}
	return l
}
