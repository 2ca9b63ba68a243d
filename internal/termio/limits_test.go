package termio

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadLimitsMissingFile(t *testing.T) {
	l := LoadLimits(filepath.Join(t.TempDir(), "nope.toml"))
	if l != DefaultLimits() {
		t.Errorf("missing file must yield defaults, got %+v", l)
	}
}

func TestLoadLimitsOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := `
[terminal.limits]
write_batch_bytes = 1024
reflow_max_bytes = 2048
clipboard_text_max_bytes = 100
restart_cooldown_ms = 500
compose_dedup_window_ms = 10
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	l := LoadLimits(path)
	if l.WriteBatchBytes != 1024 {
		t.Errorf("WriteBatchBytes = %d", l.WriteBatchBytes)
	}
	if l.ReflowMaxBytes != 2048 {
		t.Errorf("ReflowMaxBytes = %d", l.ReflowMaxBytes)
	}
	if l.ClipboardTextMaxBytes != 100 {
		t.Errorf("ClipboardTextMaxBytes = %d", l.ClipboardTextMaxBytes)
	}
	if l.RestartCooldown != 500*time.Millisecond {
		t.Errorf("RestartCooldown = %v", l.RestartCooldown)
	}
	if l.ComposeDedupWindow != 10*time.Millisecond {
		t.Errorf("ComposeDedupWindow = %v", l.ComposeDedupWindow)
	}

	// Unset fields keep their defaults.
	d := DefaultLimits()
	if l.ClipboardRawMaxBytes != d.ClipboardRawMaxBytes {
		t.Errorf("ClipboardRawMaxBytes = %d, want default %d", l.ClipboardRawMaxBytes, d.ClipboardRawMaxBytes)
	}
	if l.PasteItemDelay != d.PasteItemDelay {
		t.Errorf("PasteItemDelay = %v, want default %v", l.PasteItemDelay, d.PasteItemDelay)
	}
}

func TestLoadLimitsRejectsNonPositive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := `
[terminal.limits]
write_batch_bytes = 0
image_max_bytes = -5
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	l := LoadLimits(path)
	d := DefaultLimits()
	if l.WriteBatchBytes != d.WriteBatchBytes {
		t.Errorf("zero override applied: %d", l.WriteBatchBytes)
	}
	if l.ImageMaxBytes != d.ImageMaxBytes {
		t.Errorf("negative override applied: %d", l.ImageMaxBytes)
	}
}

func TestLoadLimitsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if l := LoadLimits(path); l != DefaultLimits() {
		t.Errorf("malformed file must yield defaults, got %+v", l)
	}
}
