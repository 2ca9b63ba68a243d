package main

import (
	"context"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// WailsClipboard delivers clipboard-bridge writes to the host clipboard.
type WailsClipboard struct {
	ctx context.Context
}

func NewWailsClipboard(ctx context.Context) *WailsClipboard {
	return &WailsClipboard{ctx: ctx}
}

func (c *WailsClipboard) WriteText(ctx context.Context, text string) error {
	return runtime.ClipboardSetText(c.ctx, text)
}
