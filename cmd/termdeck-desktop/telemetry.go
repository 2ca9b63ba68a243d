package main

import (
	"context"
	"log"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// EventTelemetry forwards engine telemetry to the frontend and the log.
type EventTelemetry struct {
	ctx context.Context
}

func NewEventTelemetry(ctx context.Context) *EventTelemetry {
	return &EventTelemetry{ctx: ctx}
}

func (t *EventTelemetry) Emit(event string, props map[string]any) {
	log.Printf("[telemetry] %s %v", event, props)
	runtime.EventsEmit(t.ctx, "telemetry:"+event, props)
}
