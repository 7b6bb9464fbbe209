package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer writes one line per progress change, for CI and pipes.
type PlainRenderer struct {
	mu   sync.Mutex
	out  io.Writer
	last ProgressEvent
	seen bool
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error {
	return nil
}

// UpdateProgress implements Renderer. Repeated samples are printed once.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen && event == r.last {
		return
	}
	r.last, r.seen = event, true

	switch {
	case event.Total > 0 && event.Message != "":
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, event.Message)
	case event.Total > 0:
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d\n", event.Stage.Icon(), event.Current, event.Total)
	case event.Message != "":
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), event.Message)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Reindex done: %d records scanned, %d tasks enqueued in %s\n",
		stats.Scanned, stats.Enqueued, stats.Duration.Round(100*time.Millisecond))
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}
