// Package ui renders long-running CLI progress, such as a reindex being
// followed with --wait.
package ui

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage is the phase of the job being followed, as reported by the daemon.
type Stage string

const (
	// StageCounting sizes the job.
	StageCounting Stage = "counting"
	// StageEnqueuing walks the store and publishes tasks.
	StageEnqueuing Stage = "enqueuing"
	// StageDone indicates the job finished.
	StageDone Stage = "done"
)

// stageOrder is the order stages are shown in the TUI header.
var stageOrder = []Stage{StageCounting, StageEnqueuing}

// Name returns the display name of the stage.
func (s Stage) Name() string {
	if s == "" {
		return "Starting"
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// Icon returns the short stage tag for plain text output.
func (s Stage) Icon() string {
	switch s {
	case StageCounting:
		return "COUNT"
	case StageEnqueuing:
		return "ENQUEUE"
	case StageDone:
		return "DONE"
	case "":
		return "START"
	default:
		return strings.ToUpper(string(s))
	}
}

// ProgressEvent is one progress sample.
type ProgressEvent struct {
	Stage   Stage
	Current int
	Total   int
	Message string
}

// CompletionStats summarises a finished job.
type CompletionStats struct {
	Scanned  int
	Enqueued int
	Duration time.Duration
}

// Renderer displays progress.
type Renderer interface {
	Start(ctx context.Context) error
	UpdateProgress(event ProgressEvent)
	Complete(stats CompletionStats)
	Stop() error
}

// Config configures a renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	Title      string
	// OnQuit is called when the user quits an interactive renderer before
	// the job completes.
	OnQuit func()
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) { c.ForcePlain = force }
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) { c.NoColor = noColor }
}

// WithTitle sets the panel title.
func WithTitle(title string) ConfigOption {
	return func(c *Config) { c.Title = title }
}

// WithOnQuit sets the callback run when the user quits early.
func WithOnQuit(fn func()) ConfigOption {
	return func(c *Config) { c.OnQuit = fn }
}

// NewConfig creates a Config for output.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{
		Output: output,
		Title:  "mediasync",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns a TUI renderer for interactive terminals and a plain
// renderer for CI, pipes, or when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY checks if w is a terminal.
func IsTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if NO_COLOR is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
