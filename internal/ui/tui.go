package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// stopTimeout bounds how long Stop waits for the program to exit.
const stopTimeout = 2 * time.Second

// TUIRenderer draws an inline bubbletea progress panel.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *progressModel
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails for non-terminal output.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}
	model := newProgressModel(NewProgressTracker(), cfg.Title)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}
	return &TUIRenderer{
		cfg:   cfg,
		model: model,
		done:  make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.program = tea.NewProgram(r.model, tea.WithOutput(r.cfg.Output), tea.WithContext(ctx))
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
		if r.model.quitting && r.cfg.OnQuit != nil {
			r.cfg.OnQuit()
		}
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.model.tracker.Apply(event)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(progressMsg(event))
	}
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(completeMsg(stats))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()

	if program == nil {
		return nil
	}
	program.Quit()
	select {
	case <-r.done:
	case <-time.After(stopTimeout):
	}
	return nil
}

type progressMsg ProgressEvent
type completeMsg CompletionStats

// progressModel is the bubbletea model for a followed job.
type progressModel struct {
	tracker  *ProgressTracker
	title    string
	width    int
	quitting bool
	complete bool
	stats    CompletionStats
	spinner  spinner.Model
	bar      progress.Model
	styles   Styles
}

func newProgressModel(tracker *ProgressTracker, title string) *progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime))

	return &progressModel{
		tracker: tracker,
		title:   title,
		width:   80,
		spinner: s,
		bar: progress.New(
			progress.WithSolidFill(ColorLime),
			progress.WithWidth(50),
			progress.WithoutPercentage(),
		),
		styles: DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m *progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.complete {
				m.quitting = true
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-20, 20)

	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *progressModel) View() string {
	if m.quitting {
		return "Detached.\n"
	}
	width := max(m.width-4, 40)
	if m.complete {
		return m.renderComplete(width)
	}

	content := strings.Join([]string{
		m.renderStages(),
		m.styles.Dim.Render(strings.Repeat("─", width-4)),
		m.renderProgress(),
		m.renderRate(),
	}, "\n")

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Border).
		Padding(0, 1).
		Width(width)
	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(m.title),
		panel.Render(content),
		m.styles.Dim.Render("q to detach"),
	)
}

func (m *progressModel) renderStages() string {
	current := m.tracker.Stats().Stage
	reached := -1
	for i, s := range stageOrder {
		if s == current {
			reached = i
		}
	}

	parts := make([]string, 0, len(stageOrder))
	for i, s := range stageOrder {
		switch {
		case i < reached:
			parts = append(parts, m.styles.Success.Render("● "+s.Name()))
		case i == reached:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.Name()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.Name()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *progressModel) renderProgress() string {
	stats := m.tracker.Stats()
	if stats.Total == 0 {
		return fmt.Sprintf("%s %s...", m.spinner.View(), stats.Stage.Name())
	}

	bar := m.bar.ViewAs(stats.Progress)
	pct := m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100))
	count := fmt.Sprintf("%d / %d records", stats.Current, stats.Total)
	if stats.Message != "" {
		count += "  •  " + stats.Message
	}
	return fmt.Sprintf("%s  %s\n%s", bar, pct, m.styles.Label.Render(count))
}

func (m *progressModel) renderRate() string {
	stats := m.tracker.Stats()
	line := fmt.Sprintf("Rate: %.0f/s", stats.Rate)
	if stats.Peak > 0 {
		line += fmt.Sprintf(" (peak %.0f)", stats.Peak)
	}
	if stats.ETA > 0 {
		line += "  •  ETA: " + formatDuration(stats.ETA)
	}
	return m.styles.Label.Render(line)
}

func (m *progressModel) renderComplete(width int) string {
	lines := []string{
		m.styles.Success.Render("✓ Reindex done"),
		"",
		fmt.Sprintf("%s  %s", m.styles.Label.Render("Scanned:"), m.styles.Active.Render(fmt.Sprint(m.stats.Scanned))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Enqueued:"), m.styles.Active.Render(fmt.Sprint(m.stats.Enqueued))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Duration:"), m.styles.Active.Render(formatDuration(m.stats.Duration))),
	}
	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorLime)).
		Padding(1, 2).
		Width(width)
	return panel.Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration formats d as "42s", "3m 5s" or "1h 2m".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

var _ Renderer = (*TUIRenderer)(nil)
var _ Renderer = (*PlainRenderer)(nil)
