package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// progressState is one poll result.
type progressState struct {
	Status   string
	Done     int
	Total    int
	Unit     string
	Finished bool
	Lines    []string // shown after completion
	Err      error    // set when the tracked work failed
}

// pollFunc fetches the current state of the tracked work.
type pollFunc func(ctx context.Context) (progressState, error)

// tickMsg triggers polling
type tickMsg time.Time

// stateMsg carries the polled state
type stateMsg struct {
	state progressState
	err   error
}

// progressModel is the bubbletea model for polled progress.
type progressModel struct {
	poll     pollFunc
	state    *progressState
	bgHint   string
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(poll pollFunc, bgHint string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		poll:     poll,
		bgHint:   bgHint,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (poll immediately).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetch(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetch()

	case stateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.state = &msg.state
		if m.state.Finished {
			m.done = true
			m.err = m.state.Err
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	if m.state == nil {
		return "Loading status...\n"
	}

	var pct float64
	if m.state.Total > 0 {
		pct = float64(m.state.Done) / float64(m.state.Total)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.state.Status))
	progressBar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d %s", m.state.Done, m.state.Total, m.state.Unit)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, progressBar, counts, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render("\nContinues in background.\n"+m.bgHint) + "\n"
	}

	var b strings.Builder
	if m.err != nil {
		b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Failed: %s", m.err)))
	} else {
		b.WriteString(m.theme.completedStyle().Render("✓ Completed"))
	}
	b.WriteString("\n")
	if m.state != nil && len(m.state.Lines) > 0 {
		b.WriteString("\n")
		for _, l := range m.state.Lines {
			b.WriteString("  " + l + "\n")
		}
	}
	return b.String()
}

// fetch polls in a command so Update never blocks.
func (m progressModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		state, err := m.poll(ctx)
		return stateMsg{state: state, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runProgress runs the interactive progress UI until the polled work
// finishes. Ctrl+C leaves the work running and returns nil.
func runProgress(poll pollFunc, bgHint string) error {
	p := tea.NewProgram(newProgressModel(poll, bgHint))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}
