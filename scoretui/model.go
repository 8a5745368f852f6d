// Package scoretui implements D4: a charmbracelet/bubbletea + lipgloss
// terminal dashboard over a running scheduler.Scheduler, grounded on
// oisee-abytetracker's pkg/tui/model.go (tea.Model with a periodic tick
// driving a playback-position readout, plus lipgloss styling for
// state-dependent coloring). Unlike the teacher's tracker, which edits
// song data through the model, scoretui is read-only: it subscribes to
// the scheduler's own Watch channel for beat/bar/error notifications
// rather than polling and mutating pattern state itself.
package scoretui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"scoretree/internal/scheduler"
)

// watchMsg wraps one notification pulled off the scheduler's Watch channel.
type watchMsg scheduler.Notification

// Model is the dashboard's bubbletea state: the latest beat, bar, active
// track count, and last diagnostic observed from the scheduler.
type Model struct {
	sched *scheduler.Scheduler

	Beat        int
	Bar         int
	TrackCount  int
	LastErr     string
	Quitting    bool
}

// New builds a Model watching sched. The caller retains ownership of
// sched's lifecycle (Start/Stop); the model only observes it.
func New(sched *scheduler.Scheduler) Model {
	return Model{sched: sched}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.EnterAltScreen, waitForNotification(m.sched))
}

// waitForNotification returns a tea.Cmd that blocks on the scheduler's
// Watch channel and resolves to the next notification, re-armed after
// every Update the way the teacher's tickCmd re-arms itself each tick.
func waitForNotification(sched *scheduler.Scheduler) tea.Cmd {
	ch := sched.Watch()
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return watchMsg(n)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.Quitting = true
			return m, tea.Quit
		}
		return m, nil

	case watchMsg:
		switch msg.Kind {
		case scheduler.NotifyBeat:
			m.Beat = msg.Index
		case scheduler.NotifyBar:
			m.Bar = msg.Index
		case scheduler.NotifyError:
			if msg.Err != nil {
				m.LastErr = msg.Err.Error()
			}
		}
		m.TrackCount = m.sched.TrackCount()
		return m, waitForNotification(m.sched)
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.Quitting {
		return ""
	}

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("14")).
		Render("SCORETREE SCHEDULER")

	beatBar := fmt.Sprintf(" │ Beat:%04d Bar:%03d │ Tracks:%d",
		m.Beat, m.Bar, m.TrackCount)

	var b strings.Builder
	b.WriteString(title + beatBar + "\n\n")

	if m.LastErr != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
		b.WriteString(errStyle.Render("! " + m.LastErr))
		b.WriteString("\n\n")
	}

	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).
		Render(" [Q] Quit")
	b.WriteString(footer)

	return b.String()
}
