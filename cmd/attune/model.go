package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"attune/internal/onboarding"
)

type stateMsg onboarding.SessionState

type keyMap struct {
	Start  key.Binding
	Toggle key.Binding
	Cancel key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Start:  key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
	Toggle: key.NewBinding(key.WithKeys(" "), key.WithHelp("space", "toggle mic")),
	Cancel: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	partialStyle = lipgloss.NewStyle().Italic(true).Faint(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

type model struct {
	eng    *onboarding.Engine
	states <-chan onboarding.SessionState

	st     onboarding.SessionState
	turns  []onboarding.Turn
	spin   spinner.Model
	status string

	width  int
	height int
}

func newModel(eng *onboarding.Engine, states <-chan onboarding.SessionState) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return model{
		eng:    eng,
		states: states,
		st:     eng.State(),
		spin:   sp,
		status: "Press s to start.",
	}
}

func waitState(ch <-chan onboarding.SessionState) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ch)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitState(m.states))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case stateMsg:
		m.st = onboarding.SessionState(msg)
		m.turns = m.eng.Transcript()
		switch m.st.Phase {
		case onboarding.PhaseDone:
			m.status = "All set, preferences saved. Press q to quit."
		case onboarding.PhaseFailed:
			if m.st.LastErr != nil && m.st.LastErr.Recoverable() {
				m.status = "Something went wrong. Press space to try again."
			} else {
				m.status = "Voice onboarding is unavailable."
			}
		default:
			m.status = ""
		}
		return m, waitState(m.states)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.eng.Cancel()
			return m, tea.Quit
		case key.Matches(msg, keys.Start):
			if err := m.eng.Start(); err != nil {
				m.status = err.Error()
			}
		case key.Matches(msg, keys.Toggle):
			if err := m.eng.ToggleListening(); err != nil {
				m.status = err.Error()
			}
		case key.Matches(msg, keys.Cancel):
			m.eng.Cancel()
			m.status = "Session canceled. Press s to start over."
		}
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("attune"))
	b.WriteString(faintStyle.Render("  voice onboarding"))
	b.WriteString("\n\n")

	for _, turn := range m.turns {
		if turn.Speaker == onboarding.SpeakerSystem {
			b.WriteString(systemStyle.Render("attune › "))
		} else {
			b.WriteString(userStyle.Render("   you › "))
		}
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}

	if m.st.Partial != "" {
		b.WriteString(partialStyle.Render("   you › " + m.st.Partial + "…"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.phaseLine())
	b.WriteString("\n")

	if m.st.LastErr != nil && m.st.Phase == onboarding.PhaseFailed {
		b.WriteString(errStyle.Render(fmt.Sprintf("%s: %v", m.st.LastErr.Code, m.st.LastErr.Err)))
		b.WriteString("\n")
	}
	if m.status != "" {
		b.WriteString(faintStyle.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(faintStyle.Render(helpLine()))
	return b.String()
}

func (m model) phaseLine() string {
	label := m.st.Phase.String()
	switch m.st.Phase {
	case onboarding.PhaseListening:
		if m.st.MicStopped {
			label = "mic paused ○"
		} else {
			label = "listening ●"
		}
	}
	if m.st.Busy {
		return m.spin.View() + " " + label
	}
	return "  " + label
}

func helpLine() string {
	bindings := []key.Binding{keys.Start, keys.Toggle, keys.Cancel, keys.Quit}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, "  ·  ")
}
