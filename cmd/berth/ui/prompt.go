package ui

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Confirm asks the user a yes/no question on stderr and returns the
// answer. Enter accepts def. Non-interactive terminals skip the prompt
// and return def, the same answer an unattended run would give.
func Confirm(ctx context.Context, question string, def bool) (bool, error) {
	if IsNoInteraction() {
		return def, nil
	}

	m := &confirmModel{question: question, def: def}
	p := tea.NewProgram(m,
		tea.WithOutput(os.Stderr),
		tea.WithContext(ctx),
	)

	if _, err := p.Run(); err != nil {
		return false, fmt.Errorf("confirm prompt: %w", err)
	}

	if m.cancelled {
		return false, ErrCancelled
	}
	return m.confirmed, nil
}

// PromptSecret asks for a credential on stderr with masked echo and
// returns the entered value. A secret has no default, so non-interactive
// terminals return *ErrNoInteraction with bypassHint embedded (e.g.
// "pass --token").
func PromptSecret(ctx context.Context, label, bypassHint string) (string, error) {
	if err := RequireInteraction(bypassHint); err != nil {
		return "", fmt.Errorf("input required: %w", err)
	}

	ti := textinput.New()
	ti.Focus()
	ti.EchoMode = textinput.EchoPassword
	ti.EchoCharacter = '•'
	ti.PromptStyle = AccentStyle
	ti.TextStyle = lipgloss.NewStyle()

	m := &secretModel{
		label:     label,
		textInput: ti,
	}
	p := tea.NewProgram(m,
		tea.WithOutput(os.Stderr),
		tea.WithContext(ctx),
	)

	if _, err := p.Run(); err != nil {
		return "", fmt.Errorf("secret prompt: %w", err)
	}

	if m.cancelled {
		return "", ErrCancelled
	}
	return strings.TrimSpace(m.textInput.Value()), nil
}

// confirmModel is a bubbletea model for yes/no confirmation.
type confirmModel struct {
	question  string
	def       bool
	confirmed bool
	cancelled bool
	answered  bool
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.confirmed = true
			m.answered = true
			return m, tea.Quit
		case "n", "N":
			m.confirmed = false
			m.answered = true
			return m, tea.Quit
		case "enter":
			m.confirmed = m.def
			m.answered = true
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	if m.answered || m.cancelled {
		return ""
	}
	hint := "[y/N]"
	if m.def {
		hint = "[Y/n]"
	}
	return AccentStyle.Render("?") + " " + m.question + " " + MutedStyle.Render(hint) + " "
}

// secretModel is a bubbletea model for masked credential input.
type secretModel struct {
	label     string
	textInput textinput.Model
	cancelled bool
	submitted bool
}

func (m *secretModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *secretModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			m.submitted = true
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *secretModel) View() string {
	if m.submitted || m.cancelled {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(AccentStyle.Render("?") + " " + m.label + "\n")
	sb.WriteString(m.textInput.View() + "\n")
	return sb.String()
}
