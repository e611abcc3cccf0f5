package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// chooser is an inline single-choice list.
type chooser struct {
	title  string
	items  []string
	cursor int
	chosen bool
	theme  Theme
}

func newChooser(theme Theme, title string, items []string, initial int) chooser {
	if initial < 0 || initial >= len(items) {
		initial = 0
	}
	return chooser{title: title, items: items, cursor: initial, theme: theme}
}

func (m chooser) Init() tea.Cmd { return nil }

func (m chooser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok || len(m.items) == 0 {
		return m, nil
	}

	switch key.Type {
	case tea.KeyEsc, tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEnter:
		m.chosen = true
		return m, tea.Quit
	case tea.KeyUp, tea.KeyShiftTab:
		m.cursor = (m.cursor - 1 + len(m.items)) % len(m.items)
	case tea.KeyDown, tea.KeyTab:
		m.cursor = (m.cursor + 1) % len(m.items)
	case tea.KeyRunes:
		switch r := string(key.Runes); r {
		case "k":
			m.cursor = (m.cursor - 1 + len(m.items)) % len(m.items)
		case "j":
			m.cursor = (m.cursor + 1) % len(m.items)
		case "q":
			return m, tea.Quit
		default:
			// Digits pick an entry directly.
			if len(r) == 1 && r[0] >= '1' && int(r[0]-'1') < len(m.items) {
				m.cursor = int(r[0] - '1')
				m.chosen = true
				return m, tea.Quit
			}
		}
	}
	return m, nil
}

func (m chooser) View() string {
	if m.chosen {
		return m.theme.Muted.Render(m.title+" "+m.items[m.cursor]) + "\n"
	}
	lines := make([]string, 0, len(m.items)+2)
	lines = append(lines, m.title)
	for i, item := range m.items {
		if i == m.cursor {
			lines = append(lines, m.theme.Cursor.Render(fmt.Sprintf("> %d. %s", i+1, item)))
			continue
		}
		lines = append(lines, fmt.Sprintf("  %d. %s", i+1, item))
	}
	lines = append(lines, m.theme.Muted.Render("↑/↓ to move, Enter to choose, Esc to cancel"))
	return m.theme.Panel.Render(strings.Join(lines, "\n")) + "\n"
}

// runChooser shows items and returns the picked index. ok is false when the
// user cancelled.
func runChooser(ctx context.Context, in io.Reader, out io.Writer, m chooser) (int, bool, error) {
	p := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	final, err := p.Run()
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		if errors.Is(err, tea.ErrProgramKilled) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("run chooser: %w", err)
	}
	result, _ := final.(chooser)
	return result.cursor, result.chosen, nil
}
