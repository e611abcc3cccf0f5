package console

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme contains the style tokens used by the console renderer.
type Theme struct {
	Name            string
	AssistantPrefix lipgloss.Style
	ToolPrefix      lipgloss.Style
	Prompt          lipgloss.Style
	Info            lipgloss.Style
	Warning         lipgloss.Style
	Error           lipgloss.Style
	Muted           lipgloss.Style
	Panel           lipgloss.Style
	Cursor          lipgloss.Style
}

// ResolveTheme returns the named theme: "dark" (default), "light" or "plain".
func ResolveTheme(name string) Theme {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "light":
		return newLightTheme()
	case "plain", "none":
		return newPlainTheme()
	default:
		return newDarkTheme()
	}
}

func newDarkTheme() Theme {
	return Theme{
		Name:            "dark",
		AssistantPrefix: lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		ToolPrefix:      lipgloss.NewStyle().Foreground(lipgloss.Color("111")).Bold(true),
		Prompt:          lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		Info:            lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Warning:         lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:           lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		Muted:           lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1),
		Cursor: lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
	}
}

func newLightTheme() Theme {
	return Theme{
		Name:            "light",
		AssistantPrefix: lipgloss.NewStyle().Foreground(lipgloss.Color("94")).Bold(true),
		ToolPrefix:      lipgloss.NewStyle().Foreground(lipgloss.Color("31")).Bold(true),
		Prompt:          lipgloss.NewStyle().Foreground(lipgloss.Color("25")).Bold(true),
		Info:            lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Warning:         lipgloss.NewStyle().Foreground(lipgloss.Color("130")),
		Error:           lipgloss.NewStyle().Foreground(lipgloss.Color("160")).Bold(true),
		Muted:           lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("246")).
			Padding(0, 1),
		Cursor: lipgloss.NewStyle().Foreground(lipgloss.Color("25")).Bold(true),
	}
}

// newPlainTheme renders text unchanged. It is used when output is not a
// terminal.
func newPlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Name:            "plain",
		AssistantPrefix: plain,
		ToolPrefix:      plain,
		Prompt:          plain,
		Info:            plain,
		Warning:         plain,
		Error:           plain,
		Muted:           plain,
		Panel:           plain,
		Cursor:          plain,
	}
}
