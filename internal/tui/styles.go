package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	mutedColor   = lipgloss.Color("#6B7280") // Gray
	errorColor   = lipgloss.Color("#EF4444") // Red

	// Header bar across the top
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	headerInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E0E0E0")).
			Background(primaryColor).
			Padding(0, 1)

	// Status bar along the bottom
	statusStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(errorColor).
				Padding(0, 1)

	// Marker for gaps and session end inside the output view
	markerStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)
