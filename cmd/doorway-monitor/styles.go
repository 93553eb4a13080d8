package main

import "github.com/charmbracelet/lipgloss"

var (
	primary = lipgloss.Color("#FF6B35")
	success = lipgloss.Color("#4CAF50")
	warning = lipgloss.Color("#FFB74D")
	danger  = lipgloss.Color("#F44336")
	text    = lipgloss.Color("#E0E0E0")
	muted   = lipgloss.Color("#90A4AE")
	border  = lipgloss.Color("#30363D")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Bold(true).
			Padding(0, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primary)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(border).
			Foreground(text).
			Padding(0, 1)

	titleStyle   = lipgloss.NewStyle().Foreground(primary).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(success).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warning).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(danger).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	motionStyle  = lipgloss.NewStyle().Foreground(danger).Bold(true)
	idleStyle    = lipgloss.NewStyle().Foreground(muted)
	sessionStyle = lipgloss.NewStyle().Foreground(success)
)
