package dashboard

import "github.com/charmbracelet/lipgloss"

var (
	colorRunning = lipgloss.Color("76")  // green
	colorFailed  = lipgloss.Color("196") // red
	colorMuted   = lipgloss.Color("242") // gray
	colorAccent  = lipgloss.Color("39")  // blue
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Bold(true)

	runningStyle = lipgloss.NewStyle().Foreground(colorRunning)
	failedStyle  = lipgloss.NewStyle().Foreground(colorFailed)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle   = lipgloss.NewStyle().Foreground(colorFailed).Bold(true)
)
