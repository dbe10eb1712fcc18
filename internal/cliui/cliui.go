// Package cliui holds the handful of terminal-output styles shared by
// cmd/synql's subcommands: lipgloss for styling, termenv for color-profile
// detection, and golang.org/x/term for the TTY/NO_COLOR check.
package cliui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// profile is detected once per process so the palette adapts to the
// terminal rather than assuming truecolor.
var profile = termenv.EnvColorProfile()

// colorEnabled: NO_COLOR disables it, CLICOLOR=0 disables it,
// CLICOLOR_FORCE forces it on, otherwise it follows whether stdout is a
// terminal.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") != "" {
		return true
	}
	return term.IsTerminal(int(os.Stdout.Fd())) && profile != termenv.Ascii
}

var (
	// ColorAccent highlights headers and peer ids.
	ColorAccent = lipgloss.AdaptiveColor{Light: "#0B5FFF", Dark: "#5FAFFF"}
	// ColorWarn marks conflicts and rejected rows.
	ColorWarn = lipgloss.AdaptiveColor{Light: "#B05A00", Dark: "#FFB454"}
	// ColorMuted marks secondary, low-emphasis text.
	ColorMuted = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Header renders a section header for command output.
func Header(s string) string {
	if !colorEnabled() {
		return s
	}
	return headerStyle.Render(s)
}

// Warn renders a string flagging a conflict or rejected row.
func Warn(s string) string {
	if !colorEnabled() {
		return s
	}
	return warnStyle.Render(s)
}

// Muted renders secondary text, such as a path or timestamp.
func Muted(s string) string {
	if !colorEnabled() {
		return s
	}
	return mutedStyle.Render(s)
}

