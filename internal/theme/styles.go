package theme

import "charm.land/lipgloss/v2"

// Styles contains the pre-built lipgloss styles.
type Styles struct {
	Title lipgloss.Style
	Label lipgloss.Style // fixed-width first column
	Muted lipgloss.Style
	OK    lipgloss.Style
	Warn  lipgloss.Style
	Fail  lipgloss.Style
}
