package cli

import "github.com/charmbracelet/lipgloss"

var (
	Title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

	Bold = lipgloss.NewStyle().Bold(true)

	DimText = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	Label = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(16)

	TableHeader = lipgloss.NewStyle().Bold(true).Underline(true)

	Healthy = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	Pending = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	Unhealthy = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// field renders one "label  value" line.
func field(label, value string) string {
	if value == "" {
		value = DimText.Render("-")
	}
	return "  " + Label.Render(label) + value
}
