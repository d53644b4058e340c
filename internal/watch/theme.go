package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pairbot/backend/internal/ws"
)

var (
	colorBrand   = lipgloss.Color("#25D366")
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorBrand)
	styleDimmed  = lipgloss.NewStyle().Foreground(colorDimmed)
	styleOK      = lipgloss.NewStyle().Bold(true).Foreground(colorBrand)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleDanger  = lipgloss.NewStyle().Bold(true).Foreground(colorDanger)
	styleBox     = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case ws.StatusConnected:
		return styleOK
	case ws.StatusError, ws.StatusDisconnected:
		return styleDanger
	}
	return styleWarning
}
