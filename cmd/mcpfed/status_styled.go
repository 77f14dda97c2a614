package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"mcpfed/pkg/types"
)

// Style definitions
var (
	// Color palette
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4") // Comment
	bgLightColor   = lipgloss.Color("#44475A") // Current Line
	fgColor        = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	iconStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true).
			MarginRight(1)
)

func createPanel(title, icon, content string, width int) string {
	panel := panelStyle.Copy()
	if width > 0 {
		panel = panel.Width(width)
	}

	titleLine := iconStyle.Render(icon) + titleStyle.Render(title)
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, content))
}

func renderSummary(peers []types.PeerStatus) string {
	connected := 0
	for _, p := range peers {
		if p.State == types.StateConnected {
			connected++
		}
	}
	health := 100.0
	if len(peers) > 0 {
		health = float64(connected) * 100 / float64(len(peers))
	}

	var content strings.Builder
	metrics := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Registered Peers", fmt.Sprintf("%d", len(peers)), valueStyle},
		{"Connected Peers", fmt.Sprintf("%d", connected), getHealthStyle(connected, len(peers))},
		{"Federation Health", fmt.Sprintf("%.1f%%", health), getHealthPercentStyle(health)},
	}
	for _, m := range metrics {
		content.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render(m.label+":"), m.style.Render(m.value)))
	}
	content.WriteString("\n")
	content.WriteString(createMiniProgressBar(health, 30))

	return createPanel("FEDERATION OVERVIEW", "🌐", content.String(), 60)
}

func renderPeers(peers []types.PeerStatus) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return rowStyle.Copy().Foreground(fgColor)
		})

	t.Headers("SERVER ID", "ENDPOINT", "AUTH", "STATUS", "CAPABILITIES", "CONNECTED")

	for _, p := range peers {
		caps := mutedStyle.Render("-")
		if p.Capabilities != nil {
			caps = formatCapabilities(*p.Capabilities)
		}
		since := "-"
		if !p.ConnectedAt.IsZero() {
			since = formatSince(time.Since(p.ConnectedAt))
		}
		t.Row(
			string(p.ServerID),
			p.ControlEndpoint,
			string(p.AuthKind),
			formatState(p.State),
			caps,
			since,
		)
	}

	return createPanel("FEDERATED PEERS", "📡", t.Render(), 0)
}

func formatState(state types.ConnectionState) string {
	icon, color := "🔴", dangerColor
	switch state {
	case types.StateConnected:
		icon, color = "🟢", accentColor
	case types.StateConnecting, types.StateClosing:
		icon, color = "🟡", warningColor
	}
	return fmt.Sprintf("%s %s", icon, lipgloss.NewStyle().Foreground(color).Render(strings.ToUpper(state.String())))
}

func formatCapabilities(c types.Capabilities) string {
	var names []string
	if c.Resources {
		names = append(names, "resources")
	}
	if c.Prompts {
		names = append(names, "prompts")
	}
	if c.Tools {
		names = append(names, "tools")
	}
	if c.Sampling {
		names = append(names, "sampling")
	}
	if len(names) == 0 {
		return mutedStyle.Render("none")
	}
	return strings.Join(names, ", ")
}

func formatSince(elapsed time.Duration) string {
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds ago", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}

func createMiniProgressBar(percentage float64, width int) string {
	filled := int(percentage * float64(width) / 100)
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	color := getHealthColor(percentage)
	filledPart := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("▪", filled))
	emptyPart := mutedStyle.Render(strings.Repeat("·", width-filled))

	return fmt.Sprintf("%s%s %.1f%%", filledPart, emptyPart, percentage)
}

func getHealthColor(percentage float64) lipgloss.Color {
	if percentage >= 90 {
		return accentColor
	} else if percentage >= 50 {
		return warningColor
	}
	return dangerColor
}

func getHealthStyle(healthy, total int) lipgloss.Style {
	if healthy == total {
		return accentValueStyle
	} else if healthy > total/2 {
		return warningValueStyle
	}
	return dangerValueStyle
}

func getHealthPercentStyle(percentage float64) lipgloss.Style {
	if percentage >= 90 {
		return accentValueStyle
	} else if percentage >= 50 {
		return warningValueStyle
	}
	return dangerValueStyle
}
