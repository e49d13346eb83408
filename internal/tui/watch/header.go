package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/taproom/internal/api"
)

// HealthState tracks /healthz polling.
type HealthState struct {
	api.HealthzResponse
	Connected bool
	LastCheck time.Time
}

func healthLabel(h HealthState, theme Theme) string {
	switch {
	case !h.Connected:
		return theme.StatusFailed.Render("CONNECTING")
	case h.Status == "ok":
		return theme.StatusOK.Render("HEALTHY")
	case h.Status == "":
		return theme.Dim.Render("UNKNOWN")
	default:
		return theme.StatusFailed.Render(strings.ToUpper(h.Status))
	}
}

func renderHeader(health HealthState, status *api.StatusResponse, counters Counters, pulse Pulse, theme Theme, width int) string {
	innerWidth := width - 4

	identity := "taproom watch"
	if status != nil {
		identity = fmt.Sprintf("%s %s [%s]", status.System, status.Version, status.Instance)
	}
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := theme.Header.Render(" " + identity)
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	controlPlane := theme.StatusOK.Render("up")
	if health.ControlPlaneDown {
		controlPlane = theme.StatusFailed.Render("down")
	}
	statsLine := fmt.Sprintf(" %s  uptime %s  consumers %d/%d  control plane %s",
		healthLabel(health, theme),
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.ConsumersReady, health.ConsumersTotal,
		controlPlane,
	)

	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(pulse.LastEvent()).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" ok %s  failed %s  rejected %s  last event %s %s",
		theme.StatusOK.Render(fmt.Sprint(counters.Succeeded)),
		theme.StatusFailed.Render(fmt.Sprint(counters.Failed)),
		theme.Highlight.Render(fmt.Sprint(counters.Rejected)),
		lastEvent,
		pulse.Render(theme),
	)

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
