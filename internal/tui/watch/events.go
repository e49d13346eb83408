package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/taproom/internal/events"
)

const eventRows = 10

// Counters tallies request outcomes seen on the stream.
type Counters struct {
	Succeeded int
	Failed    int
	Rejected  int
}

func (c *Counters) Observe(e events.Event) {
	switch e.Type {
	case events.TypeRequestCompleted:
		var rc events.RequestCompleted
		_ = json.Unmarshal(e.Data, &rc)
		if rc.Status == "ERROR" {
			c.Failed++
		} else {
			c.Succeeded++
		}
	case events.TypeRequestRejected:
		c.Rejected++
	}
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, eventRows)
	for i, e := range eventLog {
		if i >= eventRows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func eventStyle(e events.Event, theme Theme) lipgloss.Style {
	switch e.Type {
	case events.TypeRequestCompleted:
		if strings.Contains(string(e.Data), `"status":"ERROR"`) {
			return theme.StatusFailed
		}
		return theme.StatusOK
	case events.TypeControlPlaneUp:
		return theme.StatusOK
	case events.TypeRequestRejected, events.TypeControlPlaneDown, events.TypeConsumerFatal:
		return theme.StatusFailed
	case events.TypeConsumerState, events.TypePluginLifecycle:
		return theme.Highlight
	default:
		return theme.Dim
	}
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := eventStyle(e, theme).Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent pulls the interesting fields out of an event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["request_id"].(string); ok {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	for _, key := range []string{"consumer", "command", "state", "status", "outcome", "error"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if discarded, ok := data["discarded"].(bool); ok && discarded {
		parts = append(parts, "discarded")
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
