package watch

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/taproom/internal/api"
	"github.com/mattjoyce/taproom/internal/events"
)

func newConsumerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Consumer", Width: 10},
			{Title: "Queue", Width: 36},
			{Title: "State", Width: 12},
			{Title: "In flight", Width: 9},
		}),
		table.WithHeight(3),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)
	return t
}

// applyConsumerEvent moves a consumer to the state carried by a
// consumer.state event, adding it if /status has not reported it yet.
func applyConsumerEvent(status *api.StatusResponse, e events.Event, state events.ConsumerState) {
	if status == nil || e.Type != events.TypeConsumerState {
		return
	}
	for i := range status.Consumers {
		if status.Consumers[i].Name == state.Consumer {
			status.Consumers[i].State = state.State
			return
		}
	}
	status.Consumers = append(status.Consumers, api.ConsumerStatus{Name: state.Consumer, State: state.State})
	sort.Slice(status.Consumers, func(i, j int) bool { return status.Consumers[i].Name < status.Consumers[j].Name })
}

func consumerRows(status *api.StatusResponse) []table.Row {
	if status == nil {
		return nil
	}
	rows := make([]table.Row, 0, len(status.Consumers))
	for _, c := range status.Consumers {
		rows = append(rows, table.Row{
			c.Name,
			c.Queue,
			c.State,
			fmt.Sprint(status.InFlight[c.Name]),
		})
	}
	return rows
}

func renderConsumers(t table.Model, status *api.StatusResponse, theme Theme, width int) string {
	innerWidth := width - 4
	if status == nil {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("CONSUMERS"),
			theme.Dim.Render("  Waiting for /status..."),
		))
	}
	running := theme.StatusOK.Render("running")
	if !status.Running {
		running = theme.StatusRunning.Render("stopping")
	}
	title := theme.Title.Render(fmt.Sprintf("CONSUMERS  %s  %d commands", running, len(status.Commands)))
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}
