package watch

import (
	"encoding/json"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/taproom/internal/api"
	"github.com/mattjoyce/taproom/internal/events"
)

const (
	maxEventLog    = 50
	pollInterval   = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the BubbleTea model for the watch dashboard.
type Model struct {
	client *Client

	width  int
	height int

	health    HealthState
	status    *api.StatusResponse
	counters  Counters
	eventLog  []events.Event
	lastID    int64
	consumers table.Model
	pulse     Pulse
	theme     Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a dashboard for the ops API at apiURL.
func New(apiURL, token string) *Model {
	return &Model{
		client:    &Client{BaseURL: apiURL, Token: token},
		eventLog:  make([]events.Event, 0),
		consumers: newConsumerTable(),
		pulse:     NewPulse(),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchStatus(m.client),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(fetchHealth(m.client), fetchStatus(m.client))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.pulse.Decay()
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.pulse.OnEvent()
		m.counters.Observe(e)

		switch e.Type {
		case events.TypeConsumerState:
			var st events.ConsumerState
			if err := json.Unmarshal(e.Data, &st); err == nil {
				applyConsumerEvent(m.status, e, st)
				m.consumers.SetRows(consumerRows(m.status))
			}
		case events.TypeControlPlaneDown:
			m.health.ControlPlaneDown = true
		case events.TypeControlPlaneUp:
			m.health.ControlPlaneDown = false
		}

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.HealthzResponse = api.HealthzResponse(msg)
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchHealth(m.client)() })

	case statusMsg:
		st := api.StatusResponse(msg)
		m.status = &st
		m.consumers.SetRows(consumerRows(m.status))
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchStatus(m.client)() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = "event stream: " + msg.err.Error()
		}
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		m.health.Connected = false
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return msg.retry() })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.status, m.counters, m.pulse, m.theme, m.width),
		renderConsumers(m.consumers, m.status, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ! "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit  [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
