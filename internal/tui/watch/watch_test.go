package watch

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taproom/internal/api"
	"github.com/mattjoyce/taproom/internal/events"
	"github.com/mattjoyce/taproom/internal/log"
)

type fixedStatus struct{ resp api.StatusResponse }

func (f fixedStatus) Status() api.StatusResponse { return f.resp }

func sampleStatus() api.StatusResponse {
	return api.StatusResponse{
		System:   "echo",
		Version:  "1.0.0",
		Instance: "default",
		Running:  true,
		Consumers: []api.ConsumerStatus{
			{Name: "admin", Queue: "admin.echo.1.0.0.default", State: "CONSUMING"},
			{Name: "requests", Queue: "echo.1.0.0.default", State: "CONSUMING"},
		},
		InFlight: map[string]int{"requests": 3},
		Commands: []string{"say"},
	}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"",
		"id: 1",
		"event: consumer.state",
		`data: {"consumer":"requests","state":"CONSUMING"}`,
		"",
		"id: 2",
		"event: request.rejected",
		`data: {"request_id":"r1"}`,
		"",
		"id: 3",
		"event: partial",
	}, "\n")

	var got []events.Event
	require.NoError(t, readSSE(strings.NewReader(stream), func(e events.Event) { got = append(got, e) }))
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, events.TypeConsumerState, got[0].Type)
	assert.JSONEq(t, `{"consumer":"requests","state":"CONSUMING"}`, string(got[0].Data))
	assert.Equal(t, events.TypeRequestRejected, got[1].Type)
}

func TestClientAgainstOpsAPI(t *testing.T) {
	hub := events.NewHub(10)
	hub.Publish(events.TypePluginLifecycle, map[string]string{"state": "starting"})
	hub.Publish(events.TypeRequestCompleted, events.RequestCompleted{RequestID: "r1", Status: "SUCCESS"})

	srv := httptest.NewServer(api.New(api.Config{Token: "secret"}, fixedStatus{sampleStatus()}, hub, log.Discard()).Handler())
	defer srv.Close()

	c := &Client{BaseURL: srv.URL + "/", Token: "secret"}
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo", st.System)
	assert.Equal(t, 3, st.InFlight["requests"])

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.ConsumersTotal)

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var got []events.Event
	_ = c.Stream(streamCtx, 1, func(e events.Event) {
		got = append(got, e)
		cancel()
	})
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeRequestCompleted, got[0].Type)

	bad := &Client{BaseURL: srv.URL, Token: "wrong"}
	_, err = bad.Status(ctx)
	assert.ErrorContains(t, err, "401")
}

func TestCountersAndDescribe(t *testing.T) {
	var c Counters
	c.Observe(events.Event{Type: events.TypeRequestCompleted, Data: []byte(`{"request_id":"abcdefghijk","command":"say","status":"SUCCESS"}`)})
	c.Observe(events.Event{Type: events.TypeRequestCompleted, Data: []byte(`{"status":"ERROR"}`)})
	c.Observe(events.Event{Type: events.TypeRequestRejected, Data: []byte(`{"discarded":true}`)})
	c.Observe(events.Event{Type: events.TypeConsumerState, Data: []byte(`{}`)})
	assert.Equal(t, Counters{Succeeded: 1, Failed: 1, Rejected: 1}, c)

	assert.Equal(t, "[abcdefgh] say SUCCESS",
		describeEvent(events.Event{Data: []byte(`{"request_id":"abcdefghijk","command":"say","status":"SUCCESS"}`)}))
	assert.Equal(t, "[r1] boom discarded",
		describeEvent(events.Event{Data: []byte(`{"request_id":"r1","discarded":true,"error":"boom"}`)}))
	assert.Equal(t, "{}", describeEvent(events.Event{Data: []byte(`{}`)}))
}

func TestPulseDecay(t *testing.T) {
	now := time.Now()
	p := Pulse{now: func() time.Time { return now }}
	p.Decay()
	assert.Equal(t, 0, p.Dots())

	p.OnEvent()
	assert.Equal(t, pulseDots, p.Dots())

	now = now.Add(5 * time.Second)
	p.Decay()
	assert.Equal(t, 3, p.Dots())

	now = now.Add(time.Minute)
	p.Decay()
	assert.Equal(t, 0, p.Dots())
}

func TestModelUpdate(t *testing.T) {
	m := New("http://127.0.0.1:0", "")

	next, _ := m.Update(statusMsg(sampleStatus()))
	model := next.(Model)
	require.NotNil(t, model.status)
	assert.Len(t, model.consumers.Rows(), 2)

	next, _ = model.Update(eventMsg(events.Event{
		ID:   7,
		Type: events.TypeConsumerState,
		Data: []byte(`{"consumer":"requests","state":"RECONNECTING"}`),
	}))
	model = next.(Model)
	assert.Equal(t, int64(7), model.lastID)
	assert.Equal(t, "RECONNECTING", model.status.Consumers[1].State)
	assert.Len(t, model.eventLog, 1)

	next, _ = model.Update(eventMsg(events.Event{ID: 8, Type: events.TypeControlPlaneDown, Data: []byte(`{}`)}))
	model = next.(Model)
	assert.True(t, model.health.ControlPlaneDown)

	next, _ = model.Update(sseDisconnectedMsg{})
	model = next.(Model)
	assert.False(t, model.health.Connected)
	assert.NotEmpty(t, model.lastError)

	next, _ = model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = next.(Model)
	view := model.View()
	assert.Contains(t, view, "echo 1.0.0 [default]")
	assert.Contains(t, view, "requests")
	assert.Contains(t, view, "EVENT STREAM")

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestApplyConsumerEventAddsUnknownConsumer(t *testing.T) {
	st := sampleStatus()
	e := events.Event{Type: events.TypeConsumerState}
	applyConsumerEvent(&st, e, events.ConsumerState{Consumer: "audit", State: "CONNECTING"})
	require.Len(t, st.Consumers, 3)
	assert.Equal(t, "admin", st.Consumers[0].Name)
	assert.Equal(t, "audit", st.Consumers[1].Name)

	applyConsumerEvent(nil, e, events.ConsumerState{Consumer: "x"})
}
