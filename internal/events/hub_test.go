package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeConsumerState, ConsumerState{Consumer: "requests", State: "CONSUMING"})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	later := h.SnapshotSince(4)
	require.Len(t, later, 1)
	assert.Equal(t, int64(5), later[0].ID)
}

func TestHubPayload(t *testing.T) {
	h := NewHub(10)
	h.Publish(TypeRequestCompleted, RequestCompleted{RequestID: "r1", Command: "echo", Status: "SUCCESS", Outcome: "ack"})
	h.Publish(TypeControlPlaneDown, nil)
	h.Publish("bad", make(chan int))

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)

	var got RequestCompleted
	require.NoError(t, json.Unmarshal(snap[0].Data, &got))
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, "{}", string(snap[1].Data))
	assert.Equal(t, "{}", string(snap[2].Data))
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish(TypePluginLifecycle, map[string]string{"phase": "started"})
	ev := <-ch
	assert.Equal(t, TypePluginLifecycle, ev.Type)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < 100; i++ {
		h.Publish(TypeConsumerState, nil)
	}
	assert.Equal(t, int64(36), h.Dropped())
}

func TestNilHubPublish(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(TypeConsumerFatal, nil) })
	assert.Zero(t, h.Dropped())
}
