package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taproom/internal/protocol"
)

func TestSystemValidator(t *testing.T) {
	v := SystemValidator("Echo")

	tests := []struct {
		system  string
		discard bool
	}{
		{"Echo", false},
		{"echo", false},
		{"ECHO", false},
		{"other", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.system, func(t *testing.T) {
			req := protocol.NewRequest("say", nil)
			req.System = tt.system
			err := v(req)
			if !tt.discard {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, protocol.IsDiscard(err))
			assert.Contains(t, err.Error(), "received message for system")
		})
	}
}

func TestSchemaValidator(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(protocol.CommandDefinition{
		Name: "resize",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"width"},
			"properties": map[string]any{
				"width": map[string]any{"type": "integer", "minimum": 1},
			},
		},
	}, func(context.Context, map[string]any) (any, error) { return nil, nil }))
	require.NoError(t, r.Register(protocol.CommandDefinition{Name: "free"}, nopHandler))

	v := SchemaValidator(r)

	tests := []struct {
		name    string
		command string
		params  map[string]any
		discard bool
	}{
		{"valid", "resize", map[string]any{"width": 10}, false},
		{"missing required", "resize", map[string]any{}, true},
		{"below minimum", "resize", map[string]any{"width": 0}, true},
		{"no schema", "free", map[string]any{"anything": true}, false},
		{"unknown command", "nope", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v(protocol.NewRequest(tt.command, tt.params))
			if !tt.discard {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, protocol.IsDiscard(err))
		})
	}
}

func TestSchemaValidatorSkipsTerminal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(protocol.CommandDefinition{
		Name:        "resize",
		InputSchema: map[string]any{"type": "object", "required": []any{"width"}},
	}, nopHandler))

	req := protocol.NewRequest("resize", nil)
	require.NoError(t, req.SetStatus(protocol.StatusSuccess))
	assert.NoError(t, SchemaValidator(r)(req))
}
