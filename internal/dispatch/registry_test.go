package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taproom/internal/protocol"
)

func nopHandler(context.Context, map[string]any) (any, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(protocol.CommandDefinition{Name: "zeta"}, nopHandler))
	require.NoError(t, r.Register(protocol.CommandDefinition{Name: " alpha "}, nopHandler))

	assert.Equal(t, 2, r.Len())

	cmd, err := r.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", cmd.Definition.Name)

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
}

func TestRegistryRejects(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(protocol.CommandDefinition{Name: "echo"}, nopHandler))

	tests := []struct {
		name    string
		def     protocol.CommandDefinition
		handler HandlerFunc
	}{
		{"empty name", protocol.CommandDefinition{Name: "  "}, nopHandler},
		{"nil handler", protocol.CommandDefinition{Name: "other"}, nil},
		{"duplicate", protocol.CommandDefinition{Name: "echo"}, nopHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.Register(tt.def, tt.handler))
		})
	}
}

func TestRegistryLookupMissing(t *testing.T) {
	_, err := NewRegistry().Lookup("nope")
	require.Error(t, err)

	var nf *protocol.CommandNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "nope", nf.Command)

	var pe *protocol.ProcessingError
	assert.True(t, errors.As(err, &pe))
	assert.Contains(t, err.Error(), "Could not find an implementation of command 'nope'")
}
