package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecFor(name)
			require.NoError(t, err)

			parent := NewRequest("outer", nil)
			parent.ID = "parent-1"

			req := NewRequest("echo", map[string]any{
				"message": "hello",
				"nested":  map[string]any{"inner": "value"},
				"list":    []any{"a", "b"},
			})
			req.ID = "req-1"
			req.System = "echo"
			req.SystemVersion = "1.0.0"
			req.InstanceName = "default"
			req.OutputType = OutputTypeJSON
			req.Parent = parent
			require.NoError(t, req.SetStatus(StatusInProgress))

			data, err := codec.EncodeRequest(req)
			require.NoError(t, err)

			got, err := codec.DecodeRequest(data)
			require.NoError(t, err)

			assert.Equal(t, "req-1", got.ID)
			assert.Equal(t, "echo", got.Command)
			assert.Equal(t, StatusInProgress, got.Status())
			assert.Equal(t, "hello", got.Parameters["message"])
			assert.Equal(t, map[string]any{"inner": "value"}, got.Parameters["nested"])
			assert.Equal(t, []any{"a", "b"}, got.Parameters["list"])
			require.NotNil(t, got.Parent)
			assert.Equal(t, "parent-1", got.Parent.ID)
			assert.True(t, got.HasParent)
			assert.True(t, got.IsJSON())
		})
	}
}

func TestJSONDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		checkFn func(t *testing.T, req *Request)
	}{
		{
			name:  "terminal status preserved",
			input: `{"id":"1","command":"echo","status":"SUCCESS","output":"done"}`,
			checkFn: func(t *testing.T, req *Request) {
				assert.Equal(t, StatusSuccess, req.Status())
				assert.Equal(t, "done", req.Output)
				assert.Error(t, req.SetStatus(StatusInProgress))
			},
		},
		{
			name:  "missing status defaults to created",
			input: `{"command":"echo"}`,
			checkFn: func(t *testing.T, req *Request) {
				assert.Equal(t, StatusCreated, req.Status())
				assert.NotNil(t, req.Parameters)
				assert.False(t, req.CreatedAt.IsZero())
			},
		},
		{
			name:    "missing command",
			input:   `{"id":"1","parameters":{}}`,
			wantErr: "missing required field: command",
		},
		{
			name:    "unknown status",
			input:   `{"command":"echo","status":"WAT"}`,
			wantErr: "unknown status",
		},
		{
			name:    "not json",
			input:   `not json`,
			wantErr: "failed to decode request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := JSONCodec{}.DecodeRequest([]byte(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.checkFn(t, req)
		})
	}
}

func TestEncodeRequestFields(t *testing.T) {
	req := NewRequest("echo", map[string]any{"x": "y"})
	req.ID = "id-1"
	require.NoError(t, req.SetStatus(StatusSuccess))

	data, err := JSONCodec{}.EncodeRequest(req)
	require.NoError(t, err)
	out := string(data)

	for _, want := range []string{`"id":"id-1"`, `"command":"echo"`, `"status":"SUCCESS"`, `"parameters":{"x":"y"}`} {
		if !strings.Contains(out, want) {
			t.Errorf("encoded request missing %s: %s", want, out)
		}
	}

	_, err = JSONCodec{}.EncodeRequest(nil)
	assert.Error(t, err)
}

func TestCodecFor(t *testing.T) {
	c, err := CodecFor("")
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	c, err = CodecFor("CBOR")
	require.NoError(t, err)
	assert.Equal(t, "application/cbor", c.ContentType())

	_, err = CodecFor("xml")
	assert.Error(t, err)
}
