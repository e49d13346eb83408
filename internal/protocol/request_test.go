package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    []Status
		to      Status
		wantErr bool
	}{
		{name: "created to in progress", to: StatusInProgress},
		{name: "created to received", to: StatusReceived},
		{name: "in progress to itself", from: []Status{StatusInProgress}, to: StatusInProgress},
		{name: "in progress to success", from: []Status{StatusInProgress}, to: StatusSuccess},
		{name: "in progress to error", from: []Status{StatusInProgress}, to: StatusError},
		{name: "in progress back to created", from: []Status{StatusInProgress}, to: StatusCreated, wantErr: true},
		{name: "in progress back to received", from: []Status{StatusInProgress}, to: StatusReceived, wantErr: true},
		{name: "success is final", from: []Status{StatusSuccess}, to: StatusError, wantErr: true},
		{name: "error is final", from: []Status{StatusError}, to: StatusError, wantErr: true},
		{name: "canceled is final", from: []Status{StatusCanceled}, to: StatusInProgress, wantErr: true},
		{name: "invalid is final", from: []Status{StatusInvalid}, to: StatusSuccess, wantErr: true},
		{name: "unknown status", to: Status("BOGUS"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest("echo", nil)
			for _, s := range tt.from {
				require.NoError(t, req.SetStatus(s))
			}
			before := req.Status()

			err := req.SetStatus(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrStatusTransition))
				assert.Equal(t, before, req.Status(), "status must not change on rejected transition")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, req.Status())
		})
	}
}

func TestTerminalStatusesNeverChange(t *testing.T) {
	all := []Status{StatusCreated, StatusReceived, StatusInProgress, StatusSuccess, StatusError, StatusCanceled, StatusInvalid}
	for _, terminal := range []Status{StatusSuccess, StatusError, StatusCanceled, StatusInvalid} {
		req := NewRequest("echo", nil)
		require.NoError(t, req.SetStatus(terminal))
		for _, next := range all {
			assert.Error(t, req.SetStatus(next), "%s -> %s", terminal, next)
			assert.Equal(t, terminal, req.Status())
		}
	}
}

func TestWithTerminalErrorCopies(t *testing.T) {
	req := NewRequest("echo", map[string]any{"message": "hi"})
	req.ID = "abc"
	require.NoError(t, req.SetStatus(StatusSuccess))
	req.Output = "big output"

	cp := req.WithTerminalError("too large", "UpdateGivenUpError")

	assert.Equal(t, StatusSuccess, req.Status())
	assert.Equal(t, "big output", req.Output)
	assert.Empty(t, req.ErrorClass)

	assert.Equal(t, StatusError, cp.Status())
	assert.Equal(t, "too large", cp.Output)
	assert.Equal(t, "UpdateGivenUpError", cp.ErrorClass)
	assert.Equal(t, "abc", cp.ID)

	cp.Parameters["message"] = "changed"
	assert.Equal(t, "hi", req.Parameters["message"])
}

func TestRequestKinds(t *testing.T) {
	req := NewRequest("echo", nil)
	assert.False(t, req.IsEphemeral())
	assert.False(t, req.IsJSON())

	req.CommandType = "ephemeral"
	req.OutputType = "json"
	assert.True(t, req.IsEphemeral())
	assert.True(t, req.IsJSON())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, st)

	st, err = ParseStatus("in_progress")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, st)

	_, err = ParseStatus("DONE")
	assert.ErrorIs(t, err, ErrStatusTransition)
}
