package updater

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taproom/internal/controlplane"
	"github.com/mattjoyce/taproom/internal/protocol"
	"github.com/mattjoyce/taproom/internal/updater/mocks"
)

// TestLogBuffer is a goroutine-safe buffer for captured log output.
type TestLogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func testOptions(logger *slog.Logger) Options {
	return Options{
		MaxAttempts:     -1,
		MaxTimeout:      40 * time.Millisecond,
		StartingTimeout: 10 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		Logger:          logger,
	}
}

func newRequest(id string, status protocol.Status) *protocol.Request {
	req := protocol.NewRequest("echo", map[string]any{"message": "hi"})
	req.ID = id
	if status != protocol.StatusCreated {
		_ = req.SetStatus(status)
	}
	return req
}

func connErr() error {
	return &controlplane.ConnectionError{Err: errors.New("connection refused")}
}

func TestBackoffSeries(t *testing.T) {
	var got []time.Duration
	for n := 0; n < 6; n++ {
		got = append(got, Backoff(n, 5*time.Second, 30*time.Second))
	}
	want := []time.Duration{0, 5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}
	assert.Equal(t, want, got)
}

func TestNextHeadersMatchesBackoff(t *testing.T) {
	u := New(nil, Options{StartingTimeout: 5 * time.Second, MaxTimeout: 30 * time.Second})

	h := protocol.Headers{RequestID: "r1"}
	for n := 1; n <= 5; n++ {
		h = u.NextHeaders(h)
		assert.Equal(t, n, h.RetryAttempt)
		assert.Equal(t, Backoff(n, 5*time.Second, 30*time.Second).Seconds(), h.TimeToWait, "attempt %d", n)
		assert.Equal(t, "r1", h.RequestID)
	}
}

func TestUpdateRequestOutcomes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockControlPlane(ctrl)
	logger, logBuf := NewTestSlogger()
	u := New(client, testOptions(logger))
	ctx := context.Background()

	t.Run("ephemeral requests are acked without a call", func(t *testing.T) {
		req := newRequest("e1", protocol.StatusSuccess)
		req.CommandType = protocol.CommandTypeEphemeral
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{})
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeAck, out.Kind)
	})

	t.Run("success acks", func(t *testing.T) {
		req := newRequest("ok", protocol.StatusSuccess)
		client.EXPECT().UpdateRequest(ctx, req).Return(nil)
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{})
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeAck, out.Kind)
	})

	t.Run("client error discards", func(t *testing.T) {
		req := newRequest("bad", protocol.StatusSuccess)
		client.EXPECT().UpdateRequest(ctx, req).Return(&controlplane.ClientError{StatusCode: 400, Message: "nope"})
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{})
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeDiscard, out.Kind)
		assert.Contains(t, out.Reason, "nope")
	})

	t.Run("not found is a client error", func(t *testing.T) {
		req := newRequest("gone", protocol.StatusSuccess)
		client.EXPECT().UpdateRequest(ctx, req).Return(&controlplane.NotFoundError{ClientError: controlplane.ClientError{StatusCode: 404}})
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{})
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeDiscard, out.Kind)
	})

	t.Run("server error republishes with advanced headers", func(t *testing.T) {
		req := newRequest("flaky", protocol.StatusSuccess)
		client.EXPECT().UpdateRequest(ctx, req).Return(&controlplane.ServerError{StatusCode: 500, Message: "boom"})
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{RequestID: "flaky"})
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeRepublish, out.Kind)
		assert.Same(t, req, out.Request)
		assert.Equal(t, protocol.Headers{RetryAttempt: 1, TimeToWait: 0.01, RequestID: "flaky"}, out.Headers)
		assert.Contains(t, logBuf.String(), "status update failed, will retry")
	})

	t.Run("too large republishes an error copy", func(t *testing.T) {
		req := newRequest("huge", protocol.StatusSuccess)
		req.Output = "enormous"
		client.EXPECT().UpdateRequest(ctx, req).Return(&controlplane.TooLargeError{Message: "413"})
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{})
		require.NoError(t, err)
		require.Equal(t, protocol.OutcomeRepublish, out.Kind)
		assert.NotSame(t, req, out.Request)
		assert.Equal(t, protocol.StatusError, out.Request.Status())
		assert.Equal(t, TooLargeMessage, out.Request.Output)
		assert.Equal(t, GiveUpErrorClass, out.Request.ErrorClass)
		assert.Equal(t, protocol.StatusSuccess, req.Status())
		assert.Equal(t, "enormous", req.Output)
		assert.Equal(t, protocol.Headers{}, out.Headers)
	})
}

func TestUpdateRequestFinalAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockControlPlane(ctrl)
	logger, _ := NewTestSlogger()
	opts := testOptions(logger)
	opts.MaxAttempts = 2
	u := New(client, opts)
	ctx := context.Background()

	var sent []*protocol.Request
	capture := func(_ context.Context, r *protocol.Request) {
		sent = append(sent, r)
	}

	t.Run("below the limit sends the real result", func(t *testing.T) {
		req := newRequest("r", protocol.StatusSuccess)
		client.EXPECT().UpdateRequest(ctx, gomock.Any()).Do(capture).Return(&controlplane.ServerError{StatusCode: 500})
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{RetryAttempt: 1, TimeToWait: 0.001})
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeRepublish, out.Kind)
		assert.Equal(t, 2, out.Headers.RetryAttempt)
		assert.Same(t, req, sent[len(sent)-1])
	})

	t.Run("final failure discards after sending give-up error", func(t *testing.T) {
		req := newRequest("r", protocol.StatusSuccess)
		req.Output = "real result"
		client.EXPECT().UpdateRequest(ctx, gomock.Any()).Do(capture).Return(&controlplane.ServerError{StatusCode: 500})
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{RetryAttempt: 2, TimeToWait: 0.001})
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeDiscard, out.Kind)

		last := sent[len(sent)-1]
		assert.Equal(t, protocol.StatusError, last.Status())
		assert.Equal(t, GiveUpMessage, last.Output)
		assert.Equal(t, GiveUpErrorClass, last.ErrorClass)
		assert.Equal(t, "real result", req.Output)
	})

	t.Run("final success acks", func(t *testing.T) {
		req := newRequest("r", protocol.StatusSuccess)
		client.EXPECT().UpdateRequest(ctx, gomock.Any()).Return(nil)
		out, err := u.UpdateRequest(ctx, req, protocol.Headers{RetryAttempt: 3, TimeToWait: 0.001})
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeAck, out.Kind)
	})

	t.Run("connectivity never counts as an attempt", func(t *testing.T) {
		req := newRequest("r", protocol.StatusSuccess)
		client.EXPECT().UpdateRequest(ctx, gomock.Any()).Return(connErr())
		h := protocol.Headers{RetryAttempt: 5, TimeToWait: 0.001}
		out, err := u.UpdateRequest(ctx, req, h)
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeRepublish, out.Kind)
		assert.Equal(t, h, out.Headers)
	})
}

func TestBackoffWaitIsCapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockControlPlane(ctrl)
	u := New(client, testOptions(nil))
	ctx := context.Background()
	req := newRequest("r", protocol.StatusSuccess)

	client.EXPECT().UpdateRequest(ctx, req).Return(nil).Times(2)

	start := time.Now()
	_, err := u.UpdateRequest(ctx, req, protocol.Headers{RetryAttempt: 1, TimeToWait: 0.03})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	start = time.Now()
	_, err = u.UpdateRequest(ctx, req, protocol.Headers{RetryAttempt: 4, TimeToWait: 3600})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOutageBlocksUntilPollerClears(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockControlPlane(ctrl)
	logger, logBuf := NewTestSlogger()

	var (
		stateMu sync.Mutex
		states  []bool
	)
	opts := testOptions(logger)
	opts.OnStateChange = func(down bool) {
		stateMu.Lock()
		states = append(states, down)
		stateMu.Unlock()
	}
	u := New(client, opts)
	ctx := context.Background()

	first := newRequest("first", protocol.StatusSuccess)
	second := newRequest("second", protocol.StatusSuccess)

	release := make(chan struct{})
	client.EXPECT().UpdateRequest(ctx, first).Return(connErr())
	client.EXPECT().GetVersion(gomock.Any()).DoAndReturn(func(context.Context) (controlplane.Version, error) {
		<-release
		return controlplane.Version{Server: "3"}, nil
	}).MinTimes(1)
	client.EXPECT().UpdateRequest(ctx, second).Return(nil)

	out, err := u.UpdateRequest(ctx, first, protocol.Headers{})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeRepublish, out.Kind)
	assert.True(t, u.IsDown())

	u.Start()
	defer u.Shutdown()

	done := make(chan protocol.Outcome, 1)
	go func() {
		o, _ := u.UpdateRequest(ctx, second, protocol.Headers{})
		done <- o
	}()

	select {
	case <-done:
		t.Fatal("update proceeded while the control plane was down")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case o := <-done:
		assert.Equal(t, protocol.OutcomeAck, o.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("update still blocked after the poller cleared the outage")
	}
	assert.False(t, u.IsDown())
	assert.Contains(t, logBuf.String(), "control plane reachable again")

	stateMu.Lock()
	assert.Equal(t, []bool{true, false}, states)
	stateMu.Unlock()
}

func TestShutdownReleasesWaiters(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockControlPlane(ctrl)
	u := New(client, testOptions(nil))
	ctx := context.Background()
	req := newRequest("r", protocol.StatusSuccess)

	client.EXPECT().UpdateRequest(ctx, req).Return(connErr()).Times(2)

	_, err := u.UpdateRequest(ctx, req, protocol.Headers{})
	require.NoError(t, err)
	require.True(t, u.IsDown())

	done := make(chan protocol.Outcome, 1)
	go func() {
		o, _ := u.UpdateRequest(ctx, req, protocol.Headers{})
		done <- o
	}()

	select {
	case <-done:
		t.Fatal("waiter returned before shutdown")
	case <-time.After(30 * time.Millisecond):
	}

	u.Shutdown()

	select {
	case o := <-done:
		assert.Equal(t, protocol.OutcomeRepublish, o.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not release waiter")
	}
}

func TestContextCancelReleasesWaiter(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockControlPlane(ctrl)
	u := New(client, testOptions(nil))
	req := newRequest("r", protocol.StatusSuccess)

	client.EXPECT().UpdateRequest(gomock.Any(), req).Return(connErr())
	_, _ = u.UpdateRequest(context.Background(), req, protocol.Headers{})

	ctx, cancel := context.WithCancel(context.Background())
	client.EXPECT().UpdateRequest(ctx, req).Return(context.Canceled)

	done := make(chan protocol.Outcome, 1)
	go func() {
		o, _ := u.UpdateRequest(ctx, req, protocol.Headers{})
		done <- o
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case o := <-done:
		assert.Equal(t, protocol.OutcomeRepublish, o.Kind)
		assert.Equal(t, protocol.Headers{}, o.Headers)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not release waiter")
	}
}

func TestHeartbeat(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockControlPlane(ctrl)
	u := New(client, testOptions(nil))
	ctx := context.Background()

	client.EXPECT().InstanceHeartbeat(ctx, "inst").Return(nil)
	assert.NoError(t, u.Heartbeat(ctx, "inst"))

	client.EXPECT().InstanceHeartbeat(ctx, "inst").Return(connErr())
	assert.Error(t, u.Heartbeat(ctx, "inst"))
	assert.True(t, u.IsDown())

	// Skipped while down: no further call is expected.
	assert.NoError(t, u.Heartbeat(ctx, "inst"))
}

func TestNoopUpdater(t *testing.T) {
	out, err := NoopUpdater{}.UpdateRequest(context.Background(), newRequest("x", protocol.StatusSuccess), protocol.Headers{RetryAttempt: 9})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeAck, out.Kind)
}
