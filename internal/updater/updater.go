// Package updater reports request status to the control plane, retrying
// through outages by asking the consumer to republish.
package updater

//go:generate mockgen -destination=mocks/mock_controlplane.go -package=mocks github.com/mattjoyce/taproom/internal/updater ControlPlane

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mattjoyce/taproom/internal/controlplane"
	"github.com/mattjoyce/taproom/internal/protocol"
)

const (
	// GiveUpErrorClass marks requests whose real result could not be delivered.
	GiveUpErrorClass = "UpdateGivenUpError"
	// GiveUpMessage replaces the output on the final update attempt.
	GiveUpMessage = "Unable to update request status after the maximum number of attempts; giving up"
	// TooLargeMessage replaces output the control plane refused as too large.
	TooLargeMessage = "Request output exceeded the control plane size limit and was discarded"
)

// ControlPlane is the subset of the control-plane client the updater needs.
type ControlPlane interface {
	GetVersion(ctx context.Context) (controlplane.Version, error)
	UpdateRequest(ctx context.Context, req *protocol.Request) error
	InstanceHeartbeat(ctx context.Context, instanceID string) error
}

// Options tunes retry behaviour.
type Options struct {
	// MaxAttempts <= 0 means unlimited.
	MaxAttempts     int
	MaxTimeout      time.Duration
	StartingTimeout time.Duration
	PollInterval    time.Duration
	// OnStateChange is called after the control plane goes down or comes back.
	OnStateChange func(down bool)
	Logger        *slog.Logger
}

// Updater sends status updates and coordinates waiting during outages.
type Updater struct {
	client ControlPlane
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	down         bool
	shuttingDown bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds an Updater. Call Start to run the connectivity poller.
func New(client ControlPlane, opts Options) *Updater {
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 30 * time.Second
	}
	if opts.StartingTimeout <= 0 {
		opts.StartingTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	u := &Updater{
		client: client,
		opts:   opts,
		logger: logger.With("component", "updater"),
		stopCh: make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// Start launches the poller that clears the outage flag.
func (u *Updater) Start() {
	u.startOnce.Do(func() {
		u.wg.Add(1)
		go u.pollLoop()
	})
}

// Shutdown stops the poller and releases every waiter. Later waits return at once.
func (u *Updater) Shutdown() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		u.shuttingDown = true
		u.cond.Broadcast()
		u.mu.Unlock()
		close(u.stopCh)
	})
	u.wg.Wait()
}

// IsDown reports whether the control plane is considered unreachable.
func (u *Updater) IsDown() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.down
}

// UpdateRequest sends req's current state and says what to do with the
// delivery that carried it.
func (u *Updater) UpdateRequest(ctx context.Context, req *protocol.Request, headers protocol.Headers) (protocol.Outcome, error) {
	if req == nil {
		return protocol.Outcome{}, errors.New("update request: nil request")
	}
	if req.IsEphemeral() {
		return protocol.AckOutcome(), nil
	}

	logger := u.logger.With("request_id", req.ID, "status", string(req.Status()), "retry_attempt", headers.RetryAttempt)

	u.waitForServer(ctx)

	if headers.RetryAttempt > 0 {
		wait := headers.TimeToWait
		if wait <= 0 {
			wait = u.opts.StartingTimeout.Seconds()
		}
		wait = math.Min(wait, u.opts.MaxTimeout.Seconds())
		logger.Debug("backing off before status update", "wait_seconds", wait)
		u.sleep(ctx, time.Duration(wait*float64(time.Second)))
	}

	final := u.opts.MaxAttempts > 0 && headers.RetryAttempt >= u.opts.MaxAttempts
	toSend := req
	if final {
		toSend = req.WithTerminalError(GiveUpMessage, GiveUpErrorClass)
		logger.Warn("final status update attempt, sending give-up error instead of result")
	}

	err := u.client.UpdateRequest(ctx, toSend)
	if err == nil {
		return protocol.AckOutcome(), nil
	}

	var (
		tooLarge *controlplane.TooLargeError
		client   *controlplane.ClientError
	)
	switch {
	case controlplane.IsConnectionError(err):
		u.markDown(err)
		logger.Warn("control plane unreachable, will republish", "error", err)
		return protocol.RepublishOutcome(req, headers), nil

	case ctx.Err() != nil:
		logger.Warn("status update interrupted, will republish", "error", err)
		return protocol.RepublishOutcome(req, headers), nil

	case errors.As(err, &tooLarge):
		logger.Error("control plane rejected output as too large, republishing as error", "error", err)
		return protocol.RepublishOutcome(req.WithTerminalError(TooLargeMessage, GiveUpErrorClass), headers), nil

	case errors.As(err, &client):
		logger.Error("control plane rejected status update, discarding", "error", err)
		return protocol.DiscardOutcome(err.Error()), nil

	case final:
		logger.Error("final status update attempt failed, discarding", "error", err)
		return protocol.DiscardOutcome(err.Error()), nil
	}

	next := u.NextHeaders(headers)
	logger.Warn("status update failed, will retry",
		"error", err,
		"next_attempt", next.RetryAttempt,
		"time_to_wait", next.TimeToWait,
	)
	return protocol.RepublishOutcome(req, next), nil
}

// NextHeaders advances the retry envelope after a failed attempt.
func (u *Updater) NextHeaders(h protocol.Headers) protocol.Headers {
	prev := h.TimeToWait
	if prev <= 0 {
		prev = u.opts.StartingTimeout.Seconds() / 2
	}
	h.RetryAttempt++
	h.TimeToWait = math.Min(prev*2, u.opts.MaxTimeout.Seconds())
	return h
}

// Heartbeat tells the control plane the instance is alive. It is skipped
// during an outage.
func (u *Updater) Heartbeat(ctx context.Context, instanceID string) error {
	if u.IsDown() {
		u.logger.Debug("skipping heartbeat, control plane down", "instance_id", instanceID)
		return nil
	}
	err := u.client.InstanceHeartbeat(ctx, instanceID)
	if controlplane.IsConnectionError(err) {
		u.markDown(err)
	}
	return err
}

// Backoff returns how long attempt n waits before sending: 0 for the first
// try, then starting, doubling up to max.
func Backoff(attempt int, starting, maxWait time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := starting
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxWait {
			return maxWait
		}
	}
	return min(d, maxWait)
}

func (u *Updater) waitForServer(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		u.mu.Lock()
		u.cond.Broadcast()
		u.mu.Unlock()
	})
	defer stop()

	u.mu.Lock()
	defer u.mu.Unlock()
	for u.down && !u.shuttingDown && ctx.Err() == nil {
		u.cond.Wait()
	}
}

func (u *Updater) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-u.stopCh:
	case <-ctx.Done():
	}
}

func (u *Updater) markDown(cause error) {
	u.mu.Lock()
	changed := !u.down
	u.down = true
	u.mu.Unlock()
	if changed {
		u.logger.Warn("control plane marked down", "error", cause)
		if u.opts.OnStateChange != nil {
			u.opts.OnStateChange(true)
		}
	}
}

func (u *Updater) markUp() {
	u.mu.Lock()
	changed := u.down
	u.down = false
	u.cond.Broadcast()
	u.mu.Unlock()
	if changed {
		u.logger.Info("control plane reachable again")
		if u.opts.OnStateChange != nil {
			u.opts.OnStateChange(false)
		}
	}
}

func (u *Updater) pollLoop() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
			if !u.IsDown() {
				continue
			}
			u.probe()
		}
	}
}

func (u *Updater) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), u.opts.PollInterval)
	defer cancel()
	go func() {
		select {
		case <-u.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := u.client.GetVersion(ctx); err != nil {
		u.logger.Debug("control plane still down", "error", err)
		return
	}
	u.markUp()
}

// NoopUpdater acknowledges everything without contacting anyone.
type NoopUpdater struct{}

func (NoopUpdater) UpdateRequest(context.Context, *protocol.Request, protocol.Headers) (protocol.Outcome, error) {
	return protocol.AckOutcome(), nil
}

func (NoopUpdater) Shutdown() {}
