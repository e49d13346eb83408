// Package broker consumes request queues and settles each delivery once its
// processing task completes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/taproom/internal/protocol"
)

// ErrConnectRetriesExhausted is returned by Run when the broker could not be
// reached within the configured number of retries.
var ErrConnectRetriesExhausted = errors.New("broker connect retries exhausted")

const (
	connectBackoffBase = 100 * time.Millisecond
	publishTimeout     = 10 * time.Second
	deliveryPersistent = 2
)

// State is a position in the consumer's connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateChannelOpen
	StateConsuming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateChannelOpen:
		return "CHANNEL_OPEN"
	case StateConsuming:
		return "CONSUMING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler turns a delivery into an asynchronous task. A synchronous
// DiscardError drops the message; any other error requeues it.
type Handler interface {
	OnMessage(ctx context.Context, body []byte, headers protocol.Headers) (<-chan protocol.Result, error)
	Codec() protocol.Codec
}

// Options configures a Consumer.
type Options struct {
	Name              string
	URL               string
	Queue             string
	Prefetch          int
	MaxConnectRetries int
	MaxConnectBackoff time.Duration
	ReconnectDelay    time.Duration
	// DrainTimeout bounds how long Stop keeps settling finished tasks.
	DrainTimeout time.Duration
	AppID        string

	Dialer  Dialer
	Handler Handler
	// OnFatal runs on its own goroutine when an unrecoverable error occurs.
	OnFatal func(err error)
	// Observer is told about every state change.
	Observer func(consumer string, state State)
	Logger   *slog.Logger
}

type completion struct {
	generation uint64
	delivery   Delivery
	result     protocol.Result
}

// Consumer owns one queue subscription. All channel operations happen on the
// goroutine running Run.
type Consumer struct {
	opts   Options
	logger *slog.Logger

	state      atomic.Int32
	generation uint64
	pending    atomic.Int64
	panicked   atomic.Bool

	completions chan completion
	cancelCh    chan struct{}
	stopCh      chan struct{}
	done        chan struct{}

	started    atomic.Bool
	stopping   atomic.Bool
	stopOnce   sync.Once
	consumeOff atomic.Bool
	fatalOnce  sync.Once
}

// NewConsumer validates opts and builds a Consumer.
func NewConsumer(opts Options) (*Consumer, error) {
	if opts.Dialer == nil {
		return nil, errors.New("consumer: dialer is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("consumer: handler is required")
	}
	if opts.Queue == "" {
		return nil, errors.New("consumer: queue is required")
	}
	if opts.Name == "" {
		opts.Name = opts.Queue
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.MaxConnectBackoff <= 0 {
		opts.MaxConnectBackoff = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		opts:        opts,
		logger:      logger.With("component", "consumer", "consumer", opts.Name, "queue", opts.Queue),
		completions: make(chan completion, opts.Prefetch),
		cancelCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Name returns the consumer's name.
func (c *Consumer) Name() string { return c.opts.Name }

// State returns the current lifecycle state.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Panicked reports whether the consumer stopped because of a fatal error.
func (c *Consumer) Panicked() bool { return c.panicked.Load() }

// Pending returns the number of deliveries awaiting settlement.
func (c *Consumer) Pending() int { return int(c.pending.Load()) }

// Done is closed when Run returns.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// ConnectBackoff is the delay before connection attempt n+1.
func ConnectBackoff(n int, maxWait time.Duration) time.Duration {
	d := connectBackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxWait {
			return maxWait
		}
	}
	return min(d, maxWait)
}

// Run connects and consumes until Stop, ctx cancellation, a forced close by
// the broker, or a fatal error. It may be called once.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("consumer: Run called twice")
	}
	defer func() {
		c.setState(StateClosed)
		close(c.done)
	}()

	for {
		if c.stopping.Load() || ctx.Err() != nil {
			return nil
		}

		conn, err := c.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrConnectRetriesExhausted) {
				return c.fail(err)
			}
			return nil
		}

		cause, err := c.serve(ctx, conn)
		if err != nil {
			return c.fail(err)
		}
		if c.stopping.Load() || ctx.Err() != nil {
			return nil
		}
		if cause != nil && cause.Code == ConnectionForced {
			c.logger.Warn("broker forced connection closed, not reconnecting", "reason", cause.Reason)
			return nil
		}

		c.setState(StateConnecting)
		c.logger.Warn("broker connection lost, reconnecting", "cause", cause, "delay", c.opts.ReconnectDelay)
		if !c.sleep(ctx, c.opts.ReconnectDelay) {
			return nil
		}
	}
}

// StopConsuming asks the broker to stop sending deliveries. In-flight work
// keeps being settled.
func (c *Consumer) StopConsuming() {
	c.consumeOff.Store(true)
	select {
	case c.cancelCh <- struct{}{}:
	default:
	}
}

// Stop shuts the consumer down and waits for Run to return.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		close(c.stopCh)
	})
	if c.started.Load() {
		<-c.done
	}
}

func (c *Consumer) connect(ctx context.Context) (Connection, error) {
	for attempt := 0; ; attempt++ {
		c.setState(StateConnecting)
		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		if err == nil {
			c.setState(StateConnected)
			c.logger.Info("connected to broker", "attempt", attempt+1)
			return conn, nil
		}

		if c.opts.MaxConnectRetries >= 0 && attempt >= c.opts.MaxConnectRetries {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectRetriesExhausted, attempt+1, err)
		}
		delay := ConnectBackoff(attempt, c.opts.MaxConnectBackoff)
		c.logger.Warn("broker connect failed", "error", err, "attempt", attempt+1, "retry_in", delay)
		if !c.sleep(ctx, delay) {
			return nil, context.Canceled
		}
	}
}

// serve runs one connection until it closes. It returns the broker's close
// reason, or a fatal error.
func (c *Consumer) serve(ctx context.Context, conn Connection) (*CloseError, error) {
	defer func() { _ = conn.Close() }()
	connClosed := conn.NotifyClose(make(chan *CloseError, 1))

	ch, err := conn.Channel()
	if err != nil {
		c.logger.Warn("open channel failed", "error", err)
		return &CloseError{Reason: err.Error()}, nil
	}
	defer func() { _ = ch.Close() }()
	chClosed := ch.NotifyClose(make(chan *CloseError, 1))
	c.setState(StateChannelOpen)

	c.generation++
	gen := c.generation

	if err := ch.Qos(c.opts.Prefetch); err != nil {
		c.logger.Warn("set qos failed", "error", err)
		return &CloseError{Reason: err.Error()}, nil
	}

	var deliveries <-chan Delivery
	tag := c.opts.Name + "-" + uuid.NewString()
	if !c.consumeOff.Load() {
		deliveries, err = ch.Consume(c.opts.Queue, tag)
		if err != nil {
			c.logger.Warn("consume failed", "error", err)
			return &CloseError{Reason: err.Error()}, nil
		}
		c.setState(StateConsuming)
		c.logger.Info("consuming", "consumer_tag", tag, "prefetch", c.opts.Prefetch)
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			if err := c.handleDelivery(ctx, ch, gen, d); err != nil {
				return nil, err
			}

		case comp := <-c.completions:
			if err := c.settle(ch, gen, comp); err != nil {
				return nil, err
			}

		case <-c.cancelCh:
			if deliveries != nil {
				if err := ch.Cancel(tag); err != nil {
					c.logger.Warn("cancel consumer failed", "error", err)
				}
				c.logger.Info("stopped consuming", "consumer_tag", tag)
			}

		case cause, ok := <-chClosed:
			if !ok || cause == nil {
				cause = &CloseError{Reason: "channel closed"}
			}
			return cause, nil

		case cause, ok := <-connClosed:
			if !ok || cause == nil {
				cause = &CloseError{Reason: "connection closed"}
			}
			return cause, nil

		case <-ctx.Done():
			c.drain(ch, gen)
			return nil, nil

		case <-c.stopCh:
			c.drain(ch, gen)
			return nil, nil
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, ch Channel, gen uint64, d Delivery) error {
	headers := protocol.HeadersFromTable(d.Headers)
	handle, err := c.opts.Handler.OnMessage(ctx, d.Body, headers)
	if err != nil {
		requeue := !protocol.IsDiscard(err)
		c.logger.Warn("rejecting message", "error", err, "requeue", requeue, "delivery_tag", d.Tag)
		if nErr := ch.Nack(d.Tag, requeue); nErr != nil {
			return fmt.Errorf("nack delivery %d: %w", d.Tag, nErr)
		}
		return nil
	}

	c.pending.Add(1)
	go func() {
		select {
		case res := <-handle:
			select {
			case c.completions <- completion{generation: gen, delivery: d, result: res}:
			case <-c.done:
				c.pending.Add(-1)
			}
		case <-c.done:
			c.pending.Add(-1)
		}
	}()
	return nil
}

func (c *Consumer) settle(ch Channel, gen uint64, comp completion) error {
	defer c.pending.Add(-1)

	d := comp.delivery
	if comp.generation != gen {
		c.logger.Warn("dropping completion from a closed channel", "delivery_tag", d.Tag)
		return nil
	}
	if comp.result.Err != nil {
		return fmt.Errorf("processing delivery %d: %w", d.Tag, comp.result.Err)
	}

	out := comp.result.Outcome
	switch out.Kind {
	case protocol.OutcomeAck:
		if err := ch.Ack(d.Tag); err != nil {
			return fmt.Errorf("ack delivery %d: %w", d.Tag, err)
		}

	case protocol.OutcomeDiscard:
		c.logger.Warn("discarding message", "reason", out.Reason, "delivery_tag", d.Tag)
		if err := ch.Nack(d.Tag, false); err != nil {
			return fmt.Errorf("nack delivery %d: %w", d.Tag, err)
		}

	case protocol.OutcomeRepublish:
		if err := c.republish(ch, d, out); err != nil {
			return err
		}
		if err := ch.Ack(d.Tag); err != nil {
			return fmt.Errorf("ack republished delivery %d: %w", d.Tag, err)
		}

	default:
		return fmt.Errorf("delivery %d: unknown outcome %v", d.Tag, out.Kind)
	}
	return nil
}

func (c *Consumer) republish(ch Channel, d Delivery, out protocol.Outcome) error {
	codec := c.opts.Handler.Codec()
	body := d.Body
	headers := out.Headers
	if out.Request != nil {
		encoded, err := codec.EncodeRequest(out.Request)
		if err != nil {
			return fmt.Errorf("encode republished request: %w", err)
		}
		body = encoded
		headers.RequestID = out.Request.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := ch.Publish(ctx, d.Exchange, d.RoutingKey, Publishing{
		Headers:      headers.Table(),
		ContentType:  codec.ContentType(),
		DeliveryMode: deliveryPersistent,
		Priority:     1,
		AppID:        c.opts.AppID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("republish delivery %d: %w", d.Tag, err)
	}
	c.logger.Debug("republished message",
		"request_id", headers.RequestID,
		"retry_attempt", headers.RetryAttempt,
		"time_to_wait", headers.TimeToWait,
	)
	return nil
}

// drain settles completions that are already on their way, up to the drain
// timeout.
func (c *Consumer) drain(ch Channel, gen uint64) {
	if c.pending.Load() == 0 {
		return
	}
	timer := time.NewTimer(c.opts.DrainTimeout)
	defer timer.Stop()
	for c.pending.Load() > 0 {
		select {
		case comp := <-c.completions:
			if err := c.settle(ch, gen, comp); err != nil {
				c.logger.Error("settling during shutdown failed", "error", err)
				return
			}
		case <-timer.C:
			c.logger.Warn("shutdown with unsettled deliveries", "pending", c.pending.Load())
			return
		}
	}
}

func (c *Consumer) fail(err error) error {
	err = protocol.Fatal(err)
	c.panicked.Store(true)
	c.logger.Error("consumer failed", "error", err)
	c.fatalOnce.Do(func() {
		if c.opts.OnFatal != nil {
			go c.opts.OnFatal(err)
		}
	})
	return err
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

func (c *Consumer) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("state changed", "state", s.String())
	if c.opts.Observer != nil {
		c.opts.Observer(c.opts.Name, s)
	}
}
