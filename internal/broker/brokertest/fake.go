// Package brokertest provides an in-memory broker for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	"github.com/mattjoyce/taproom/internal/broker"
)

// ErrChannelClosed is returned by operations on a closed fake channel.
var ErrChannelClosed = errors.New("fake channel closed")

// Nack records a negative acknowledgement.
type Nack struct {
	Tag     uint64
	Requeue bool
}

// Published records a message sent through a channel.
type Published struct {
	Exchange string
	Key      string
	Msg      broker.Publishing
}

// Broker is an in-memory stand-in for RabbitMQ. Publishing to the default
// exchange routes by queue name.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]chan broker.Delivery
	failDials int
	dialErr   error
	dials     int
	nextTag   uint64
	conns     []*Conn
	acked     []uint64
	nacked    []Nack
	published []Published
	failAck   bool
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{queues: map[string]chan broker.Delivery{}}
}

func (b *Broker) queue(name string) chan broker.Delivery {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan broker.Delivery, 256)
		b.queues[name] = q
	}
	return q
}

// FailDials makes the next n dials fail with err.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
	b.dialErr = err
}

// FailAcks makes every later ack fail.
func (b *Broker) FailAcks() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAck = true
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Enqueue puts a message on queue.
func (b *Broker) Enqueue(queue string, body []byte, headers map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(queue, broker.Delivery{Body: body, Headers: headers, RoutingKey: queue})
}

func (b *Broker) enqueueLocked(queue string, d broker.Delivery) {
	b.nextTag++
	d.Tag = b.nextTag
	b.queue(queue) <- d
}

// Depth returns the number of undelivered messages on queue.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue))
}

// Acked returns acknowledged delivery tags.
func (b *Broker) Acked() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acked...)
}

// Nacked returns negative acknowledgements.
func (b *Broker) Nacked() []Nack {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Nack(nil), b.nacked...)
}

// Published returns every message published through a channel.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// CloseConnections simulates the server closing every open connection.
func (b *Broker) CloseConnections(code int, reason string) {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.serverClose(&broker.CloseError{Code: code, Reason: reason, Server: true})
	}
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context, _ string) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		if b.dialErr != nil {
			return nil, b.dialErr
		}
		return nil, errors.New("connection refused")
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Conn is a fake connection.
type Conn struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	notify   []chan *broker.CloseError
	channels []*Channel
}

func (c *Conn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("connection closed")
	}
	ch := &Channel{broker: c.broker, stop: make(chan struct{})}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(n chan *broker.CloseError) chan *broker.CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, n)
	return n
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) serverClose(cause *broker.CloseError) {
	c.shutdown(cause)
}

func (c *Conn) shutdown(cause *broker.CloseError) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

// Channel is a fake channel.
type Channel struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	stop     chan struct{}
	cancel   chan struct{}
	prefetch int
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Qos(prefetch int) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetch
	return nil
}

func (ch *Channel) Consume(queue, _ string) (<-chan broker.Delivery, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrChannelClosed
	}
	ch.cancel = make(chan struct{})
	cancel := ch.cancel
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	q := ch.broker.queue(queue)
	ch.broker.mu.Unlock()

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d := <-q:
				select {
				case out <- d:
				case <-cancel:
					q <- d
					return
				case <-ch.stop:
					q <- d
					return
				}
			case <-cancel:
				return
			case <-ch.stop:
				return
			}
		}
	}()
	return out, nil
}

func (ch *Channel) Cancel(string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cancel != nil {
		close(ch.cancel)
		ch.cancel = nil
	}
	return nil
}

func (ch *Channel) Ack(tag uint64) error {
	if ch.isClosed() {
		return ErrChannelClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAck {
		return errors.New("ack refused")
	}
	b.acked = append(b.acked, tag)
	return nil
}

func (ch *Channel) Nack(tag uint64, requeue bool) error {
	if ch.isClosed() {
		return ErrChannelClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked = append(b.nacked, Nack{Tag: tag, Requeue: requeue})
	return nil
}

func (ch *Channel) Publish(_ context.Context, exchange, key string, msg broker.Publishing) error {
	if ch.isClosed() {
		return ErrChannelClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, Published{Exchange: exchange, Key: key, Msg: msg})
	if exchange == "" {
		b.enqueueLocked(key, broker.Delivery{
			Body:        msg.Body,
			Headers:     msg.Headers,
			RoutingKey:  key,
			ContentType: msg.ContentType,
		})
	}
	return nil
}

func (ch *Channel) NotifyClose(n chan *broker.CloseError) chan *broker.CloseError {
	return n
}

func (ch *Channel) Close() error {
	ch.shutdown()
	return nil
}

func (ch *Channel) shutdown() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.stop)
}
