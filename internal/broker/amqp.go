package broker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer connects to RabbitMQ with amqp091-go.
type AMQPDialer struct {
	// ConnectionName is shown in the broker's management UI.
	ConnectionName string
	Heartbeat      time.Duration
}

// DialAMQP returns a Dialer for RabbitMQ.
func DialAMQP(connectionName string) Dialer {
	return AMQPDialer{ConnectionName: connectionName, Heartbeat: 10 * time.Second}
}

func (d AMQPDialer) Dial(ctx context.Context, url string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	props := amqp.NewConnectionProperties()
	if d.ConnectionName != "" {
		props.SetClientConnectionName(d.ConnectionName)
	}
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  d.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch: ch, done: make(chan struct{})}, nil
}

func (c *amqpConnection) NotifyClose(out chan *CloseError) chan *CloseError {
	forwardClose(c.conn.NotifyClose(make(chan *amqp.Error, 1)), out)
	return out
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp.Channel
	// done is closed by Close and releases the delivery forwarder.
	done      chan struct{}
	closeOnce sync.Once
}

func (c *amqpChannel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c *amqpChannel) Consume(queue, consumerTag string) (<-chan Delivery, error) {
	in, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go forwardDeliveries(in, out, c.done)
	return out, nil
}

// forwardDeliveries converts deliveries until in closes or done is closed.
// A delivery still in hand when done closes is dropped; the broker requeues
// it with the channel.
func forwardDeliveries(in <-chan amqp.Delivery, out chan<- Delivery, done <-chan struct{}) {
	defer close(out)
	for {
		var d amqp.Delivery
		select {
		case <-done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			d = msg
		}
		select {
		case <-done:
			return
		case out <- Delivery{
			Tag:         d.DeliveryTag,
			Body:        d.Body,
			Headers:     d.Headers,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			ContentType: d.ContentType,
			Redelivered: d.Redelivered,
		}:
		}
	}
}

func (c *amqpChannel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

func (c *amqpChannel) Ack(tag uint64) error {
	return c.ch.Ack(tag, false)
}

func (c *amqpChannel) Nack(tag uint64, requeue bool) error {
	return c.ch.Nack(tag, false, requeue)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg Publishing) error {
	return c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		Headers:      amqp.Table(msg.Headers),
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		Priority:     msg.Priority,
		AppId:        msg.AppID,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
}

func (c *amqpChannel) NotifyClose(out chan *CloseError) chan *CloseError {
	forwardClose(c.ch.NotifyClose(make(chan *amqp.Error, 1)), out)
	return out
}

func (c *amqpChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

func forwardClose(in chan *amqp.Error, out chan *CloseError) {
	go func() {
		defer close(out)
		for e := range in {
			if e == nil {
				continue
			}
			out <- &CloseError{Code: e.Code, Reason: e.Reason, Server: e.Server, Recover: e.Recover}
		}
	}()
}
