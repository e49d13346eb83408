package broker

import (
	"context"
	"fmt"
)

// ConnectionForced is the AMQP reply code a broker sends when an operator
// closes the connection. The consumer does not reconnect after it.
const ConnectionForced = 320

// CloseError describes why a connection or channel went away.
type CloseError struct {
	Code    int
	Reason  string
	Server  bool
	Recover bool
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("broker closed (%d): %s", e.Code, e.Reason)
}

// Delivery is one message received from a queue.
type Delivery struct {
	Tag         uint64
	Body        []byte
	Headers     map[string]any
	Exchange    string
	RoutingKey  string
	ContentType string
	Redelivered bool
}

// Publishing is a message to send.
type Publishing struct {
	Headers      map[string]any
	ContentType  string
	DeliveryMode uint8
	Priority     uint8
	AppID        string
	Body         []byte
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// Connection is an open broker connection.
type Connection interface {
	Channel() (Channel, error)
	// NotifyClose registers c to receive at most one close reason. c is
	// closed after a graceful Close.
	NotifyClose(c chan *CloseError) chan *CloseError
	Close() error
}

// Channel is a multiplexed session on a Connection. It is not safe for
// concurrent use; the consumer only touches it from its loop goroutine.
type Channel interface {
	Qos(prefetch int) error
	Consume(queue, consumerTag string) (<-chan Delivery, error)
	Cancel(consumerTag string) error
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	Publish(ctx context.Context, exchange, key string, msg Publishing) error
	NotifyClose(c chan *CloseError) chan *CloseError
	Close() error
}
