// Package broker is a thin AMQP 0-9-1 client: queue topology with dead-letter
// routing, a confirming publisher and a consumer whose connection is driven
// by a single dispatcher goroutine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrSessionClosed  = errors.New("broker session closed")
	ErrAlreadySettled = errors.New("delivery already settled")
	ErrNacked         = errors.New("publish not confirmed by broker")
)

// Queue is a durable queue declaration.
type Queue struct {
	Name string
	Args amqp.Table
}

// Channel is the part of an AMQP channel the package uses.
type Channel interface {
	Qos(prefetch int) error
	Confirm() error
	Declare(q Queue) error
	Consume(queue, consumer string) (<-chan amqp.Delivery, error)
	// Publish sends msg to queue through the default exchange. On a channel
	// in confirm mode it returns after the broker confirmed the message.
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(ctx context.Context) (Connection, error)

// Dial returns a Dialer for an amqp:// URL with the given heartbeat interval.
func Dial(url string, heartbeat time.Duration, name string) Dialer {
	return func(ctx context.Context) (Connection, error) {
		cfg := amqp.Config{
			Heartbeat:  heartbeat,
			Locale:     "en_US",
			Properties: amqp.NewConnectionProperties(),
		}
		cfg.Properties.SetClientConnectionName(name)
		type result struct {
			conn *amqp.Connection
			err  error
		}
		res := make(chan result, 1)
		go func() {
			conn, err := amqp.DialConfig(url, cfg)
			res <- result{conn, err}
		}()
		select {
		case <-ctx.Done():
			go func() {
				if r := <-res; r.conn != nil {
					_ = r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		case r := <-res:
			if r.err != nil {
				return nil, fmt.Errorf("dialing broker: %w", r.err)
			}
			return amqpConnection{r.conn}, nil
		}
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c amqpChannel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c amqpChannel) Confirm() error {
	return c.ch.Confirm(false)
}

func (c amqpChannel) Declare(q Queue) error {
	_, err := c.ch.QueueDeclare(q.Name, true, false, false, false, q.Args)
	return err
}

func (c amqpChannel) Consume(queue, consumer string) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, false, false, false, false, nil)
}

func (c amqpChannel) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNacked
	}
	return nil
}

func (c amqpChannel) Ack(tag uint64) error {
	return c.ch.Ack(tag, false)
}

func (c amqpChannel) Nack(tag uint64, requeue bool) error {
	return c.ch.Nack(tag, false, requeue)
}

func (c amqpChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(ch)
}

func (c amqpChannel) Close() error {
	return c.ch.Close()
}

// Topology names the job queue and the queue its rejected messages go to.
type Topology struct {
	Queue           string
	DeadLetterQueue string
}

// Declare declares the dead-letter queue and the job queue routed to it.
func (t Topology) Declare(ch Channel) error {
	if err := ch.Declare(Queue{Name: t.DeadLetterQueue}); err != nil {
		return fmt.Errorf("declaring queue %s: %w", t.DeadLetterQueue, err)
	}
	err := ch.Declare(Queue{
		Name: t.Queue,
		Args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": t.DeadLetterQueue,
		},
	})
	if err != nil {
		return fmt.Errorf("declaring queue %s: %w", t.Queue, err)
	}
	return nil
}
