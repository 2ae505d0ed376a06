package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a persistent JSON message.
type Message struct {
	ID   string
	Body []byte
}

// Publisher publishes messages on a lazily established connection. It is safe
// for concurrent use, publishes are serialized.
type Publisher struct {
	mx   sync.Mutex
	dial Dialer
	topo Topology
	conn Connection
	ch   Channel
}

func NewPublisher(dial Dialer, topo Topology) *Publisher {
	return &Publisher{dial: dial, topo: topo}
}

// Publish returns after the broker has confirmed the message. A failed
// publish drops the connection and the next call redials.
func (p *Publisher) Publish(ctx context.Context, queue string, msg Message) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if err := p.connect(ctx); err != nil {
		return err
	}
	err := p.ch.Publish(ctx, queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

// Ping establishes the connection if needed and reports whether it is usable.
func (p *Publisher) Ping(ctx context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.connect(ctx)
}

func (p *Publisher) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.conn == nil {
		return nil
	}
	err := errors.Join(p.ch.Close(), p.conn.Close())
	p.conn, p.ch = nil, nil
	return err
}

func (p *Publisher) connect(ctx context.Context) error {
	if p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	p.reset()
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.Confirm(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enabling publisher confirms: %w", err)
	}
	if err := p.topo.Declare(ch); err != nil {
		_ = conn.Close()
		return err
	}
	p.conn, p.ch = conn, ch
	slog.DebugContext(ctx, "publisher connected", "queue", p.topo.Queue)
	return nil
}

func (p *Publisher) reset() {
	if p.conn == nil {
		return
	}
	_ = p.conn.Close()
	p.conn, p.ch = nil, nil
}
