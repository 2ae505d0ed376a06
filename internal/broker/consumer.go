package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultTick           = 200 * time.Millisecond
	DefaultHeartbeat      = 30 * time.Second
	DefaultReconnectDelay = 60 * time.Second
)

// Delivery is a received message. Tag is unique within one broker session.
type Delivery struct {
	Tag         uint64
	Body        []byte
	Redelivered bool
	MessageID   string
}

// Acker settles deliveries. Implementations forward the call to the
// goroutine that owns the broker channel and wait for its result.
type Acker interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Handler processes one delivery and settles it through the Acker. A
// delivery left unsettled when the handler returns is rejected without requeue.
type Handler func(ctx context.Context, d Delivery, acker Acker)

// prefetch matches the single execution slot.
const prefetch = 1

type ConsumerConfig struct {
	Topology
	Name           string
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	// Tick is the dispatcher cadence while idle or busy.
	Tick time.Duration
}

type Consumer struct {
	dial Dialer
	cfg  ConsumerConfig
}

func NewConsumer(dial Dialer, cfg ConsumerConfig) *Consumer {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Consumer{dial: dial, cfg: cfg}
}

// Consume runs handler for each delivery until ctx is canceled, reconnecting
// after ReconnectDelay whenever the session is lost. On cancellation the
// in-flight handler runs to completion before Consume returns.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		slog.WarnContext(ctx, "broker session lost",
			"error", err,
			"reconnect_delay", c.cfg.ReconnectDelay.String(),
		)
		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Consumer) session(ctx context.Context, handler Handler) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer func() {
		_ = ch.Close()
	}()
	if err := ch.Qos(prefetch); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}
	if err := c.cfg.Topology.Declare(ch); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Name)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", c.cfg.Queue, err)
	}
	slog.InfoContext(ctx, "consuming", "queue", c.cfg.Queue, "prefetch", prefetch)

	d := &dispatcher{
		cfg:        c.cfg,
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
		ops:        make(chan op),
		closed:     make(chan struct{}),
		handler:    handler,
	}
	defer close(d.closed)
	return d.run(ctx)
}

type op struct {
	tag     uint64
	ack     bool
	requeue bool
	res     chan error
}

// proxy is the Acker handed to handlers. It never touches the channel.
type proxy struct {
	ops    chan<- op
	closed <-chan struct{}
}

func (p proxy) Ack(tag uint64) error {
	return p.post(op{tag: tag, ack: true})
}

func (p proxy) Nack(tag uint64, requeue bool) error {
	return p.post(op{tag: tag, requeue: requeue})
}

func (p proxy) post(o op) error {
	o.res = make(chan error, 1)
	select {
	case p.ops <- o:
	case <-p.closed:
		return ErrSessionClosed
	}
	// the dispatcher replies to every op it accepted
	return <-o.res
}

// dispatcher owns conn and ch for the lifetime of one session.
type dispatcher struct {
	cfg        ConsumerConfig
	conn       Connection
	ch         Channel
	deliveries <-chan amqp.Delivery
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
	ops        chan op
	closed     chan struct{}
	handler    Handler

	// current is the tag of the running or last delivery; tags grow
	// monotonically per channel so every older tag is settled.
	current        uint64
	currentSettled bool

	jobDone  chan struct{}
	started  time.Time
	lastPing time.Time
}

func (d *dispatcher) run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	done := ctx.Done()
	stopping := false
	for {
		var next <-chan amqp.Delivery
		if d.jobDone == nil && !stopping {
			next = d.deliveries
		}
		select {
		case <-done:
			done = nil
			stopping = true
			if d.jobDone == nil {
				return ctx.Err()
			}
			slog.InfoContext(ctx, "shutdown requested, waiting for the running job", "delivery_tag", d.current)
		case amqpErr := <-d.connClosed:
			return d.lost(ctx, fmt.Errorf("connection closed: %w", closeErr(amqpErr)))
		case amqpErr := <-d.chClosed:
			return d.lost(ctx, fmt.Errorf("channel closed: %w", closeErr(amqpErr)))
		case m, ok := <-next:
			if !ok {
				return d.lost(ctx, errors.New("delivery channel closed"))
			}
			d.start(ctx, m)
		case o := <-d.ops:
			o.res <- d.settle(ctx, o)
		case <-d.jobDone:
			d.finish(ctx)
			if stopping {
				return ctx.Err()
			}
		case now := <-ticker.C:
			if d.conn.IsClosed() {
				return d.lost(ctx, errors.New("connection is closed"))
			}
			if d.jobDone != nil && now.Sub(d.lastPing) >= d.cfg.Heartbeat {
				d.lastPing = now
				slog.DebugContext(ctx, "broker connection alive",
					"delivery_tag", d.current,
					"running", now.Sub(d.started).Round(time.Second).String(),
				)
			}
		}
	}
}

// start runs the handler on the single execution slot.
func (d *dispatcher) start(ctx context.Context, m amqp.Delivery) {
	d.current = m.DeliveryTag
	d.currentSettled = false
	d.jobDone = make(chan struct{})
	d.started = time.Now()
	d.lastPing = d.started

	delivery := Delivery{
		Tag:         m.DeliveryTag,
		Body:        m.Body,
		Redelivered: m.Redelivered,
		MessageID:   m.MessageId,
	}
	acker := proxy{ops: d.ops, closed: d.closed}
	jobCtx := context.WithoutCancel(ctx)
	go func(done chan struct{}) {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(jobCtx, "delivery handler panicked",
					"delivery_tag", delivery.Tag,
					"panic", fmt.Sprint(r),
				)
			}
		}()
		d.handler(jobCtx, delivery, acker)
	}(d.jobDone)
}

func (d *dispatcher) settle(ctx context.Context, o op) error {
	switch {
	case o.tag == 0 || o.tag > d.current:
		return fmt.Errorf("unknown delivery tag %d", o.tag)
	case o.tag < d.current || d.currentSettled:
		return fmt.Errorf("delivery tag %d: %w", o.tag, ErrAlreadySettled)
	}
	d.currentSettled = true
	var err error
	if o.ack {
		err = d.ch.Ack(o.tag)
	} else {
		err = d.ch.Nack(o.tag, o.requeue)
	}
	slog.DebugContext(ctx, "delivery settled",
		"delivery_tag", o.tag,
		"ack", o.ack,
		"requeue", o.requeue,
		"error", err,
	)
	return err
}

func (d *dispatcher) finish(ctx context.Context) {
	if !d.currentSettled {
		slog.WarnContext(ctx, "handler returned without settling, rejecting", "delivery_tag", d.current)
		d.currentSettled = true
		if err := d.ch.Nack(d.current, false); err != nil {
			slog.ErrorContext(ctx, "nack failed", "delivery_tag", d.current, "error", err)
		}
	}
	d.jobDone = nil
}

// lost fails proxy operations until the running handler returns. Its
// delivery stays unsettled so the broker redelivers it.
func (d *dispatcher) lost(ctx context.Context, cause error) error {
	if d.jobDone == nil {
		return cause
	}
	slog.WarnContext(ctx, "broker session lost while a job is running, waiting for it",
		"delivery_tag", d.current,
		"error", cause,
	)
	for d.jobDone != nil {
		select {
		case o := <-d.ops:
			o.res <- ErrSessionClosed
		case <-d.jobDone:
			d.jobDone = nil
		}
	}
	return cause
}

func closeErr(err *amqp.Error) error {
	if err == nil {
		return ErrSessionClosed
	}
	return err
}
