// Package brokertest provides an in-memory broker speaking the
// broker.Connection and broker.Channel interfaces. It models durable queues,
// prefetch, ack/nack, dead-letter routing and redelivery on connection loss.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oss-compass/openchecker/internal/broker"

	amqp "github.com/rabbitmq/amqp091-go"
)

type message struct {
	id          string
	body        []byte
	redelivered bool
}

type queue struct {
	args      amqp.Table
	ready     []message
	consumers []*Channel
}

type Broker struct {
	mx         sync.Mutex
	queues     map[string]*queue
	conns      []*Conn
	events     []string
	dialErr    error
	publishErr error
	dials      int
}

func New() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// Dial is a broker.Dialer.
func (b *Broker) Dial(context.Context) (broker.Connection, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{b: b, lastPing: time.Now()}
	b.conns = append(b.conns, c)
	return c, nil
}

// FailDials makes subsequent dials return err, nil restores them.
func (b *Broker) FailDials(err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.dialErr = err
}

// FailPublishes makes subsequent publishes return err, nil restores them.
func (b *Broker) FailPublishes(err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.publishErr = err
}

func (b *Broker) Dials() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.dials
}

// Conns returns all connections ever dialed, oldest first.
func (b *Broker) Conns() []*Conn {
	b.mx.Lock()
	defer b.mx.Unlock()
	return slices.Clone(b.conns)
}

// DropConnections force-closes every open connection, as a network failure would.
func (b *Broker) DropConnections() {
	b.mx.Lock()
	defer b.mx.Unlock()
	for _, c := range b.conns {
		c.close(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
	}
}

// Enqueue puts a message on a declared queue.
func (b *Broker) Enqueue(name string, body []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("queue %s not declared", name)
	}
	q.ready = append(q.ready, message{body: body})
	b.dispatch(q)
	return nil
}

// Declare declares a queue out of band.
func (b *Broker) Declare(q broker.Queue) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.declare(q)
}

// Ready returns bodies of messages waiting on the queue.
func (b *Broker) Ready(name string) [][]byte {
	b.mx.Lock()
	defer b.mx.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	ret := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		ret = append(ret, m.body)
	}
	return ret
}

func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Events returns the log of broker side operations, e.g. "ack 1".
func (b *Broker) Events() []string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return slices.Clone(b.events)
}

func (b *Broker) event(format string, args ...any) {
	b.events = append(b.events, fmt.Sprintf(format, args...))
}

func (b *Broker) declare(q broker.Queue) error {
	if existing, ok := b.queues[q.Name]; ok {
		if fmt.Sprint(existing.args) != fmt.Sprint(q.Args) {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg for queue " + q.Name}
		}
		return nil
	}
	b.queues[q.Name] = &queue{args: q.Args}
	b.event("declare %s", q.Name)
	return nil
}

// dispatch pushes ready messages to consumers with free prefetch capacity.
func (b *Broker) dispatch(q *queue) {
	for _, ch := range q.consumers {
		for len(q.ready) > 0 && !ch.closed && len(ch.unacked) < ch.prefetch {
			m := q.ready[0]
			q.ready = q.ready[1:]
			ch.nextTag++
			ch.unacked[ch.nextTag] = message{id: m.id, body: m.body, redelivered: m.redelivered}
			ch.deliveries <- amqp.Delivery{
				DeliveryTag: ch.nextTag,
				Body:        m.body,
				MessageId:   m.id,
				Redelivered: m.redelivered,
			}
		}
	}
}

type Conn struct {
	b        *Broker
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
	lastPing time.Time
	maxGap   time.Duration
	pings    int
}

func (c *Conn) Channel() (broker.Channel, error) {
	c.b.mx.Lock()
	defer c.b.mx.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, unacked: make(map[uint64]message)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.b.mx.Lock()
	defer c.b.mx.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.notify = append(c.notify, ch)
	return ch
}

// IsClosed doubles as the liveness probe, every call is recorded as a ping.
func (c *Conn) IsClosed() bool {
	c.b.mx.Lock()
	defer c.b.mx.Unlock()
	now := time.Now()
	c.maxGap = max(c.maxGap, now.Sub(c.lastPing))
	c.lastPing = now
	c.pings++
	return c.closed
}

func (c *Conn) Close() error {
	c.b.mx.Lock()
	defer c.b.mx.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.close(nil)
	return nil
}

// MaxPingGap is the longest interval without a liveness probe seen so far,
// including the time since the last one.
func (c *Conn) MaxPingGap() time.Duration {
	c.b.mx.Lock()
	defer c.b.mx.Unlock()
	return max(c.maxGap, time.Since(c.lastPing))
}

func (c *Conn) Pings() int {
	c.b.mx.Lock()
	defer c.b.mx.Unlock()
	return c.pings
}

func (c *Conn) Closed() bool {
	c.b.mx.Lock()
	defer c.b.mx.Unlock()
	return c.closed
}

func (c *Conn) close(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.close(err)
	}
	notifyClose(c.notify, err)
	c.notify = nil
	if err != nil {
		c.b.event("connection dropped")
	}
}

func notifyClose(chans []chan *amqp.Error, err *amqp.Error) {
	for _, ch := range chans {
		if err != nil {
			select {
			case ch <- err:
			default:
			}
		}
		close(ch)
	}
}

type Channel struct {
	conn       *Conn
	closed     bool
	confirm    bool
	prefetch   int
	notify     []chan *amqp.Error
	queue      string
	deliveries chan amqp.Delivery
	unacked    map[uint64]message
	nextTag    uint64
}

var _ broker.Channel = (*Channel)(nil)

func (ch *Channel) lock() (*Broker, error) {
	b := ch.conn.b
	b.mx.Lock()
	if ch.closed {
		b.mx.Unlock()
		return nil, amqp.ErrClosed
	}
	return b, nil
}

func (ch *Channel) Qos(prefetch int) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mx.Unlock()
	ch.prefetch = prefetch
	return nil
}

func (ch *Channel) Confirm() error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mx.Unlock()
	ch.confirm = true
	return nil
}

func (ch *Channel) Declare(q broker.Queue) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mx.Unlock()
	return b.declare(q)
}

func (ch *Channel) Consume(name, _ string) (<-chan amqp.Delivery, error) {
	b, err := ch.lock()
	if err != nil {
		return nil, err
	}
	defer b.mx.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue " + name}
	}
	if ch.prefetch <= 0 {
		ch.prefetch = 64
	}
	ch.queue = name
	ch.deliveries = make(chan amqp.Delivery, ch.prefetch)
	q.consumers = append(q.consumers, ch)
	b.dispatch(q)
	return ch.deliveries, nil
}

func (ch *Channel) Publish(_ context.Context, name string, msg amqp.Publishing) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mx.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.event("publish %s", name)
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	q.ready = append(q.ready, message{id: msg.MessageId, body: msg.Body})
	b.dispatch(q)
	return nil
}

func (ch *Channel) Ack(tag uint64) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mx.Unlock()
	if _, ok := ch.unacked[tag]; !ok {
		return fmt.Errorf("ack: unknown delivery tag %d", tag)
	}
	delete(ch.unacked, tag)
	b.event("ack %d", tag)
	b.dispatch(b.queues[ch.queue])
	return nil
}

func (ch *Channel) Nack(tag uint64, requeue bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mx.Unlock()
	m, ok := ch.unacked[tag]
	if !ok {
		return fmt.Errorf("nack: unknown delivery tag %d", tag)
	}
	delete(ch.unacked, tag)
	b.event("nack %d requeue=%t", tag, requeue)
	q := b.queues[ch.queue]
	if requeue {
		m.redelivered = true
		q.ready = append([]message{m}, q.ready...)
	} else if dlq, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		if dq, ok := b.queues[dlq]; ok {
			dq.ready = append(dq.ready, message{id: m.id, body: m.body})
			b.event("dead-letter %s", dlq)
			b.dispatch(dq)
		}
	}
	b.dispatch(q)
	return nil
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.b
	b.mx.Lock()
	defer b.mx.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notify = append(ch.notify, c)
	return c
}

func (ch *Channel) Close() error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mx.Unlock()
	ch.close(nil)
	return nil
}

// close requeues unacked messages as redelivered, broker lock held.
func (ch *Channel) close(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.b
	if q, ok := b.queues[ch.queue]; ok {
		tags := make([]uint64, 0, len(ch.unacked))
		for tag := range ch.unacked {
			tags = append(tags, tag)
		}
		slices.Sort(tags)
		requeued := make([]message, 0, len(tags))
		for _, tag := range tags {
			m := ch.unacked[tag]
			m.redelivered = true
			requeued = append(requeued, m)
		}
		q.ready = append(requeued, q.ready...)
		q.consumers = slices.DeleteFunc(q.consumers, func(c *Channel) bool { return c == ch })
		ch.unacked = map[uint64]message{}
		b.dispatch(q)
	}
	if ch.deliveries != nil {
		close(ch.deliveries)
	}
	notifyClose(ch.notify, err)
	ch.notify = nil
}

// ErrInjected is a convenience error for FailDials and FailPublishes.
var ErrInjected = errors.New("injected failure")
