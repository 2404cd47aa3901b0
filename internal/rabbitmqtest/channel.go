package rabbitmqtest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Op names a channel operation for failure injection
type Op string

const (
	OpExchangeDeclare Op = "exchange.declare"
	OpQueueDeclare    Op = "queue.declare"
	OpQueueBind       Op = "queue.bind"
	OpQueueDelete     Op = "queue.delete"
	OpConsume         Op = "basic.consume"
	OpCancel          Op = "basic.cancel"
	OpPublish         Op = "basic.publish"
)

// Publication records one message published on a channel
type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Channel is an in-memory AMQP channel
type Channel struct {
	broker *Broker

	mu        sync.Mutex
	closed    bool
	consumers map[string]*consumer
	failures  map[Op]error
	published []Publication

	notifyM sync.Mutex
	cancels []chan string
	closes  []chan *amqp.Error
}

// FailOn makes every later call of op return err. A nil err clears the failure.
func (ch *Channel) FailOn(op Op, err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err == nil {
		delete(ch.failures, op)
		return
	}
	ch.failures[op] = err
}

// Published returns the messages published through this channel
func (ch *Channel) Published() []Publication {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Publication(nil), ch.published...)
}

// InjectDelivery pushes d unchanged onto the delivery stream of the consumer
// registered under tag, bypassing routing. It reports whether d was queued.
func (ch *Channel) InjectDelivery(tag string, d amqp.Delivery) bool {
	ch.mu.Lock()
	c, ok := ch.consumers[tag]
	ch.mu.Unlock()

	if !ok {
		return false
	}
	return c.deliver(d)
}

// IsClosed reports whether the channel has shut down
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close shuts the channel down gracefully: close listeners see their
// channel closed without an error.
func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

// Shutdown simulates the broker or the network closing the channel with err.
func (ch *Channel) Shutdown(err *amqp.Error) {
	ch.shutdown(err)
}

func (ch *Channel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = make(map[string]*consumer)
	ch.mu.Unlock()

	ch.notifyM.Lock()
	if err != nil {
		for _, c := range ch.closes {
			c <- err
		}
	}
	for _, c := range ch.closes {
		close(c)
	}
	for _, c := range ch.cancels {
		close(c)
	}
	ch.closes = nil
	ch.cancels = nil
	ch.notifyM.Unlock()

	for _, c := range consumers {
		ch.broker.mu.Lock()
		ch.broker.detachLocked(c)
		ch.broker.mu.Unlock()
		c.close()
	}
}

func (ch *Channel) check(op Op) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	return ch.failures[op]
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.check(OpExchangeDeclare); err != nil {
		return err
	}
	return ch.broker.declareExchange(name, kind)
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.check(OpQueueDeclare); err != nil {
		return amqp.Queue{}, err
	}
	return ch.broker.declareQueue(name, autoDelete), nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.check(OpQueueBind); err != nil {
		return err
	}
	return ch.broker.bindQueue(name, key, exchange)
}

// QueueDelete implements rabbitmq.Channel. Consumers of the queue are
// cancelled the way the broker does it.
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	if err := ch.check(OpQueueDelete); err != nil {
		return 0, err
	}
	return ch.broker.deleteQueue(name, ifUnused, ifEmpty)
}

// Consume implements rabbitmq.Channel. Only auto-ack consumers are supported.
func (ch *Channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.check(OpConsume); err != nil {
		return nil, err
	}
	if !autoAck {
		return nil, &amqp.Error{Code: amqp.NotImplemented, Reason: "rabbitmqtest: manual acknowledgement is not supported"}
	}
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}

	c, err := ch.broker.consume(ch, queue, consumerTag)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	ch.consumers[consumerTag] = c
	ch.mu.Unlock()

	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	if err := ch.check(OpCancel); err != nil {
		return err
	}

	c, ok := ch.broker.cancel(consumerTag)
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - unknown consumer tag '" + consumerTag + "'"}
	}

	ch.mu.Lock()
	delete(ch.consumers, consumerTag)
	ch.mu.Unlock()

	c.close()
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.check(OpPublish); err != nil {
		return err
	}

	ch.mu.Lock()
	ch.published = append(ch.published, Publication{Exchange: exchange, RoutingKey: key, Msg: msg})
	ch.mu.Unlock()

	return ch.broker.publish(exchange, key, msg)
}

// NotifyCancel implements rabbitmq.Channel
func (ch *Channel) NotifyCancel(c chan string) chan string {
	ch.notifyM.Lock()
	defer ch.notifyM.Unlock()

	if ch.IsClosed() {
		close(c)
		return c
	}
	ch.cancels = append(ch.cancels, c)
	return c
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.notifyM.Lock()
	defer ch.notifyM.Unlock()

	if ch.IsClosed() {
		close(c)
		return c
	}
	ch.closes = append(ch.closes, c)
	return c
}

func (ch *Channel) notifyCancel(tag string) {
	ch.mu.Lock()
	delete(ch.consumers, tag)
	ch.mu.Unlock()

	ch.notifyM.Lock()
	defer ch.notifyM.Unlock()

	for _, c := range ch.cancels {
		c <- tag
	}
}
