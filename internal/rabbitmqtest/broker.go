// Package rabbitmqtest provides an in-memory topic broker whose channels
// satisfy rabbitmq.Channel. It mirrors the amqp091 notification semantics
// the request/response helpers rely on: consumer tags, broker-initiated
// cancels, channel shutdown and auto-deleted queues.
package rabbitmqtest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 256

// Broker is an in-memory stand-in for a RabbitMQ server
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string // name -> kind
	queues    map[string]*queue
	consumers map[string]*consumer // tag -> consumer
	nextQueue int
}

type queue struct {
	name       string
	autoDelete bool
	bindings   []binding
	consumers  []*consumer
	backlog    []amqp.Delivery
	next       int
}

type binding struct {
	exchange string
	pattern  string
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		consumers: make(map[string]*consumer),
	}
}

// Channel opens a channel on the broker
func (b *Broker) Channel() *Channel {
	return &Channel{
		broker:    b,
		consumers: make(map[string]*consumer),
		failures:  make(map[Op]error),
	}
}

// HasExchange reports whether the exchange has been declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queues returns the names of all existing queues in order
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings returns the routing keys bound to a queue
func (b *Broker) Bindings(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(q.bindings))
	for _, bd := range q.bindings {
		keys = append(keys, bd.pattern)
	}
	return keys
}

// ConsumerCount returns how many consumers are registered on a queue
func (b *Broker) ConsumerCount(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// CancelConsumer simulates a broker-initiated basic.cancel, for example
// after the consumed queue was deleted. It reports whether the tag was known.
func (b *Broker) CancelConsumer(tag string) bool {
	b.mu.Lock()
	c, ok := b.consumers[tag]
	if ok {
		b.detachLocked(c)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	// amqp091 notifies cancel listeners before closing the delivery channel.
	c.ch.notifyCancel(tag)
	c.close()
	return true
}

func (b *Broker) declareExchange(name, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name),
		}
	}
	b.exchanges[name] = kind
	return nil
}

func (b *Broker) declareQueue(name string, autoDelete bool) amqp.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", b.nextQueue)
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, autoDelete: autoDelete}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}
}

func (b *Broker) bindQueue(queueName, key, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}
	for _, bd := range q.bindings {
		if bd.exchange == exchange && bd.pattern == key {
			return nil
		}
	}
	q.bindings = append(q.bindings, binding{exchange: exchange, pattern: key})
	return nil
}

func (b *Broker) deleteQueue(name string, ifUnused, ifEmpty bool) (int, error) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return 0, nil
	}
	if ifUnused && len(q.consumers) > 0 {
		b.mu.Unlock()
		return 0, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - queue '%s' in use", name)}
	}
	if ifEmpty && len(q.backlog) > 0 {
		b.mu.Unlock()
		return 0, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - queue '%s' not empty", name)}
	}
	purged := len(q.backlog)
	consumers := append([]*consumer(nil), q.consumers...)
	for _, c := range consumers {
		delete(b.consumers, c.tag)
	}
	q.consumers = nil
	delete(b.queues, name)
	b.mu.Unlock()

	for _, c := range consumers {
		c.ch.notifyCancel(c.tag)
		c.close()
	}
	return purged, nil
}

func (b *Broker) consume(ch *Channel, queueName, tag string) (*consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if _, exists := b.consumers[tag]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)}
	}

	c := &consumer{
		tag:        tag,
		queue:      q,
		ch:         ch,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	q.consumers = append(q.consumers, c)
	b.consumers[tag] = c

	for _, d := range q.backlog {
		d.ConsumerTag = tag
		c.deliver(d)
	}
	q.backlog = nil

	return c, nil
}

func (b *Broker) cancel(tag string) (*consumer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.consumers[tag]
	if !ok {
		return nil, false
	}
	b.detachLocked(c)
	return c, true
}

// detachLocked unregisters a consumer and auto-deletes its queue when it was the last one.
func (b *Broker) detachLocked(c *consumer) {
	delete(b.consumers, c.tag)

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.autoDelete && len(q.consumers) == 0 {
		delete(b.queues, q.name)
	}
}

func (b *Broker) publish(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}

	for _, q := range b.queues {
		if !q.routes(exchange, key) {
			continue
		}

		d := amqp.Delivery{
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Exchange:      exchange,
			RoutingKey:    key,
			Body:          append([]byte(nil), msg.Body...),
		}

		if len(q.consumers) == 0 {
			q.backlog = append(q.backlog, d)
			continue
		}
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		d.ConsumerTag = c.tag
		c.deliver(d)
	}
	return nil
}

func (q *queue) routes(exchange, key string) bool {
	for _, bd := range q.bindings {
		if bd.exchange == exchange && TopicMatches(bd.pattern, key) {
			return true
		}
	}
	return false
}

// TopicMatches implements AMQP topic matching: words are separated by '.',
// '*' matches exactly one word and '#' matches zero or more words.
func TopicMatches(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

type consumer struct {
	tag        string
	queue      *queue
	ch         *Channel
	mu         sync.Mutex
	closed     bool
	deliveries chan amqp.Delivery
}

func (c *consumer) deliver(d amqp.Delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.deliveries <- d:
		return true
	default:
		return false
	}
}

func (c *consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.deliveries)
	}
}
