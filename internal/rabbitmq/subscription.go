package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Inactivity reasons recorded by a Subscription.
const (
	ReasonNotCreated = "no consumer created successfully"
	ReasonCancelled  = "consumer has been cancelled"
	ReasonShutdown   = "shutdown has occurred"
	ReasonClosed     = "closed by caller"
)

// cancelBuffer sizes the basic.cancel notification channel. amqp091 delivers
// every cancel on the channel to every listener from its frame reader, so a
// full buffer stalls the whole connection until the run loop catches up.
const cancelBuffer = 16

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Subscription owns one bound, consuming queue. It is active from a successful
// NewSubscription until the broker cancels the consumer, the channel shuts down
// or Close is called. An inactive subscription never becomes active again.
type Subscription struct {
	ch        Channel
	exchange  string
	topic     string
	queue     string
	handler   MessageHandler
	logger    *slog.Logger
	tagPrefix string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// consumerTag is empty while the subscription is inactive.
	mu             sync.Mutex
	consumerTag    string
	inactiveReason string
}

// SubscriptionOption configures a subscription
type SubscriptionOption func(*Subscription)

// WithSubscriptionLogger sets the logger
func WithSubscriptionLogger(logger *slog.Logger) SubscriptionOption {
	return func(s *Subscription) {
		s.logger = logger
	}
}

// WithConsumerTagPrefix sets the prefix of the generated consumer tag
func WithConsumerTagPrefix(prefix string) SubscriptionOption {
	return func(s *Subscription) {
		s.tagPrefix = prefix
	}
}

// NewSubscription declares the topic exchange, declares an auto-deleted queue,
// binds it to topic and starts an auto-ack consumer that feeds handler.
// An empty topic is replaced by one derived from the generated queue name.
//
// On failure nothing is left consuming and the error is returned as a
// *TopologyError or *ConsumerError.
func NewSubscription(ch Channel, exchange, topic string, handler MessageHandler, options ...SubscriptionOption) (*Subscription, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: channel cannot be nil", ErrInvalidConfiguration)
	}
	if exchange == "" {
		return nil, fmt.Errorf("%w: exchange name cannot be empty", ErrInvalidConfiguration)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrInvalidConfiguration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		ch:             ch,
		exchange:       exchange,
		handler:        handler,
		logger:         slog.Default(),
		tagPrefix:      "reqresp",
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		inactiveReason: ReasonNotCreated,
	}

	for _, opt := range options {
		opt(s)
	}

	if err := s.start(topic); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.Info("subscription started",
		"exchange", s.exchange,
		"topic", s.topic,
		"queue", s.queue,
		"consumerTag", s.ConsumerTag(),
	)

	return s, nil
}

func (s *Subscription) start(topic string) error {
	if err := DeclareExchange(s.ch, TopicExchange(s.exchange)); err != nil {
		return err
	}

	q, err := DeclareQueue(s.ch, SubscriptionQueue())
	if err != nil {
		return err
	}
	s.queue = q.Name

	s.topic = topic
	if s.topic == "" {
		s.topic = GeneratedTopic(q.Name)
	}

	if err := BindQueue(s.ch, Binding{Queue: q.Name, Exchange: s.exchange, RoutingKey: s.topic}); err != nil {
		s.releaseQueue(q.Name)
		return err
	}

	// Notifications are registered before consuming so a cancel arriving right
	// after basic.consume-ok is not lost. The run loop drains them for the
	// lifetime of the channel, which amqp091 requires.
	cancels := s.ch.NotifyCancel(make(chan string, cancelBuffer))
	closes := s.ch.NotifyClose(make(chan *amqp.Error, 1))

	tag := fmt.Sprintf("%s-%s", s.tagPrefix, uuid.New().String())
	deliveries, err := s.ch.Consume(
		q.Name,
		tag,
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		go s.run(nil, cancels, closes)
		s.releaseQueue(q.Name)
		return &ConsumerError{
			Queue:       q.Name,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	s.mu.Lock()
	s.consumerTag = tag
	s.inactiveReason = ""
	s.mu.Unlock()

	go s.run(deliveries, cancels, closes)
	return nil
}

// releaseQueue deletes a queue declared by a start that failed before
// consuming. Auto-delete only applies once a consumer has attached, so the
// queue would otherwise stay on the broker.
func (s *Subscription) releaseQueue(name string) {
	if _, err := s.ch.QueueDelete(name, false, false, false); err != nil {
		s.logger.Warn("failed to delete queue of failed subscription",
			"queue", name,
			"error", err,
		)
	}
}

// run is the delivery goroutine. It returns once the channel has shut down
// and every notification stream is closed.
func (s *Subscription) run(deliveries <-chan amqp.Delivery, cancels <-chan string, closes <-chan *amqp.Error) {
	defer close(s.done)

	for deliveries != nil || cancels != nil || closes != nil {
		select {
		case d, ok := <-deliveries:
			if !ok {
				// A cancel or close notification accompanies the end of the stream.
				deliveries = nil
				continue
			}
			s.dispatch(d)

		case tag, ok := <-cancels:
			if !ok {
				cancels = nil
				continue
			}
			if !s.markInactive(tag, ReasonCancelled) {
				continue
			}
			s.logger.Warn("consumer cancelled by broker",
				"topic", s.topic,
				"consumerTag", tag,
			)

		case amqpErr, ok := <-closes:
			if !ok {
				closes = nil
				s.markShutdown(nil)
				continue
			}
			s.markShutdown(amqpErr)
		}
	}
}

func (s *Subscription) dispatch(d amqp.Delivery) {
	if !s.consumerTagEquals(d.ConsumerTag) {
		s.logger.Debug("dropping delivery for unexpected consumer",
			"topic", s.topic,
			"consumerTag", d.ConsumerTag,
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in delivery handler",
				"topic", s.topic,
				"panic", r,
			)
		}
	}()

	if err := s.handler(s.ctx, d); err != nil {
		s.logger.Error("failed to handle message",
			"error", err,
			"topic", s.topic,
			"correlationId", d.CorrelationId,
		)
	}
}

// TopicName returns the topic the queue is bound to
func (s *Subscription) TopicName() string {
	return s.topic
}

// QueueName returns the broker-generated queue name
func (s *Subscription) QueueName() string {
	return s.queue
}

// Exchange returns the exchange the queue is bound to
func (s *Subscription) Exchange() string {
	return s.exchange
}

// ConsumerTag returns the consumer tag, or "" once inactive
func (s *Subscription) ConsumerTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumerTag
}

// IsActive reports whether the consumer is still registered
func (s *Subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumerTag != ""
}

// InactiveReason returns why the subscription is unusable, or "" while active
func (s *Subscription) InactiveReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inactiveReason
}

// RequireActive returns an *UnusableError carrying the inactivity reason
// when the subscription is no longer active.
func (s *Subscription) RequireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumerTag != "" {
		return nil
	}
	return &UnusableError{Reason: s.inactiveReason}
}

// Done is closed when the delivery goroutine has exited, which happens
// after the underlying channel shuts down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close cancels the consumer and marks the subscription inactive.
// It never fails and may be called any number of times.
func (s *Subscription) Close() {
	defer s.cancel()

	tag := s.ConsumerTag()
	if tag == "" {
		return
	}

	// The consumer may turn inactive concurrently; Cancel then fails and
	// the error is ignored like any other.
	if err := s.ch.Cancel(tag, false); err != nil {
		s.logger.Debug("failed to cancel consumer",
			"error", err,
			"topic", s.topic,
			"consumerTag", tag,
		)
	}

	if s.markInactive(tag, ReasonClosed) {
		s.logger.Info("subscription closed", "topic", s.topic, "consumerTag", tag)
	}
}

// markInactive records reason if tag is still the active consumer tag.
func (s *Subscription) markInactive(tag, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumerTag == "" || s.consumerTag != tag {
		return false
	}
	s.consumerTag = ""
	s.inactiveReason = reason
	return true
}

func (s *Subscription) markShutdown(amqpErr *amqp.Error) {
	reason := ReasonShutdown
	if amqpErr != nil {
		reason = fmt.Sprintf("%s: %s", ReasonShutdown, amqpErr.Error())
	}

	s.mu.Lock()
	wasActive := s.consumerTag != ""
	if wasActive {
		s.consumerTag = ""
		s.inactiveReason = reason
	}
	s.mu.Unlock()

	if wasActive {
		s.logger.Warn("channel shut down", "topic", s.topic, "reason", reason)
	}
}

func (s *Subscription) consumerTagEquals(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumerTag != "" && s.consumerTag == tag
}
