package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/glimte/mmate-reqresp/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RequestListener is notified of every request a server consumes.
//
// Listeners run on the server's delivery goroutine, one after another, so a
// slow listener delays the next request. Offload long work and respond later
// with SendResponse. Returned errors and panics are logged and do not stop
// the other listeners.
type RequestListener interface {
	RequestReceived(ctx context.Context, server *RequestResponseServer, event *RequestEvent) error
}

type listenerFunc struct {
	fn func(ctx context.Context, server *RequestResponseServer, event *RequestEvent) error
}

func (l *listenerFunc) RequestReceived(ctx context.Context, server *RequestResponseServer, event *RequestEvent) error {
	return l.fn(ctx, server, event)
}

// ListenerFunc adapts fn to a RequestListener. Every call returns a distinct
// listener; keep the result to remove it later.
func ListenerFunc(fn func(ctx context.Context, server *RequestResponseServer, event *RequestEvent) error) RequestListener {
	return &listenerFunc{fn: fn}
}

// RequestResponseServer consumes requests from a well-known topic and raises
// each one to the registered listeners.
type RequestResponseServer struct {
	sub       *rabbitmq.Subscription
	publisher *rabbitmq.Publisher
	logger    *slog.Logger
	metrics   MetricsCollector

	mu        sync.Mutex
	listeners map[RequestListener]struct{}
}

// NewRequestResponseServer subscribes topic on exchange. An empty topic gets
// a generated one, available from TopicName.
func NewRequestResponseServer(ch Channel, exchange, topic string, opts ...ServerOption) (*RequestResponseServer, error) {
	config := newServerConfig(opts)
	logger := config.Logger.With("component", "request-response-server")

	// Everything handleRequest reads is set before the first delivery can arrive.
	s := &RequestResponseServer{
		publisher: rabbitmq.NewPublisher(ch, exchange,
			rabbitmq.WithPublishTimeout(config.PublishTimeout),
			rabbitmq.WithContentType(config.ContentType),
		),
		logger:    logger,
		metrics:   config.Metrics,
		listeners: make(map[RequestListener]struct{}),
	}

	sub, err := rabbitmq.NewSubscription(ch, exchange, topic, s.handleRequest,
		rabbitmq.WithSubscriptionLogger(logger),
		rabbitmq.WithConsumerTagPrefix(config.ConsumerTagPrefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request subscription: %w", err)
	}
	s.sub = sub

	return s, nil
}

// AddListener registers l. Adding a listener twice has no effect.
func (s *RequestResponseServer) AddListener(l RequestListener) error {
	if err := s.sub.RequireActive(); err != nil {
		return err
	}
	if err := validateListener(l); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
	return nil
}

// RemoveListener unregisters l. Removing an unknown listener has no effect.
func (s *RequestResponseServer) RemoveListener(l RequestListener) error {
	if err := s.sub.RequireActive(); err != nil {
		return err
	}
	if err := validateListener(l); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
	return nil
}

// ListenerCount returns the number of registered listeners
func (s *RequestResponseServer) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// listeners are map keys, so their dynamic type must be comparable
func validateListener(l RequestListener) error {
	if l == nil {
		return fmt.Errorf("%w: listener cannot be nil", ErrInvalidListener)
	}
	if t := reflect.TypeOf(l); !t.Comparable() {
		return fmt.Errorf("%w: %s is not comparable, use a pointer or ListenerFunc", ErrInvalidListener, t)
	}
	return nil
}

// SendResponse publishes payload to the requester's reply topic, tagged with
// the request's correlation id.
func (s *RequestResponseServer) SendResponse(ctx context.Context, event *RequestEvent, payload []byte) error {
	if err := s.sub.RequireActive(); err != nil {
		return err
	}
	if event == nil || event.ReplyTo == "" {
		return ErrMissingReplyTo
	}

	return s.publisher.Publish(ctx, event.ReplyTo, payload, rabbitmq.Metadata{
		CorrelationID: event.CorrelationID,
	})
}

// handleRequest runs on the subscription's delivery goroutine
func (s *RequestResponseServer) handleRequest(ctx context.Context, d amqp.Delivery) error {
	s.metrics.RequestReceived()

	event := &RequestEvent{
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
		Body:          d.Body,
	}

	for _, l := range s.snapshot() {
		s.notify(ctx, l, event)
	}
	return nil
}

func (s *RequestResponseServer) snapshot() []RequestListener {
	s.mu.Lock()
	defer s.mu.Unlock()

	listeners := make([]RequestListener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (s *RequestResponseServer) notify(ctx context.Context, l RequestListener, event *RequestEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.ListenerFailed()
			s.logger.Error("panic in request listener",
				"panic", r,
				"topic", s.sub.TopicName(),
				"correlationId", event.CorrelationID,
			)
		}
	}()

	if err := l.RequestReceived(ctx, s, event); err != nil {
		s.metrics.ListenerFailed()
		s.logger.Error("request listener failed",
			"error", err,
			"topic", s.sub.TopicName(),
			"correlationId", event.CorrelationID,
		)
	}
}

// TopicName returns the topic requests are consumed from
func (s *RequestResponseServer) TopicName() string {
	return s.sub.TopicName()
}

// IsActive reports whether the request subscription is still usable
func (s *RequestResponseServer) IsActive() bool {
	return s.sub.IsActive()
}

// InactiveReason returns why the server became unusable
func (s *RequestResponseServer) InactiveReason() string {
	return s.sub.InactiveReason()
}

// Close cancels the request subscription. It never fails and is idempotent.
func (s *RequestResponseServer) Close() {
	s.sub.Close()
}
