package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Metadata is the request/response metadata attached to a published message.
// Empty fields are left unset on the wire.
type Metadata struct {
	ReplyTo       string
	CorrelationID string
}

// Publisher publishes raw payloads to one exchange
type Publisher struct {
	ch             Channel
	exchange       string
	publishTimeout time.Duration
	contentType    string
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout sets the publish timeout used when the context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithContentType sets the content type stamped on every message
func WithContentType(contentType string) PublisherOption {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// NewPublisher creates a new publisher
func NewPublisher(ch Channel, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:             ch,
		exchange:       exchange,
		publishTimeout: 10 * time.Second,
		contentType:    "application/octet-stream",
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the exchange the publisher targets
func (p *Publisher) Exchange() string {
	return p.exchange
}

// Publish sends body to routingKey with the given metadata
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte, meta Metadata) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType:   p.contentType,
		DeliveryMode:  amqp.Transient,
		CorrelationId: meta.CorrelationID,
		ReplyTo:       meta.ReplyTo,
		Timestamp:     time.Now(),
		Body:          body,
	}

	err := p.ch.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrPublishTimeout, err)
		}
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return nil
}
