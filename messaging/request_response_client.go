package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-reqresp/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RequestResponseClient sends requests to one target topic and waits for the
// correlated reply on a private, auto-deleted reply topic.
//
// At most one request is outstanding per client. The client is safe to share
// between goroutines only if they take turns.
type RequestResponseClient struct {
	sub       *rabbitmq.Subscription
	publisher *rabbitmq.Publisher
	target    string
	logger    *slog.Logger
	metrics   MetricsCollector

	// correlationID is "" while no request is pending. replies holds at most
	// the one reply accepted for it.
	mu            sync.Mutex
	correlationID string
	replies       chan []byte
}

// NewRequestResponseClient subscribes a private reply topic on exchange and
// returns a client sending requests to target.
func NewRequestResponseClient(ch Channel, exchange, target string, opts ...ClientOption) (*RequestResponseClient, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: target topic cannot be empty", ErrInvalidConfiguration)
	}

	config := newClientConfig(opts)
	logger := config.Logger.With("component", "request-response-client", "target", target)

	c := &RequestResponseClient{
		publisher: rabbitmq.NewPublisher(ch, exchange,
			rabbitmq.WithPublishTimeout(config.PublishTimeout),
			rabbitmq.WithContentType(config.ContentType),
		),
		target:  target,
		logger:  logger,
		metrics: config.Metrics,
		replies: make(chan []byte, 1),
	}

	sub, err := rabbitmq.NewSubscription(ch, exchange, "", c.handleReply,
		rabbitmq.WithSubscriptionLogger(logger),
		rabbitmq.WithConsumerTagPrefix(config.ConsumerTagPrefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}

	c.sub = sub

	return c, nil
}

// PerformRequest publishes payload to the target topic and blocks until the
// correlated reply arrives, timeout elapses or ctx is done.
//
// It fails with an error matching ErrObjectUnusable when the reply
// subscription is inactive, a *RequestTimeoutError when no reply came in
// time and a *PublishError when the request could not be sent.
func (c *RequestResponseClient) PerformRequest(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	start := time.Now()

	if err := c.sub.RequireActive(); err != nil {
		c.metrics.RequestCompleted(OutcomeUnusable, time.Since(start))
		return nil, err
	}

	correlationID := c.install()
	defer c.clear(correlationID)

	err := c.publisher.Publish(ctx, c.target, payload, rabbitmq.Metadata{
		ReplyTo:       c.sub.TopicName(),
		CorrelationID: correlationID,
	})
	if err != nil {
		c.metrics.RequestCompleted(OutcomeError, time.Since(start))
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-c.replies:
		c.metrics.RequestCompleted(OutcomeSuccess, time.Since(start))
		return reply, nil

	case <-timer.C:
		c.metrics.RequestCompleted(OutcomeTimeout, time.Since(start))
		c.logger.Debug("request timed out",
			"correlationId", correlationID,
			"timeout", timeout,
		)
		return nil, &RequestTimeoutError{
			Target:        c.target,
			CorrelationID: correlationID,
			Timeout:       timeout,
			Timestamp:     time.Now(),
		}

	case <-ctx.Done():
		c.metrics.RequestCompleted(OutcomeCancelled, time.Since(start))
		return nil, ctx.Err()

	case <-c.sub.Done():
		// The channel shut down; no reply can arrive anymore.
		c.metrics.RequestCompleted(OutcomeUnusable, time.Since(start))
		return nil, c.sub.RequireActive()
	}
}

// install generates a fresh correlation id and makes it the pending one.
// A reply left in the slot by an abandoned request is dropped.
func (c *RequestResponseClient) install() string {
	correlationID := uuid.New().String()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.correlationID = correlationID
	select {
	case <-c.replies:
		c.metrics.ReplyDiscarded()
	default:
	}
	return correlationID
}

func (c *RequestResponseClient) clear(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.correlationID == correlationID {
		c.correlationID = ""
	}
}

// handleReply runs on the subscription's delivery goroutine
func (c *RequestResponseClient) handleReply(_ context.Context, d amqp.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.correlationID == "" || d.CorrelationId != c.correlationID {
		c.metrics.ReplyDiscarded()
		c.logger.Debug("discarding uncorrelated reply", "correlationId", d.CorrelationId)
		return nil
	}

	select {
	case c.replies <- d.Body:
	default:
		c.metrics.ReplyDiscarded()
		c.logger.Debug("discarding duplicate reply", "correlationId", d.CorrelationId)
	}
	return nil
}

// Target returns the topic requests are sent to
func (c *RequestResponseClient) Target() string {
	return c.target
}

// TopicName returns the private reply topic
func (c *RequestResponseClient) TopicName() string {
	return c.sub.TopicName()
}

// IsActive reports whether the reply subscription is still usable
func (c *RequestResponseClient) IsActive() bool {
	return c.sub.IsActive()
}

// InactiveReason returns why the client became unusable
func (c *RequestResponseClient) InactiveReason() string {
	return c.sub.InactiveReason()
}

// Close cancels the reply subscription. It never fails and is idempotent.
func (c *RequestResponseClient) Close() {
	c.sub.Close()
}
