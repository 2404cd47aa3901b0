package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-reqresp/internal/rabbitmq"
)

var (
	// ErrRequestTimeout is matched by every *RequestTimeoutError
	ErrRequestTimeout = errors.New("messaging: request timed out")

	// ErrInvalidListener is returned for nil or non-comparable listeners
	ErrInvalidListener = errors.New("messaging: invalid listener")

	// ErrMissingReplyTo is returned when responding to a request without a reply topic
	ErrMissingReplyTo = errors.New("messaging: request has no reply-to topic")

	// ErrObjectUnusable is matched once the underlying subscription is inactive
	ErrObjectUnusable = rabbitmq.ErrObjectUnusable

	// ErrInvalidConfiguration is returned by constructors for bad arguments
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
)

type (
	// Channel is the AMQP channel capability clients and servers are built on.
	// *amqp091.Channel satisfies it.
	Channel = rabbitmq.Channel

	// UnusableError carries the reason a client or server became unusable
	UnusableError = rabbitmq.UnusableError

	// PublishError is returned when a request or response could not be published
	PublishError = rabbitmq.PublishError
)

// RequestTimeoutError is returned when no correlated reply arrived in time
type RequestTimeoutError struct {
	Target        string        // Topic the request was sent to
	CorrelationID string        // Correlation id of the abandoned request
	Timeout       time.Duration // How long the client waited
	Timestamp     time.Time     // When the wait ended
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("messaging: no reply from %s within %s (correlation id %s)",
		e.Target, e.Timeout, e.CorrelationID)
}

func (e *RequestTimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// IsTimeout reports whether err is a request timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

// IsUnusable reports whether err was caused by an inactive subscription
func IsUnusable(err error) bool {
	return rabbitmq.IsUnusable(err)
}
