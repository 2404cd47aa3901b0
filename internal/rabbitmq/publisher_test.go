package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-reqresp/internal/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// blockingChannel waits for the publish context to expire
type blockingChannel struct {
	mock.Mock
	*rabbitmqtest.Channel
}

func (m *blockingChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.Called(exchange, key)
	<-ctx.Done()
	return ctx.Err()
}

func TestPublisher(t *testing.T) {
	t.Run("NewPublisher creates with defaults", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		publisher := NewPublisher(ch, "rpc")

		assert.Equal(t, "rpc", publisher.Exchange())
		assert.Equal(t, 10*time.Second, publisher.publishTimeout)
		assert.Equal(t, "application/octet-stream", publisher.contentType)
	})

	t.Run("NewPublisher applies options", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		publisher := NewPublisher(
			ch,
			"rpc",
			WithPublishTimeout(time.Second),
			WithContentType("text/plain"),
		)

		assert.Equal(t, time.Second, publisher.publishTimeout)
		assert.Equal(t, "text/plain", publisher.contentType)
	})

	t.Run("Publish stamps request metadata", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		require.NoError(t, DeclareExchange(ch, TopicExchange("rpc")))
		publisher := NewPublisher(ch, "rpc")

		err := publisher.Publish(context.Background(), "orders", []byte("hello"), Metadata{
			ReplyTo:       "topic-amq.gen-1",
			CorrelationID: "42",
		})
		require.NoError(t, err)

		published := ch.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "rpc", published[0].Exchange)
		assert.Equal(t, "orders", published[0].RoutingKey)
		assert.Equal(t, "topic-amq.gen-1", published[0].Msg.ReplyTo)
		assert.Equal(t, "42", published[0].Msg.CorrelationId)
		assert.Equal(t, []byte("hello"), published[0].Msg.Body)
		assert.False(t, published[0].Msg.Timestamp.IsZero())
		assert.Equal(t, amqp.Transient, published[0].Msg.DeliveryMode)
	})

	t.Run("Publish leaves empty metadata unset", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		require.NoError(t, DeclareExchange(ch, TopicExchange("rpc")))

		require.NoError(t, NewPublisher(ch, "rpc").Publish(context.Background(), "orders", nil, Metadata{}))

		msg := ch.Published()[0].Msg
		assert.Empty(t, msg.ReplyTo)
		assert.Empty(t, msg.CorrelationId)
	})

	t.Run("Publish failure is a PublishError", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		cause := errors.New("channel flow")
		ch.FailOn(rabbitmqtest.OpPublish, cause)

		err := NewPublisher(ch, "rpc").Publish(context.Background(), "orders", nil, Metadata{})

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "rpc", pubErr.Exchange)
		assert.Equal(t, "orders", pubErr.RoutingKey)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("Publish times out when the broker does not respond", func(t *testing.T) {
		ch := &blockingChannel{Channel: rabbitmqtest.NewBroker().Channel()}
		ch.On("PublishWithContext", "rpc", "orders").Return()

		publisher := NewPublisher(ch, "rpc", WithPublishTimeout(20*time.Millisecond))
		err := publisher.Publish(context.Background(), "orders", nil, Metadata{})

		assert.ErrorIs(t, err, ErrPublishTimeout)
		ch.AssertExpectations(t)
	})

	t.Run("Publish on a closed channel fails", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		require.NoError(t, ch.Close())

		err := NewPublisher(ch, "rpc").Publish(context.Background(), "orders", nil, Metadata{})
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})
}
