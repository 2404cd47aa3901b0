package rabbitmq

import (
	"errors"
	"testing"

	"github.com/glimte/mmate-reqresp/internal/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Channel = (*rabbitmqtest.Channel)(nil)

func TestTopologyDeclarations(t *testing.T) {
	t.Run("TopicExchange is durable and kept", func(t *testing.T) {
		decl := TopicExchange("rpc")

		assert.Equal(t, "rpc", decl.Name)
		assert.Equal(t, amqp.ExchangeTopic, decl.Type)
		assert.True(t, decl.Durable)
		assert.False(t, decl.AutoDelete)
	})

	t.Run("SubscriptionQueue is named by the broker and auto-deleted", func(t *testing.T) {
		decl := SubscriptionQueue()

		assert.Empty(t, decl.Name)
		assert.True(t, decl.Durable)
		assert.True(t, decl.AutoDelete)
		assert.False(t, decl.Exclusive)
	})

	t.Run("GeneratedTopic prefixes the queue name", func(t *testing.T) {
		assert.Equal(t, "topic-amq.gen-1", GeneratedTopic("amq.gen-1"))
	})
}

func TestTopologyHelpers(t *testing.T) {
	t.Run("declares exchange queue and binding", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		ch := broker.Channel()

		require.NoError(t, DeclareExchange(ch, TopicExchange("rpc")))
		q, err := DeclareQueue(ch, SubscriptionQueue())
		require.NoError(t, err)
		require.NotEmpty(t, q.Name)
		require.NoError(t, BindQueue(ch, Binding{Queue: q.Name, Exchange: "rpc", RoutingKey: "orders"}))

		assert.True(t, broker.HasExchange("rpc"))
		assert.True(t, broker.HasQueue(q.Name))
		assert.Equal(t, []string{"orders"}, broker.Bindings(q.Name))
	})

	t.Run("exchange failure is a TopologyError", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		cause := errors.New("access refused")
		ch.FailOn(rabbitmqtest.OpExchangeDeclare, cause)

		err := DeclareExchange(ch, TopicExchange("rpc"))

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Component)
		assert.Equal(t, "rpc", topoErr.Name)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("redeclaring with another kind fails", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		ch := broker.Channel()
		require.NoError(t, DeclareExchange(ch, ExchangeDeclaration{Name: "rpc", Type: amqp.ExchangeDirect}))

		err := DeclareExchange(ch, TopicExchange("rpc"))

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
	})

	t.Run("binding to a missing exchange fails", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		q, err := DeclareQueue(ch, SubscriptionQueue())
		require.NoError(t, err)

		err = BindQueue(ch, Binding{Queue: q.Name, Exchange: "missing", RoutingKey: "x"})

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "binding", topoErr.Component)
	})

	t.Run("queue failure is a TopologyError", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().Channel()
		ch.FailOn(rabbitmqtest.OpQueueDeclare, amqp.ErrClosed)

		_, err := DeclareQueue(ch, SubscriptionQueue())

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})
}
