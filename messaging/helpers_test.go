package messaging

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-reqresp/internal/rabbitmq"
	"github.com/glimte/mmate-reqresp/internal/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testExchange = "reqresp.test"
	waitFor      = time.Second
)

// requestRecorder consumes a topic and lets the test answer by hand
type requestRecorder struct {
	requests  chan amqp.Delivery
	publisher *rabbitmq.Publisher
}

func newRequestRecorder(t *testing.T, broker *rabbitmqtest.Broker, topic string) *requestRecorder {
	t.Helper()

	ch := broker.Channel()
	t.Cleanup(func() { ch.Close() })

	r := &requestRecorder{
		requests:  make(chan amqp.Delivery, 16),
		publisher: rabbitmq.NewPublisher(ch, testExchange),
	}
	_, err := rabbitmq.NewSubscription(ch, testExchange, topic, func(ctx context.Context, d amqp.Delivery) error {
		r.requests <- d
		return nil
	})
	require.NoError(t, err)
	return r
}

func (r *requestRecorder) next(t *testing.T) amqp.Delivery {
	t.Helper()
	select {
	case d := <-r.requests:
		return d
	case <-time.After(waitFor):
		t.Fatal("no request received")
		return amqp.Delivery{}
	}
}

func (r *requestRecorder) reply(t *testing.T, replyTo, correlationID, body string) {
	t.Helper()
	err := r.publisher.Publish(context.Background(), replyTo, []byte(body), rabbitmq.Metadata{CorrelationID: correlationID})
	require.NoError(t, err)
}

type requestResult struct {
	reply   []byte
	err     error
	elapsed time.Duration
}

// performAsync runs PerformRequest on its own goroutine
func performAsync(ctx context.Context, client *RequestResponseClient, payload string, timeout time.Duration) <-chan requestResult {
	results := make(chan requestResult, 1)
	go func() {
		start := time.Now()
		reply, err := client.PerformRequest(ctx, []byte(payload), timeout)
		results <- requestResult{reply: reply, err: err, elapsed: time.Since(start)}
	}()
	return results
}

func await(t *testing.T, results <-chan requestResult) requestResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * waitFor):
		t.Fatal("PerformRequest did not return")
		return requestResult{}
	}
}

func newTestClient(t *testing.T, broker *rabbitmqtest.Broker, target string, opts ...ClientOption) (*RequestResponseClient, *rabbitmqtest.Channel) {
	t.Helper()

	ch := broker.Channel()
	t.Cleanup(func() { ch.Close() })

	client, err := NewRequestResponseClient(ch, testExchange, target, opts...)
	require.NoError(t, err)
	return client, ch
}

func newTestServer(t *testing.T, broker *rabbitmqtest.Broker, topic string, opts ...ServerOption) (*RequestResponseServer, *rabbitmqtest.Channel) {
	t.Helper()

	ch := broker.Channel()
	t.Cleanup(func() { ch.Close() })

	server, err := NewRequestResponseServer(ch, testExchange, topic, opts...)
	require.NoError(t, err)
	return server, ch
}

// mockMetrics records collector calls
type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) RequestCompleted(outcome string, duration time.Duration) {
	m.Called(outcome, duration)
}

func (m *mockMetrics) ReplyDiscarded() {
	m.Called()
}

func (m *mockMetrics) RequestReceived() {
	m.Called()
}

func (m *mockMetrics) ListenerFailed() {
	m.Called()
}

// countingMetrics counts collector calls from any goroutine
type countingMetrics struct {
	completed        atomic.Int32
	repliesDiscarded atomic.Int32
	requestsReceived atomic.Int32
	listenerFailures atomic.Int32
}

func (m *countingMetrics) RequestCompleted(string, time.Duration) { m.completed.Add(1) }
func (m *countingMetrics) ReplyDiscarded()                        { m.repliesDiscarded.Add(1) }
func (m *countingMetrics) RequestReceived()                       { m.requestsReceived.Add(1) }
func (m *countingMetrics) ListenerFailed()                        { m.listenerFailures.Add(1) }
