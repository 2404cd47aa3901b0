// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reqresp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-reqresp/internal/rabbitmq"
	"github.com/glimte/mmate-reqresp/internal/reliability"
	"github.com/glimte/mmate-reqresp/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange used when WithExchange is not given
const DefaultExchange = "reqresp"

// ErrSessionClosed is returned by a closed session
var ErrSessionClosed = errors.New("reqresp: session closed")

// Session provides the main entry point: one broker connection, one AMQP
// channel and the clients and servers created on it.
type Session struct {
	conn     *rabbitmq.ConnectionManager
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
	metrics  messaging.MetricsCollector

	mu      sync.Mutex
	closed  bool
	clients []*messaging.RequestResponseClient
	servers []*messaging.RequestResponseServer
}

// Dial connects to the broker at url and opens the session channel.
// A ctx that is already done yields ctx.Err() without dialing.
func Dial(ctx context.Context, url string, options ...SessionOption) (*Session, error) {
	cfg := &sessionConfig{
		logger:      slog.Default(),
		exchange:    DefaultExchange,
		dialTimeout: 30 * time.Second,

		connectRetryInterval: 500 * time.Millisecond,
	}
	for _, opt := range options {
		opt(cfg)
	}

	conn := rabbitmq.NewConnectionManager(url,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithTLSConfig(cfg.tlsConfig),
		rabbitmq.WithDialTimeout(cfg.dialTimeout),
	)
	for _, l := range connectionListeners(cfg) {
		conn.AddStateListener(l)
	}
	if err := connect(ctx, conn, url, cfg); err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Session{
		conn:     conn,
		ch:       ch,
		exchange: cfg.exchange,
		logger:   cfg.logger,
		metrics:  cfg.metrics,
	}, nil
}

// connectionListeners returns the configured collaborators that follow the
// connection state, such as a metrics collector exporting it.
func connectionListeners(cfg *sessionConfig) []rabbitmq.ConnectionStateListener {
	var listeners []rabbitmq.ConnectionStateListener
	if l, ok := cfg.metrics.(rabbitmq.ConnectionStateListener); ok {
		listeners = append(listeners, l)
	}
	return listeners
}

// connect dials, retrying transient failures when connect retries are enabled
func connect(ctx context.Context, conn *rabbitmq.ConnectionManager, url string, cfg *sessionConfig) error {
	var policy reliability.Policy = reliability.NoRetry{}
	if cfg.connectRetries > 0 {
		policy = reliability.NewExponentialBackoff(cfg.connectRetryInterval, 30*time.Second, 2.0, cfg.connectRetries)
	}
	_, uriErr := amqp.ParseURI(url)

	return reliability.Retry(ctx, policy, func(ctx context.Context) error {
		err := conn.Connect(ctx)
		if err != nil && (uriErr != nil || !rabbitmq.IsTransient(err)) {
			return reliability.Permanent(err)
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		cfg.logger.Warn("broker connection failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
	})
}

// NewClient creates a request/response client sending to target
func (s *Session) NewClient(target string, options ...messaging.ClientOption) (*messaging.RequestResponseClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	opts := []messaging.ClientOption{messaging.WithClientLogger(s.logger)}
	if s.metrics != nil {
		opts = append(opts, messaging.WithClientMetrics(s.metrics))
	}
	client, err := messaging.NewRequestResponseClient(s.ch, s.exchange, target, append(opts, options...)...)
	if err != nil {
		return nil, err
	}
	s.clients = append(s.clients, client)
	return client, nil
}

// NewServer creates a request/response server answering on topic
func (s *Session) NewServer(topic string, options ...messaging.ServerOption) (*messaging.RequestResponseServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	opts := []messaging.ServerOption{messaging.WithServerLogger(s.logger)}
	if s.metrics != nil {
		opts = append(opts, messaging.WithServerMetrics(s.metrics))
	}
	server, err := messaging.NewRequestResponseServer(s.ch, s.exchange, topic, append(opts, options...)...)
	if err != nil {
		return nil, err
	}
	s.servers = append(s.servers, server)
	return server, nil
}

// Exchange returns the topic exchange all clients and servers use
func (s *Session) Exchange() string {
	return s.exchange
}

// Connection exposes the connection for health checks
func (s *Session) Connection() *rabbitmq.ConnectionManager {
	return s.conn
}

// Done is closed when the connection is lost or the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.conn.Lost()
}

// Err returns the broker error that ended the connection, if any
func (s *Session) Err() error {
	return s.conn.Err()
}

// Close closes all clients and servers, then the channel and the connection
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients, servers := s.clients, s.servers
	s.clients, s.servers = nil, nil
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	for _, srv := range servers {
		srv.Close()
	}

	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sessionConfig holds session configuration
type sessionConfig struct {
	logger      *slog.Logger
	exchange    string
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	metrics     messaging.MetricsCollector

	connectRetries       int
	connectRetryInterval time.Duration
}

// SessionOption configures the session
type SessionOption func(*sessionConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.logger = logger
	}
}

// WithExchange sets the topic exchange
func WithExchange(name string) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.exchange = name
	}
}

// WithTLSConfig sets the TLS configuration for amqps connections
func WithTLSConfig(tlsConfig *tls.Config) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.tlsConfig = tlsConfig
	}
}

// WithDialTimeout bounds connecting to the broker
func WithDialTimeout(timeout time.Duration) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.dialTimeout = timeout
	}
}

// WithMetrics reports the activity of every client and server to metrics
func WithMetrics(metrics messaging.MetricsCollector) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.metrics = metrics
	}
}

// WithConnectRetries retries a failed dial up to retries times with
// exponential backoff starting at interval. Failures that cannot go away,
// such as refused credentials, are not retried.
func WithConnectRetries(retries int, interval time.Duration) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.connectRetries = retries
		if interval > 0 {
			cfg.connectRetryInterval = interval
		}
	}
}
