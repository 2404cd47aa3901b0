package messaging

import (
	"log/slog"
	"time"
)

// ClientConfig configures a RequestResponseClient
type ClientConfig struct {
	Logger            *slog.Logger
	Metrics           MetricsCollector
	ConsumerTagPrefix string
	PublishTimeout    time.Duration
	ContentType       string
}

// ClientOption configures the client
type ClientOption func(*ClientConfig)

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithClientMetrics sets the metrics collector
func WithClientMetrics(metrics MetricsCollector) ClientOption {
	return func(c *ClientConfig) {
		c.Metrics = metrics
	}
}

// WithClientConsumerTagPrefix sets the prefix of the reply consumer tag
func WithClientConsumerTagPrefix(prefix string) ClientOption {
	return func(c *ClientConfig) {
		c.ConsumerTagPrefix = prefix
	}
}

// WithClientPublishTimeout bounds publishing a request when the call context has no deadline
func WithClientPublishTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.PublishTimeout = timeout
	}
}

// WithClientContentType sets the content type of requests
func WithClientContentType(contentType string) ClientOption {
	return func(c *ClientConfig) {
		c.ContentType = contentType
	}
}

func newClientConfig(opts []ClientOption) *ClientConfig {
	config := &ClientConfig{
		Logger:            slog.Default(),
		Metrics:           noopMetrics{},
		ConsumerTagPrefix: "reqresp-client",
		PublishTimeout:    10 * time.Second,
		ContentType:       "application/octet-stream",
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	return config
}

// ServerConfig configures a RequestResponseServer
type ServerConfig struct {
	Logger            *slog.Logger
	Metrics           MetricsCollector
	ConsumerTagPrefix string
	PublishTimeout    time.Duration
	ContentType       string
}

// ServerOption configures the server
type ServerOption func(*ServerConfig)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = logger
	}
}

// WithServerMetrics sets the metrics collector
func WithServerMetrics(metrics MetricsCollector) ServerOption {
	return func(c *ServerConfig) {
		c.Metrics = metrics
	}
}

// WithServerConsumerTagPrefix sets the prefix of the request consumer tag
func WithServerConsumerTagPrefix(prefix string) ServerOption {
	return func(c *ServerConfig) {
		c.ConsumerTagPrefix = prefix
	}
}

// WithServerPublishTimeout bounds publishing a response when the context has no deadline
func WithServerPublishTimeout(timeout time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.PublishTimeout = timeout
	}
}

// WithServerContentType sets the content type of responses
func WithServerContentType(contentType string) ServerOption {
	return func(c *ServerConfig) {
		c.ContentType = contentType
	}
}

func newServerConfig(opts []ServerOption) *ServerConfig {
	config := &ServerConfig{
		Logger:            slog.Default(),
		Metrics:           noopMetrics{},
		ConsumerTagPrefix: "reqresp-server",
		PublishTimeout:    10 * time.Second,
		ContentType:       "application/octet-stream",
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	return config
}
