package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default broker ports
const (
	DefaultPort       = 5672
	DefaultSecurePort = 5671
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns one broker connection. It does not reconnect: once
// the connection is lost the manager stays disconnected, Lost is closed and
// everything built on the connection has to be recreated.
type ConnectionManager struct {
	url            string
	tlsConfig      *tls.Config
	dialTimeout    time.Duration
	heartbeat      time.Duration
	logger         *slog.Logger
	conn           *amqp.Connection
	mu             sync.RWMutex
	isConnected    bool
	lost           chan struct{}
	lostOnce       sync.Once
	lostErr        error
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithTLSConfig sets the TLS configuration used for amqps:// URLs
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = cfg
	}
}

// WithDialTimeout sets how long Connect waits for the broker
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		logger:      slog.Default(),
		lost:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// BuildURL assembles a broker URL. A zero port selects the default for the scheme.
func BuildURL(host, user, password string, port int, secure bool) string {
	scheme := "amqp"
	if port == 0 {
		port = DefaultPort
	}
	if secure {
		scheme = "amqps"
		if port == DefaultPort {
			port = DefaultSecurePort
		}
	}

	u := url.URL{
		Scheme: scheme,
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/",
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	return u.String()
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}
	select {
	case <-cm.lost:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	default:
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	resultChan := make(chan dialResult, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Heartbeat:       cm.heartbeat,
			TLSClientConfig: cm.tlsConfig,
			Locale:          "en_US",
		})
		resultChan <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}

		cm.conn = res.conn
		cm.isConnected = true
		notifyClose := cm.conn.NotifyClose(make(chan *amqp.Error, 1))

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		cm.notifyConnected()

		go cm.watch(notifyClose)
		return nil

	case <-connCtx.Done():
		// A late successful dial must not leak its connection.
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %v", ErrConnectionTimeout, connCtx.Err()),
			Timestamp: time.Now(),
		}
	}
}

// Channel opens a new AMQP channel on the connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Lost is closed once the connection is gone, whether it dropped or was closed.
func (cm *ConnectionManager) Lost() <-chan struct{} {
	return cm.lost
}

// Err returns why the connection was lost, or nil after a clean Close.
func (cm *ConnectionManager) Err() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lostErr
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn := cm.conn
	wasConnected := cm.isConnected
	cm.isConnected = false
	cm.conn = nil
	cm.mu.Unlock()

	cm.markLost(nil)

	if wasConnected && conn != nil {
		return conn.Close()
	}
	return nil
}

// watch waits for the broker or the network to close the connection
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose

	var err error
	if ok && amqpErr != nil {
		err = amqpErr
		cm.logger.Error("connection lost", "error", amqpErr)
	}

	cm.mu.Lock()
	cm.isConnected = false
	cm.mu.Unlock()

	cm.markLost(err)
	cm.notifyDisconnected(err)
}

func (cm *ConnectionManager) markLost(err error) {
	cm.lostOnce.Do(func() {
		cm.mu.Lock()
		cm.lostErr = err
		cm.mu.Unlock()
		close(cm.lost)
	})
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
