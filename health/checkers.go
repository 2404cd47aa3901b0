package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ConnectionState is the view of a broker connection the checker needs.
// *rabbitmq.ConnectionManager satisfies it.
type ConnectionState interface {
	IsConnected() bool
	Err() error
}

// ConnectionChecker reports the broker connection
type ConnectionChecker struct {
	conn ConnectionState
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn.IsConnected()
	result.Details["connected"] = connected

	if connected {
		result.Status = StatusHealthy
		result.Message = "connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "connection is not open"
		if err := c.conn.Err(); err != nil {
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}

// Subscription is the view of a request/response client or server the
// checker needs. Both messaging types satisfy it.
type Subscription interface {
	TopicName() string
	IsActive() bool
	InactiveReason() string
}

// SubscriptionChecker reports whether a client or server can still be used.
// An inactive subscription never recovers, so it is unhealthy.
type SubscriptionChecker struct {
	name string
	sub  Subscription
}

// NewSubscriptionChecker creates a checker named after the role, e.g. "server"
func NewSubscriptionChecker(role string, sub Subscription) *SubscriptionChecker {
	return &SubscriptionChecker{
		name: fmt.Sprintf("%s_%s", role, sub.TopicName()),
		sub:  sub,
	}
}

func (c *SubscriptionChecker) Name() string {
	return c.name
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"topic": c.sub.TopicName(),
		},
	}

	if c.sub.IsActive() {
		result.Status = StatusHealthy
		result.Message = "subscription is active"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "subscription is inactive"
		result.Error = c.sub.InactiveReason()
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker degrades when the process runs too many goroutines
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
