package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/glimte/foodsaga/internal/reliability"
)

// ConnectionState is anything that knows whether its broker link is up
type ConnectionState interface {
	IsConnected() bool
}

// QueueDepthReader reads the number of ready messages in a queue
type QueueDepthReader interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	conn ConnectionState
}

// NewBrokerChecker creates a broker connection checker
func NewBrokerChecker(conn ConnectionState) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}
	result.Duration = time.Since(start)
	return result
}

// DeadLetterChecker reports degraded while a dead letter queue holds messages
type DeadLetterChecker struct {
	queue  string
	reader QueueDepthReader
}

// NewDeadLetterChecker creates a checker for one dead letter queue
func NewDeadLetterChecker(queue string, reader QueueDepthReader) *DeadLetterChecker {
	return &DeadLetterChecker{queue: queue, reader: reader}
}

func (c *DeadLetterChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	depth, err := c.reader.QueueDepth(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = depth
	if depth > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s holds %d dead letters", c.queue, depth)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is empty", c.queue)
	return result
}

// CircuitBreakerChecker reports the state of a circuit breaker. An open
// breaker is degraded rather than unhealthy so the instance keeps consuming.
type CircuitBreakerChecker struct {
	cb *reliability.CircuitBreaker
}

// NewCircuitBreakerChecker creates a checker for cb
func NewCircuitBreakerChecker(cb *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{cb: cb}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_" + c.cb.Name()
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	snap := c.cb.Snapshot()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Message:   "Circuit " + snap.State.String(),
		Details: map[string]interface{}{
			"state":         snap.State.String(),
			"failure_count": snap.FailureCount,
		},
	}
	if snap.State == reliability.StateClosed {
		result.Status = StatusHealthy
	} else {
		result.Status = StatusDegraded
	}
	result.Duration = time.Since(start)
	return result
}

// RedisChecker pings the Redis server backing shared idempotency state
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a Redis checker
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Ping succeeded"
	}
	result.Duration = time.Since(start)
	return result
}

// PostgresChecker pings the database holding processed event markers
type PostgresChecker struct {
	db *gorm.DB
}

// NewPostgresChecker creates a database checker
func NewPostgresChecker(db *gorm.DB) *PostgresChecker {
	return &PostgresChecker{db: db}
}

func (c *PostgresChecker) Name() string {
	return "postgres"
}

func (c *PostgresChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	sqlDB, err := c.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Ping succeeded"
		stats := sqlDB.Stats()
		result.Details = map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
		}
	}
	result.Duration = time.Since(start)
	return result
}
