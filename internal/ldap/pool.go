package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// SessionFactory creates the engine session for a new pooled Connection.
type SessionFactory func() Session

// idleConnection is a bound Connection waiting in the pool.
type idleConnection struct {
	conn     *Connection
	lastUsed time.Time
}

// Pool keeps bound Connections for reuse. At most MaxConnections are checked
// out at once; Get blocks until one is returned or ctx ends.
type Pool struct {
	ctx        context.Context // Logging context with the pool subsystem
	config     *ConnectionConfig
	newSession SessionFactory
	idle       chan *idleConnection
	sem        *semaphore.Weighted
	mu         sync.RWMutex
	closed     bool

	// Statistics
	activeConns    int64
	totalCreated   int64
	totalErrors    int64
	totalUnhealthy int64
	startTime      time.Time
	dials          atomic.Uint64

	// Health checking
	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// NewPool creates a pool for config. Connections are established lazily.
func NewPool(ctx context.Context, config *ConnectionConfig, newSession SessionFactory) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if newSession == nil {
		newSession = func() Session {
			return NewGoLDAPSession(ctx, config)
		}
	}

	ctx = tflog.NewSubsystem(ctx, subsystemPool, tflog.WithLevelFromEnv(envLogPool))

	pool := &Pool{
		ctx:        ctx,
		config:     config,
		newSession: newSession,
		idle:       make(chan *idleConnection, config.MaxConnections),
		sem:        semaphore.NewWeighted(int64(config.MaxConnections)),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}

	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"urls":            config.URLs,
		"max_connections": config.MaxConnections,
		"auth_method":     config.GetAuthMethod().String(),
	})

	return pool, nil
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Get returns a bound Connection. Callers must hand it back with Release.
func (p *Pool) Get(ctx context.Context) (*Connection, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	if !p.sem.TryAcquire(1) {
		LogPoolEvent(p.ctx, "pool_exhausted", map[string]any{
			"active": atomic.LoadInt64(&p.activeConns),
		})
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	for ic := p.takeIdle(); ic != nil; ic = p.takeIdle() {
		if time.Since(ic.lastUsed) > p.config.MaxIdleTime || ic.conn.State() != StateBound {
			p.discard(ic.conn)
			continue
		}
		atomic.AddInt64(&p.activeConns, 1)
		LogPoolEvent(p.ctx, "connection_acquired", map[string]any{
			"connection_id": ic.conn.ID(),
			"reused":        true,
		})
		return ic.conn, nil
	}

	conn, err := p.establish(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	atomic.AddInt64(&p.totalCreated, 1)
	atomic.AddInt64(&p.activeConns, 1)
	LogPoolEvent(p.ctx, "connection_acquired", map[string]any{
		"connection_id": conn.ID(),
		"reused":        false,
	})

	return conn, nil
}

// takeIdle pops an idle connection without blocking.
func (p *Pool) takeIdle() *idleConnection {
	select {
	case ic := <-p.idle:
		return ic
	default:
		return nil
	}
}

// Release returns a Connection obtained from Get. Connections that are no
// longer bound, or that do not fit in the pool, are unbound.
func (p *Pool) Release(conn *Connection) {
	if conn == nil {
		return
	}

	defer p.sem.Release(1)
	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || conn.State() != StateBound {
		p.discard(conn)
		return
	}

	select {
	case p.idle <- &idleConnection{conn: conn, lastUsed: time.Now()}:
		LogPoolEvent(p.ctx, "connection_released", map[string]any{"connection_id": conn.ID()})
	default:
		p.discard(conn)
	}
}

// With runs fn on a pooled Connection and releases it afterwards.
func (p *Pool) With(ctx context.Context, fn func(*Connection) error) error {
	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	return fn(conn)
}

// establish creates and binds a new Connection, trying every configured URL
// and backing off exponentially between rounds. Only retryable errors are
// retried.
func (p *Pool) establish(ctx context.Context) (*Connection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, url := range p.config.URLs {
			conn, err := p.dial(ctx, url)
			if err == nil {
				return conn, nil
			}

			lastErr = err
			atomic.AddInt64(&p.totalErrors, 1)
			LogPoolEvent(p.ctx, "connection_failed", map[string]any{
				"url":     url,
				"attempt": attempt + 1,
				"error":   err.Error(),
			})

			if !IsRetryableError(err) {
				return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
			}
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	LogPoolEvent(p.ctx, "all_connections_failed", map[string]any{
		"attempts": p.config.MaxRetries + 1,
		"error":    lastErr.Error(),
	})

	return nil, fmt.Errorf("failed to create connection after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// dial runs initialize, optional start-TLS and bind on a fresh Connection.
func (p *Pool) dial(ctx context.Context, url string) (*Connection, error) {
	server, err := ParseLDAPURL(url)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("pool-%d", p.dials.Add(1))
	conn := NewConnection(p.ctx, url, p.newSession(), WithConnectionID(id))

	if err := conn.Initialize(ctx); err != nil {
		return nil, err
	}

	if p.config.StartTLS && !server.UseTLS {
		if err := conn.StartTLS(ctx, p.config.TLSCACertFile); err != nil {
			p.discard(conn)
			return nil, err
		}
	}

	if err := conn.Bind(ctx, p.config.BindDN, p.config.Password); err != nil {
		LogLDAPError(p.ctx, subsystemPool, "bind", err, map[string]any{"url": url})
		p.discard(conn)
		return nil, err
	}

	return conn, nil
}

// discard unbinds conn, ignoring errors.
func (p *Pool) discard(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	if err := conn.Unbind(ctx); err != nil {
		tflog.SubsystemDebug(p.ctx, subsystemPool, "Unbind of discarded connection failed", SanitizeFields(map[string]any{
			"connection_id": conn.ID(),
			"error":         err.Error(),
		}))
	}
}

// Close unbinds all idle connections and stops health checking. Checked-out
// connections are unbound when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	for ic := p.takeIdle(); ic != nil; ic = p.takeIdle() {
		p.discard(ic.conn)
	}

	LogPoolEvent(p.ctx, "pool_closed", nil)
	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	idle := len(p.idle)
	active := atomic.LoadInt64(&p.activeConns)

	return PoolStats{
		Total:     idle + int(active),
		Active:    active,
		Idle:      idle,
		Unhealthy: int(atomic.LoadInt64(&p.totalUnhealthy)),
		Created:   atomic.LoadInt64(&p.totalCreated),
		Errors:    atomic.LoadInt64(&p.totalErrors),
		Uptime:    time.Since(p.startTime),
	}
}

// startHealthChecker starts the periodic health checker.
func (p *Pool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.HealthCheck(p.ctx)
			case <-p.healthStop:
				return
			}
		}
	})
}

// HealthCheck tests up to three idle connections with a root DSE search and
// unbinds the ones that fail.
func (p *Pool) HealthCheck(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var toCheck []*idleConnection
	for range 3 {
		ic := p.takeIdle()
		if ic == nil {
			break
		}
		toCheck = append(toCheck, ic)
	}

	for _, ic := range toCheck {
		if p.testConnection(ctx, ic.conn) {
			select {
			case p.idle <- ic:
				continue
			default:
			}
		} else {
			atomic.AddInt64(&p.totalUnhealthy, 1)
			LogPoolEvent(p.ctx, "health_check_failed", map[string]any{"connection_id": ic.conn.ID()})
		}
		p.discard(ic.conn)
	}
}

// testConnection reads the root DSE.
func (p *Pool) testConnection(ctx context.Context, conn *Connection) bool {
	_, err := conn.Search(ctx, "", "BASE", defaultFilter,
		WithAttributes("namingContexts"),
		WithSizeLimit(1),
	)
	return err == nil
}
