package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/logging"
)

// rebindAfter is the age after which an idle connection binds again
// before reuse, so expired Kerberos tickets and rotated passwords are
// noticed.
const rebindAfter = 5 * time.Minute

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// PooledConnection is a bound connection checked out of a pool. Close
// returns it.
type PooledConnection struct {
	conn     *ldap.Conn
	server   *ServerInfo
	boundAt  time.Time // zero when not bound
	lastUsed time.Time
	release  func(*PooledConnection)
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.release != nil {
		pc.release(pc)
		pc.release = nil
	}
}

// Conn returns the underlying connection.
func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

// ServerInfo returns the server the connection is bound to.
func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.server
}

// connectionPool hands out at most MaxConnections bound connections at a
// time. Idle connections are kept for reuse until MaxIdleTime. Servers
// are tried in order starting with the last one that answered.
type connectionPool struct {
	ctx     context.Context
	config  *ConnectionConfig
	servers []*ServerInfo

	tokens    chan struct{} // one per connection in use
	idle      chan *PooledConnection
	preferred atomic.Int32

	mu     sync.RWMutex
	closed bool

	active    atomic.Int64
	created   atomic.Int64
	failures  atomic.Int64
	startTime time.Time

	stop chan struct{}
	wg   sync.WaitGroup

	dial func(server *ServerInfo) (*ldap.Conn, error)
}

func newConnectionPool(ctx context.Context, config *ConnectionConfig) (*connectionPool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	servers := make([]*ServerInfo, 0, len(config.URLs))
	for _, u := range config.URLs {
		server, _ := ParseServerURL(u) // checked by Validate
		servers = append(servers, server)
	}

	p := &connectionPool{
		ctx:       ctx,
		config:    config,
		servers:   servers,
		tokens:    make(chan struct{}, config.MaxConnections),
		idle:      make(chan *PooledConnection, config.MaxConnections),
		startTime: time.Now(),
		stop:      make(chan struct{}),
	}
	p.dial = p.dialServer

	if config.HealthCheck > 0 {
		p.wg.Go(p.healthLoop)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Connection pool created", map[string]any{
		"servers":         len(servers),
		"max_connections": config.MaxConnections,
		"auth_method":     config.GetAuthMethod().String(),
	})
	return p, nil
}

// Get checks out a bound connection, waiting for a free slot until ctx
// is done.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a free connection: %w", ctx.Err())
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		<-p.tokens
		return nil, err
	}
	p.active.Add(1)
	conn.release = p.put
	return conn, nil
}

func (p *connectionPool) checkout(ctx context.Context) (*PooledConnection, error) {
	for {
		select {
		case conn := <-p.idle:
			if p.reusable(conn) {
				conn.lastUsed = time.Now()
				return conn, nil
			}
			p.discard(conn)
			continue
		default:
		}
		return p.connect(ctx)
	}
}

// reusable reports whether an idle connection can be handed out, binding
// it again when its bind is old.
func (p *connectionPool) reusable(conn *PooledConnection) bool {
	if conn.conn == nil || conn.conn.IsClosing() || time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	if time.Since(conn.boundAt) > rebindAfter {
		return p.bind(conn) == nil
	}
	return true
}

// connect dials every server in preference order, retrying the whole
// list with backoff while failures are transient.
func (p *connectionPool) connect(ctx context.Context) (*PooledConnection, error) {
	var opened *PooledConnection
	attempts := 0
	err := retry(ctx, p.config.Retry, func() error {
		attempts++
		var lastErr error
		for i := range p.servers {
			idx := (int(p.preferred.Load()) + i) % len(p.servers)
			server := p.servers[idx]

			conn, err := p.open(server)
			if err != nil {
				lastErr = err
				p.failures.Add(1)
				tflog.SubsystemDebug(p.ctx, logging.SubsystemLDAP, "Connection attempt failed", map[string]any{
					"server":  server.URL(),
					"attempt": attempts,
					"error":   err.Error(),
				})
				continue
			}

			p.preferred.Store(int32(idx))
			p.created.Add(1)
			opened = conn
			return nil
		}
		return &UnreachableError{Servers: len(p.servers), Attempts: attempts, Cause: lastErr}
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// open dials server and binds with the configured identity.
func (p *connectionPool) open(server *ServerInfo) (*PooledConnection, error) {
	c, err := p.dial(server)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", server.URL(), err)
	}
	c.SetTimeout(p.config.Timeout)

	conn := &PooledConnection{conn: c, server: server, lastUsed: time.Now()}
	if err := p.bind(conn); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to authenticate to %s: %w", server.URL(), err)
	}
	return conn, nil
}

func (p *connectionPool) dialServer(server *ServerInfo) (*ldap.Conn, error) {
	if server.UseTLS {
		return ldap.DialURL(server.URL(), ldap.DialWithTLSConfig(p.config.TLSConfig))
	}

	c, err := ldap.DialURL(server.URL())
	if err != nil {
		return nil, err
	}
	if p.config.TLSMode == TLSModeStartTLS {
		if err := c.StartTLS(p.config.TLSConfig); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (p *connectionPool) bind(conn *PooledConnection) error {
	var err error
	switch method := p.config.GetAuthMethod(); method {
	case AuthMethodAnonymous:
	case AuthMethodSimpleBind:
		err = conn.conn.Bind(p.config.Username, p.config.Password)
	case AuthMethodKerberos:
		err = kerberosBind(conn.conn, p.config, conn.server)
	default:
		err = fmt.Errorf("unsupported authentication method: %s", method)
	}

	if err != nil {
		conn.boundAt = time.Time{}
		return err
	}
	conn.boundAt = time.Now()
	return nil
}

// put returns a checked-out connection and frees its slot.
func (p *connectionPool) put(conn *PooledConnection) {
	defer func() { <-p.tokens }()
	p.active.Add(-1)
	p.keep(conn)
}

// keep parks conn as idle, or closes it when the pool is closed or full.
func (p *connectionPool) keep(conn *PooledConnection) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || conn.conn == nil || conn.conn.IsClosing() || conn.boundAt.IsZero() {
		p.discard(conn)
		return
	}
	select {
	case p.idle <- conn:
	default:
		p.discard(conn)
	}
}

func (p *connectionPool) discard(conn *PooledConnection) {
	if conn.conn != nil {
		conn.conn.Close()
	}
	conn.boundAt = time.Time{}
}

func (p *connectionPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close stops the health checker and closes idle connections.
// Connections still checked out are closed when returned.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	for {
		select {
		case conn := <-p.idle:
			p.discard(conn)
		default:
			return nil
		}
	}
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	return PoolStats{
		Idle:    len(p.idle),
		Active:  p.active.Load(),
		Created: p.created.Load(),
		Errors:  p.failures.Load(),
		Uptime:  time.Since(p.startTime),
	}
}

func (p *connectionPool) healthLoop() {
	ticker := time.NewTicker(p.config.HealthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkIdle()
		case <-p.stop:
			return
		}
	}
}

// checkIdle probes every idle connection once with a root DSE read and
// keeps the ones that answer.
func (p *connectionPool) checkIdle() {
	for range len(p.idle) {
		var conn *PooledConnection
		select {
		case conn = <-p.idle:
		default:
			return
		}

		if p.reusable(conn) && ping(conn.conn) == nil {
			p.keep(conn)
			continue
		}
		tflog.SubsystemTrace(p.ctx, logging.SubsystemLDAP, "Dropping idle connection", map[string]any{
			"server": conn.server.URL(),
		})
		p.discard(conn)
	}
}

// dialUnauthenticated opens a connection outside the pool to the first
// reachable server. The caller owns and closes it.
func (p *connectionPool) dialUnauthenticated() (*ldap.Conn, error) {
	var lastErr error
	for _, server := range p.servers {
		c, err := p.dial(server)
		if err != nil {
			lastErr = err
			p.failures.Add(1)
			continue
		}
		c.SetTimeout(p.config.Timeout)
		return c, nil
	}
	return nil, &UnreachableError{Servers: len(p.servers), Attempts: 1, Cause: lastErr}
}

func ping(c *ldap.Conn) error {
	_, err := c.Search(ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 5, false,
		"(objectClass=*)", []string{"namingContexts"}, nil,
	))
	return err
}

// retry runs op until it succeeds, fails with an error that is not
// transient, or the policy runs out. The last error is returned wrapped
// in ErrRetriesExhausted, which nested retries do not retry again.
func retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	backoff := policy.InitialBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil || !IsTransient(err) || errors.Is(err, ErrRetriesExhausted) {
			return err
		}
		if attempt >= policy.MaxRetries {
			break
		}

		tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Retrying operation", map[string]any{
			"attempt":    attempt + 1,
			"max_retry":  policy.MaxRetries,
			"backoff_ms": backoff.Milliseconds(),
			"last_error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = policy.next(backoff)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, policy.MaxRetries+1, err)
}
