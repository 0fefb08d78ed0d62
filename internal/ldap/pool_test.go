package ldap

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.Equal(t, TLSModeStartTLS, config.TLSMode)
	require.NotNil(t, config.TLSConfig)
	assert.False(t, config.TLSConfig.InsecureSkipVerify)
	assert.Equal(t, 10, config.MaxConnections)
	assert.Equal(t, 5*time.Minute, config.MaxIdleTime)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, uint32(1000), config.PageSize)
	assert.Equal(t, 3, config.Retry.MaxRetries)
	assert.Equal(t, 2.0, config.Retry.Factor)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConnectionConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*ConnectionConfig) {}},
		{name: "no urls", mutate: func(c *ConnectionConfig) { c.URLs = nil }, wantErr: "at least one LDAP URL"},
		{name: "bad url", mutate: func(c *ConnectionConfig) { c.URLs = []string{"http://dc1"} }, wantErr: "invalid LDAP URL"},
		{name: "bad tls mode", mutate: func(c *ConnectionConfig) { c.TLSMode = "sometimes" }, wantErr: "unknown tls mode"},
		{name: "zero connections", mutate: func(c *ConnectionConfig) { c.MaxConnections = 0 }, wantErr: "max connections must be positive"},
		{name: "too many connections", mutate: func(c *ConnectionConfig) { c.MaxConnections = MaxConnectionPoolLimit + 1 }, wantErr: "too high"},
		{name: "zero idle time", mutate: func(c *ConnectionConfig) { c.MaxIdleTime = 0 }, wantErr: "max idle time"},
		{name: "zero timeout", mutate: func(c *ConnectionConfig) { c.Timeout = 0 }, wantErr: "timeout"},
		{name: "negative retries", mutate: func(c *ConnectionConfig) { c.Retry.MaxRetries = -1 }, wantErr: "max retries"},
		{name: "flat backoff", mutate: func(c *ConnectionConfig) { c.Retry.Factor = 1 }, wantErr: "backoff factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.URLs = []string{"ldaps://dc1.example.com"}
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseTLSMode(t *testing.T) {
	mode, err := ParseTLSMode("")
	require.NoError(t, err)
	assert.Equal(t, TLSModeStartTLS, mode)

	mode, err = ParseTLSMode("none")
	require.NoError(t, err)
	assert.Equal(t, TLSModeNone, mode)

	_, err = ParseTLSMode("LDAPS")
	assert.Error(t, err)
}

func TestParseServerURL(t *testing.T) {
	tests := []struct {
		url     string
		want    *ServerInfo
		wantURL string
		wantErr bool
	}{
		{url: "ldap://dc1.example.com", want: &ServerInfo{Host: "dc1.example.com", Port: 389}, wantURL: "ldap://dc1.example.com:389"},
		{url: "ldaps://dc1.example.com", want: &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}, wantURL: "ldaps://dc1.example.com:636"},
		{url: "ldap://dc1.example.com:3268/dc=example", want: &ServerInfo{Host: "dc1.example.com", Port: 3268}, wantURL: "ldap://dc1.example.com:3268"},
		{url: "ldap://[::1]:389", want: &ServerInfo{Host: "::1", Port: 389}, wantURL: "ldap://[::1]:389"},
		{url: "http://dc1.example.com", wantErr: true},
		{url: "ldap://:389", wantErr: true},
		{url: "ldap://dc1:abc", wantErr: true},
		{url: "ldap://dc1:70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ParseServerURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantURL, got.URL())
		})
	}
}

func TestGetAuthMethod(t *testing.T) {
	tests := []struct {
		name   string
		config ConnectionConfig
		want   AuthMethod
	}{
		{"anonymous", ConnectionConfig{}, AuthMethodAnonymous},
		{"simple", ConnectionConfig{Username: "cn=svc", Password: "secret"}, AuthMethodSimpleBind},
		{"kerberos keytab", ConnectionConfig{Username: "svc", Kerberos: KerberosConfig{Realm: "EXAMPLE.COM", Keytab: "/etc/krb5.keytab"}}, AuthMethodKerberos},
		{"kerberos ccache", ConnectionConfig{Kerberos: KerberosConfig{Realm: "EXAMPLE.COM", CCache: "/tmp/krb5cc"}}, AuthMethodKerberos},
		{"realm without credentials", ConnectionConfig{Kerberos: KerberosConfig{Realm: "EXAMPLE.COM"}}, AuthMethodAnonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.GetAuthMethod())
		})
	}
}

func testPoolConfig() *ConnectionConfig {
	config := DefaultConfig()
	config.URLs = []string{"ldaps://dc1.example.com:636", "ldaps://dc2.example.com:636"}
	config.HealthCheck = 0
	config.Retry.MaxRetries = 0
	return config
}

func TestConnectionPoolInvalidConfig(t *testing.T) {
	config := testPoolConfig()
	config.URLs = []string{"invalid://dc1.example.com"}

	_, err := newConnectionPool(context.Background(), config)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestConnectionPoolStats(t *testing.T) {
	pool, err := newConnectionPool(context.Background(), testPoolConfig())
	require.NoError(t, err)
	defer pool.Close()

	stats := pool.Stats()
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Created)
	assert.Zero(t, stats.Idle)
}

func TestConnectionPoolCloseBeforeUse(t *testing.T) {
	pool, err := newConnectionPool(context.Background(), testPoolConfig())
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err = pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConnectionPoolCloseWithHealthChecker(t *testing.T) {
	config := testPoolConfig()
	config.HealthCheck = time.Millisecond

	pool, err := newConnectionPool(context.Background(), config)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, pool.Close())
}

func TestConnectionPoolDialFailure(t *testing.T) {
	pool, err := newConnectionPool(context.Background(), testPoolConfig())
	require.NoError(t, err)
	defer pool.Close()

	var dialed []string
	pool.dial = func(server *ServerInfo) (*ldap.Conn, error) {
		dialed = append(dialed, server.Host)
		return nil, syscall.ECONNREFUSED
	}

	_, err = pool.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, 2, unreachable.Servers)
	assert.Equal(t, []string{"dc1.example.com", "dc2.example.com"}, dialed)
	assert.Equal(t, int64(2), pool.Stats().Errors)

	// the slot is released after a failed checkout
	assert.Empty(t, pool.tokens)

	_, err = pool.dialUnauthenticated()
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestConnectionPoolWaitsForSlot(t *testing.T) {
	config := testPoolConfig()
	config.MaxConnections = 1

	pool, err := newConnectionPool(context.Background(), config)
	require.NoError(t, err)
	defer pool.Close()

	pool.tokens <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "waiting for a free connection")
}

func TestPooledConnectionMethods(t *testing.T) {
	server := &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}

	returned := 0
	conn := &PooledConnection{
		server:   server,
		lastUsed: time.Now(),
		release:  func(*PooledConnection) { returned++ },
	}

	assert.Same(t, server, conn.ServerInfo())
	assert.Nil(t, conn.Conn())
	conn.Close()
	conn.Close()
	assert.Equal(t, 1, returned)

	// Close without a pool is a no-op
	(&PooledConnection{}).Close()
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Factor: 2}
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := retry(ctx, policy, func() error {
			calls++
			if calls < 3 {
				return ldap.NewError(ldap.LDAPResultBusy, errors.New("busy"))
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		err := retry(ctx, policy, func() error {
			calls++
			return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing"))
		})
		assert.True(t, hasCode(err, ldap.LDAPResultNoSuchObject))
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		err := retry(ctx, policy, func() error {
			calls++
			return syscall.ECONNRESET
		})
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.ErrorIs(t, err, syscall.ECONNRESET)
		assert.Equal(t, 3, calls)
	})

	t.Run("nested retries are not repeated", func(t *testing.T) {
		calls := 0
		err := retry(ctx, policy, func() error {
			calls++
			return retry(ctx, RetryPolicy{Factor: 2}, func() error { return syscall.ECONNRESET })
		})
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := RetryPolicy{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Factor: 2}
		err := retry(ctx, slow, func() error {
			cancel()
			return syscall.ECONNRESET
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryPolicyNext(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Factor: 2}
	assert.Equal(t, 2*time.Second, policy.next(time.Second))
	assert.Equal(t, 3*time.Second, policy.next(2*time.Second))
}
