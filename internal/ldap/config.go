package ldap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// MaxConnectionPoolLimit caps MaxConnections.
const MaxConnectionPoolLimit = 100

// TLSMode selects how plain ldap:// servers are secured. ldaps:// servers
// always use TLS.
type TLSMode string

const (
	TLSModeStartTLS TLSMode = "starttls"
	TLSModeLDAPS    TLSMode = "ldaps"
	TLSModeNone     TLSMode = "none"
)

// ParseTLSMode parses a TLS mode name. The empty string is StartTLS.
func ParseTLSMode(s string) (TLSMode, error) {
	switch m := TLSMode(s); m {
	case "":
		return TLSModeStartTLS, nil
	case TLSModeStartTLS, TLSModeLDAPS, TLSModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("unknown tls mode %q", s)
	}
}

// KerberosConfig holds the GSSAPI bind settings. A non-empty Realm with
// any credential source selects Kerberos over simple bind.
type KerberosConfig struct {
	Realm  string
	Keytab string
	Config string // krb5.conf path
	CCache string
	SPN    string // overrides ldap/<host>
}

// RetryPolicy is an exponential backoff schedule.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
}

func (r RetryPolicy) next(backoff time.Duration) time.Duration {
	return min(time.Duration(float64(backoff)*r.Factor), r.MaxBackoff)
}

// ConnectionConfig configures the client of one remote directory.
type ConnectionConfig struct {
	URLs     []string // tried in order, the last good one first
	BaseDN   string
	Timeout  time.Duration
	PageSize uint32 // zero disables paged searches

	Username string // bind DN, or Kerberos principal
	Password string
	Kerberos KerberosConfig

	TLSMode   TLSMode
	TLSConfig *tls.Config

	MaxConnections int           // connections in use at once
	MaxIdleTime    time.Duration // idle connections older than this are closed
	HealthCheck    time.Duration // zero disables the health checker

	Retry RetryPolicy
}

// DefaultConfig returns a configuration with StartTLS and TLS 1.2 minimum.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		PageSize:       1000,
		TLSMode:        TLSModeStartTLS,
		TLSConfig:      &tls.Config{MinVersion: tls.VersionTLS12},
		MaxConnections: 10,
		MaxIdleTime:    5 * time.Minute,
		HealthCheck:    30 * time.Second,
		Retry: RetryPolicy{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Factor:         2.0,
		},
	}
}

// Validate checks the configuration and parses every URL.
func (c *ConnectionConfig) Validate() error {
	if len(c.URLs) == 0 {
		return errors.New("at least one LDAP URL must be specified")
	}
	for _, u := range c.URLs {
		if _, err := ParseServerURL(u); err != nil {
			return fmt.Errorf("invalid LDAP URL %s: %w", u, err)
		}
	}
	if _, err := ParseTLSMode(string(c.TLSMode)); err != nil {
		return err
	}
	switch {
	case c.MaxConnections <= 0:
		return errors.New("max connections must be positive")
	case c.MaxConnections > MaxConnectionPoolLimit:
		return fmt.Errorf("max connections too high (max %d)", MaxConnectionPoolLimit)
	case c.MaxIdleTime <= 0:
		return errors.New("max idle time must be positive")
	case c.Timeout <= 0:
		return errors.New("timeout must be positive")
	case c.Retry.MaxRetries < 0:
		return errors.New("max retries cannot be negative")
	case c.Retry.Factor <= 1.0:
		return errors.New("backoff factor must be greater than 1.0")
	}
	return nil
}

// AuthMethod is how pooled connections authenticate.
type AuthMethod int

const (
	AuthMethodAnonymous AuthMethod = iota
	AuthMethodSimpleBind
	AuthMethodKerberos
)

func (a AuthMethod) String() string {
	switch a {
	case AuthMethodAnonymous:
		return "anonymous"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// GetAuthMethod picks Kerberos when a realm and a credential source are
// configured, simple bind when a username is, anonymous otherwise.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	k := c.Kerberos
	if k.Realm != "" && (k.Keytab != "" || k.CCache != "" || c.Username != "") {
		return AuthMethodKerberos
	}
	if c.Username != "" {
		return AuthMethodSimpleBind
	}
	return AuthMethodAnonymous
}

// ServerInfo is one remote server address.
type ServerInfo struct {
	Host   string
	Port   int
	UseTLS bool
}

// URL renders s as an ldap:// or ldaps:// URL.
func (s *ServerInfo) URL() string {
	scheme := "ldap"
	if s.UseTLS {
		scheme = "ldaps"
	}
	return scheme + "://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ParseServerURL parses an ldap:// or ldaps:// URL. Paths and query
// strings are ignored; the port defaults to 389 or 636.
func ParseServerURL(raw string) (*ServerInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	s := &ServerInfo{Host: u.Hostname()}
	switch u.Scheme {
	case "ldap":
		s.Port = 389
	case "ldaps":
		s.Port, s.UseTLS = 636, true
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap or ldaps", u.Scheme)
	}
	if s.Host == "" {
		return nil, errors.New("server host cannot be empty")
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", p)
		}
		s.Port = port
	}
	return s, nil
}
