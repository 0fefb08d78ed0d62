// Package connection binds named backend configurations to the runtime
// clients that read and write them. Every backend kind implements Client;
// handlers and the synchronization engine depend on nothing else.
package connection

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/logging"
	"github.com/isometry/vdir/internal/session"
)

// Backend kinds.
const (
	KindLDAP   = "ldap"
	KindCSV    = "csv"
	KindSQL    = "sql"
	KindPasswd = "passwd"
)

// Client is the contract every backend variant implements. Keys identify
// one backend record: a DN for directory backends, the primary key value
// for flat sources.
type Client interface {
	Find(ctx context.Context, key string) (*directory.Record, error)
	Search(ctx context.Context, q *Query) iter.Seq2[*directory.Record, error]
	Add(ctx context.Context, rec *directory.Record) error
	Modify(ctx context.Context, key string, changes []directory.Modification) error
	Delete(ctx context.Context, key string) error
	Bind(ctx context.Context, key, password string) error
	Compare(ctx context.Context, key, attribute, value string) (bool, error)
	Schema() *directory.Schema
	Close() error
}

// ChangeReader is implemented by clients that can return only the records
// changed since a previous read.
type ChangeReader interface {
	Changes(ctx context.Context, q *Query, cookie []byte) ([]*directory.Record, []byte, error)
}

// Query selects backend records. Parameters come from the source mapping
// and are interpreted by the variant; limits are passed through as given.
type Query struct {
	Filter     *directory.Filter
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
	Parameters map[string]string
}

// Param returns parameter name or def when unset.
func (q *Query) Param(name, def string) string {
	if q == nil {
		return def
	}
	if v, ok := q.Parameters[name]; ok && v != "" {
		return v
	}
	return def
}

// Config is the declaration of one named connection.
type Config struct {
	Name       string            `yaml:"name"`
	Kind       string            `yaml:"kind"`
	Parameters map[string]string `yaml:"parameters"`
}

// Param returns parameter name or def when unset.
func (c Config) Param(name, def string) string {
	if v, ok := c.Parameters[name]; ok && v != "" {
		return v
	}
	return def
}

// logParameters returns the parameters with secrets redacted.
func (c Config) logParameters() map[string]any {
	fields := make(map[string]any, len(c.Parameters))
	for k, v := range c.Parameters {
		fields[k] = v
	}
	return logging.SanitizeFields(fields)
}

// IntParam returns parameter name as an integer.
func (c Config) IntParam(name string, def int) (int, error) {
	v := c.Param(name, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("connection %s: parameter %s: %w", c.Name, name, err)
	}
	return n, nil
}

// Factory builds a client for a connection.
type Factory func(ctx context.Context, cfg Config) (Client, error)

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindLDAP, NewLDAPClient)
	r.Register(KindCSV, NewCSVClient)
	r.Register(KindSQL, NewSQLClient)
	r.Register(KindPasswd, NewPasswdClient)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Factory returns the factory for kind.
func (r *Registry) Factory(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Connection is a named, partition-scoped backend configuration.
type Connection struct {
	partition string
	config    Config
	factory   Factory
}

// New resolves the factory for cfg.Kind.
func New(partition string, cfg Config, registry *Registry) (*Connection, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("connection name cannot be empty")
	}
	factory, ok := registry.Factory(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("connection %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
	return &Connection{partition: partition, config: cfg, factory: factory}, nil
}

// Name returns the connection name.
func (c *Connection) Name() string {
	return c.config.Name
}

// Kind returns the backend kind.
func (c *Connection) Kind() string {
	return c.config.Kind
}

// Config returns the connection declaration.
func (c *Connection) Config() Config {
	return c.config
}

// GetClient returns the client s holds for this connection, creating it
// on first use. The session closes it when the session ends.
func (c *Connection) GetClient(ctx context.Context, s *session.Session) (Client, error) {
	key := session.ClientKey{Partition: c.partition, Connection: c.config.Name}

	sc, err := s.LoadOrCreateClient(key, func() (session.Client, error) {
		start := time.Now()
		client, err := c.factory(ctx, c.config)
		if err != nil {
			tflog.SubsystemError(ctx, logging.SubsystemConnection, "Failed to create backend client", map[string]any{
				"partition":  c.partition,
				"connection": c.config.Name,
				"kind":       c.config.Kind,
				"error":      err.Error(),
			})
			return nil, directory.BackendError("connect", "", err)
		}
		tflog.SubsystemDebug(ctx, logging.SubsystemConnection, "Backend client created", map[string]any{
			"partition":   c.partition,
			"connection":  c.config.Name,
			"kind":        c.config.Kind,
			"parameters":  c.config.logParameters(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return client, nil
	})
	if err != nil {
		return nil, err
	}

	client, ok := sc.(Client)
	if !ok {
		return nil, fmt.Errorf("connection %s: cached client has type %T", c.config.Name, sc)
	}
	return client, nil
}

// Collect drains a search sequence.
func Collect(seq iter.Seq2[*directory.Record, error]) ([]*directory.Record, error) {
	var out []*directory.Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// withTimeLimit bounds ctx by limit when it is positive.
func withTimeLimit(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit > 0 {
		return context.WithTimeout(ctx, limit)
	}
	return context.WithCancel(ctx)
}
