// Package session tracks per-client state: the bind identity, the backend
// clients opened on behalf of the client and the listeners that release
// them when the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/logging"
)

// ErrClosed is returned when a closed session is asked for a client.
var ErrClosed = errors.New("session is closed")

// Client is the part of a backend client a session needs to release it.
type Client interface {
	Close() error
}

// ClientKey identifies the client of one connection of one partition.
type ClientKey struct {
	Partition  string
	Connection string
}

func (k ClientKey) String() string {
	return k.Partition + "/" + k.Connection
}

// CloseListener runs when the session closes.
type CloseListener func(ctx context.Context) error

type namedListener struct {
	name string
	fn   CloseListener
}

// Session is the state of one client. Operations of a single session are
// issued sequentially; the client cache is nevertheless safe for
// concurrent use.
type Session struct {
	ctx     context.Context // Logging context with session subsystem
	id      uuid.UUID
	created time.Time

	lastUsed atomic.Int64
	strict   atomic.Bool

	mu        sync.Mutex
	bindDN    string
	clients   map[ClientKey]Client
	listeners []namedListener
	closed    bool
}

// New creates an open session.
func New(ctx context.Context) *Session {
	now := time.Now()
	s := &Session{
		ctx:     ctx,
		id:      uuid.New(),
		created: now,
		clients: make(map[ClientKey]Client),
	}
	s.lastUsed.Store(now.UnixNano())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// LastUsed returns the time of the last Touch.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// BindDN returns the bound identity, "" when anonymous.
func (s *Session) BindDN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindDN
}

// SetBindDN records the bound identity.
func (s *Session) SetBindDN(dn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindDN = dn
}

// Strict reports whether backend failures fail whole requests.
func (s *Session) Strict() bool {
	return s.strict.Load()
}

// SetStrict sets the strict flag.
func (s *Session) SetStrict(strict bool) {
	s.strict.Store(strict)
}

// Client returns the cached client for key.
func (s *Session) Client(key ClientKey) (Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[key]
	return c, ok
}

// ClientCount returns the number of cached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// LoadOrCreateClient returns the cached client for key, or builds one
// with create, caches it and registers a close listener that evicts the
// key and closes the client. Creation runs under the session lock so at
// most one client exists per key.
func (s *Session) LoadOrCreateClient(key ClientKey, create func() (Client, error)) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.clients[key]; ok {
		return c, nil
	}

	c, err := create()
	if err != nil {
		return nil, err
	}

	s.clients[key] = c
	s.listeners = append(s.listeners, namedListener{
		name: "client:" + key.String(),
		fn: func(context.Context) error {
			s.mu.Lock()
			delete(s.clients, key)
			s.mu.Unlock()
			return c.Close()
		},
	})

	tflog.SubsystemDebug(s.ctx, logging.SubsystemSession, "Cached backend client", map[string]any{
		"session_id": s.id.String(),
		"client_key": key.String(),
	})

	return c, nil
}

// AddCloseListener registers fn to run when the session closes. Listeners
// run in registration order.
func (s *Session) AddCloseListener(name string, fn CloseListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.listeners = append(s.listeners, namedListener{name: name, fn: fn})
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close runs every close listener exactly once, in registration order.
// Listener failures are logged and do not stop the remaining listeners.
// Closing an already closed session does nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	start := time.Now()
	failures := 0
	for _, l := range listeners {
		if err := runListener(s.ctx, l); err != nil {
			failures++
			tflog.SubsystemWarn(s.ctx, logging.SubsystemSession, "Close listener failed", map[string]any{
				"session_id": s.id.String(),
				"listener":   l.name,
				"error":      err.Error(),
			})
		}
	}

	tflog.SubsystemDebug(s.ctx, logging.SubsystemSession, "Session closed", map[string]any{
		"session_id":  s.id.String(),
		"listeners":   len(listeners),
		"failures":    failures,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func runListener(ctx context.Context, l namedListener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.fn(ctx)
}
