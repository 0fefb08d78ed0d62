package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/logging"
)

// MaxSessionLimit caps PoolConfig.MaxSessions.
const MaxSessionLimit = 100000

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool is closed")

// PoolConfig holds the session pool limits.
type PoolConfig struct {
	MaxSessions   int           `yaml:"max_sessions" default:"1000"`
	MaxIdleTime   time.Duration `yaml:"max_idle_time" default:"15m"`
	SweepInterval time.Duration `yaml:"sweep_interval" default:"1m"`
}

// DefaultPoolConfig returns the default limits.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxSessions:   1000,
		MaxIdleTime:   15 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Validate checks the limits.
func (c *PoolConfig) Validate() error {
	if c.MaxSessions <= 0 {
		return errors.New("max_sessions must be positive")
	}
	if c.MaxSessions > MaxSessionLimit {
		return fmt.Errorf("max_sessions too high (max %d)", MaxSessionLimit)
	}
	if c.MaxIdleTime <= 0 {
		return errors.New("max_idle_time must be positive")
	}
	if c.SweepInterval < 0 {
		return errors.New("sweep_interval cannot be negative")
	}
	return nil
}

// Info is a read-only view of a session for reporting.
type Info struct {
	ID       string    `json:"id"`
	BindDN   string    `json:"bind_dn"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"last_used"`
	Clients  int       `json:"clients"`
}

// Pool hands out sessions up to a fixed capacity and force-closes
// sessions idle for longer than MaxIdleTime.
type Pool struct {
	ctx    context.Context // Logging context with session subsystem
	config *PoolConfig
	now    func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool

	sweepTicker *time.Ticker
	sweepStop   chan struct{}
	sweepWg     sync.WaitGroup
}

// NewPool creates a pool. A nil config uses DefaultPoolConfig.
func NewPool(ctx context.Context, config *PoolConfig) (*Pool, error) {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session pool configuration: %w", err)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemSession, "Creating session pool", map[string]any{
		"max_sessions":  config.MaxSessions,
		"max_idle_time": config.MaxIdleTime.String(),
	})

	return &Pool{
		ctx:       ctx,
		config:    config,
		now:       time.Now,
		sessions:  make(map[uuid.UUID]*Session),
		sweepStop: make(chan struct{}),
	}, nil
}

// Acquire opens a new session. When the pool is full it fails with a
// capacity error instead of waiting.
func (p *Pool) Acquire() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.sessions) >= p.config.MaxSessions {
		tflog.SubsystemWarn(p.ctx, logging.SubsystemSession, "Session pool exhausted", map[string]any{
			"max_sessions": p.config.MaxSessions,
		})
		return nil, directory.CapacityExceeded("acquire_session",
			fmt.Sprintf("session limit of %d reached", p.config.MaxSessions))
	}

	s := New(p.ctx)
	p.sessions[s.id] = s

	tflog.SubsystemTrace(p.ctx, logging.SubsystemSession, "Session acquired", map[string]any{
		"session_id": s.id.String(),
		"active":     len(p.sessions),
	})
	return s, nil
}

// Release closes s and frees its slot. Releasing a session twice, or one
// already evicted by the sweeper, is harmless.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	delete(p.sessions, s.id)
	p.mu.Unlock()

	s.Close()
}

// Get returns the live session with id.
func (p *Pool) Get(id uuid.UUID) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Sessions returns the live sessions ordered by creation time.
func (p *Pool) Sessions() []Info {
	p.mu.Lock()
	live := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		live = append(live, s)
	}
	p.mu.Unlock()

	slices.SortFunc(live, func(a, b *Session) int {
		return a.created.Compare(b.created)
	})

	infos := make([]Info, 0, len(live))
	for _, s := range live {
		infos = append(infos, Info{
			ID:       s.id.String(),
			BindDN:   s.BindDN(),
			Created:  s.created,
			LastUsed: s.LastUsed(),
			Clients:  s.ClientCount(),
		})
	}
	return infos
}

// Sweep closes every session idle for longer than MaxIdleTime, oldest
// first, and returns how many were closed.
func (p *Pool) Sweep() int {
	cutoff := p.now().Add(-p.config.MaxIdleTime)

	p.mu.Lock()
	var idle []*Session
	for id, s := range p.sessions {
		if s.LastUsed().Before(cutoff) {
			idle = append(idle, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	slices.SortFunc(idle, func(a, b *Session) int {
		return a.created.Compare(b.created)
	})
	for _, s := range idle {
		tflog.SubsystemInfo(p.ctx, logging.SubsystemSession, "Closing idle session", map[string]any{
			"session_id": s.id.String(),
			"last_used":  s.LastUsed().Format(time.RFC3339),
		})
		s.Close()
	}
	return len(idle)
}

// Start runs Sweep every SweepInterval until Close. A zero interval
// disables the sweeper.
func (p *Pool) Start() {
	if p.config.SweepInterval <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.sweepTicker != nil {
		return
	}
	p.sweepTicker = time.NewTicker(p.config.SweepInterval)

	p.sweepWg.Go(func() {
		for {
			select {
			case <-p.sweepTicker.C:
				p.Sweep()
			case <-p.sweepStop:
				return
			}
		}
	})
}

// Close stops the sweeper and closes every live session.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ticker := p.sweepTicker
	live := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		live = append(live, s)
	}
	p.sessions = make(map[uuid.UUID]*Session)
	p.mu.Unlock()

	if ticker != nil {
		close(p.sweepStop)
		p.sweepWg.Wait()
		ticker.Stop()
	}

	for _, s := range live {
		s.Close()
	}
}
