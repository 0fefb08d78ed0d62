// Package stats counts directory operations per kind.
package stats

import (
	"sync/atomic"
)

// Operation is a counted operation kind.
type Operation string

const (
	OpAdd     Operation = "add"
	OpBind    Operation = "bind"
	OpCompare Operation = "compare"
	OpDelete  Operation = "delete"
	OpModify  Operation = "modify"
	OpModRDN  Operation = "modrdn"
	OpSearch  Operation = "search"
	OpUnbind  Operation = "unbind"
)

// Operations lists every counted kind in a stable order.
func Operations() []Operation {
	return []Operation{OpAdd, OpBind, OpCompare, OpDelete, OpModify, OpModRDN, OpSearch, OpUnbind}
}

// Statistic is one named monotonic counter.
type Statistic struct {
	name  Operation
	value atomic.Int64
}

// Name returns the operation the statistic counts.
func (s *Statistic) Name() Operation {
	return s.name
}

// Value returns the current count.
func (s *Statistic) Value() int64 {
	return s.value.Load()
}

// Manager holds one Statistic per operation kind. It is created once at
// startup and shared by every component that counts operations.
type Manager struct {
	counters map[Operation]*Statistic
}

// NewManager creates a manager with every counter at zero.
func NewManager() *Manager {
	m := &Manager{counters: make(map[Operation]*Statistic)}
	for _, op := range Operations() {
		m.counters[op] = &Statistic{name: op}
	}
	return m
}

// Increment adds one to the counter of op. Unknown kinds are ignored.
func (m *Manager) Increment(op Operation) {
	if s, ok := m.counters[op]; ok {
		s.value.Add(1)
	}
}

// Get returns the counter of op.
func (m *Manager) Get(op Operation) int64 {
	if s, ok := m.counters[op]; ok {
		return s.Value()
	}
	return 0
}

// Statistic returns the counter of op.
func (m *Manager) Statistic(op Operation) (*Statistic, bool) {
	s, ok := m.counters[op]
	return s, ok
}

// Snapshot returns every counter keyed by operation name.
func (m *Manager) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(m.counters))
	for op, s := range m.counters {
		out[string(op)] = s.Value()
	}
	return out
}

// Reset sets every counter back to zero.
func (m *Manager) Reset() {
	for _, s := range m.counters {
		s.value.Store(0)
	}
}
