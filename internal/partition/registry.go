package partition

import (
	"fmt"
	"slices"
	"sync"

	"github.com/isometry/vdir/internal/directory"
)

// Partitions is the set of partitions served by one process.
type Partitions struct {
	mu     sync.RWMutex
	byName map[string]*Partition
	order  []string
}

// NewPartitions creates an empty set.
func NewPartitions() *Partitions {
	return &Partitions{byName: make(map[string]*Partition)}
}

// Add registers p. Names must be unique and no suffix may be served by
// two partitions.
func (ps *Partitions) Add(p *Partition) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.byName[p.Name()]; exists {
		return fmt.Errorf("partition %s already defined", p.Name())
	}
	for _, other := range ps.byName {
		for _, suffix := range p.Suffixes() {
			if slices.ContainsFunc(other.Suffixes(), func(s string) bool { return directory.EqualDN(s, suffix) }) {
				return fmt.Errorf("partition %s: suffix %s already served by partition %s", p.Name(), suffix, other.Name())
			}
		}
	}

	ps.byName[p.Name()] = p
	ps.order = append(ps.order, p.Name())
	return nil
}

// Get returns the named partition.
func (ps *Partitions) Get(name string) (*Partition, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.byName[name]
	return p, ok
}

// Names returns the partition names in registration order.
func (ps *Partitions) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return slices.Clone(ps.order)
}

// ForDN returns the partition whose longest suffix contains dn.
func (ps *Partitions) ForDN(dn string) (*Partition, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var best *Partition
	bestLen := -1
	for _, name := range ps.order {
		p := ps.byName[name]
		suffix, ok := p.suffixOf(dn)
		if !ok {
			continue
		}
		if n := len(directory.MustNormalizeDN(suffix)); n > bestLen {
			best, bestLen = p, n
		}
	}
	if best == nil {
		return nil, directory.NoSuchObject("route", dn)
	}
	return best, nil
}
