package directory

import (
	"sync"
	"sync/atomic"
	"time"
)

// SearchRequest describes one search through the virtual tree.
type SearchRequest struct {
	BaseDN     string
	Scope      Scope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
	TypesOnly  bool

	// Strict makes any backend failure fail the whole request instead of
	// being recorded against its subtree.
	Strict bool

	abandoned atomic.Bool

	filterOnce sync.Once
	filter     *Filter
	filterErr  error
}

// CompiledFilter compiles Filter on first use. An empty filter matches
// every record.
func (r *SearchRequest) CompiledFilter() (*Filter, error) {
	r.filterOnce.Do(func() {
		r.filter, r.filterErr = CompileFilter(r.Filter)
	})
	return r.filter, r.filterErr
}

// Abandon marks the request as abandoned. Output stops at the next check.
func (r *SearchRequest) Abandon() {
	r.abandoned.Store(true)
}

// IsAbandoned reports whether Abandon has been called.
func (r *SearchRequest) IsAbandoned() bool {
	return r.abandoned.Load()
}

// AddRequest adds one entry.
type AddRequest struct {
	DN         string
	Attributes Attributes
}

// ObjectClasses returns the requested object classes.
func (r *AddRequest) ObjectClasses() []string {
	return r.Attributes.Get("objectClass")
}

// ModOp is a modification operation.
type ModOp int

const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
)

func (o ModOp) String() string {
	switch o {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Modification is one change of a ModifyRequest.
type Modification struct {
	Op        ModOp
	Attribute string
	Values    []string
}

// ModifyRequest changes attributes of one entry.
type ModifyRequest struct {
	DN      string
	Changes []Modification
}

// Apply applies the changes to attrs in order.
func (r *ModifyRequest) Apply(attrs Attributes) {
	for _, change := range r.Changes {
		switch change.Op {
		case ModAdd:
			attrs.Append(change.Attribute, change.Values...)
		case ModDelete:
			attrs.Remove(change.Attribute, change.Values...)
		case ModReplace:
			if len(change.Values) == 0 {
				attrs.Remove(change.Attribute)
			} else {
				attrs.Set(change.Attribute, change.Values...)
			}
		}
	}
}

// DeleteRequest removes one entry.
type DeleteRequest struct {
	DN string
}

// BindRequest authenticates a session. An empty DN is an anonymous bind.
type BindRequest struct {
	DN       string
	Password string
}

// CompareRequest asserts an attribute value.
type CompareRequest struct {
	DN        string
	Attribute string
	Value     string
}
