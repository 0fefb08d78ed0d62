// Package directory holds the data model of the virtual namespace: entries,
// records, requests, schema and the errors every layer reports.
package directory

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Scope defines the search scope. Values match the LDAP protocol.
type Scope int

const (
	ScopeBaseObject Scope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s Scope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// ParseScope accepts the names used in LDAP URLs and the long forms.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "baseobject":
		return ScopeBaseObject, nil
	case "one", "onelevel", "singlelevel":
		return ScopeSingleLevel, nil
	case "sub", "subtree", "wholesubtree", "":
		return ScopeWholeSubtree, nil
	default:
		return 0, fmt.Errorf("unknown search scope %q", s)
	}
}

// Attributes maps attribute names to values. Lookups ignore case; the
// first spelling stored for a name is preserved.
type Attributes map[string][]string

func (a Attributes) key(name string) (string, bool) {
	if _, ok := a[name]; ok {
		return name, true
	}
	for k := range a {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// Get returns the values of name.
func (a Attributes) Get(name string) []string {
	if k, ok := a.key(name); ok {
		return a[k]
	}
	return nil
}

// First returns the first value of name or "".
func (a Attributes) First(name string) string {
	if v := a.Get(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Has reports whether name has at least one value.
func (a Attributes) Has(name string) bool {
	return len(a.Get(name)) > 0
}

// Set replaces the values of name.
func (a Attributes) Set(name string, values ...string) {
	if k, ok := a.key(name); ok {
		a[k] = values
		return
	}
	a[name] = values
}

// Append adds values to name, skipping values already present.
func (a Attributes) Append(name string, values ...string) {
	current := a.Get(name)
	for _, v := range values {
		if !ContainsFold(current, v) {
			current = append(current, v)
		}
	}
	a.Set(name, current...)
}

// Remove deletes values from name. Without values the attribute is removed.
func (a Attributes) Remove(name string, values ...string) {
	k, ok := a.key(name)
	if !ok {
		return
	}
	if len(values) == 0 {
		delete(a, k)
		return
	}
	kept := slices.DeleteFunc(slices.Clone(a[k]), func(v string) bool {
		return ContainsFold(values, v)
	})
	if len(kept) == 0 {
		delete(a, k)
		return
	}
	a[k] = kept
}

// Names returns the attribute names in sorted order.
func (a Attributes) Names() []string {
	return slices.Sorted(maps.Keys(a))
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = slices.Clone(v)
	}
	return out
}

// ContainsFold reports whether values contains v ignoring case.
func ContainsFold(values []string, v string) bool {
	return slices.ContainsFunc(values, func(s string) bool {
		return strings.EqualFold(s, v)
	})
}

// Record is one concrete entry: either a backend row or a directory result.
type Record struct {
	DN         string
	Attributes Attributes
}

// NewRecord creates a record, allocating attributes when nil.
func NewRecord(dn string, attrs Attributes) *Record {
	if attrs == nil {
		attrs = make(Attributes)
	}
	return &Record{DN: dn, Attributes: attrs}
}

// ObjectClasses returns the objectClass values of the record.
func (r *Record) ObjectClasses() []string {
	return r.Attributes.Get("objectClass")
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	return &Record{DN: r.DN, Attributes: r.Attributes.Clone()}
}

// Select returns a copy restricted to the requested attributes. An empty
// list or "*" selects every attribute and "1.1" selects none. With
// typesOnly the values are dropped.
func (r *Record) Select(requested []string, typesOnly bool) *Record {
	all := len(requested) == 0 || slices.Contains(requested, "*")
	none := len(requested) == 1 && requested[0] == "1.1"

	out := NewRecord(r.DN, nil)
	if none {
		return out
	}
	for name, values := range r.Attributes {
		if !all && !ContainsFold(requested, name) {
			continue
		}
		if typesOnly {
			out.Attributes[name] = []string{}
			continue
		}
		out.Attributes[name] = slices.Clone(values)
	}
	return out
}
