package directory

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// AttributeMapping computes one directory attribute of a dynamic entry.
// Exactly one of Constant, Variable or Expression is set. Variable names a
// source field as "alias.field".
type AttributeMapping struct {
	Name       string
	RDN        bool
	Constant   string
	Variable   string
	Expression string
}

// SourceMapping binds an entry to a backend connection. The first source
// of an entry is its primary source; later sources are joined to it by
// evaluating JoinOn against the primary row and looking the result up as
// the key of the secondary source.
type SourceMapping struct {
	Alias      string
	Connection string
	Parameters map[string]string
	JoinOn     string
}

// Entry is a node of the virtual tree. A static entry is a single record;
// a dynamic entry (RDN value "...") stands for every record its primary
// source produces.
type Entry struct {
	DN            string
	ObjectClasses []string
	Attributes    Attributes
	Mappings      []AttributeMapping
	Sources       []SourceMapping
	HandlerName   string

	normDN   string
	rdnAttr  string
	rdnValue string
	dynamic  bool
	parent   *Entry
	children []*Entry
}

// Parent returns the parent entry, nil for a suffix root.
func (e *Entry) Parent() *Entry {
	return e.parent
}

// Children returns the children in declaration order.
func (e *Entry) Children() []*Entry {
	return e.children
}

// IsDynamic reports whether the entry stands for many records.
func (e *Entry) IsDynamic() bool {
	return e.dynamic
}

// RDNAttribute returns the attribute type of the leading RDN.
func (e *Entry) RDNAttribute() string {
	return e.rdnAttr
}

// NormalizedDN returns the canonical DN of the entry.
func (e *Entry) NormalizedDN() string {
	return e.normDN
}

// ParentDN returns the DN of the parent position.
func (e *Entry) ParentDN() string {
	parent, _ := ParentDN(e.DN)
	return parent
}

// HasObjectClass reports whether the entry declares class name.
func (e *Entry) HasObjectClass(name string) bool {
	return ContainsFold(e.ObjectClasses, name)
}

// PrimarySource returns the first source mapping.
func (e *Entry) PrimarySource() (SourceMapping, bool) {
	if len(e.Sources) == 0 {
		return SourceMapping{}, false
	}
	return e.Sources[0], true
}

// Record returns the record of a static entry: its static attributes, its
// object classes and its RDN value.
func (e *Entry) Record() *Record {
	attrs := e.Attributes.Clone()
	if attrs == nil {
		attrs = make(Attributes)
	}
	if len(e.ObjectClasses) > 0 {
		attrs.Set("objectClass", e.ObjectClasses...)
	}
	if !e.dynamic && e.rdnAttr != "" {
		attrs.Append(e.rdnAttr, e.rdnValue)
	}
	return NewRecord(e.DN, attrs)
}

func (e *Entry) String() string {
	return e.DN
}

// Tree is the virtual namespace. It is built at startup and read
// concurrently afterwards.
type Tree struct {
	mu    sync.RWMutex
	roots []*Entry
	byDN  map[string]*Entry
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{byDN: make(map[string]*Entry)}
}

// Add inserts e below the entry whose DN is the parent of e.DN. An entry
// whose parent is not in the tree becomes a suffix root; existing roots
// that belong below e are moved under it.
func (t *Tree) Add(e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}

	normDN, err := NormalizeDN(e.DN)
	if err != nil {
		return err
	}
	if normDN == "" {
		return NewError("add_entry", KindValidation, ldap.LDAPResultInvalidDNSyntax, e.DN, "entry DN cannot be empty")
	}
	attrType, value, err := SplitRDN(e.DN)
	if err != nil {
		return err
	}
	parentDN, err := ParentDN(e.DN)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byDN[normDN]; exists {
		return NewError("add_entry", KindConflict, ldap.LDAPResultEntryAlreadyExists, e.DN, "entry already defined")
	}

	e.normDN = normDN
	e.rdnAttr = attrType
	e.rdnValue = value
	e.dynamic = value == DynamicValue
	e.parent = nil
	e.children = nil

	if parent, ok := t.byDN[MustNormalizeDN(parentDN)]; ok {
		e.parent = parent
		parent.children = append(parent.children, e)
	} else {
		t.roots = append(t.roots, e)
	}

	t.roots = slices.DeleteFunc(t.roots, func(root *Entry) bool {
		if root == e || MustNormalizeDN(root.ParentDN()) != normDN {
			return false
		}
		root.parent = e
		e.children = append(e.children, root)
		return true
	})

	t.byDN[normDN] = e
	return nil
}

// Entry returns the entry declared exactly at dn.
func (t *Tree) Entry(dn string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byDN[MustNormalizeDN(dn)]
	return e, ok
}

// Resolve returns the entry answering for dn: the static entry declared
// at dn, or the child of the entry answering for dn's parent whose RDN
// matches: a static child with the same RDN or a dynamic child with the
// same RDN attribute.
func (t *Tree) Resolve(dn string) (*Entry, error) {
	if e, ok := t.Entry(dn); ok {
		return e, nil
	}

	normDN, err := NormalizeDN(dn)
	if err != nil {
		return nil, err
	}
	if normDN == "" {
		return nil, NoSuchObject("resolve", dn)
	}

	attrType, value, err := SplitRDN(dn)
	if err != nil {
		return nil, err
	}
	parentDN, err := ParentDN(dn)
	if err != nil {
		return nil, err
	}
	if parentDN == "" {
		return nil, NoSuchObject("resolve", dn)
	}

	parent, err := t.Resolve(parentDN)
	if err != nil {
		return nil, NoSuchObject("resolve", dn)
	}
	for _, child := range parent.children {
		if !child.dynamic && strings.EqualFold(child.rdnAttr, attrType) && strings.EqualFold(child.rdnValue, value) {
			return child, nil
		}
	}
	for _, child := range parent.children {
		if child.dynamic && strings.EqualFold(child.rdnAttr, attrType) {
			return child, nil
		}
	}

	return nil, NoSuchObject("resolve", dn)
}

// Roots returns the suffix entries.
func (t *Tree) Roots() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.roots)
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byDN)
}

// Walk visits every entry depth first, parents before children.
func (t *Tree) Walk(fn func(*Entry) error) error {
	var walk func(e *Entry) error
	walk = func(e *Entry) error {
		if err := fn(e); err != nil {
			return err
		}
		for _, child := range e.children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range t.Roots() {
		if err := walk(root); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the tree is acyclic, that every entry is reachable
// from a root and that parent back-references match the owning edges.
func (t *Tree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	visited := make(map[*Entry]bool, len(t.byDN))
	var walk func(e *Entry, parent *Entry) error
	walk = func(e *Entry, parent *Entry) error {
		if visited[e] {
			return fmt.Errorf("entry %s reached twice", e.DN)
		}
		visited[e] = true
		if e.parent != parent {
			return fmt.Errorf("entry %s has an inconsistent parent", e.DN)
		}
		for _, child := range e.children {
			if err := walk(child, e); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range t.roots {
		if err := walk(root, nil); err != nil {
			return err
		}
	}
	if len(visited) != len(t.byDN) {
		return fmt.Errorf("%d entries unreachable from the suffixes", len(t.byDN)-len(visited))
	}
	return nil
}
