package directory

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// ObjectClassKind is the kind of an object class.
type ObjectClassKind int

const (
	ObjectClassStructural ObjectClassKind = iota
	ObjectClassAuxiliary
	ObjectClassAbstract
)

// ObjectClass describes one object class.
type ObjectClass struct {
	Name      string
	Superiors []string
	Kind      ObjectClassKind
	Must      []string
	May       []string
}

// AttributeType describes one attribute type.
type AttributeType struct {
	Name        string
	SingleValue bool
}

// Schema is the set of object classes and attribute types known to a
// partition. Backends declare their own and the partition merges them.
type Schema struct {
	mu             sync.RWMutex
	objectClasses  map[string]*ObjectClass
	attributeTypes map[string]*AttributeType
}

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return &Schema{
		objectClasses:  make(map[string]*ObjectClass),
		attributeTypes: make(map[string]*AttributeType),
	}
}

// AddObjectClass registers oc, replacing any class of the same name.
func (s *Schema) AddObjectClass(oc *ObjectClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objectClasses[strings.ToLower(oc.Name)] = oc
}

// AddAttributeType registers at.
func (s *Schema) AddAttributeType(at *AttributeType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributeTypes[strings.ToLower(at.Name)] = at
}

// ObjectClass looks up an object class by name.
func (s *Schema) ObjectClass(name string) (*ObjectClass, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	oc, ok := s.objectClasses[strings.ToLower(name)]
	return oc, ok
}

// AttributeType looks up an attribute type by name.
func (s *Schema) AttributeType(name string) (*AttributeType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.attributeTypes[strings.ToLower(name)]
	return at, ok
}

// ObjectClassNames returns the registered class names, sorted.
func (s *Schema) ObjectClassNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.objectClasses))
	for _, oc := range s.objectClasses {
		names = append(names, oc.Name)
	}
	slices.Sort(names)
	return names
}

// Merge adds every definition of other not already present in s.
func (s *Schema) Merge(other *Schema) {
	if other == nil || other == s {
		return
	}
	other.mu.RLock()
	classes := maps.Clone(other.objectClasses)
	attrs := maps.Clone(other.attributeTypes)
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, oc := range classes {
		if _, ok := s.objectClasses[k]; !ok {
			s.objectClasses[k] = oc
		}
	}
	for k, at := range attrs {
		if _, ok := s.attributeTypes[k]; !ok {
			s.attributeTypes[k] = at
		}
	}
}

// RequiredAttributes returns the MUST attributes of the given classes and
// their superiors. Unknown classes contribute nothing.
func (s *Schema) RequiredAttributes(classes []string) []string {
	var must []string
	seen := make(map[string]bool)

	var walk func(name string)
	walk = func(name string) {
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		oc, ok := s.ObjectClass(name)
		if !ok {
			return
		}
		for _, attr := range oc.Must {
			if !ContainsFold(must, attr) {
				must = append(must, attr)
			}
		}
		for _, sup := range oc.Superiors {
			walk(sup)
		}
	}

	for _, name := range classes {
		walk(name)
	}
	return must
}

// MissingAttributes returns the required attributes absent from attrs.
func (s *Schema) MissingAttributes(attrs Attributes) []string {
	var missing []string
	for _, name := range s.RequiredAttributes(attrs.Get("objectClass")) {
		if !attrs.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// DefaultSchema returns the standard classes every partition understands,
// plus the auxiliary class carried by synchronized entries.
func DefaultSchema() *Schema {
	s := NewSchema()

	for _, oc := range []*ObjectClass{
		{Name: "top", Kind: ObjectClassAbstract, Must: []string{"objectClass"}},
		{Name: "extensibleObject", Kind: ObjectClassAuxiliary, Superiors: []string{"top"}},
		{Name: "organization", Superiors: []string{"top"}, Must: []string{"o"}},
		{Name: "organizationalUnit", Superiors: []string{"top"}, Must: []string{"ou"}},
		{Name: "dcObject", Kind: ObjectClassAuxiliary, Superiors: []string{"top"}, Must: []string{"dc"}},
		{Name: "domain", Superiors: []string{"top"}, Must: []string{"dc"}},
		{Name: "person", Superiors: []string{"top"}, Must: []string{"sn", "cn"}, May: []string{"userPassword", "telephoneNumber", "description"}},
		{Name: "organizationalPerson", Superiors: []string{"person"}, May: []string{"title", "ou", "street", "postalCode"}},
		{Name: "inetOrgPerson", Superiors: []string{"organizationalPerson"}, May: []string{"uid", "mail", "givenName", "displayName", "employeeNumber"}},
		{Name: "posixAccount", Kind: ObjectClassAuxiliary, Superiors: []string{"top"}, Must: []string{"cn", "uid", "uidNumber", "gidNumber", "homeDirectory"}, May: []string{"loginShell", "gecos", "userPassword"}},
		{Name: "posixGroup", Superiors: []string{"top"}, Must: []string{"cn", "gidNumber"}, May: []string{"memberUid"}},
		{Name: "groupOfNames", Superiors: []string{"top"}, Must: []string{"cn", "member"}},
		{Name: "account", Superiors: []string{"top"}, Must: []string{"uid"}},
		{Name: "vdirLinked", Kind: ObjectClassAuxiliary, Superiors: []string{"top"}, Must: []string{"vdirLinkSource", "vdirLinkState"}, May: []string{"vdirLinkID", "vdirSyncDigest", "vdirSyncAttribute"}},
	} {
		s.AddObjectClass(oc)
	}

	for _, at := range []*AttributeType{
		{Name: "objectClass"},
		{Name: "cn"}, {Name: "sn"}, {Name: "uid"}, {Name: "ou"}, {Name: "o"}, {Name: "dc"},
		{Name: "mail"}, {Name: "member"}, {Name: "memberUid"},
		{Name: "uidNumber", SingleValue: true},
		{Name: "gidNumber", SingleValue: true},
		{Name: "homeDirectory", SingleValue: true},
		{Name: "loginShell", SingleValue: true},
		{Name: "vdirLinkSource", SingleValue: true},
		{Name: "vdirLinkState", SingleValue: true},
		{Name: "vdirLinkID", SingleValue: true},
		{Name: "vdirSyncDigest", SingleValue: true},
		{Name: "vdirSyncAttribute"},
	} {
		s.AddAttributeType(at)
	}

	return s
}
