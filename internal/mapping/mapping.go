// Package mapping computes the records of dynamic entries from the rows of
// their backend sources, and turns directory writes back into source
// writes.
package mapping

import (
	"fmt"
	"slices"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/vdir/internal/directory"
)

// Sources holds one row per source alias.
type Sources map[string]*directory.Record

type rule struct {
	directory.AttributeMapping
	alias   string // Variable only
	field   string // Variable only
	program *vm.Program
}

// Mapper maps the rows of one entry's sources. An entry without attribute
// mappings is mapped in proxy mode: the primary row is passed through.
type Mapper struct {
	entry   *directory.Entry
	primary string
	rules   []rule
	joins   map[string]*vm.Program
}

// New compiles the mappings of entry.
func New(entry *directory.Entry) (*Mapper, error) {
	primary, ok := entry.PrimarySource()
	if !ok {
		return nil, fmt.Errorf("entry %s: no source mapping", entry.DN)
	}

	m := &Mapper{
		entry:   entry,
		primary: primary.Alias,
		joins:   make(map[string]*vm.Program),
	}

	aliases := make([]string, 0, len(entry.Sources))
	for i, src := range entry.Sources {
		if src.Alias == "" {
			return nil, fmt.Errorf("entry %s: source %d has no alias", entry.DN, i)
		}
		if slices.Contains(aliases, src.Alias) {
			return nil, fmt.Errorf("entry %s: duplicate source alias %q", entry.DN, src.Alias)
		}
		aliases = append(aliases, src.Alias)

		if i == 0 {
			continue
		}
		if src.JoinOn == "" {
			return nil, fmt.Errorf("entry %s: source %s needs a join expression", entry.DN, src.Alias)
		}
		program, err := expr.Compile(src.JoinOn, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("entry %s: source %s: join: %w", entry.DN, src.Alias, err)
		}
		m.joins[src.Alias] = program
	}

	for _, am := range entry.Mappings {
		r, err := compileRule(am, aliases)
		if err != nil {
			return nil, fmt.Errorf("entry %s: attribute %s: %w", entry.DN, am.Name, err)
		}
		if am.RDN && !strings.EqualFold(am.Name, entry.RDNAttribute()) {
			return nil, fmt.Errorf("entry %s: RDN mapping %s does not match RDN attribute %s",
				entry.DN, am.Name, entry.RDNAttribute())
		}
		m.rules = append(m.rules, r)
	}

	return m, nil
}

func compileRule(am directory.AttributeMapping, aliases []string) (rule, error) {
	r := rule{AttributeMapping: am}
	if am.Name == "" {
		return r, fmt.Errorf("mapping has no attribute name")
	}

	set := 0
	for _, s := range []string{am.Constant, am.Variable, am.Expression} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return r, fmt.Errorf("exactly one of constant, variable or expression is required")
	}

	switch {
	case am.Variable != "":
		alias, field, ok := strings.Cut(am.Variable, ".")
		if !ok || field == "" {
			return r, fmt.Errorf("variable %q is not of the form alias.field", am.Variable)
		}
		if !slices.Contains(aliases, alias) {
			return r, fmt.Errorf("variable %q names unknown source %q", am.Variable, alias)
		}
		r.alias, r.field = alias, field
	case am.Expression != "":
		program, err := expr.Compile(am.Expression, expr.AllowUndefinedVariables())
		if err != nil {
			return r, err
		}
		r.program = program
	}
	return r, nil
}

// Entry returns the mapped entry.
func (m *Mapper) Entry() *directory.Entry {
	return m.entry
}

// Proxy reports whether rows are passed through unmapped.
func (m *Mapper) Proxy() bool {
	return len(m.rules) == 0
}

// PrimaryAlias returns the alias of the primary source.
func (m *Mapper) PrimaryAlias() string {
	return m.primary
}

// Map computes the directory record for one set of joined rows. The record
// DN is the RDN attribute value below the entry's parent.
func (m *Mapper) Map(sources Sources) (*directory.Record, error) {
	primary := sources[m.primary]
	if primary == nil {
		return nil, fmt.Errorf("entry %s: primary source %s has no row", m.entry.DN, m.primary)
	}

	var attrs directory.Attributes
	if m.Proxy() {
		attrs = primary.Attributes.Clone()
	} else {
		attrs = make(directory.Attributes, len(m.rules)+1)
		env := m.env(sources)
		for _, r := range m.rules {
			values, err := r.values(env, sources)
			if err != nil {
				return nil, fmt.Errorf("entry %s: attribute %s: %w", m.entry.DN, r.Name, err)
			}
			if len(values) > 0 {
				attrs.Append(r.Name, values...)
			}
		}
	}

	for name, values := range m.entry.Attributes {
		attrs.Append(name, values...)
	}
	if len(m.entry.ObjectClasses) > 0 && !attrs.Has("objectClass") {
		attrs.Set("objectClass", m.entry.ObjectClasses...)
	}

	rdnAttr := m.entry.RDNAttribute()
	rdnValue := attrs.First(rdnAttr)
	if rdnValue == "" {
		return nil, directory.NewError("map", directory.KindValidation, ldap.LDAPResultNamingViolation, primary.DN,
			"source row has no value for RDN attribute "+rdnAttr)
	}

	return directory.NewRecord(directory.JoinDN(rdnAttr, rdnValue, m.entry.ParentDN()), attrs), nil
}

func (r rule) values(env map[string]any, sources Sources) ([]string, error) {
	switch {
	case r.Constant != "":
		return []string{r.Constant}, nil
	case r.program != nil:
		out, err := expr.Run(r.program, env)
		if err != nil {
			return nil, err
		}
		return stringValues(out), nil
	default:
		row := sources[r.alias]
		if row == nil {
			return nil, nil
		}
		return slices.Clone(row.Attributes.Get(r.field)), nil
	}
}

// JoinKey evaluates the join expression of a secondary source against the
// rows collected so far. An empty key means there is nothing to join.
func (m *Mapper) JoinKey(alias string, sources Sources) (string, error) {
	program, ok := m.joins[alias]
	if !ok {
		return "", fmt.Errorf("entry %s: no join for source %s", m.entry.DN, alias)
	}
	out, err := expr.Run(program, m.env(sources))
	if err != nil {
		return "", fmt.Errorf("entry %s: source %s: join: %w", m.entry.DN, alias, err)
	}
	values := stringValues(out)
	if len(values) == 0 {
		return "", nil
	}
	return values[0], nil
}

// env exposes each row as alias.field. Single-valued fields are strings,
// multi-valued fields are string slices and alias.dn is the row key.
func (m *Mapper) env(sources Sources) map[string]any {
	env := make(map[string]any, len(sources))
	for alias, row := range sources {
		if row == nil {
			continue
		}
		fields := make(map[string]any, 2*len(row.Attributes)+1)
		for name, values := range row.Attributes {
			var v any
			if len(values) == 1 {
				v = values[0]
			} else {
				v = slices.Clone(values)
			}
			fields[name] = v
			if lower := strings.ToLower(name); lower != name {
				if _, ok := fields[lower]; !ok {
					fields[lower] = v
				}
			}
		}
		if _, ok := fields["dn"]; !ok {
			fields["dn"] = row.DN
		}
		env[alias] = fields
	}
	return env
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return slices.DeleteFunc(slices.Clone(t), func(s string) bool { return s == "" })
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, stringValues(item)...)
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

// Key returns the RDN value of dn when dn names a record of the entry.
func (m *Mapper) Key(dn string) (string, error) {
	attrType, value, err := directory.SplitRDN(dn)
	if err != nil {
		return "", err
	}
	parent, err := directory.ParentDN(dn)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(attrType, m.entry.RDNAttribute()) || !directory.EqualDN(parent, m.entry.ParentDN()) {
		return "", directory.NoSuchObject("map", dn)
	}
	return value, nil
}

// SourceField returns the primary source field attribute is read from, if
// it is read from a single field.
func (m *Mapper) SourceField(attribute string) (string, bool) {
	if m.Proxy() {
		return attribute, true
	}
	for _, r := range m.rules {
		if strings.EqualFold(r.Name, attribute) {
			if r.alias == m.primary && r.field != "" {
				return r.field, true
			}
			return "", false
		}
	}
	return "", false
}

// Reverse maps directory attributes to primary source fields. Only
// pass-through and variable rules are reversible; other attributes are
// dropped.
func (m *Mapper) Reverse(attrs directory.Attributes) directory.Attributes {
	out := make(directory.Attributes, len(attrs))
	for name, values := range attrs {
		if field, ok := m.SourceField(name); ok && len(values) > 0 {
			out.Set(field, slices.Clone(values)...)
		}
	}
	return out
}

// ReverseChanges maps modifications to primary source fields. Changing the
// RDN attribute or an attribute that is not reversible is refused.
func (m *Mapper) ReverseChanges(dn string, changes []directory.Modification) ([]directory.Modification, error) {
	out := make([]directory.Modification, 0, len(changes))
	for _, change := range changes {
		if strings.EqualFold(change.Attribute, m.entry.RDNAttribute()) {
			return nil, directory.NewError("modify", directory.KindValidation, ldap.LDAPResultNotAllowedOnRDN, dn,
				"cannot modify RDN attribute "+change.Attribute)
		}
		field, ok := m.SourceField(change.Attribute)
		if !ok {
			return nil, directory.UnwillingToPerform("modify", dn, "attribute "+change.Attribute+" is not writable")
		}
		out = append(out, directory.Modification{
			Op:        change.Op,
			Attribute: field,
			Values:    slices.Clone(change.Values),
		})
	}
	return out, nil
}
