package directory

import (
	"strconv"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Filter is a compiled LDAP string filter evaluated against records held
// in memory. Comparisons ignore case.
type Filter struct {
	source string
	packet *ber.Packet
}

// CompileFilter parses an RFC 4515 filter. An empty filter matches
// everything.
func CompileFilter(filter string) (*Filter, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return &Filter{source: "(objectClass=*)"}, nil
	}

	packet, err := ldap.CompileFilter(filter)
	if err != nil {
		return nil, NewError("compile_filter", KindValidation, ldap.LDAPResultProtocolError, "", "invalid filter "+filter).Wrap(err)
	}

	return &Filter{source: filter, packet: packet}, nil
}

func (f *Filter) String() string {
	return f.source
}

// Match reports whether attrs satisfy the filter.
func (f *Filter) Match(attrs Attributes) bool {
	if f == nil || f.packet == nil {
		return true
	}
	return matchPacket(f.packet, attrs)
}

func matchPacket(p *ber.Packet, attrs Attributes) bool {
	switch p.Tag {
	case ldap.FilterAnd:
		for _, child := range p.Children {
			if !matchPacket(child, attrs) {
				return false
			}
		}
		return true

	case ldap.FilterOr:
		for _, child := range p.Children {
			if matchPacket(child, attrs) {
				return true
			}
		}
		return false

	case ldap.FilterNot:
		if len(p.Children) != 1 {
			return false
		}
		return !matchPacket(p.Children[0], attrs)

	case ldap.FilterPresent:
		name := packetString(p)
		if strings.EqualFold(name, "objectClass") {
			return true
		}
		return attrs.Has(name)

	case ldap.FilterEqualityMatch:
		name, value, ok := assertion(p)
		if !ok {
			return false
		}
		return ContainsFold(attrs.Get(name), value)

	case ldap.FilterApproxMatch:
		name, value, ok := assertion(p)
		if !ok {
			return false
		}
		want := squash(value)
		for _, v := range attrs.Get(name) {
			if squash(v) == want {
				return true
			}
		}
		return false

	case ldap.FilterGreaterOrEqual, ldap.FilterLessOrEqual:
		name, value, ok := assertion(p)
		if !ok {
			return false
		}
		for _, v := range attrs.Get(name) {
			c := compareOrdered(v, value)
			if p.Tag == ldap.FilterGreaterOrEqual && c >= 0 {
				return true
			}
			if p.Tag == ldap.FilterLessOrEqual && c <= 0 {
				return true
			}
		}
		return false

	case ldap.FilterSubstrings:
		if len(p.Children) != 2 {
			return false
		}
		name := packetString(p.Children[0])
		for _, v := range attrs.Get(name) {
			if matchSubstrings(strings.ToLower(v), p.Children[1].Children) {
				return true
			}
		}
		return false

	default:
		// extensible match is not evaluated
		return false
	}
}

func assertion(p *ber.Packet) (name, value string, ok bool) {
	if len(p.Children) != 2 {
		return "", "", false
	}
	return packetString(p.Children[0]), packetString(p.Children[1]), true
}

func packetString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	if p.Data != nil {
		return p.Data.String()
	}
	return ""
}

func matchSubstrings(value string, parts []*ber.Packet) bool {
	pos := 0
	for _, part := range parts {
		sub := strings.ToLower(packetString(part))
		switch part.Tag {
		case ldap.FilterSubstringsInitial:
			if !strings.HasPrefix(value, sub) {
				return false
			}
			pos = len(sub)
		case ldap.FilterSubstringsAny:
			idx := strings.Index(value[pos:], sub)
			if idx < 0 {
				return false
			}
			pos += idx + len(sub)
		case ldap.FilterSubstringsFinal:
			if len(value)-len(sub) < pos || !strings.HasSuffix(value, sub) {
				return false
			}
		}
	}
	return true
}

func squash(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func compareOrdered(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
