package directory

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// DynamicValue is the RDN value marking an entry that stands for every
// record produced by its source mapping.
const DynamicValue = "..."

// NormalizeDN returns the canonical comparison form of dn: attribute types
// and values lower-cased, values re-escaped, no insignificant spaces.
func NormalizeDN(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return "", NewError("parse_dn", KindValidation, ldap.LDAPResultInvalidDNSyntax, dn, "invalid DN syntax").Wrap(err)
	}

	return formatRDNs(parsedDN.RDNs, true), nil
}

// MustNormalizeDN normalizes dn and falls back to a lower-cased copy of
// the input when it does not parse.
func MustNormalizeDN(dn string) string {
	n, err := NormalizeDN(dn)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}
	return n
}

func formatRDNs(rdns []*ldap.RelativeDN, lower bool) string {
	rdnStrings := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		attrStrings := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrType, value := attr.Type, attr.Value
			if lower {
				attrType = strings.ToLower(attrType)
				value = strings.ToLower(value)
			}
			attrStrings = append(attrStrings, attrType+"="+EscapeDNValue(value))
		}
		rdnStrings = append(rdnStrings, strings.Join(attrStrings, "+"))
	}
	return strings.Join(rdnStrings, ",")
}

// EqualDN compares two DNs in canonical form.
func EqualDN(a, b string) bool {
	return MustNormalizeDN(a) == MustNormalizeDN(b)
}

// ParentDN returns dn without its leading RDN. The parent of a single RDN
// is the root "".
func ParentDN(dn string) (string, error) {
	parsedDN, err := ldap.ParseDN(strings.TrimSpace(dn))
	if err != nil {
		return "", NewError("parse_dn", KindValidation, ldap.LDAPResultInvalidDNSyntax, dn, "invalid DN syntax").Wrap(err)
	}
	if len(parsedDN.RDNs) <= 1 {
		return "", nil
	}
	return formatRDNs(parsedDN.RDNs[1:], false), nil
}

// SplitRDN returns the attribute type and value of the leading RDN.
func SplitRDN(dn string) (attrType, value string, err error) {
	parsedDN, err := ldap.ParseDN(strings.TrimSpace(dn))
	if err != nil {
		return "", "", NewError("parse_dn", KindValidation, ldap.LDAPResultInvalidDNSyntax, dn, "invalid DN syntax").Wrap(err)
	}
	if len(parsedDN.RDNs) == 0 || len(parsedDN.RDNs[0].Attributes) == 0 {
		return "", "", NewError("parse_dn", KindValidation, ldap.LDAPResultInvalidDNSyntax, dn, "DN has no RDN")
	}
	attr := parsedDN.RDNs[0].Attributes[0]
	return attr.Type, attr.Value, nil
}

// JoinDN builds attrType=value,parent with the value escaped.
func JoinDN(attrType, value, parent string) string {
	rdn := attrType + "=" + EscapeDNValue(value)
	if parent == "" {
		return rdn
	}
	return rdn + "," + parent
}

// IsDescendant reports whether dn lies strictly below ancestor. Every
// non-empty DN descends from the root "".
func IsDescendant(dn, ancestor string) bool {
	d, a := MustNormalizeDN(dn), MustNormalizeDN(ancestor)
	if d == a {
		return false
	}
	if a == "" {
		return d != ""
	}
	return strings.HasSuffix(d, ","+a)
}

// InScope reports whether dn falls inside the scope rooted at base.
func InScope(dn, base string, scope Scope) bool {
	switch scope {
	case ScopeBaseObject:
		return EqualDN(dn, base)
	case ScopeSingleLevel:
		parent, err := ParentDN(dn)
		return err == nil && dn != "" && EqualDN(parent, base)
	default:
		return EqualDN(dn, base) || IsDescendant(dn, base)
	}
}

// EscapeDNValue escapes special characters in a DN attribute value
// according to RFC 4514.
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var result strings.Builder
	result.Grow(len(value) + 10)

	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', '=':
			result.WriteRune('\\')
			result.WriteRune(r)
		case '#':
			if i == 0 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case ' ':
			if i == 0 || i == len(value)-1 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case 0:
			result.WriteString("\\00")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
