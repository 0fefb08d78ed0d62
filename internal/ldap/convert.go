package ldap

import (
	"maps"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/vdir/internal/directory"
)

// EntryToRecord converts a search result entry. objectSid and objectGUID
// are rendered in their string forms; values that fail to decode are kept
// as returned.
func EntryToRecord(entry *ldap.Entry) *directory.Record {
	attrs := make(directory.Attributes, len(entry.Attributes))

	for _, attr := range entry.Attributes {
		values := attr.Values
		switch strings.ToLower(attr.Name) {
		case "objectsid":
			values = convertBinary(attr.ByteValues, values, ConvertBinarySIDToString)
		case "objectguid":
			values = convertBinary(attr.ByteValues, values, GUIDBytesToString)
		}
		attrs.Append(attr.Name, values...)
	}

	return directory.NewRecord(entry.DN, attrs)
}

func convertBinary(raw [][]byte, fallback []string, convert func([]byte) (string, error)) []string {
	out := make([]string, 0, len(raw))
	for i, b := range raw {
		s, err := convert(b)
		if err != nil {
			if i < len(fallback) {
				out = append(out, fallback[i])
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// RecordToAddRequest builds an add request for rec.
func RecordToAddRequest(rec *directory.Record) *AddRequest {
	attrs := make(map[string][]string, len(rec.Attributes))
	for name, values := range rec.Attributes {
		if len(values) > 0 {
			attrs[name] = slices.Clone(values)
		}
	}
	return &AddRequest{DN: rec.DN, Attributes: attrs}
}

// ModificationsToRequest groups directory modifications by operation.
// Later changes to the same attribute and operation win.
func ModificationsToRequest(dn string, changes []directory.Modification) *ModifyRequest {
	req := &ModifyRequest{
		DN:                dn,
		AddAttributes:     make(map[string][]string),
		ReplaceAttributes: make(map[string][]string),
		DeleteAttributes:  make(map[string][]string),
	}
	for _, change := range changes {
		switch change.Op {
		case directory.ModAdd:
			req.AddAttributes[change.Attribute] = slices.Clone(change.Values)
		case directory.ModReplace:
			req.ReplaceAttributes[change.Attribute] = slices.Clone(change.Values)
		case directory.ModDelete:
			req.DeleteAttributes[change.Attribute] = slices.Clone(change.Values)
		}
	}
	return req
}

func sortedKeys(m map[string][]string) []string {
	return slices.Sorted(maps.Keys(m))
}
