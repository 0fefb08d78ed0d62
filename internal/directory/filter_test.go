package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	attrs := Attributes{
		"objectClass": {"top", "person", "inetOrgPerson"},
		"uid":         {"alice"},
		"cn":          {"Alice Liddell"},
		"mail":        {"alice@example.com", "a.liddell@example.com"},
		"uidNumber":   {"1001"},
	}

	tests := []struct {
		filter string
		want   bool
	}{
		{"", true},
		{"(objectClass=*)", true},
		{"(uid=alice)", true},
		{"(UID=ALICE)", true},
		{"(uid=bob)", false},
		{"(telephoneNumber=*)", false},
		{"(mail=*)", true},
		{"(cn=Alice*)", true},
		{"(cn=*Liddell)", true},
		{"(cn=A*ce*dell)", true},
		{"(cn=*bob*)", false},
		{"(&(objectClass=person)(uid=alice))", true},
		{"(&(objectClass=person)(uid=bob))", false},
		{"(|(uid=bob)(mail=a.liddell@example.com))", true},
		{"(!(uid=bob))", true},
		{"(uidNumber>=1000)", true},
		{"(uidNumber<=999)", false},
		{"(uidNumber>=900)", true},
		{"(cn~=aliceliddell)", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			f, err := CompileFilter(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(attrs))
		})
	}
}

func TestCompileFilterInvalid(t *testing.T) {
	_, err := CompileFilter("(uid=alice")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}
