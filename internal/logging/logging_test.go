package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFields(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   map[string]any
	}{
		{
			name:   "sensitive key",
			fields: map[string]any{"password": "hunter2", "dn": "uid=alice,ou=people,dc=example,dc=com"},
			want:   map[string]any{"password": "[REDACTED]", "dn": "uid=alice,ou=people,dc=example,dc=com"},
		},
		{
			name:   "mixed case key",
			fields: map[string]any{"userPassword": "{SSHA}abc"},
			want:   map[string]any{"userPassword": "[REDACTED]"},
		},
		{
			name:   "sensitive pattern in value",
			fields: map[string]any{"url": "ldap://host?password=x"},
			want:   map[string]any{"url": "[REDACTED]"},
		},
		{
			name:   "non string values untouched",
			fields: map[string]any{"count": 3},
			want:   map[string]any{"count": 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFields(tt.fields))
		})
	}
}

func TestLogOperation(t *testing.T) {
	var output bytes.Buffer
	ctx := Initialize(tflogtest.RootLogger(context.Background(), &output))

	fields := map[string]any{"dn": "ou=people,dc=example,dc=com"}
	err := LogOperation(ctx, SubsystemHandler, "search", fields, func() error {
		return errors.New("backend unavailable")
	})
	require.Error(t, err)

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Starting operation", entries[0]["@message"])
	assert.Equal(t, "Operation failed", entries[1]["@message"])
	assert.Equal(t, "backend unavailable", entries[1]["error"])
	assert.Equal(t, "search", entries[1]["operation"])

	// caller's map is not mutated
	assert.NotContains(t, fields, "operation")
}

func TestLogLDAPError(t *testing.T) {
	var output bytes.Buffer
	ctx := Initialize(tflogtest.RootLogger(context.Background(), &output))

	LogLDAPError(ctx, SubsystemLDAP, "search",
		ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object")), nil)

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "LDAP operation failed", entries[0]["@message"])
	assert.EqualValues(t, ldap.LDAPResultNoSuchObject, entries[0]["ldap_result_code"])
	assert.Equal(t, "no such object", entries[0]["ldap_diagnostic_message"])
}
