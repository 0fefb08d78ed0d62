package ldap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMethodString(t *testing.T) {
	assert.Equal(t, "anonymous", AuthMethodAnonymous.String())
	assert.Equal(t, "simple", AuthMethodSimpleBind.String())
	assert.Equal(t, "kerberos", AuthMethodKerberos.String())
	assert.Equal(t, "unknown", AuthMethod(42).String())
}

func TestPrincipal(t *testing.T) {
	tests := []struct {
		name      string
		config    ConnectionConfig
		wantUser  string
		wantRealm string
		wantErr   string
	}{
		{
			name:      "realm from principal",
			config:    ConnectionConfig{Username: "reader@EXAMPLE.COM"},
			wantUser:  "reader",
			wantRealm: "EXAMPLE.COM",
		},
		{
			name:      "explicit realm wins",
			config:    ConnectionConfig{Username: "reader@OTHER.COM", Kerberos: KerberosConfig{Realm: "EXAMPLE.COM"}},
			wantUser:  "reader@OTHER.COM",
			wantRealm: "EXAMPLE.COM",
		},
		{
			name:      "ccache without principal",
			config:    ConnectionConfig{Kerberos: KerberosConfig{Realm: "EXAMPLE.COM", CCache: "/tmp/krb5cc"}},
			wantRealm: "EXAMPLE.COM",
		},
		{
			name:    "no realm",
			config:  ConnectionConfig{Username: "reader"},
			wantErr: "realm is required",
		},
		{
			name:    "no principal",
			config:  ConnectionConfig{Kerberos: KerberosConfig{Realm: "EXAMPLE.COM"}},
			wantErr: "principal is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			username := tt.config.Username
			user, realm, err := principal(&tt.config)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantRealm, realm)
			assert.Equal(t, username, tt.config.Username, "config must not be modified")
		})
	}
}

func TestServicePrincipal(t *testing.T) {
	spn, err := servicePrincipal(&ConnectionConfig{}, &ServerInfo{Host: "dc1.example.com", Port: 389})
	require.NoError(t, err)
	assert.Equal(t, "ldap/dc1.example.com", spn)

	spn, err = servicePrincipal(&ConnectionConfig{Kerberos: KerberosConfig{SPN: "ldap/alias.example.com"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ldap/alias.example.com", spn)

	_, err = servicePrincipal(&ConnectionConfig{}, &ServerInfo{})
	assert.ErrorContains(t, err, "hostname is required")
}

func TestNewGSSAPIClientMissingConfig(t *testing.T) {
	cfg := &ConnectionConfig{
		Username: "reader",
		Password: "secret",
		Kerberos: KerberosConfig{
			Realm:  "EXAMPLE.COM",
			Config: filepath.Join(t.TempDir(), "krb5.conf"),
		},
	}
	_, err := newGSSAPIClient(cfg)
	assert.ErrorContains(t, err, "kerberos configuration file not found")
}

func TestDefaultCCache(t *testing.T) {
	t.Setenv("KRB5CCNAME", "FILE:/tmp/krb5cc_test")
	assert.Equal(t, "/tmp/krb5cc_test", defaultCCache())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keytab")
	assert.False(t, fileExists(path))
	assert.False(t, fileExists(""))
	assert.False(t, fileExists(dir))

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.True(t, fileExists(path))
}
