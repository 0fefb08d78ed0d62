package ldap

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// kerberosBind performs a GSSAPI bind on conn for server.
func kerberosBind(conn *ldap.Conn, cfg *ConnectionConfig, server *ServerInfo) error {
	gssapiClient, err := newGSSAPIClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := servicePrincipal(cfg, server)
	if err != nil {
		return err
	}

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind as %s failed: %w", spn, err)
	}
	return nil
}

// principal splits the configured username into user and realm. An
// explicit realm wins over a user@REALM suffix.
func principal(cfg *ConnectionConfig) (user, realm string, err error) {
	user, realm = cfg.Username, cfg.Kerberos.Realm
	if u, r, ok := strings.Cut(user, "@"); ok && realm == "" {
		user, realm = u, r
	}

	switch {
	case realm == "":
		return "", "", errors.New("kerberos realm is required (set kerberosRealm or use user@REALM)")
	case user == "" && cfg.Kerberos.CCache == "":
		return "", "", errors.New("kerberos principal is required without a credential cache")
	}
	return user, realm, nil
}

// newGSSAPIClient picks the first usable credential source: the
// configured cache, the keytab, the password, then the default cache.
func newGSSAPIClient(cfg *ConnectionConfig) (*gssapi.Client, error) {
	user, realm, err := principal(cfg)
	if err != nil {
		return nil, err
	}

	krb5conf := cfg.Kerberos.Config
	if krb5conf == "" {
		krb5conf = defaultKrb5Conf
	}
	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5conf)
	}

	k := cfg.Kerberos
	noFAST := krb5client.DisablePAFXFAST(true)
	switch {
	case fileExists(k.CCache):
		return gssapi.NewClientFromCCache(k.CCache, krb5conf, noFAST)
	case fileExists(k.Keytab):
		return gssapi.NewClientWithKeytab(user, realm, k.Keytab, krb5conf, noFAST)
	case user != "" && cfg.Password != "":
		return gssapi.NewClientWithPassword(user, realm, cfg.Password, krb5conf, noFAST)
	case fileExists(defaultCCache()):
		return gssapi.NewClientFromCCache(defaultCCache(), krb5conf, noFAST)
	}
	return nil, errors.New("no usable kerberos credentials (ccache, keytab or password)")
}

// servicePrincipal returns the configured SPN, or ldap/<host>.
func servicePrincipal(cfg *ConnectionConfig, server *ServerInfo) (string, error) {
	if cfg.Kerberos.SPN != "" {
		return cfg.Kerberos.SPN, nil
	}
	if server == nil || server.Host == "" {
		return "", errors.New("hostname is required for service principal")
	}
	return "ldap/" + server.Host, nil
}

func defaultCCache() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
