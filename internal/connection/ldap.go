package connection

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/directory"
	ldapclient "github.com/isometry/vdir/internal/ldap"
	"github.com/isometry/vdir/internal/logging"
)

// ldapConn adapts the pooled remote directory client to the connection
// contract. Keys are DNs, or values of keyAttribute below baseDN.
type ldapConn struct {
	ctx     context.Context // for logging outside requests
	client  ldapclient.Client
	baseDN  string
	keyAttr string
	paged   bool
}

// NewLDAPClient connects to a remote directory server.
//
// Parameters: url (comma separated, required), baseDN (required),
// bindDN, password, kerberosRealm, kerberosKeytab, kerberosConfig,
// kerberosCCache, kerberosSPN, tls ("starttls" default, "ldaps" or
// "none"), insecureSkipVerify, timeout, pageSize, maxConnections,
// keyAttribute (default "cn"; objectGUID and objectSid address entries
// by identity instead of by name).
func NewLDAPClient(ctx context.Context, cfg Config) (Client, error) {
	ldapCfg, err := ldapConfig(cfg)
	if err != nil {
		return nil, err
	}

	client, err := ldapclient.NewClient(ctx, ldapCfg)
	if err != nil {
		return nil, err
	}
	// the first connection is kept in the pool for the session's requests
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, remoteError("connect", ldapCfg.BaseDN, err)
	}

	return &ldapConn{
		ctx:     ctx,
		client:  client,
		baseDN:  ldapCfg.BaseDN,
		keyAttr: cfg.Param("keyAttribute", "cn"),
		paged:   ldapCfg.PageSize > 0,
	}, nil
}

func ldapConfig(cfg Config) (*ldapclient.ConnectionConfig, error) {
	c := ldapclient.DefaultConfig()

	urls := cfg.Param("url", "")
	if urls == "" {
		return nil, fmt.Errorf("connection %s: parameter url is required", cfg.Name)
	}
	for u := range strings.SplitSeq(urls, ",") {
		if u = strings.TrimSpace(u); u != "" {
			c.URLs = append(c.URLs, u)
		}
	}

	c.BaseDN = cfg.Param("baseDN", "")
	if c.BaseDN == "" {
		return nil, fmt.Errorf("connection %s: parameter baseDN is required", cfg.Name)
	}

	c.Username = cfg.Param("bindDN", "")
	c.Password = cfg.Param("password", "")
	c.Kerberos = ldapclient.KerberosConfig{
		Realm:  cfg.Param("kerberosRealm", ""),
		Keytab: cfg.Param("kerberosKeytab", ""),
		Config: cfg.Param("kerberosConfig", ""),
		CCache: cfg.Param("kerberosCCache", ""),
		SPN:    cfg.Param("kerberosSPN", ""),
	}

	mode, err := ldapclient.ParseTLSMode(cfg.Param("tls", ""))
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", cfg.Name, err)
	}
	c.TLSMode = mode
	if skip, _ := strconv.ParseBool(cfg.Param("insecureSkipVerify", "false")); skip {
		c.TLSConfig.InsecureSkipVerify = true
	}

	if v := cfg.Param("timeout", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("connection %s: parameter timeout: %w", cfg.Name, err)
		}
		c.Timeout = d
	}

	pageSize, err := cfg.IntParam("pageSize", int(c.PageSize))
	if err != nil {
		return nil, err
	}
	if pageSize < 0 {
		return nil, fmt.Errorf("connection %s: pageSize cannot be negative", cfg.Name)
	}
	c.PageSize = uint32(pageSize)

	if c.MaxConnections, err = cfg.IntParam("maxConnections", c.MaxConnections); err != nil {
		return nil, err
	}

	return c, nil
}

// dn maps a key to a DN. DNs pass through. With keyAttribute objectGUID
// or objectSid the key becomes an extended DN the server resolves;
// otherwise it names an entry directly below the base.
func (c *ldapConn) dn(key string) (string, error) {
	if strings.Contains(key, "=") {
		return key, nil
	}

	var (
		dn  string
		err error
	)
	switch strings.ToLower(c.keyAttr) {
	case "objectguid":
		dn, err = ldapclient.GUIDDN(key)
	case "objectsid":
		dn, err = ldapclient.SIDDN(key)
	default:
		return directory.JoinDN(c.keyAttr, key, c.baseDN), nil
	}
	if err != nil {
		return "", directory.NewError("resolve", directory.KindValidation, ldap.LDAPResultInvalidDNSyntax, key, err.Error())
	}
	return dn, nil
}

func (c *ldapConn) Find(ctx context.Context, key string) (*directory.Record, error) {
	dn, err := c.dn(key)
	if err != nil {
		return nil, err
	}
	result, err := c.client.Search(ctx, &ldapclient.SearchRequest{
		BaseDN: dn,
		Scope:  directory.ScopeBaseObject,
		Filter: "(objectClass=*)",
	})
	if err != nil {
		return nil, remoteError("find", key, err)
	}
	if len(result.Entries) == 0 {
		return nil, directory.NoSuchObject("find", key)
	}
	return ldapclient.EntryToRecord(result.Entries[0]), nil
}

func (c *ldapConn) searchRequest(q *Query) (*ldapclient.SearchRequest, error) {
	scope, err := directory.ParseScope(q.Param("scope", "sub"))
	if err != nil {
		return nil, err
	}

	filter := q.Param("filter", "")
	if q.Filter != nil && q.Filter.String() != "" {
		if filter == "" {
			filter = q.Filter.String()
		} else {
			filter = "(&" + filter + q.Filter.String() + ")"
		}
	}

	return &ldapclient.SearchRequest{
		BaseDN:     q.Param("base", c.baseDN),
		Scope:      scope,
		Filter:     filter,
		Attributes: q.Attributes,
		SizeLimit:  q.SizeLimit,
		TimeLimit:  q.TimeLimit,
	}, nil
}

func (c *ldapConn) Search(ctx context.Context, q *Query) iter.Seq2[*directory.Record, error] {
	return func(yield func(*directory.Record, error) bool) {
		req, err := c.searchRequest(q)
		if err != nil {
			yield(nil, err)
			return
		}

		search := c.client.Search
		if c.paged {
			search = c.client.SearchWithPaging
		}
		result, err := search(ctx, req)
		if err != nil {
			yield(nil, remoteError("search", req.BaseDN, err))
			return
		}

		for _, entry := range result.Entries {
			if !yield(ldapclient.EntryToRecord(entry), nil) {
				return
			}
		}
		if result.HasMore && q.SizeLimit > 0 {
			yield(nil, directory.ErrSizeLimitExceeded)
		}
	}
}

// Changes returns the entries changed since cookie using DirSync.
func (c *ldapConn) Changes(ctx context.Context, q *Query, cookie []byte) ([]*directory.Record, []byte, error) {
	req, err := c.searchRequest(q)
	if err != nil {
		return nil, nil, err
	}
	result, err := c.client.DirSync(ctx, req, cookie)
	if err != nil {
		return nil, nil, remoteError("dirsync", req.BaseDN, err)
	}

	records := make([]*directory.Record, 0, len(result.Entries))
	for _, entry := range result.Entries {
		records = append(records, ldapclient.EntryToRecord(entry))
	}
	return records, result.Cookie, nil
}

func (c *ldapConn) Add(ctx context.Context, rec *directory.Record) error {
	dn, err := c.dn(rec.DN)
	if err != nil {
		return err
	}
	req := ldapclient.RecordToAddRequest(directory.NewRecord(dn, rec.Attributes))
	return remoteError("add", dn, c.client.Add(ctx, req))
}

func (c *ldapConn) Modify(ctx context.Context, key string, changes []directory.Modification) error {
	dn, err := c.dn(key)
	if err != nil {
		return err
	}
	return remoteError("modify", dn, c.client.Modify(ctx, ldapclient.ModificationsToRequest(dn, changes)))
}

func (c *ldapConn) Delete(ctx context.Context, key string) error {
	dn, err := c.dn(key)
	if err != nil {
		return err
	}
	return remoteError("delete", dn, c.client.Delete(ctx, dn))
}

func (c *ldapConn) Bind(ctx context.Context, key, password string) error {
	dn, err := c.dn(key)
	if err != nil {
		return err
	}
	err = c.client.VerifyPassword(ctx, dn, password)
	if ldapclient.IsInvalidCredentials(err) {
		return directory.NewError("bind", directory.KindPermission, ldap.LDAPResultInvalidCredentials, dn, "invalid credentials").Wrap(err)
	}
	return remoteError("bind", dn, err)
}

func (c *ldapConn) Compare(ctx context.Context, key, attribute, value string) (bool, error) {
	dn, err := c.dn(key)
	if err != nil {
		return false, err
	}
	matched, err := c.client.Compare(ctx, dn, attribute, value)
	if err != nil {
		return false, remoteError("compare", dn, err)
	}
	return matched, nil
}

// remoteError converts a failure of the remote server, keeping its
// classification when the client made one.
func remoteError(op, dn string, err error) error {
	var remote *ldapclient.RemoteError
	if errors.As(err, &remote) {
		return remote.DirectoryError()
	}
	return directory.BackendError(op, dn, err)
}

// Schema returns the standard schema; remote schema discovery is not
// performed.
func (c *ldapConn) Schema() *directory.Schema {
	return directory.DefaultSchema()
}

func (c *ldapConn) Close() error {
	stats := c.client.Stats()
	tflog.SubsystemDebug(c.ctx, logging.SubsystemConnection, "Closing LDAP client", map[string]any{
		"base_dn":             c.baseDN,
		"connections_created": stats.Created,
		"connection_errors":   stats.Errors,
		"uptime":              stats.Uptime.String(),
	})
	return c.client.Close()
}
