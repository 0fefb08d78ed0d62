package ldap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/logging"
)

// Paged searches stop after this many pages or this long.
const (
	maxPagesPerSearch = 1000
	maxSearchDuration = 30 * time.Minute
)

// errNilRequest is returned for a nil request or an empty DN.
var errNilRequest = errors.New("request must name an entry")

type client struct {
	pool   *connectionPool
	config *ConnectionConfig

	// dialBind opens a connection used for credential checks only.
	dialBind func() (*ldap.Conn, error)
}

// NewClient validates config and starts a connection pool. No connection
// is opened until the first request.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	pool, err := newConnectionPool(ctx, config)
	if err != nil {
		tflog.SubsystemError(ctx, logging.SubsystemLDAP, "Failed to create connection pool", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	tflog.SubsystemInfo(ctx, logging.SubsystemLDAP, "LDAP client created", map[string]any{
		"servers":   len(config.URLs),
		"base_dn":   config.BaseDN,
		"tls_mode":  string(config.TLSMode),
		"pool_size": config.MaxConnections,
	})

	return &client{
		pool:     pool,
		config:   config,
		dialBind: pool.dialUnauthenticated,
	}, nil
}

func (c *client) Close() error {
	return c.pool.Close()
}

func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// withConn runs fn on a pooled connection under the retry policy. Each
// attempt checks out a fresh connection, so a broken one is dropped
// rather than reused.
func (c *client) withConn(ctx context.Context, op, dn string, fields map[string]any, fn func(*ldap.Conn) error) error {
	if fields == nil {
		fields = map[string]any{"dn": dn}
	}

	start := time.Now()
	err := retry(ctx, c.config.Retry, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to get connection: %w", err)
		}
		defer conn.Close()
		return wrap(op, dn, fn(conn.Conn()))
	})
	if err != nil {
		logging.LogLDAPError(ctx, logging.SubsystemLDAP, op, err, fields)
		return err
	}
	logging.LogPerformance(ctx, logging.SubsystemLDAP, op, time.Since(start), fields)
	return nil
}

func searchFields(req *SearchRequest) map[string]any {
	return map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"size_limit": req.SizeLimit,
	}
}

func newSearchRequest(req *SearchRequest, sizeLimit int, controls ...ldap.Control) *ldap.SearchRequest {
	filter := req.Filter
	if filter == "" {
		filter = "(objectClass=*)"
	}
	return ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		sizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		filter,
		req.Attributes,
		controls,
	)
}

// Search performs a single search. A server-side size limit is not an
// error: the entries read so far are returned with HasMore set.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errNilRequest
	}

	var out *SearchResult
	err := c.withConn(ctx, "search", req.BaseDN, searchFields(req), func(conn *ldap.Conn) error {
		result, err := conn.Search(newSearchRequest(req, req.SizeLimit))
		switch {
		case err != nil && result != nil && hasCode(err, ldap.LDAPResultSizeLimitExceeded):
			out = &SearchResult{Entries: result.Entries, HasMore: true}
		case err != nil:
			return err
		default:
			out = &SearchResult{
				Entries: result.Entries,
				HasMore: req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchWithPaging reads the whole result set with the paged results
// control. A non-zero SizeLimit stops reading once reached.
func (c *client) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errNilRequest
	}

	fields := searchFields(req)
	fields["page_size"] = c.config.PageSize

	var out *SearchResult
	err := c.withConn(ctx, "paged_search", req.BaseDN, fields, func(conn *ldap.Conn) error {
		var err error
		out, err = c.pages(ctx, conn, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) pages(ctx context.Context, conn *ldap.Conn, req *SearchRequest) (*SearchResult, error) {
	start := time.Now()
	paging := ldap.NewControlPaging(c.config.PageSize)
	result := &SearchResult{}

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if page > maxPagesPerSearch || time.Since(start) > maxSearchDuration {
			tflog.SubsystemWarn(ctx, logging.SubsystemLDAP, "Paged search exceeded limits, terminating", map[string]any{
				"pages":   page - 1,
				"entries": len(result.Entries),
			})
			result.HasMore = true
			return result, nil
		}

		sr, err := conn.Search(newSearchRequest(req, 0, paging))
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, sr.Entries...)

		tflog.SubsystemTrace(ctx, logging.SubsystemLDAP, "Completed search page", map[string]any{
			"page":    page,
			"entries": len(sr.Entries),
			"total":   len(result.Entries),
		})

		if req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit {
			result.Entries = result.Entries[:req.SizeLimit]
			result.HasMore = true
			return result, nil
		}

		response, ok := ldap.FindControl(sr.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(response.Cookie) == 0 {
			return result, nil
		}
		paging.SetCookie(response.Cookie)
	}
}

// DirSync reads the changes since cookie with parents returned before
// their children. A nil cookie reads everything.
func (c *client) DirSync(ctx context.Context, req *SearchRequest, cookie []byte) (*DirSyncResult, error) {
	if req == nil {
		return nil, errNilRequest
	}

	fields := searchFields(req)
	fields["cookie_length"] = len(cookie)

	var out *DirSyncResult
	err := c.withConn(ctx, "dirsync", req.BaseDN, fields, func(conn *ldap.Conn) error {
		control := NewControlDirSync(DirSyncAncestorsFirstOrder, 0, cookie)
		result := &DirSyncResult{Cookie: cookie}

		for range maxPagesPerSearch {
			if err := ctx.Err(); err != nil {
				return err
			}
			page, err := conn.Search(newSearchRequest(req, 0, control))
			if err != nil {
				return err
			}
			result.Entries = append(result.Entries, page.Entries...)

			response, err := FindDirSyncControl(page.Controls)
			if err != nil {
				return err
			}
			result.Cookie = response.Cookie
			result.MoreResults = response.MoreData()
			if !result.MoreResults {
				break
			}
			control.SetCookie(response.Cookie)
		}

		out = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil || req.DN == "" {
		return errNilRequest
	}

	addReq := ldap.NewAddRequest(req.DN, nil)
	for _, attr := range sortedKeys(req.Attributes) {
		addReq.Attribute(attr, req.Attributes[attr])
	}

	return c.withConn(ctx, "add", req.DN, nil, func(conn *ldap.Conn) error {
		return conn.Add(addReq)
	})
}

// Modify applies req. A request without changes is not sent.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil || req.DN == "" {
		return errNilRequest
	}
	if req.empty() {
		return nil
	}

	modReq := newModifyRequest(req)
	fields := map[string]any{"dn": req.DN, "changes": len(modReq.Changes)}
	return c.withConn(ctx, "modify", req.DN, fields, func(conn *ldap.Conn) error {
		return conn.Modify(modReq)
	})
}

func newModifyRequest(req *ModifyRequest) *ldap.ModifyRequest {
	modReq := ldap.NewModifyRequest(req.DN, nil)
	for _, attr := range sortedKeys(req.AddAttributes) {
		modReq.Add(attr, req.AddAttributes[attr])
	}
	for _, attr := range sortedKeys(req.ReplaceAttributes) {
		modReq.Replace(attr, req.ReplaceAttributes[attr])
	}
	for _, attr := range sortedKeys(req.DeleteAttributes) {
		modReq.Delete(attr, req.DeleteAttributes[attr])
	}
	return modReq
}

func (c *client) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return errNilRequest
	}

	return c.withConn(ctx, "delete", dn, nil, func(conn *ldap.Conn) error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	})
}

// Compare asks the server whether dn holds attribute=value.
func (c *client) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	var matched bool
	err := c.withConn(ctx, "compare", dn, nil, func(conn *ldap.Conn) error {
		var err error
		matched, err = conn.Compare(dn, attribute, value)
		return err
	})
	return matched, err
}

// VerifyPassword binds as dn on a connection that never enters the pool,
// so pooled connections keep the service identity.
func (c *client) VerifyPassword(ctx context.Context, dn, password string) error {
	if dn == "" || password == "" {
		// An empty password would be an unauthenticated bind and succeed.
		return wrap("bind", dn, ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("empty credentials")))
	}

	conn, err := c.dialBind()
	if err != nil {
		return fmt.Errorf("failed to connect for bind: %w", err)
	}
	defer conn.Close()

	if err := conn.Bind(dn, password); err != nil {
		tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Credential verification failed", map[string]any{
			"dn":    dn,
			"error": err.Error(),
		})
		return wrap("bind", dn, err)
	}
	return nil
}

// Ping reads the root DSE over a pooled connection.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	return wrap("ping", "", ping(conn.Conn()))
}
