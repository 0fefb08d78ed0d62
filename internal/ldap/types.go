package ldap

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/vdir/internal/directory"
)

// Client provides the directory operations the ldap connection kind
// needs from a remote server.
type Client interface {
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	DirSync(ctx context.Context, req *SearchRequest, cookie []byte) (*DirSyncResult, error)
	Add(ctx context.Context, req *AddRequest) error
	Modify(ctx context.Context, req *ModifyRequest) error
	Delete(ctx context.Context, dn string) error
	Compare(ctx context.Context, dn, attribute, value string) (bool, error)

	// VerifyPassword binds as dn on a dedicated connection.
	VerifyPassword(ctx context.Context, dn, password string) error

	Ping(ctx context.Context) error
	Stats() PoolStats
	Close() error
}

// SearchRequest is a search against the remote server. Scope values are
// the protocol's own.
type SearchRequest struct {
	BaseDN     string
	Scope      directory.Scope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
}

// SearchResult holds the entries read. HasMore is set when a size limit
// or a paging bound stopped the search early.
type SearchResult struct {
	Entries []*ldap.Entry
	HasMore bool
}

// DirSyncResult holds the entries changed since the request cookie and
// the cookie to resume from next time.
type DirSyncResult struct {
	Entries     []*ldap.Entry
	Cookie      []byte
	MoreResults bool
}

// AddRequest creates DN with Attributes.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

// ModifyRequest changes DN. Changes are applied in the order add,
// replace, delete.
type ModifyRequest struct {
	DN                string
	AddAttributes     map[string][]string
	ReplaceAttributes map[string][]string
	DeleteAttributes  map[string][]string
}

func (r *ModifyRequest) empty() bool {
	return len(r.AddAttributes)+len(r.ReplaceAttributes)+len(r.DeleteAttributes) == 0
}

// PoolStats reports connection pool counters.
type PoolStats struct {
	Idle    int
	Active  int64
	Created int64
	Errors  int64
	Uptime  time.Duration
}
