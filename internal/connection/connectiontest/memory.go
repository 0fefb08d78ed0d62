// Package connectiontest provides an in-memory backend client for tests of
// the packages built on the connection contract.
package connectiontest

import (
	"context"
	"iter"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/vdir/internal/connection"
	"github.com/isometry/vdir/internal/directory"
)

// Client keeps rows in memory. Records are keyed by the value of the key
// attribute, which is also their DN.
type Client struct {
	key string

	mu   sync.Mutex
	rows []directory.Attributes
	err  error
	ops  []string

	closed atomic.Int32
}

var (
	_ connection.Client       = (*Client)(nil)
	_ connection.ChangeReader = (*Client)(nil)
)

// New creates a client keyed by key holding rows.
func New(key string, rows ...directory.Attributes) *Client {
	c := &Client{key: key}
	for _, row := range rows {
		c.rows = append(c.rows, row.Clone())
	}
	return c
}

// Register makes r build c for connections of kind.
func Register(r *connection.Registry, kind string, c *Client) {
	r.Register(kind, func(context.Context, connection.Config) (connection.Client, error) {
		return c, nil
	})
}

// Fail makes every later operation return err; nil restores the client.
func (c *Client) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Ops returns the write operations performed, as "op:key".
func (c *Client) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ops)
}

// Rows returns a copy of the stored rows.
func (c *Client) Rows() []directory.Attributes {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]directory.Attributes, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row.Clone())
	}
	return out
}

// Closed returns the number of Close calls.
func (c *Client) Closed() int {
	return int(c.closed.Load())
}

func (c *Client) index(key string) int {
	return slices.IndexFunc(c.rows, func(row directory.Attributes) bool {
		return strings.EqualFold(row.First(c.key), key)
	})
}

func (c *Client) record(row directory.Attributes) *directory.Record {
	return directory.NewRecord(row.First(c.key), row.Clone())
}

func (c *Client) Find(_ context.Context, key string) (*directory.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	i := c.index(key)
	if i < 0 {
		return nil, directory.NoSuchObject("find", key)
	}
	return c.record(c.rows[i]), nil
}

func (c *Client) Search(_ context.Context, q *connection.Query) iter.Seq2[*directory.Record, error] {
	return func(yield func(*directory.Record, error) bool) {
		c.mu.Lock()
		err := c.err
		var matched []*directory.Record
		for _, row := range c.rows {
			if q == nil || q.Filter == nil || q.Filter.Match(row) {
				matched = append(matched, c.record(row))
			}
		}
		c.mu.Unlock()

		if err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range matched {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (c *Client) Add(_ context.Context, rec *directory.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	key := rec.Attributes.First(c.key)
	if key == "" {
		key = rec.DN
	}
	if c.index(key) >= 0 {
		return directory.NewError("add", directory.KindConflict, ldap.LDAPResultEntryAlreadyExists, key, "record already exists")
	}
	row := rec.Attributes.Clone()
	row.Set(c.key, key)
	c.rows = append(c.rows, row)
	c.ops = append(c.ops, "add:"+key)
	return nil
}

func (c *Client) Modify(_ context.Context, key string, changes []directory.Modification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	i := c.index(key)
	if i < 0 {
		return directory.NoSuchObject("modify", key)
	}
	req := &directory.ModifyRequest{DN: key, Changes: changes}
	req.Apply(c.rows[i])
	c.ops = append(c.ops, "modify:"+key)
	return nil
}

func (c *Client) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	i := c.index(key)
	if i < 0 {
		return directory.NoSuchObject("delete", key)
	}
	c.rows = slices.Delete(c.rows, i, i+1)
	c.ops = append(c.ops, "delete:"+key)
	return nil
}

func (c *Client) Bind(_ context.Context, key, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	i := c.index(key)
	if i < 0 || password == "" || !slices.Contains(c.rows[i].Get("userPassword"), password) {
		return directory.NewError("bind", directory.KindPermission, ldap.LDAPResultInvalidCredentials, key, "invalid credentials")
	}
	return nil
}

func (c *Client) Compare(_ context.Context, key, attribute, value string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	i := c.index(key)
	if i < 0 {
		return false, directory.NoSuchObject("compare", key)
	}
	return directory.ContainsFold(c.rows[i].Get(attribute), value), nil
}

// Changes returns every row and a cookie counting the reads.
func (c *Client) Changes(ctx context.Context, q *connection.Query, cookie []byte) ([]*directory.Record, []byte, error) {
	n, _ := strconv.Atoi(string(cookie))
	records, err := connection.Collect(c.Search(ctx, q))
	if err != nil {
		return nil, cookie, err
	}
	return records, []byte(strconv.Itoa(n + 1)), nil
}

func (c *Client) Schema() *directory.Schema {
	return directory.DefaultSchema()
}

func (c *Client) Close() error {
	c.closed.Add(1)
	return nil
}
