package mapping

import (
	"context"
	"crypto/subtle"
	"fmt"
	"iter"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/connection"
	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/logging"
	"github.com/isometry/vdir/internal/session"
)

// Resolver materializes the records of tree entries through the session's
// backend clients. Mappers are compiled once, when the resolver is built.
type Resolver struct {
	connections map[string]*connection.Connection
	mappers     map[*directory.Entry]*Mapper
}

// NewResolver compiles the mappings of every dynamic entry of tree and
// checks that each source names a known connection.
func NewResolver(tree *directory.Tree, connections map[string]*connection.Connection) (*Resolver, error) {
	r := &Resolver{
		connections: connections,
		mappers:     make(map[*directory.Entry]*Mapper),
	}

	err := tree.Walk(func(e *directory.Entry) error {
		for _, src := range e.Sources {
			if _, ok := connections[src.Connection]; !ok {
				return fmt.Errorf("entry %s: source %s: unknown connection %q", e.DN, src.Alias, src.Connection)
			}
		}
		if !e.IsDynamic() {
			return nil
		}
		m, err := New(e)
		if err != nil {
			return err
		}
		r.mappers[e] = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Mapper returns the mapper of a dynamic entry.
func (r *Resolver) Mapper(e *directory.Entry) (*Mapper, bool) {
	m, ok := r.mappers[e]
	return m, ok
}

func (r *Resolver) mapper(op string, e *directory.Entry, dn string) (*Mapper, error) {
	m, ok := r.mappers[e]
	if !ok {
		return nil, directory.UnwillingToPerform(op, dn, "entry has no source mapping")
	}
	return m, nil
}

func (r *Resolver) client(ctx context.Context, s *session.Session, src directory.SourceMapping) (connection.Client, error) {
	conn, ok := r.connections[src.Connection]
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", src.Connection)
	}
	return conn.GetClient(ctx, s)
}

func (r *Resolver) primary(ctx context.Context, s *session.Session, e *directory.Entry) (connection.Client, directory.SourceMapping, error) {
	src, _ := e.PrimarySource()
	client, err := r.client(ctx, s, src)
	return client, src, err
}

// Records yields the records of e. A static entry yields its own record; a
// dynamic entry yields one mapped record per primary source row, joined
// with its secondary sources. Filters apply to mapped records, so only the
// time limit of q reaches the source.
func (r *Resolver) Records(ctx context.Context, s *session.Session, e *directory.Entry, q *connection.Query) iter.Seq2[*directory.Record, error] {
	return func(yield func(*directory.Record, error) bool) {
		m, ok := r.mappers[e]
		if !ok {
			yield(e.Record(), nil)
			return
		}

		client, src, err := r.primary(ctx, s, e)
		if err != nil {
			yield(nil, err)
			return
		}

		sq := &connection.Query{Parameters: src.Parameters}
		if q != nil {
			sq.TimeLimit = q.TimeLimit
		}

		for row, err := range client.Search(ctx, sq) {
			if err != nil {
				yield(nil, err)
				return
			}
			rec, err := r.join(ctx, s, m, row)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// join fetches the secondary rows of a primary row and maps the result.
// Secondary sources are left-joined: a missing row contributes nothing.
func (r *Resolver) join(ctx context.Context, s *session.Session, m *Mapper, row *directory.Record) (*directory.Record, error) {
	sources := Sources{m.PrimaryAlias(): row}
	for _, src := range m.Entry().Sources[1:] {
		key, err := m.JoinKey(src.Alias, sources)
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}
		client, err := r.client(ctx, s, src)
		if err != nil {
			return nil, err
		}
		joined, err := client.Find(ctx, key)
		if directory.IsNotFound(err) {
			tflog.SubsystemTrace(ctx, logging.SubsystemHandler, "Join found no row", map[string]any{
				"entry":  m.Entry().DN,
				"source": src.Alias,
				"key":    key,
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		sources[src.Alias] = joined
	}
	return m.Map(sources)
}

// locate returns the primary row and mapped record answering for dn.
func (r *Resolver) locate(ctx context.Context, s *session.Session, m *Mapper, dn string) (*directory.Record, *directory.Record, error) {
	key, err := m.Key(dn)
	if err != nil {
		return nil, nil, err
	}
	client, src, err := r.primary(ctx, s, m.Entry())
	if err != nil {
		return nil, nil, err
	}

	row, err := client.Find(ctx, key)
	switch {
	case err == nil:
		rec, err := r.join(ctx, s, m, row)
		if err == nil && directory.EqualDN(rec.DN, dn) {
			return row, rec, nil
		}
	case !directory.IsNotFound(err):
		return nil, nil, err
	}

	// The RDN value is not the source key: scan for the mapped DN.
	q := &connection.Query{Parameters: src.Parameters}
	if field, ok := m.SourceField(m.Entry().RDNAttribute()); ok {
		if f, err := directory.CompileFilter("(" + field + "=" + ldap.EscapeFilter(key) + ")"); err == nil {
			q.Filter = f
		}
	}
	for row, err := range client.Search(ctx, q) {
		if err != nil {
			return nil, nil, err
		}
		rec, err := r.join(ctx, s, m, row)
		if err != nil {
			continue
		}
		if directory.EqualDN(rec.DN, dn) {
			return row, rec, nil
		}
	}
	return nil, nil, directory.NoSuchObject("find", dn)
}

// Find returns the record at dn.
func (r *Resolver) Find(ctx context.Context, s *session.Session, e *directory.Entry, dn string) (*directory.Record, error) {
	m, ok := r.mappers[e]
	if !ok {
		if !directory.EqualDN(e.DN, dn) {
			return nil, directory.NoSuchObject("find", dn)
		}
		return e.Record(), nil
	}
	_, rec, err := r.locate(ctx, s, m, dn)
	return rec, err
}

// Add creates the source row of a new record of e.
func (r *Resolver) Add(ctx context.Context, s *session.Session, e *directory.Entry, req *directory.AddRequest) error {
	m, err := r.mapper("add", e, req.DN)
	if err != nil {
		return err
	}
	key, err := m.Key(req.DN)
	if err != nil {
		return err
	}
	client, _, err := r.primary(ctx, s, e)
	if err != nil {
		return err
	}
	return client.Add(ctx, directory.NewRecord(key, m.Reverse(req.Attributes)))
}

// Modify applies changes to the source row of the record at dn.
func (r *Resolver) Modify(ctx context.Context, s *session.Session, e *directory.Entry, req *directory.ModifyRequest) error {
	m, err := r.mapper("modify", e, req.DN)
	if err != nil {
		return err
	}
	changes, err := m.ReverseChanges(req.DN, req.Changes)
	if err != nil {
		return err
	}
	row, _, err := r.locate(ctx, s, m, req.DN)
	if err != nil {
		return err
	}
	client, _, err := r.primary(ctx, s, e)
	if err != nil {
		return err
	}
	return client.Modify(ctx, row.DN, changes)
}

// Delete removes the source row of the record at dn.
func (r *Resolver) Delete(ctx context.Context, s *session.Session, e *directory.Entry, dn string) error {
	m, err := r.mapper("delete", e, dn)
	if err != nil {
		return err
	}
	row, _, err := r.locate(ctx, s, m, dn)
	if err != nil {
		return err
	}
	client, _, err := r.primary(ctx, s, e)
	if err != nil {
		return err
	}
	return client.Delete(ctx, row.DN)
}

// Bind verifies password for dn. Static entries are checked against their
// own userPassword attribute.
func (r *Resolver) Bind(ctx context.Context, s *session.Session, e *directory.Entry, dn, password string) error {
	invalid := directory.NewError("bind", directory.KindPermission, ldap.LDAPResultInvalidCredentials, dn, "invalid credentials")
	if password == "" {
		return invalid
	}

	m, ok := r.mappers[e]
	if !ok {
		for _, stored := range e.Attributes.Get("userPassword") {
			if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1 {
				return nil
			}
		}
		return invalid
	}

	row, _, err := r.locate(ctx, s, m, dn)
	if directory.IsNotFound(err) {
		return invalid
	}
	if err != nil {
		return err
	}
	client, _, err := r.primary(ctx, s, e)
	if err != nil {
		return err
	}
	return client.Bind(ctx, row.DN, password)
}

// Compare reports whether the record at dn holds value. Attributes read
// from a single primary field are compared by the source.
func (r *Resolver) Compare(ctx context.Context, s *session.Session, e *directory.Entry, req *directory.CompareRequest) (bool, error) {
	m, ok := r.mappers[e]
	if !ok {
		return compareRecord(req, e.Record())
	}

	row, rec, err := r.locate(ctx, s, m, req.DN)
	if err != nil {
		return false, err
	}
	if field, ok := m.SourceField(req.Attribute); ok && len(m.Entry().Sources) == 1 && row.Attributes.Has(field) {
		client, _, err := r.primary(ctx, s, e)
		if err != nil {
			return false, err
		}
		return client.Compare(ctx, row.DN, field, req.Value)
	}
	return compareRecord(req, rec)
}

func compareRecord(req *directory.CompareRequest, rec *directory.Record) (bool, error) {
	if !rec.Attributes.Has(req.Attribute) {
		return false, directory.NewError("compare", directory.KindNotFound, ldap.LDAPResultNoSuchAttribute, req.DN,
			"no such attribute "+req.Attribute)
	}
	return directory.ContainsFold(rec.Attributes.Get(req.Attribute), req.Value), nil
}

// Changes returns the records of e changed since cookie. Sources that
// cannot report changes return every record.
func (r *Resolver) Changes(ctx context.Context, s *session.Session, e *directory.Entry, cookie []byte) ([]*directory.Record, []byte, error) {
	m, err := r.mapper("changes", e, e.DN)
	if err != nil {
		return nil, nil, err
	}
	client, src, err := r.primary(ctx, s, e)
	if err != nil {
		return nil, nil, err
	}

	reader, ok := client.(connection.ChangeReader)
	if !ok {
		records, err := connection.Collect(r.Records(ctx, s, e, nil))
		return records, nil, err
	}

	rows, next, err := reader.Changes(ctx, &connection.Query{Parameters: src.Parameters}, cookie)
	if err != nil {
		return nil, cookie, err
	}
	records := make([]*directory.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := r.join(ctx, s, m, row)
		if err != nil {
			return nil, cookie, err
		}
		records = append(records, rec)
	}
	return records, next, nil
}

// Schema returns the default schema merged with the schemas of the
// sources of e.
func (r *Resolver) Schema(ctx context.Context, s *session.Session, e *directory.Entry) (*directory.Schema, error) {
	schema := directory.DefaultSchema()
	for _, src := range e.Sources {
		client, err := r.client(ctx, s, src)
		if err != nil {
			return nil, err
		}
		schema.Merge(client.Schema())
	}
	return schema, nil
}
