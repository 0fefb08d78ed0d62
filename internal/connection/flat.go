package connection

import (
	"context"
	"crypto/subtle"
	"iter"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/vdir/internal/directory"
)

// table is an in-memory view of a flat source: ordered rows of named
// columns, one of which is the primary key.
type table struct {
	columns []string
	key     string
	rows    []directory.Attributes
}

func (t *table) index(key string) int {
	return slices.IndexFunc(t.rows, func(row directory.Attributes) bool {
		return strings.EqualFold(row.First(t.key), key)
	})
}

func (t *table) find(op, key string) (directory.Attributes, error) {
	i := t.index(key)
	if i < 0 {
		return nil, directory.NoSuchObject(op, key)
	}
	return t.rows[i], nil
}

func (t *table) record(row directory.Attributes) *directory.Record {
	return directory.NewRecord(row.First(t.key), row.Clone())
}

// search yields matching rows. Once SizeLimit rows have been produced
// and another row matches, it yields ErrSizeLimitExceeded.
func (t *table) search(ctx context.Context, q *Query) iter.Seq2[*directory.Record, error] {
	return func(yield func(*directory.Record, error) bool) {
		ctx, cancel := withTimeLimit(ctx, q.TimeLimit)
		defer cancel()

		sent := 0
		for _, row := range t.rows {
			if err := ctx.Err(); err != nil {
				yield(nil, directory.BackendError("search", "", err))
				return
			}
			if q.Filter != nil && !q.Filter.Match(row) {
				continue
			}
			if q.SizeLimit > 0 && sent >= q.SizeLimit {
				yield(nil, directory.ErrSizeLimitExceeded)
				return
			}
			sent++
			if !yield(t.record(row), nil) {
				return
			}
		}
	}
}

// insert validates rec against the columns and appends it.
func (t *table) insert(rec *directory.Record) error {
	key := rec.Attributes.First(t.key)
	if key == "" {
		key = rec.DN
	}
	if key == "" {
		return directory.NewError("add", directory.KindValidation, ldap.LDAPResultNamingViolation, rec.DN,
			"record has no value for key column "+t.key)
	}
	if t.index(key) >= 0 {
		return directory.NewError("add", directory.KindConflict, ldap.LDAPResultEntryAlreadyExists, key, "record already exists")
	}

	row := make(directory.Attributes, len(t.columns))
	for name, values := range rec.Attributes {
		if !directory.ContainsFold(t.columns, name) {
			return directory.NewError("add", directory.KindValidation, ldap.LDAPResultUndefinedAttributeType, key,
				"unknown column "+name)
		}
		row.Set(t.column(name), values...)
	}
	row.Set(t.key, key)
	t.rows = append(t.rows, row)
	return nil
}

func (t *table) update(key string, changes []directory.Modification) error {
	row, err := t.find("modify", key)
	if err != nil {
		return err
	}
	for _, change := range changes {
		if !directory.ContainsFold(t.columns, change.Attribute) {
			return directory.NewError("modify", directory.KindValidation, ldap.LDAPResultUndefinedAttributeType, key,
				"unknown column "+change.Attribute)
		}
		if strings.EqualFold(change.Attribute, t.key) {
			return directory.UnwillingToPerform("modify", key, "the key column cannot be modified")
		}
	}
	(&directory.ModifyRequest{DN: key, Changes: changes}).Apply(row)
	return nil
}

func (t *table) remove(key string) error {
	i := t.index(key)
	if i < 0 {
		return directory.NoSuchObject("delete", key)
	}
	t.rows = slices.Delete(t.rows, i, i+1)
	return nil
}

// column returns the declared spelling of name.
func (t *table) column(name string) string {
	for _, c := range t.columns {
		if strings.EqualFold(c, name) {
			return c
		}
	}
	return name
}

func (t *table) compare(key, attribute, value string) (bool, error) {
	row, err := t.find("compare", key)
	if err != nil {
		return false, err
	}
	if !row.Has(attribute) {
		return false, directory.NewError("compare", directory.KindNotFound, ldap.LDAPResultNoSuchAttribute, key,
			"no such attribute "+attribute)
	}
	return directory.ContainsFold(row.Get(attribute), value), nil
}

func (t *table) schema() *directory.Schema {
	s := directory.NewSchema()
	for _, c := range t.columns {
		s.AddAttributeType(&directory.AttributeType{Name: c})
	}
	return s
}

// verifyPassword compares password with the stored value of column in
// constant time.
func verifyPassword(row directory.Attributes, column, key, password string) error {
	stored := row.First(column)
	if password == "" || stored == "" ||
		subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return directory.NewError("bind", directory.KindPermission, ldap.LDAPResultInvalidCredentials, key, "invalid credentials")
	}
	return nil
}
