package connection

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/isometry/vdir/internal/directory"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// sqlClient serves one table of a SQLite database. Every column is one
// single-valued attribute.
type sqlClient struct {
	pool     *sqlitex.Pool
	table    string
	key      string
	password string
	columns  []string
}

// NewSQLClient opens a relational source.
//
// Parameters: path (required), table (required), key (default "id"),
// passwordAttribute (default "userPassword"), poolSize (default 2).
func NewSQLClient(ctx context.Context, cfg Config) (Client, error) {
	path := cfg.Param("path", "")
	if path == "" {
		return nil, fmt.Errorf("connection %s: parameter path is required", cfg.Name)
	}
	table := cfg.Param("table", "")
	key := cfg.Param("key", "id")
	for _, ident := range []string{table, key} {
		if !identifierPattern.MatchString(ident) {
			return nil, fmt.Errorf("connection %s: invalid identifier %q", cfg.Name, ident)
		}
	}
	poolSize, err := cfg.IntParam("poolSize", 2)
	if err != nil {
		return nil, err
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout=5000", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connection %s: opening %s: %w", cfg.Name, path, err)
	}

	c := &sqlClient{
		pool:     pool,
		table:    table,
		key:      key,
		password: cfg.Param("passwordAttribute", "userPassword"),
	}
	if err := c.loadColumns(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if !directory.ContainsFold(c.columns, key) {
		pool.Close()
		return nil, fmt.Errorf("connection %s: table %s has no key column %s", cfg.Name, table, key)
	}
	return c, nil
}

func (c *sqlClient) loadColumns(ctx context.Context) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	c.columns = nil
	err = sqlitex.Execute(conn, "SELECT name FROM pragma_table_info(?)", &sqlitex.ExecOptions{
		Args: []any{c.table},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			c.columns = append(c.columns, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", c.table, err)
	}
	if len(c.columns) == 0 {
		return fmt.Errorf("table %s does not exist", c.table)
	}
	return nil
}

// column returns the declared spelling of a column, or false.
func (c *sqlClient) column(name string) (string, bool) {
	for _, col := range c.columns {
		if strings.EqualFold(col, name) {
			return col, true
		}
	}
	return "", false
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func rowAttributes(stmt *sqlite.Stmt) directory.Attributes {
	attrs := make(directory.Attributes, stmt.ColumnCount())
	for i := range stmt.ColumnCount() {
		if stmt.ColumnType(i) == sqlite.TypeNull {
			continue
		}
		attrs.Set(stmt.ColumnName(i), stmt.ColumnText(i))
	}
	return attrs
}

func (c *sqlClient) findRow(ctx context.Context, op, key string) (directory.Attributes, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, directory.BackendError(op, key, err)
	}
	defer c.pool.Put(conn)

	var row directory.Attributes
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? LIMIT 1", quote(c.table), quote(c.key))
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row = rowAttributes(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, directory.BackendError(op, key, err)
	}
	if row == nil {
		return nil, directory.NoSuchObject(op, key)
	}
	return row, nil
}

func (c *sqlClient) Find(ctx context.Context, key string) (*directory.Record, error) {
	row, err := c.findRow(ctx, "find", key)
	if err != nil {
		return nil, err
	}
	return directory.NewRecord(row.First(c.key), row), nil
}

// Search reads the table in key order and filters rows in process.
func (c *sqlClient) Search(ctx context.Context, q *Query) iter.Seq2[*directory.Record, error] {
	return func(yield func(*directory.Record, error) bool) {
		ctx, cancel := withTimeLimit(ctx, q.TimeLimit)
		defer cancel()

		conn, err := c.pool.Take(ctx)
		if err != nil {
			yield(nil, directory.BackendError("search", "", err))
			return
		}
		defer c.pool.Put(conn)

		var rows []directory.Attributes
		query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", quote(c.table), quote(c.key))
		err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, rowAttributes(stmt))
				return nil
			},
		})
		if err != nil {
			yield(nil, directory.BackendError("search", "", err))
			return
		}

		t := &table{columns: c.columns, key: c.key, rows: rows}
		for rec, err := range t.search(ctx, q) {
			if !yield(rec, err) {
				return
			}
		}
	}
}

func (c *sqlClient) Add(ctx context.Context, rec *directory.Record) error {
	key := rec.Attributes.First(c.key)
	if key == "" {
		key = rec.DN
	}

	names := []string{quote(c.key)}
	args := []any{key}
	for name, values := range rec.Attributes {
		col, ok := c.column(name)
		if !ok {
			return directory.NewError("add", directory.KindValidation, ldap.LDAPResultUndefinedAttributeType, key, "unknown column "+name)
		}
		if col == c.key {
			continue
		}
		if len(values) > 1 {
			return directory.NewError("add", directory.KindValidation, ldap.LDAPResultConstraintViolation, key, "column "+col+" is single-valued")
		}
		names = append(names, quote(col))
		args = append(args, first(values))
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return directory.BackendError("add", key, err)
	}
	defer c.pool.Put(conn)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(c.table), strings.Join(names, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "))
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey || sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return directory.NewError("add", directory.KindConflict, ldap.LDAPResultEntryAlreadyExists, key, "record already exists")
		}
		return directory.BackendError("add", key, err)
	}
	return nil
}

func (c *sqlClient) Modify(ctx context.Context, key string, changes []directory.Modification) error {
	row, err := c.findRow(ctx, "modify", key)
	if err != nil {
		return err
	}

	var touched []string
	for _, change := range changes {
		col, ok := c.column(change.Attribute)
		if !ok {
			return directory.NewError("modify", directory.KindValidation, ldap.LDAPResultUndefinedAttributeType, key, "unknown column "+change.Attribute)
		}
		if col == c.key {
			return directory.UnwillingToPerform("modify", key, "the key column cannot be modified")
		}
		if !directory.ContainsFold(touched, col) {
			touched = append(touched, col)
		}
	}
	(&directory.ModifyRequest{DN: key, Changes: changes}).Apply(row)

	if len(touched) == 0 {
		return nil
	}

	sets := make([]string, 0, len(touched))
	args := make([]any, 0, len(touched)+1)
	for _, col := range touched {
		values := row.Get(col)
		if len(values) > 1 {
			return directory.NewError("modify", directory.KindValidation, ldap.LDAPResultConstraintViolation, key, "column "+col+" is single-valued")
		}
		sets = append(sets, quote(col)+" = ?")
		if len(values) == 0 {
			args = append(args, nil)
		} else {
			args = append(args, values[0])
		}
	}
	args = append(args, key)

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return directory.BackendError("modify", key, err)
	}
	defer c.pool.Put(conn)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quote(c.table), strings.Join(sets, ", "), quote(c.key))
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return directory.BackendError("modify", key, err)
	}
	return nil
}

func (c *sqlClient) Delete(ctx context.Context, key string) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return directory.BackendError("delete", key, err)
	}
	defer c.pool.Put(conn)

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(c.table), quote(c.key))
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{key}}); err != nil {
		return directory.BackendError("delete", key, err)
	}
	if conn.Changes() == 0 {
		return directory.NoSuchObject("delete", key)
	}
	return nil
}

func (c *sqlClient) Bind(ctx context.Context, key, password string) error {
	row, err := c.findRow(ctx, "bind", key)
	if err != nil {
		return err
	}
	return verifyPassword(row, c.password, key, password)
}

func (c *sqlClient) Compare(ctx context.Context, key, attribute, value string) (bool, error) {
	row, err := c.findRow(ctx, "compare", key)
	if err != nil {
		return false, err
	}
	t := &table{columns: c.columns, key: c.key, rows: []directory.Attributes{row}}
	return t.compare(key, attribute, value)
}

func (c *sqlClient) Schema() *directory.Schema {
	s := directory.NewSchema()
	for _, col := range c.columns {
		s.AddAttributeType(&directory.AttributeType{Name: col, SingleValue: true})
	}
	return s
}

func (c *sqlClient) Close() error {
	return c.pool.Close()
}

func first(values []string) any {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}
