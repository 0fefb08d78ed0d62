package connection

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"os"
	"strings"

	"github.com/isometry/vdir/internal/directory"
)

// passwdColumns are the fields of a passwd(5) line, named after their
// posixAccount attributes.
var passwdColumns = []string{"uid", "userPassword", "uidNumber", "gidNumber", "gecos", "homeDirectory", "loginShell"}

// passwdClient serves the system account database read-only.
type passwdClient struct {
	path string
}

// NewPasswdClient builds a read-only client for a passwd(5) file.
// Parameters: file (default "/etc/passwd").
func NewPasswdClient(_ context.Context, cfg Config) (Client, error) {
	c := &passwdClient{path: cfg.Param("file", "/etc/passwd")}
	if _, err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *passwdClient) load() (*table, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.path, err)
	}
	defer f.Close()

	t := &table{columns: passwdColumns, key: "uid"}
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != len(passwdColumns) {
			return nil, fmt.Errorf("%s:%d: expected %d fields, got %d", c.path, lineNum, len(passwdColumns), len(fields))
		}

		row := make(directory.Attributes, len(fields))
		for i, v := range fields {
			if v != "" {
				row.Set(passwdColumns[i], v)
			}
		}
		if name, _, _ := strings.Cut(row.First("gecos"), ","); name != "" {
			row.Set("cn", name)
		} else {
			row.Set("cn", row.First("uid"))
		}
		t.rows = append(t.rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.path, err)
	}
	return t, nil
}

func (c *passwdClient) read(op, key string) (*table, error) {
	t, err := c.load()
	if err != nil {
		return nil, directory.BackendError(op, key, err)
	}
	return t, nil
}

func (c *passwdClient) Find(_ context.Context, key string) (*directory.Record, error) {
	t, err := c.read("find", key)
	if err != nil {
		return nil, err
	}
	row, err := t.find("find", key)
	if err != nil {
		return nil, err
	}
	return t.record(row), nil
}

func (c *passwdClient) Search(ctx context.Context, q *Query) iter.Seq2[*directory.Record, error] {
	t, err := c.read("search", "")
	if err != nil {
		return func(yield func(*directory.Record, error) bool) { yield(nil, err) }
	}
	return t.search(ctx, q)
}

func (c *passwdClient) Add(_ context.Context, rec *directory.Record) error {
	return directory.UnwillingToPerform("add", rec.DN, "system accounts are read-only")
}

func (c *passwdClient) Modify(_ context.Context, key string, _ []directory.Modification) error {
	return directory.UnwillingToPerform("modify", key, "system accounts are read-only")
}

func (c *passwdClient) Delete(_ context.Context, key string) error {
	return directory.UnwillingToPerform("delete", key, "system accounts are read-only")
}

// Bind is refused: password hashes live in the shadow database.
func (c *passwdClient) Bind(_ context.Context, key, _ string) error {
	return directory.UnwillingToPerform("bind", key, "system accounts do not support bind")
}

func (c *passwdClient) Compare(_ context.Context, key, attribute, value string) (bool, error) {
	t, err := c.read("compare", key)
	if err != nil {
		return false, err
	}
	return t.compare(key, attribute, value)
}

func (c *passwdClient) Schema() *directory.Schema {
	s := directory.NewSchema()
	for _, col := range append([]string{"cn"}, passwdColumns...) {
		s.AddAttributeType(&directory.AttributeType{Name: col, SingleValue: col != "cn"})
	}
	return s
}

func (c *passwdClient) Close() error {
	return nil
}
