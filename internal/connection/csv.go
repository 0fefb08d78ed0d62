package connection

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/isometry/vdir/internal/directory"
)

// Files shared by several clients are serialized per path.
var csvLocks sync.Map

func csvLock(path string) *sync.Mutex {
	mu, _ := csvLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// csvClient serves a CSV file whose first line names the columns. The
// file is re-read for every operation and rewritten atomically on change.
type csvClient struct {
	path      string
	key       string
	delimiter rune
	separator string
	password  string
}

// NewCSVClient builds a client for a flat record file.
//
// Parameters: file (required), key (default: first column), delimiter
// (default ","), separator (splits multi-valued cells, default none),
// passwordAttribute (default "userPassword").
func NewCSVClient(_ context.Context, cfg Config) (Client, error) {
	path := cfg.Param("file", "")
	if path == "" {
		return nil, fmt.Errorf("connection %s: parameter file is required", cfg.Name)
	}

	delimiter := ','
	if d := cfg.Param("delimiter", ""); d != "" {
		r, size := utf8.DecodeRuneInString(d)
		if size != len(d) {
			return nil, fmt.Errorf("connection %s: delimiter must be a single character", cfg.Name)
		}
		delimiter = r
	}

	c := &csvClient{
		path:      path,
		key:       cfg.Param("key", ""),
		delimiter: delimiter,
		separator: cfg.Param("separator", ""),
		password:  cfg.Param("passwordAttribute", "userPassword"),
	}

	// Fail early on a missing or malformed file.
	if _, err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *csvClient) load() (*table, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = c.delimiter
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", c.path, err)
	}

	t := &table{columns: header, key: c.key}
	if t.key == "" {
		t.key = header[0]
	} else if !directory.ContainsFold(header, t.key) {
		return nil, fmt.Errorf("%s has no key column %s", c.path, t.key)
	}

	for {
		line, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", c.path, err)
		}

		row := make(directory.Attributes, len(header))
		for i, cell := range line {
			if cell == "" {
				continue
			}
			if c.separator != "" {
				row.Set(header[i], strings.Split(cell, c.separator)...)
			} else {
				row.Set(header[i], cell)
			}
		}
		t.rows = append(t.rows, row)
	}

	return t, nil
}

func (c *csvClient) save(t *table) error {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".vdir-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Comma = c.delimiter
	if err := w.Write(t.columns); err != nil {
		tmp.Close()
		return err
	}
	for _, row := range t.rows {
		line := make([]string, len(t.columns))
		for i, col := range t.columns {
			line[i] = strings.Join(row.Get(col), c.separator)
		}
		if err := w.Write(line); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}

// update loads the file, applies fn and writes the result back.
func (c *csvClient) update(op, key string, fn func(*table) error) error {
	mu := csvLock(c.path)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.load()
	if err != nil {
		return directory.BackendError(op, key, err)
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := c.save(t); err != nil {
		return directory.BackendError(op, key, fmt.Errorf("failed to write %s: %w", c.path, err))
	}
	return nil
}

func (c *csvClient) read(op, key string) (*table, error) {
	mu := csvLock(c.path)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.load()
	if err != nil {
		return nil, directory.BackendError(op, key, err)
	}
	return t, nil
}

func (c *csvClient) Find(_ context.Context, key string) (*directory.Record, error) {
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

func (c *csvClient) Search(ctx context.Context, q *Query) iter.Seq2[*directory.Record, error] {
	t, err := c.read("search", "")
	if err != nil {
		return func(yield func(*directory.Record, error) bool) { yield(nil, err) }
	}
	return t.search(ctx, q)
}

func (c *csvClient) Add(_ context.Context, rec *directory.Record) error {
	return c.update("add", rec.DN, func(t *table) error {
		return t.insert(rec)
	})
}

func (c *csvClient) Modify(_ context.Context, key string, changes []directory.Modification) error {
	return c.update("modify", key, func(t *table) error {
		return t.update(key, changes)
	})
}

func (c *csvClient) Delete(_ context.Context, key string) error {
	return c.update("delete", key, func(t *table) error {
		return t.remove(key)
	})
}

func (c *csvClient) Bind(_ context.Context, key, password string) error {
	t, err := c.read("bind", key)
	if err != nil {
		return err
	}
	row, err := t.find("bind", key)
	if err != nil {
		return err
	}
	return verifyPassword(row, c.password, key, password)
}

func (c *csvClient) Compare(_ context.Context, key, attribute, value string) (bool, error) {
	t, err := c.read("compare", key)
	if err != nil {
		return false, err
	}
	return t.compare(key, attribute, value)
}

func (c *csvClient) Schema() *directory.Schema {
	t, err := c.read("schema", "")
	if err != nil {
		return directory.NewSchema()
	}
	return t.schema()
}

func (c *csvClient) Close() error {
	return nil
}
