// Package handler implements the request dispatch of the virtual tree: scope
// resolution, object class validation and the depth-first fan-out of
// searches to the handler of each entry.
package handler

import (
	"context"
	"fmt"

	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/session"
)

// Handler names.
const (
	NameDefault  = "default"
	NameReadOnly = "readonly"
)

// Handler serves the protocol operations of the entries bound to it.
type Handler interface {
	Add(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.AddRequest) error
	Bind(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.BindRequest) error
	Compare(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.CompareRequest) (bool, error)
	Delete(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.DeleteRequest) error
	Modify(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.ModifyRequest) error
	Search(ctx context.Context, s *session.Session, base, entry *directory.Entry, req *directory.SearchRequest, resp *directory.SearchResponse) error
}

// Dispatcher maps every entry of a tree to its handler. The table is built
// once; lookups during requests do no name resolution.
type Dispatcher struct {
	fallback string
	handlers map[string]Handler
	table    map[*directory.Entry]Handler
}

// NewDispatcher creates a dispatcher whose entries without a handler name
// use the handler registered as fallback.
func NewDispatcher(fallback string) *Dispatcher {
	return &Dispatcher{
		fallback: fallback,
		handlers: make(map[string]Handler),
		table:    make(map[*directory.Entry]Handler),
	}
}

// Register binds name to h.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Build resolves the handler of every entry of tree.
func (d *Dispatcher) Build(tree *directory.Tree) error {
	table := make(map[*directory.Entry]Handler, tree.Len())
	err := tree.Walk(func(e *directory.Entry) error {
		name := e.HandlerName
		if name == "" {
			name = d.fallback
		}
		h, ok := d.handlers[name]
		if !ok {
			return fmt.Errorf("entry %s: unknown handler %q", e.DN, name)
		}
		table[e] = h
		return nil
	})
	if err != nil {
		return err
	}
	d.table = table
	return nil
}

// Handler returns the handler of e, the fallback for entries added after
// Build.
func (d *Dispatcher) Handler(e *directory.Entry) Handler {
	if h, ok := d.table[e]; ok {
		return h
	}
	return d.handlers[d.fallback]
}
