package handler

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/connection"
	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/logging"
	"github.com/isometry/vdir/internal/session"
)

// Source materializes entry records. *mapping.Resolver implements it.
type Source interface {
	Records(ctx context.Context, s *session.Session, e *directory.Entry, q *connection.Query) iter.Seq2[*directory.Record, error]
	Add(ctx context.Context, s *session.Session, e *directory.Entry, req *directory.AddRequest) error
	Modify(ctx context.Context, s *session.Session, e *directory.Entry, req *directory.ModifyRequest) error
	Delete(ctx context.Context, s *session.Session, e *directory.Entry, dn string) error
	Bind(ctx context.Context, s *session.Session, e *directory.Entry, dn, password string) error
	Compare(ctx context.Context, s *session.Session, e *directory.Entry, req *directory.CompareRequest) (bool, error)
	Schema(ctx context.Context, s *session.Session, e *directory.Entry) (*directory.Schema, error)
}

// DefaultHandler resolves entries through their source mappings.
type DefaultHandler struct {
	source     Source
	dispatcher *Dispatcher
}

// NewDefaultHandler creates a handler recursing through dispatcher.
func NewDefaultHandler(source Source, dispatcher *Dispatcher) *DefaultHandler {
	return &DefaultHandler{source: source, dispatcher: dispatcher}
}

// Add checks that the requested object classes intersect the classes the
// entry declares and that the schema requirements hold, then delegates to
// the source. A rejected request mutates nothing.
func (h *DefaultHandler) Add(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.AddRequest) error {
	requested := req.ObjectClasses()
	if !intersects(requested, entry.ObjectClasses) {
		tflog.SubsystemDebug(ctx, logging.SubsystemHandler, "Add rejected: object class violation", map[string]any{
			"dn":        req.DN,
			"requested": requested,
			"declared":  entry.ObjectClasses,
		})
		return directory.ObjectClassViolation(req.DN, requested)
	}

	attrs := req.Attributes.Clone()
	if rdnAttr, rdnValue, err := directory.SplitRDN(req.DN); err == nil {
		attrs.Append(rdnAttr, rdnValue)
	}

	schema, err := h.source.Schema(ctx, s, entry)
	if err != nil {
		return err
	}
	if missing := schema.MissingAttributes(attrs); len(missing) > 0 {
		return directory.NewError("add", directory.KindValidation, ldap.LDAPResultObjectClassViolation, req.DN,
			"missing required attributes").Wrap(errors.New(strings.Join(missing, ", ")))
	}

	return h.source.Add(ctx, s, entry, &directory.AddRequest{DN: req.DN, Attributes: attrs})
}

// Bind authenticates the session as req.DN. An empty DN binds anonymously.
func (h *DefaultHandler) Bind(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.BindRequest) error {
	if req.DN == "" {
		s.SetBindDN("")
		return nil
	}
	if err := h.source.Bind(ctx, s, entry, req.DN, req.Password); err != nil {
		return err
	}
	s.SetBindDN(req.DN)
	return nil
}

func (h *DefaultHandler) Compare(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.CompareRequest) (bool, error) {
	return h.source.Compare(ctx, s, entry, req)
}

func (h *DefaultHandler) Delete(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.DeleteRequest) error {
	return h.source.Delete(ctx, s, entry, req.DN)
}

func (h *DefaultHandler) Modify(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.ModifyRequest) error {
	return h.source.Modify(ctx, s, entry, req)
}

// Search emits entry when the scope covers it and recurses into its
// children when the scope reaches below it. Output is depth first, parent
// before children, siblings in declaration order. Backend failures are
// recorded against the failing entry unless the request or session is
// strict.
func (h *DefaultHandler) Search(ctx context.Context, s *session.Session, base, entry *directory.Entry, req *directory.SearchRequest, resp *directory.SearchResponse) error {
	if req.IsAbandoned() {
		return nil
	}

	if emits(base, entry, req.Scope) {
		if err := h.emit(ctx, s, entry, req, resp); err != nil {
			return err
		}
	}

	if !recurses(base, entry, req.Scope) {
		return nil
	}
	for _, child := range entry.Children() {
		if req.IsAbandoned() {
			return nil
		}
		if err := h.dispatcher.Handler(child).Search(ctx, s, base, child, req, resp); err != nil {
			return err
		}
	}
	return nil
}

func emits(base, entry *directory.Entry, scope directory.Scope) bool {
	switch scope {
	case directory.ScopeBaseObject, directory.ScopeWholeSubtree:
		return true
	case directory.ScopeSingleLevel:
		return entry.Parent() == base
	default:
		return false
	}
}

func recurses(base, entry *directory.Entry, scope directory.Scope) bool {
	return (scope == directory.ScopeSingleLevel && entry == base) || scope == directory.ScopeWholeSubtree
}

func (h *DefaultHandler) emit(ctx context.Context, s *session.Session, entry *directory.Entry, req *directory.SearchRequest, resp *directory.SearchResponse) error {
	filter, err := req.CompiledFilter()
	if err != nil {
		return err
	}
	strict := req.Strict || s.Strict()

	for rec, err := range h.source.Records(ctx, s, entry, &connection.Query{TimeLimit: req.TimeLimit}) {
		if req.IsAbandoned() {
			return nil
		}
		if err != nil {
			if strict {
				return directory.BackendError("search", entry.DN, err)
			}
			tflog.SubsystemWarn(ctx, logging.SubsystemHandler, "Subtree failed", map[string]any{
				"entry": entry.DN,
				"error": err.Error(),
			})
			resp.AddError(entry.DN, err)
			continue
		}
		if !directory.InScope(rec.DN, req.BaseDN, req.Scope) || !filter.Match(rec.Attributes) {
			continue
		}
		if err := resp.Send(rec.Select(req.Attributes, req.TypesOnly)); err != nil {
			return err
		}
	}
	return nil
}

func intersects(requested, declared []string) bool {
	for _, oc := range requested {
		if directory.ContainsFold(declared, oc) {
			return true
		}
	}
	return false
}

// ReadOnlyHandler serves reads like DefaultHandler and refuses writes.
type ReadOnlyHandler struct {
	*DefaultHandler
}

// NewReadOnlyHandler wraps h.
func NewReadOnlyHandler(h *DefaultHandler) *ReadOnlyHandler {
	return &ReadOnlyHandler{DefaultHandler: h}
}

func (h *ReadOnlyHandler) Add(_ context.Context, _ *session.Session, _ *directory.Entry, req *directory.AddRequest) error {
	return directory.UnwillingToPerform("add", req.DN, "subtree is read-only")
}

func (h *ReadOnlyHandler) Delete(_ context.Context, _ *session.Session, _ *directory.Entry, req *directory.DeleteRequest) error {
	return directory.UnwillingToPerform("delete", req.DN, "subtree is read-only")
}

func (h *ReadOnlyHandler) Modify(_ context.Context, _ *session.Session, _ *directory.Entry, req *directory.ModifyRequest) error {
	return directory.UnwillingToPerform("modify", req.DN, "subtree is read-only")
}
