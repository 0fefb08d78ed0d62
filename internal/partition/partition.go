// Package partition assembles the connections, entry tree, handlers,
// synchronization modules and scheduler of one naming context and routes
// directory operations to the entry that owns each DN.
package partition

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/connection"
	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/handler"
	"github.com/isometry/vdir/internal/logging"
	"github.com/isometry/vdir/internal/mapping"
	"github.com/isometry/vdir/internal/scheduler"
	"github.com/isometry/vdir/internal/session"
	"github.com/isometry/vdir/internal/stats"
	"github.com/isometry/vdir/internal/synchronization"
)

// Partition is one naming context.
type Partition struct {
	name        string
	tree        *directory.Tree
	connections map[string]*connection.Connection
	resolver    *mapping.Resolver
	dispatcher  *handler.Dispatcher
	stats       *stats.Manager
	modules     map[string]*synchronization.Engine
	scheduler   *scheduler.Scheduler
}

var (
	_ synchronization.Directory    = (*Partition)(nil)
	_ synchronization.ChangeSource = (*Partition)(nil)
)

// New builds the partition declared by cfg. Connection kinds come from
// registry; every operation increments st. Synchronization runs take
// their sessions from sessions, or open their own when it is nil.
func New(ctx context.Context, cfg Config, registry *connection.Registry, st *stats.Manager, sessions synchronization.Sessions) (*Partition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Partition{
		name:        cfg.Name,
		tree:        directory.NewTree(),
		connections: make(map[string]*connection.Connection, len(cfg.Connections)),
		stats:       st,
		modules:     make(map[string]*synchronization.Engine, len(cfg.Modules)),
		scheduler:   scheduler.New(cfg.Name),
	}

	for _, cc := range cfg.Connections {
		if _, exists := p.connections[cc.Name]; exists {
			return nil, fmt.Errorf("partition %s: connection %s already defined", p.name, cc.Name)
		}
		conn, err := connection.New(p.name, cc, registry)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.name, err)
		}
		p.connections[cc.Name] = conn
	}

	for _, ec := range cfg.Entries {
		if err := p.tree.Add(ec.Entry()); err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.name, err)
		}
	}
	if err := p.tree.Validate(); err != nil {
		return nil, fmt.Errorf("partition %s: %w", p.name, err)
	}

	resolver, err := mapping.NewResolver(p.tree, p.connections)
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", p.name, err)
	}
	p.resolver = resolver

	p.dispatcher = handler.NewDispatcher(handler.NameDefault)
	def := handler.NewDefaultHandler(resolver, p.dispatcher)
	p.dispatcher.Register(handler.NameDefault, def)
	p.dispatcher.Register(handler.NameReadOnly, handler.NewReadOnlyHandler(def))
	if err := p.dispatcher.Build(p.tree); err != nil {
		return nil, fmt.Errorf("partition %s: %w", p.name, err)
	}

	for _, mc := range cfg.Modules {
		if _, exists := p.modules[mc.Name]; exists {
			return nil, fmt.Errorf("partition %s: module %s already defined", p.name, mc.Name)
		}
		engine, err := synchronization.New(mc, p, sessions)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.name, err)
		}
		p.modules[mc.Name] = engine
	}

	for _, jc := range cfg.Jobs {
		job, err := p.job(jc)
		if err != nil {
			return nil, err
		}
		if err := p.scheduler.AddJob(jc.Name, job); err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.name, err)
		}
	}
	for _, t := range cfg.Triggers {
		if err := p.scheduler.AddTrigger(t); err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.name, err)
		}
	}

	tflog.SubsystemInfo(ctx, logging.SubsystemHandler, "Partition ready", map[string]any{
		"partition":   p.name,
		"suffixes":    p.Suffixes(),
		"entries":     p.tree.Len(),
		"connections": len(p.connections),
		"modules":     len(p.modules),
		"jobs":        len(cfg.Jobs),
		"triggers":    len(cfg.Triggers),
	})
	return p, nil
}

// job wraps the module action of jc.
func (p *Partition) job(jc JobConfig) (scheduler.Job, error) {
	engine, ok := p.modules[jc.Module]
	if !ok {
		return nil, fmt.Errorf("partition %s: job %s: unknown module %q", p.name, jc.Name, jc.Module)
	}

	switch jc.Action {
	case ActionCreateBase:
		return scheduler.JobFunc(engine.CreateBase), nil
	case ActionRemoveBase:
		return scheduler.JobFunc(engine.RemoveBase), nil
	default:
		run := func(ctx context.Context) synchronization.Result {
			return engine.Synchronize(ctx, jc.DN)
		}
		if jc.Action == ActionSynchronizeChanges {
			run = engine.SynchronizeChanges
		}
		return scheduler.JobFunc(func(ctx context.Context) error {
			r := run(ctx)
			if r.Err != nil {
				return r.Err
			}
			if r.Failed > 0 {
				return fmt.Errorf("module %s: %d entries failed: %w", jc.Module, r.Failed, r.Failures[0])
			}
			return nil
		}), nil
	}
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

// Tree returns the entry tree.
func (p *Partition) Tree() *directory.Tree {
	return p.tree
}

// Suffixes returns the DNs of the tree roots.
func (p *Partition) Suffixes() []string {
	roots := p.tree.Roots()
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		out = append(out, root.DN)
	}
	return out
}

// Scheduler returns the job scheduler.
func (p *Partition) Scheduler() *scheduler.Scheduler {
	return p.scheduler
}

// Module returns the named synchronization module.
func (p *Partition) Module(name string) (*synchronization.Engine, bool) {
	m, ok := p.modules[name]
	return m, ok
}

// ModuleNames returns the module names, sorted.
func (p *Partition) ModuleNames() []string {
	names := make([]string, 0, len(p.modules))
	for name := range p.modules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Connection returns the named connection.
func (p *Partition) Connection(name string) (*connection.Connection, bool) {
	c, ok := p.connections[name]
	return c, ok
}

// Contains reports whether dn lies at or below a suffix of p.
func (p *Partition) Contains(dn string) bool {
	_, ok := p.suffixOf(dn)
	return ok
}

// suffixOf returns the longest suffix containing dn.
func (p *Partition) suffixOf(dn string) (string, bool) {
	best := ""
	found := false
	for _, suffix := range p.Suffixes() {
		if directory.EqualDN(dn, suffix) || directory.IsDescendant(dn, suffix) {
			if !found || len(directory.MustNormalizeDN(suffix)) > len(directory.MustNormalizeDN(best)) {
				best, found = suffix, true
			}
		}
	}
	return best, found
}

// route returns the entry owning dn. A dynamic entry owns dn only if a
// record exists there.
func (p *Partition) route(ctx context.Context, s *session.Session, op, dn string) (*directory.Entry, error) {
	e, err := p.tree.Resolve(dn)
	if err != nil {
		if directory.IsNotFound(err) {
			return nil, directory.NoSuchObject(op, dn)
		}
		return nil, directory.NewError(op, directory.KindValidation, ldap.LDAPResultInvalidDNSyntax, dn, "invalid DN").Wrap(err)
	}
	if e.IsDynamic() && !directory.EqualDN(e.DN, dn) {
		if _, err := p.resolver.Find(ctx, s, e, dn); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// target returns the entry a new record at dn would belong to.
func (p *Partition) target(op, dn string) (*directory.Entry, error) {
	e, err := p.tree.Resolve(dn)
	if err != nil {
		if directory.IsNotFound(err) {
			return nil, directory.NoSuchObject(op, dn)
		}
		return nil, directory.NewError(op, directory.KindValidation, ldap.LDAPResultInvalidDNSyntax, dn, "invalid DN").Wrap(err)
	}
	return e, nil
}

func (p *Partition) begin(s *session.Session, op stats.Operation) {
	p.stats.Increment(op)
	s.Touch()
}

func (p *Partition) fields(s *session.Session, dn string) map[string]any {
	return map[string]any{
		"partition": p.name,
		"session":   s.ID().String(),
		"dn":        dn,
	}
}

// Search runs req from the entry owning its base DN. A size limit hit is
// reported by the response's result code, not as an error.
func (p *Partition) Search(ctx context.Context, s *session.Session, req *directory.SearchRequest) (*directory.SearchResponse, error) {
	p.begin(s, stats.OpSearch)

	if _, err := req.CompiledFilter(); err != nil {
		return nil, err
	}

	resp := directory.NewSearchResponse(req.SizeLimit)
	fields := p.fields(s, req.BaseDN)
	fields["scope"] = req.Scope.String()
	fields["filter"] = req.Filter

	err := logging.LogOperation(ctx, logging.SubsystemHandler, "search", fields, func() error {
		base, err := p.route(ctx, s, "search", req.BaseDN)
		if err != nil {
			return err
		}
		return p.dispatcher.Handler(base).Search(ctx, s, base, base, req, resp)
	})
	if errors.Is(err, directory.ErrSizeLimitExceeded) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Find returns the record at dn.
func (p *Partition) Find(ctx context.Context, s *session.Session, dn string) (*directory.Record, error) {
	s.Touch()
	e, err := p.target("find", dn)
	if err != nil {
		return nil, err
	}
	return p.resolver.Find(ctx, s, e, dn)
}

// Changes returns the records below dn changed since cookie. They are
// read from the single dynamic entry declared directly below dn.
func (p *Partition) Changes(ctx context.Context, s *session.Session, dn string, cookie []byte) ([]*directory.Record, []byte, error) {
	s.Touch()
	e, err := p.target("changes", dn)
	if err != nil {
		return nil, nil, err
	}

	var dynamic *directory.Entry
	for _, child := range e.Children() {
		if !child.IsDynamic() {
			continue
		}
		if dynamic != nil {
			return nil, nil, directory.UnwillingToPerform("changes", dn, "more than one dynamic entry below "+e.DN)
		}
		dynamic = child
	}
	if dynamic == nil {
		return nil, nil, directory.UnwillingToPerform("changes", dn, "no dynamic entry below "+e.DN)
	}
	return p.resolver.Changes(ctx, s, dynamic, cookie)
}

// Add creates the entry of req.
func (p *Partition) Add(ctx context.Context, s *session.Session, req *directory.AddRequest) error {
	p.begin(s, stats.OpAdd)
	return logging.LogOperation(ctx, logging.SubsystemHandler, "add", p.fields(s, req.DN), func() error {
		e, err := p.target("add", req.DN)
		if err != nil {
			return err
		}
		return p.dispatcher.Handler(e).Add(ctx, s, e, req)
	})
}

// Modify changes the entry of req.
func (p *Partition) Modify(ctx context.Context, s *session.Session, req *directory.ModifyRequest) error {
	p.begin(s, stats.OpModify)
	return logging.LogOperation(ctx, logging.SubsystemHandler, "modify", p.fields(s, req.DN), func() error {
		e, err := p.target("modify", req.DN)
		if err != nil {
			return err
		}
		return p.dispatcher.Handler(e).Modify(ctx, s, e, req)
	})
}

// Delete removes the entry of req.
func (p *Partition) Delete(ctx context.Context, s *session.Session, req *directory.DeleteRequest) error {
	p.begin(s, stats.OpDelete)
	return logging.LogOperation(ctx, logging.SubsystemHandler, "delete", p.fields(s, req.DN), func() error {
		e, err := p.target("delete", req.DN)
		if err != nil {
			return err
		}
		return p.dispatcher.Handler(e).Delete(ctx, s, e, req)
	})
}

// ModifyDN renames an entry. Virtual entries take their names from their
// sources, so renames are refused.
func (p *Partition) ModifyDN(_ context.Context, s *session.Session, dn, newRDN string) error {
	p.begin(s, stats.OpModRDN)
	return directory.UnwillingToPerform("modrdn", dn, "cannot rename to "+newRDN+": names are derived from sources")
}

// Bind authenticates s. An empty DN binds anonymously.
func (p *Partition) Bind(ctx context.Context, s *session.Session, req *directory.BindRequest) error {
	p.begin(s, stats.OpBind)
	if req.DN == "" {
		s.SetBindDN("")
		return nil
	}
	return logging.LogOperation(ctx, logging.SubsystemHandler, "bind", p.fields(s, req.DN), func() error {
		e, err := p.target("bind", req.DN)
		if err != nil {
			return directory.NewError("bind", directory.KindPermission, ldap.LDAPResultInvalidCredentials, req.DN, "invalid credentials")
		}
		return p.dispatcher.Handler(e).Bind(ctx, s, e, req)
	})
}

// Compare tests an attribute value of the entry at req.DN.
func (p *Partition) Compare(ctx context.Context, s *session.Session, req *directory.CompareRequest) (bool, error) {
	p.begin(s, stats.OpCompare)
	var match bool
	err := logging.LogOperation(ctx, logging.SubsystemHandler, "compare", p.fields(s, req.DN), func() error {
		e, err := p.target("compare", req.DN)
		if err != nil {
			return err
		}
		match, err = p.dispatcher.Handler(e).Compare(ctx, s, e, req)
		return err
	})
	return match, err
}

// Unbind clears the bind identity of s.
func (p *Partition) Unbind(_ context.Context, s *session.Session) {
	p.begin(s, stats.OpUnbind)
	s.SetBindDN("")
}
