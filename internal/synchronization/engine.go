// Package synchronization reconciles a target subtree with an authoritative
// source subtree and maintains the links between their entries.
package synchronization

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/logging"
	"github.com/isometry/vdir/internal/session"
)

// Directory is the view of a partition the engine reads and writes.
type Directory interface {
	Find(ctx context.Context, s *session.Session, dn string) (*directory.Record, error)
	Search(ctx context.Context, s *session.Session, req *directory.SearchRequest) (*directory.SearchResponse, error)
	Add(ctx context.Context, s *session.Session, req *directory.AddRequest) error
	Modify(ctx context.Context, s *session.Session, req *directory.ModifyRequest) error
	Delete(ctx context.Context, s *session.Session, req *directory.DeleteRequest) error
}

// ChangeSource is implemented by directories that can report the source
// entries changed since a previous read. A nil cookie reads every entry;
// a nil next cookie means changes cannot be tracked.
type ChangeSource interface {
	Changes(ctx context.Context, s *session.Session, dn string, cookie []byte) ([]*directory.Record, []byte, error)
}

// Sessions hands out the sessions runs work in. *session.Pool implements
// it.
type Sessions interface {
	Acquire() (*session.Session, error)
	Release(s *session.Session)
}

// OrphanPolicy decides what happens to linked targets whose source is gone.
type OrphanPolicy string

const (
	OrphanDelete OrphanPolicy = "delete"
	OrphanMark   OrphanPolicy = "mark"
)

// Config declares one synchronization module.
type Config struct {
	Name              string       `yaml:"name"`
	Source            string       `yaml:"source"`
	Target            string       `yaml:"target"`
	Filter            string       `yaml:"filter" default:"(objectClass=*)"`
	Scope             string       `yaml:"scope" default:"one"`
	Attributes        []string     `yaml:"attributes"`
	ObjectClasses     []string     `yaml:"object_classes"`
	BaseObjectClasses []string     `yaml:"base_object_classes"`
	RDNAttribute      string       `yaml:"rdn_attribute"`
	OrphanPolicy      OrphanPolicy `yaml:"orphan_policy"`
	RateLimit         float64      `yaml:"rate_limit"`
	Burst             int          `yaml:"burst" default:"1"`
}

// Validate checks the module declaration. The orphan policy has no
// default and must be stated.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("module name cannot be empty")
	}
	if _, err := directory.NormalizeDN(c.Source); err != nil || c.Source == "" {
		return fmt.Errorf("module %s: invalid source DN %q", c.Name, c.Source)
	}
	if _, err := directory.NormalizeDN(c.Target); err != nil || c.Target == "" {
		return fmt.Errorf("module %s: invalid target DN %q", c.Name, c.Target)
	}
	if directory.EqualDN(c.Source, c.Target) || directory.IsDescendant(c.Target, c.Source) || directory.IsDescendant(c.Source, c.Target) {
		return fmt.Errorf("module %s: source and target subtrees overlap", c.Name)
	}
	switch c.OrphanPolicy {
	case OrphanDelete, OrphanMark:
	case "":
		return fmt.Errorf("module %s: orphan_policy is required (delete or mark)", c.Name)
	default:
		return fmt.Errorf("module %s: unknown orphan_policy %q", c.Name, c.OrphanPolicy)
	}
	scope, err := directory.ParseScope(c.Scope)
	if err != nil {
		return fmt.Errorf("module %s: %w", c.Name, err)
	}
	// Targets are placed directly below the target base, so only the
	// children of the source have distinct target names.
	if scope != directory.ScopeSingleLevel {
		return fmt.Errorf("module %s: scope %q is not supported, use one", c.Name, c.Scope)
	}
	if _, err := directory.CompileFilter(c.Filter); err != nil {
		return fmt.Errorf("module %s: %w", c.Name, err)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("module %s: rate_limit cannot be negative", c.Name)
	}
	return nil
}

// Engine runs the operations of one module. Runs of the same module are
// serialized.
type Engine struct {
	cfg      Config
	scope    directory.Scope
	filter   *directory.Filter
	dir      Directory
	sessions Sessions
	limiter  *rate.Limiter

	runMu  sync.Mutex
	cookie []byte // change cookie of the last clean incremental run
}

// New creates the engine of cfg over dir. Runs take their sessions from
// sessions; with nil they use sessions of their own.
func New(cfg Config, dir Directory, sessions Sessions) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scope, _ := directory.ParseScope(cfg.Scope)
	filter, _ := directory.CompileFilter(cfg.Filter)
	if len(cfg.BaseObjectClasses) == 0 {
		cfg.BaseObjectClasses = []string{"top", "organizationalUnit"}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Engine{
		cfg:     cfg,
		scope:   scope,
		filter:   filter,
		dir:      dir,
		sessions: sessions,
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
	}, nil
}

// Name returns the module name.
func (e *Engine) Name() string {
	return e.cfg.Name
}

// Config returns the module declaration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) withSession(ctx context.Context, fn func(*session.Session) error) error {
	s, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release(s)
	return fn(s)
}

func (e *Engine) acquire(ctx context.Context) (*session.Session, error) {
	if e.sessions == nil {
		return session.New(ctx), nil
	}
	s, err := e.sessions.Acquire()
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", e.cfg.Name, err)
	}
	return s, nil
}

func (e *Engine) release(s *session.Session) {
	if e.sessions == nil {
		s.Close()
		return
	}
	e.sessions.Release(s)
}

func (e *Engine) fields(extra map[string]any) map[string]any {
	f := map[string]any{"module": e.cfg.Name}
	maps.Copy(f, extra)
	return f
}

// CreateBase ensures the target container exists.
func (e *Engine) CreateBase(ctx context.Context) error {
	return e.withSession(ctx, func(s *session.Session) error {
		_, err := e.dir.Find(ctx, s, e.cfg.Target)
		if err == nil || !directory.IsNotFound(err) {
			return err
		}
		attrs := directory.Attributes{"objectClass": slices.Clone(e.cfg.BaseObjectClasses)}
		if err := e.write(ctx, func() error {
			return e.dir.Add(ctx, s, &directory.AddRequest{DN: e.cfg.Target, Attributes: attrs})
		}); err != nil && !directory.IsConflict(err) {
			return err
		}
		tflog.SubsystemInfo(ctx, logging.SubsystemSync, "Created module base", e.fields(map[string]any{"dn": e.cfg.Target}))
		return nil
	})
}

// RemoveBase removes the target container. Removing an absent base does
// nothing.
func (e *Engine) RemoveBase(ctx context.Context) error {
	return e.withSession(ctx, func(s *session.Session) error {
		if _, err := e.dir.Find(ctx, s, e.cfg.Target); err != nil {
			if directory.IsNotFound(err) {
				return nil
			}
			return err
		}
		err := e.write(ctx, func() error {
			return e.dir.Delete(ctx, s, &directory.DeleteRequest{DN: e.cfg.Target})
		})
		if directory.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// Create imports the source entry at dn into the target subtree.
func (e *Engine) Create(ctx context.Context, dn string) error {
	_, err := e.ImportDN(ctx, dn)
	return err
}

// ImportDN imports the source entry at dn and links it.
func (e *Engine) ImportDN(ctx context.Context, dn string) (LinkingData, error) {
	var link LinkingData
	err := e.withSession(ctx, func(s *session.Session) error {
		src, err := e.dir.Find(ctx, s, dn)
		if err != nil {
			return err
		}
		link, _, err = e.importEntry(ctx, s, src)
		return err
	})
	return link, err
}

// ImportEntry creates the target entry of src and links it. An existing
// target at the same DN is adopted and updated unless it is linked to
// another source.
func (e *Engine) ImportEntry(ctx context.Context, src *directory.Record) (LinkingData, error) {
	var link LinkingData
	err := e.withSession(ctx, func(s *session.Session) error {
		var err error
		link, _, err = e.importEntry(ctx, s, src)
		return err
	})
	return link, err
}

// importEntry creates and links the target of src. It reports whether an
// existing target was adopted instead. A target linked to another source
// is not adopted.
func (e *Engine) importEntry(ctx context.Context, s *session.Session, src *directory.Record) (LinkingData, bool, error) {
	targetDN, err := e.targetDN(src)
	if err != nil {
		return LinkingData{}, false, err
	}
	names := e.syncNames(src)
	digest, err := Digest(src.Attributes, names)
	if err != nil {
		return LinkingData{}, false, err
	}

	attrs := make(directory.Attributes, len(names)+6)
	for _, name := range names {
		if values := src.Attributes.Get(name); len(values) > 0 {
			attrs.Set(name, slices.Clone(values)...)
		}
	}
	rdnAttr, rdnValue, _ := directory.SplitRDN(targetDN)
	attrs.Append(rdnAttr, rdnValue)

	classes := e.cfg.ObjectClasses
	if len(classes) == 0 {
		classes = src.ObjectClasses()
	}
	attrs.Set("objectClass", slices.Clone(classes)...)
	attrs.Append("objectClass", ObjectClassLinked)

	link := LinkingData{SourceDN: src.DN, TargetDN: targetDN, State: StateLinked, ID: uuid.NewString(), Digest: digest}
	attrs.Set(AttrLinkSource, link.SourceDN)
	attrs.Set(AttrLinkState, string(link.State))
	attrs.Set(AttrLinkID, link.ID)
	attrs.Set(AttrSyncDigest, link.Digest)
	if len(names) > 0 {
		attrs.Set(AttrSyncAttribute, names...)
	}

	err = e.write(ctx, func() error {
		return e.dir.Add(ctx, s, &directory.AddRequest{DN: targetDN, Attributes: attrs})
	})
	if directory.IsConflict(err) {
		existing, ferr := e.dir.Find(ctx, s, targetDN)
		if ferr != nil {
			return LinkingData{}, false, ferr
		}
		if other, ok := LinkOf(existing); ok && other.State != StateOrphaned && !directory.EqualDN(other.SourceDN, src.DN) {
			return LinkingData{}, false, directory.NewError("import", directory.KindConflict, ldap.LDAPResultEntryAlreadyExists, targetDN,
				"target is linked to "+other.SourceDN).Wrap(err)
		}
		link, err := e.update(ctx, s, src, existing)
		return link, err == nil, err
	}
	if err != nil {
		return LinkingData{}, false, err
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemSync, "Imported entry", e.fields(map[string]any{
		"source": src.DN,
		"target": targetDN,
	}))
	return link, false, nil
}

// update rewrites the synchronized attributes of target from src and marks
// the link active.
func (e *Engine) update(ctx context.Context, s *session.Session, src, target *directory.Record) (LinkingData, error) {
	names := e.syncNames(src)
	digest, err := Digest(src.Attributes, names)
	if err != nil {
		return LinkingData{}, err
	}
	rdnAttr, _, err := directory.SplitRDN(target.DN)
	if err != nil {
		return LinkingData{}, err
	}

	var changes []directory.Modification
	for _, name := range names {
		if strings.EqualFold(name, rdnAttr) {
			continue
		}
		changes = append(changes, directory.Modification{Op: directory.ModReplace, Attribute: name, Values: slices.Clone(src.Attributes.Get(name))})
	}
	for _, name := range target.Attributes.Get(AttrSyncAttribute) {
		if directory.ContainsFold(names, name) || strings.EqualFold(name, rdnAttr) || !target.Attributes.Has(name) {
			continue
		}
		changes = append(changes, directory.Modification{Op: directory.ModReplace, Attribute: name})
	}

	link, _ := LinkOf(target)
	link.SourceDN, link.TargetDN, link.State, link.Digest = src.DN, target.DN, StateLinked, digest
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	changes = append(changes, e.linkChanges(target, link)...)
	changes = append(changes,
		directory.Modification{Op: directory.ModReplace, Attribute: AttrSyncDigest, Values: []string{digest}},
		directory.Modification{Op: directory.ModReplace, Attribute: AttrSyncAttribute, Values: names},
	)

	err = e.write(ctx, func() error {
		return e.dir.Modify(ctx, s, &directory.ModifyRequest{DN: target.DN, Changes: changes})
	})
	if err != nil {
		return LinkingData{}, err
	}
	return link, nil
}

// linkChanges sets the link attributes of target to link.
func (e *Engine) linkChanges(target *directory.Record, link LinkingData) []directory.Modification {
	var changes []directory.Modification
	if !directory.ContainsFold(target.ObjectClasses(), ObjectClassLinked) {
		changes = append(changes, directory.Modification{Op: directory.ModAdd, Attribute: "objectClass", Values: []string{ObjectClassLinked}})
	}
	changes = append(changes,
		directory.Modification{Op: directory.ModReplace, Attribute: AttrLinkSource, Values: []string{link.SourceDN}},
		directory.Modification{Op: directory.ModReplace, Attribute: AttrLinkState, Values: []string{string(link.State)}},
	)
	if target.Attributes.First(AttrLinkID) != link.ID {
		changes = append(changes, directory.Modification{Op: directory.ModReplace, Attribute: AttrLinkID, Values: []string{link.ID}})
	}
	return changes
}

// clearChanges removes the synchronized attributes of target.
func clearChanges(target *directory.Record) []directory.Modification {
	rdnAttr, _, _ := directory.SplitRDN(target.DN)
	var changes []directory.Modification
	for _, name := range target.Attributes.Get(AttrSyncAttribute) {
		if strings.EqualFold(name, rdnAttr) || !target.Attributes.Has(name) {
			continue
		}
		changes = append(changes, directory.Modification{Op: directory.ModReplace, Attribute: name})
	}
	for _, name := range []string{AttrSyncDigest, AttrSyncAttribute} {
		if target.Attributes.Has(name) {
			changes = append(changes, directory.Modification{Op: directory.ModReplace, Attribute: name})
		}
	}
	return changes
}

// Clear removes the synchronized attributes of the targets linked to the
// source entry at dn. The links stay and are marked for re-import.
func (e *Engine) Clear(ctx context.Context, dn string) error {
	return e.withSession(ctx, func(s *session.Session) error {
		targets, err := e.links(ctx, s, dn, false)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return directory.NoSuchObject("clear", dn)
		}
		for _, target := range targets {
			changes := clearChanges(target)
			if link, _ := LinkOf(target); link.State == StateLinked {
				changes = append(changes, directory.Modification{Op: directory.ModReplace, Attribute: AttrLinkState, Values: []string{string(StatePendingImport)}})
			}
			if len(changes) == 0 {
				continue
			}
			if err := e.write(ctx, func() error {
				return e.dir.Modify(ctx, s, &directory.ModifyRequest{DN: target.DN, Changes: changes})
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove removes the links of the source entry at dn together with the
// synchronized attributes of its targets.
func (e *Engine) Remove(ctx context.Context, dn string) error {
	return e.withSession(ctx, func(s *session.Session) error {
		targets, err := e.links(ctx, s, dn, false)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return directory.NoSuchObject("remove", dn)
		}
		for _, target := range targets {
			changes := clearChanges(target)
			for _, name := range []string{AttrLinkSource, AttrLinkState, AttrLinkID} {
				if target.Attributes.Has(name) {
					changes = append(changes, directory.Modification{Op: directory.ModReplace, Attribute: name})
				}
			}
			if directory.ContainsFold(target.ObjectClasses(), ObjectClassLinked) {
				changes = append(changes, directory.Modification{Op: directory.ModDelete, Attribute: "objectClass", Values: []string{ObjectClassLinked}})
			}
			if err := e.write(ctx, func() error {
				return e.dir.Modify(ctx, s, &directory.ModifyRequest{DN: target.DN, Changes: changes})
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// LinkEntry links the target entry at targetDN to the source entry at
// sourceDN. The target is imported by the next run. Linking an already
// linked pair does nothing.
func (e *Engine) LinkEntry(ctx context.Context, sourceDN, targetDN string) error {
	return e.withSession(ctx, func(s *session.Session) error {
		if _, err := e.dir.Find(ctx, s, sourceDN); err != nil {
			return err
		}
		target, err := e.dir.Find(ctx, s, targetDN)
		if err != nil {
			return err
		}
		link, ok := LinkOf(target)
		if ok && link.Active() && directory.EqualDN(link.SourceDN, sourceDN) {
			return nil
		}

		link = LinkingData{SourceDN: sourceDN, TargetDN: target.DN, State: StatePendingImport, ID: link.ID}
		if link.ID == "" {
			link.ID = uuid.NewString()
		}
		return e.write(ctx, func() error {
			return e.dir.Modify(ctx, s, &directory.ModifyRequest{DN: target.DN, Changes: e.linkChanges(target, link)})
		})
	})
}

// UnlinkEntry marks the link of the target entry at targetDN unlinked.
// Runs leave unlinked targets alone. Unlinking an unlinked entry does
// nothing.
func (e *Engine) UnlinkEntry(ctx context.Context, targetDN string) error {
	return e.withSession(ctx, func(s *session.Session) error {
		target, err := e.dir.Find(ctx, s, targetDN)
		if err != nil {
			return err
		}
		link, ok := LinkOf(target)
		if !ok || link.State == StateUnlinked {
			return nil
		}
		return e.write(ctx, func() error {
			return e.dir.Modify(ctx, s, &directory.ModifyRequest{
				DN:      target.DN,
				Changes: []directory.Modification{{Op: directory.ModReplace, Attribute: AttrLinkState, Values: []string{string(StateUnlinked)}}},
			})
		})
	})
}

// SearchLinks returns the active links of the source entry at sourceDN.
func (e *Engine) SearchLinks(ctx context.Context, sourceDN string) ([]LinkingData, error) {
	var out []LinkingData
	err := e.withSession(ctx, func(s *session.Session) error {
		targets, err := e.links(ctx, s, sourceDN, false)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if link, _ := LinkOf(target); link.Active() {
				out = append(out, link)
			}
		}
		return nil
	})
	return out, err
}

// links returns the target records linked to sourceDN, or to any entry
// below it when subtree is set.
func (e *Engine) links(ctx context.Context, s *session.Session, sourceDN string, subtree bool) ([]*directory.Record, error) {
	all, err := e.linkedTargets(ctx, s)
	if err != nil {
		return nil, err
	}
	var out []*directory.Record
	for _, target := range all {
		link, _ := LinkOf(target)
		if directory.EqualDN(link.SourceDN, sourceDN) || (subtree && directory.IsDescendant(link.SourceDN, sourceDN)) {
			out = append(out, target)
		}
	}
	return out, nil
}

// linkedTargets returns every target entry carrying a link. A missing
// target base holds no links.
func (e *Engine) linkedTargets(ctx context.Context, s *session.Session) ([]*directory.Record, error) {
	resp, err := e.dir.Search(ctx, s, &directory.SearchRequest{
		BaseDN: e.cfg.Target,
		Scope:  directory.ScopeWholeSubtree,
		Filter: "(" + AttrLinkSource + "=*)",
		Strict: true,
	})
	if directory.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Records(), nil
}

// sourceRecords returns the source entries at or below dn that the module
// covers. A DN below the source is clipped to the module scope, so partial
// and full runs read the same entries. The scan is strict: a partial
// source would turn live entries into orphans.
func (e *Engine) sourceRecords(ctx context.Context, s *session.Session, dn string) ([]*directory.Record, error) {
	whole := directory.EqualDN(dn, e.cfg.Source)
	scope := directory.ScopeWholeSubtree
	switch {
	case whole:
		scope = e.scope
	case e.scope == directory.ScopeSingleLevel:
		if !directory.InScope(dn, e.cfg.Source, e.scope) {
			return nil, nil
		}
		scope = directory.ScopeBaseObject
	}

	resp, err := e.dir.Search(ctx, s, &directory.SearchRequest{
		BaseDN: dn,
		Scope:  scope,
		Filter: e.cfg.Filter,
		Strict: true,
	})
	if err != nil {
		if !whole && directory.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if errs := resp.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("source scan of %s incomplete: %w", errs[0].DN, errs[0].Err)
	}

	return slices.DeleteFunc(resp.Records(), func(r *directory.Record) bool {
		return directory.EqualDN(r.DN, e.cfg.Source) || !directory.InScope(r.DN, e.cfg.Source, e.scope)
	}), nil
}

// Synchronize reconciles the target entries of the source subtree at dn:
// unlinked sources are imported, changed sources are updated and linked
// targets whose source is gone are handled by the orphan policy. Entry
// failures are counted and do not stop the run. An empty dn covers the
// whole module.
func (e *Engine) Synchronize(ctx context.Context, dn string) Result {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if dn == "" {
		dn = e.cfg.Source
	}
	t := newTally(e.cfg.Name, dn)

	tflog.SubsystemInfo(ctx, logging.SubsystemSync, "Starting synchronization", e.fields(map[string]any{"dn": dn}))

	err := e.withSession(ctx, func(s *session.Session) error {
		return e.synchronize(ctx, s, dn, t)
	})
	r := t.result(err)
	e.logResult(ctx, dn, r, nil)
	return r
}

func (e *Engine) logResult(ctx context.Context, dn string, r Result, extra map[string]any) {
	fields := e.fields(map[string]any{
		"dn":          dn,
		"added":       r.Added,
		"modified":    r.Modified,
		"deleted":     r.Deleted,
		"orphaned":    r.Orphaned,
		"failed":      r.Failed,
		"unchanged":   r.Unchanged,
		"duration_ms": r.Duration().Milliseconds(),
	})
	maps.Copy(fields, extra)
	if r.Err != nil {
		fields["error"] = r.Err.Error()
		tflog.SubsystemError(ctx, logging.SubsystemSync, "Synchronization failed", fields)
	} else {
		tflog.SubsystemInfo(ctx, logging.SubsystemSync, "Synchronization completed", fields)
	}
}

// SynchronizeAll synchronizes the whole module.
func (e *Engine) SynchronizeAll(ctx context.Context) Result {
	return e.Synchronize(ctx, "")
}

func (e *Engine) synchronize(ctx context.Context, s *session.Session, dn string, t *tally) error {
	whole := directory.EqualDN(dn, e.cfg.Source)
	if !whole && !directory.IsDescendant(dn, e.cfg.Source) {
		return directory.NewError("synchronize", directory.KindValidation, ldap.LDAPResultUnwillingToPerform, dn,
			"DN is outside the module source "+e.cfg.Source)
	}

	var sources, targets []*directory.Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ss, err := e.acquire(gctx)
		if err != nil {
			return err
		}
		defer e.release(ss)
		sources, err = e.sourceRecords(gctx, ss, dn)
		return err
	})
	g.Go(func() error {
		var err error
		targets, err = e.links(gctx, s, dn, true)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return e.reconcile(ctx, s, t, sources, targets, func(string) bool { return true })
}

// reconcile imports or updates each source against the targets linked to
// it. Linked targets whose source is missing from sources are orphaned
// when gone reports their normalized source DN.
func (e *Engine) reconcile(ctx context.Context, s *session.Session, t *tally, sources, targets []*directory.Record, gone func(key string) bool) error {
	linked := make(map[string][]*directory.Record)
	for _, target := range targets {
		link, _ := LinkOf(target)
		key := directory.MustNormalizeDN(link.SourceDN)
		linked[key] = append(linked[key], target)
	}

	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := directory.MustNormalizeDN(src.DN)
		seen[key] = true

		if len(linked[key]) == 0 {
			_, adopted, err := e.importEntry(ctx, s, src)
			switch {
			case err != nil:
				e.fail(ctx, t, "import", src.DN, err)
			case adopted:
				t.r.Modified++
			default:
				t.r.Added++
			}
			continue
		}

		digest, err := Digest(src.Attributes, e.syncNames(src))
		if err != nil {
			e.fail(ctx, t, "digest", src.DN, err)
			continue
		}
		for _, target := range linked[key] {
			link, _ := LinkOf(target)
			switch {
			case link.State == StateUnlinked:
				t.r.Unchanged++
			case link.State == StateLinked && link.Digest == digest:
				t.r.Unchanged++
			default:
				if _, err := e.update(ctx, s, src, target); err != nil {
					e.fail(ctx, t, "update", target.DN, err)
					continue
				}
				if link.State == StatePendingImport {
					t.r.Added++
				} else {
					t.r.Modified++
				}
			}
		}
	}

	for _, key := range slices.Sorted(maps.Keys(linked)) {
		if seen[key] || !gone(key) {
			continue
		}
		for _, target := range linked[key] {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.orphan(ctx, s, t, target)
		}
	}
	return nil
}

// SynchronizeChanges reconciles the source entries changed since the
// previous call. The first call runs over the whole module, as does the
// call after one that failed. Directories that cannot report changes, and
// modules scanning more than one level, get a full run every time.
func (e *Engine) SynchronizeChanges(ctx context.Context) Result {
	cs, ok := e.dir.(ChangeSource)
	if !ok || e.scope != directory.ScopeSingleLevel {
		return e.SynchronizeAll(ctx)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	t := newTally(e.cfg.Name, e.cfg.Source)
	full := e.cookie == nil
	var next []byte

	err := e.withSession(ctx, func(s *session.Session) error {
		changed, cookie, err := cs.Changes(ctx, s, e.cfg.Source, e.cookie)
		if err != nil {
			return err
		}
		next = cookie
		changed = slices.DeleteFunc(changed, func(r *directory.Record) bool {
			return !directory.InScope(r.DN, e.cfg.Source, e.scope) || directory.EqualDN(r.DN, e.cfg.Source)
		})

		if !full {
			return e.synchronizeChanged(ctx, s, t, changed)
		}
		targets, err := e.links(ctx, s, e.cfg.Source, true)
		if err != nil {
			return err
		}
		changed = slices.DeleteFunc(changed, func(r *directory.Record) bool {
			return !e.filter.Match(r.Attributes)
		})
		return e.reconcile(ctx, s, t, changed, targets, func(string) bool { return true })
	})

	r := t.result(err)
	if err == nil && r.Failed == 0 {
		e.cookie = next
	} else {
		e.cookie = nil
	}
	e.logResult(ctx, e.cfg.Source, r, map[string]any{"incremental": !full})
	return r
}

// synchronizeChanged reconciles the changed source entries. A change may
// carry only the attributes that changed, so each entry is read again.
// Entries that are gone or no longer match the filter are orphaned.
func (e *Engine) synchronizeChanged(ctx context.Context, s *session.Session, t *tally, changed []*directory.Record) error {
	if len(changed) == 0 {
		return nil
	}
	targets, err := e.links(ctx, s, e.cfg.Source, true)
	if err != nil {
		return err
	}

	var sources []*directory.Record
	gone := make(map[string]bool)
	for _, rec := range changed {
		src, err := e.dir.Find(ctx, s, rec.DN)
		switch {
		case directory.IsNotFound(err):
			gone[directory.MustNormalizeDN(rec.DN)] = true
		case err != nil:
			e.fail(ctx, t, "read", rec.DN, err)
		case e.filter.Match(src.Attributes):
			sources = append(sources, src)
		default:
			gone[directory.MustNormalizeDN(rec.DN)] = true
		}
	}

	keep := make(map[string]bool, len(sources))
	for _, src := range sources {
		keep[directory.MustNormalizeDN(src.DN)] = true
	}
	targets = slices.DeleteFunc(targets, func(target *directory.Record) bool {
		link, _ := LinkOf(target)
		key := directory.MustNormalizeDN(link.SourceDN)
		return !keep[key] && !gone[key]
	})
	return e.reconcile(ctx, s, t, sources, targets, func(key string) bool { return gone[key] })
}

func (e *Engine) orphan(ctx context.Context, s *session.Session, t *tally, target *directory.Record) {
	link, _ := LinkOf(target)
	if link.State == StateUnlinked {
		return
	}

	switch e.cfg.OrphanPolicy {
	case OrphanDelete:
		err := e.write(ctx, func() error {
			return e.dir.Delete(ctx, s, &directory.DeleteRequest{DN: target.DN})
		})
		if err != nil && !directory.IsNotFound(err) {
			e.fail(ctx, t, "delete", target.DN, err)
			return
		}
		t.r.Deleted++
	case OrphanMark:
		if link.State == StateOrphaned {
			t.r.Unchanged++
			return
		}
		err := e.write(ctx, func() error {
			return e.dir.Modify(ctx, s, &directory.ModifyRequest{
				DN:      target.DN,
				Changes: []directory.Modification{{Op: directory.ModReplace, Attribute: AttrLinkState, Values: []string{string(StateOrphaned)}}},
			})
		})
		if err != nil {
			e.fail(ctx, t, "mark", target.DN, err)
			return
		}
		t.r.Orphaned++
	}
}

func (e *Engine) fail(ctx context.Context, t *tally, op, dn string, err error) {
	t.fail(op, dn, err)
	tflog.SubsystemWarn(ctx, logging.SubsystemSync, "Entry synchronization failed", e.fields(map[string]any{
		"operation": op,
		"dn":        dn,
		"error":     err.Error(),
	}))
}

// SourceCount returns the number of source entries a run over dn would
// read. An empty dn counts the whole module.
func (e *Engine) SourceCount(ctx context.Context, dn string) (int, error) {
	if dn == "" {
		dn = e.cfg.Source
	}
	var n int
	err := e.withSession(ctx, func(s *session.Session) error {
		records, err := e.sourceRecords(ctx, s, dn)
		n = len(records)
		return err
	})
	return n, err
}

// TargetCount returns the number of linked target entries at or below dn.
// An empty dn counts the whole module.
func (e *Engine) TargetCount(ctx context.Context, dn string) (int, error) {
	if dn == "" {
		dn = e.cfg.Target
	}
	var n int
	err := e.withSession(ctx, func(s *session.Session) error {
		targets, err := e.linkedTargets(ctx, s)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if directory.EqualDN(target.DN, dn) || directory.IsDescendant(target.DN, dn) {
				n++
			}
		}
		return nil
	})
	return n, err
}

// targetDN places the target of src below the module target.
func (e *Engine) targetDN(src *directory.Record) (string, error) {
	attr, value, err := directory.SplitRDN(src.DN)
	if err != nil {
		return "", err
	}
	if e.cfg.RDNAttribute != "" && !strings.EqualFold(e.cfg.RDNAttribute, attr) {
		attr = e.cfg.RDNAttribute
		value = src.Attributes.First(attr)
		if value == "" {
			return "", directory.NewError("import", directory.KindValidation, ldap.LDAPResultNamingViolation, src.DN,
				"source entry has no value for "+attr)
		}
	}
	return directory.JoinDN(attr, value, e.cfg.Target), nil
}

// syncNames returns the attributes synchronized from src: the configured
// list, or every attribute except object classes and link attributes.
func (e *Engine) syncNames(src *directory.Record) []string {
	if len(e.cfg.Attributes) > 0 {
		return slices.Clone(e.cfg.Attributes)
	}
	var names []string
	for _, name := range src.Attributes.Names() {
		if strings.EqualFold(name, "objectClass") || isLinkAttribute(name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

func isLinkAttribute(name string) bool {
	for _, attr := range []string{AttrLinkSource, AttrLinkState, AttrLinkID, AttrSyncDigest, AttrSyncAttribute} {
		if strings.EqualFold(name, attr) {
			return true
		}
	}
	return false
}

// write waits for the module rate limiter and runs fn.
func (e *Engine) write(ctx context.Context, fn func() error) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn()
}
