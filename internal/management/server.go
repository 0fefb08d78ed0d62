// Package management exposes statistics, scheduler and synchronization
// operations over HTTP with JSON bodies.
package management

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/gorilla/mux"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/logging"
	"github.com/isometry/vdir/internal/partition"
	"github.com/isometry/vdir/internal/session"
	"github.com/isometry/vdir/internal/stats"
	"github.com/isometry/vdir/internal/synchronization"
)

// SessionLister reports live sessions. *session.Pool implements it.
type SessionLister interface {
	Sessions() []session.Info
}

// Server serves the management API.
type Server struct {
	partitions *partition.Partitions
	stats      *stats.Manager
	sessions   SessionLister
}

// NewServer creates a server. sessions may be nil.
func NewServer(partitions *partition.Partitions, st *stats.Manager, sessions SessionLister) *Server {
	return &Server{partitions: partitions, stats: st, sessions: sessions}
}

// Router returns the routes of the API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/statistics", s.getStatistics).Methods(http.MethodGet)
	r.HandleFunc("/statistics/reset", s.resetStatistics).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.getSessions).Methods(http.MethodGet)
	r.HandleFunc("/partitions", s.getPartitions).Methods(http.MethodGet)

	p := r.PathPrefix("/partitions/{partition}").Subrouter()
	p.HandleFunc("/jobs", s.getJobs).Methods(http.MethodGet)
	p.HandleFunc("/jobs/{job}", s.executeJob).Methods(http.MethodPost)
	p.HandleFunc("/triggers", s.getTriggers).Methods(http.MethodGet)
	p.HandleFunc("/triggers/{trigger}", s.fireTrigger).Methods(http.MethodPost)
	p.HandleFunc("/modules", s.getModules).Methods(http.MethodGet)
	p.HandleFunc("/modules/{module}/synchronize", s.synchronize).Methods(http.MethodPost)
	p.HandleFunc("/modules/{module}/counts", s.getCounts).Methods(http.MethodGet)
	p.HandleFunc("/modules/{module}/links", s.getLinks).Methods(http.MethodGet)
	p.HandleFunc("/modules/{module}/links", s.linkEntry).Methods(http.MethodPost)
	p.HandleFunc("/modules/{module}/links", s.unlinkEntry).Methods(http.MethodDelete)

	return r
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// PartitionResponse describes one partition.
type PartitionResponse struct {
	Name     string   `json:"name"`
	Suffixes []string `json:"suffixes"`
	Modules  []string `json:"modules"`
}

// ResultResponse is the outcome of a synchronization run.
type ResultResponse struct {
	Module     string   `json:"module"`
	DN         string   `json:"dn"`
	Added      int      `json:"added"`
	Modified   int      `json:"modified"`
	Deleted    int      `json:"deleted"`
	Orphaned   int      `json:"orphaned"`
	Failed     int      `json:"failed"`
	Unchanged  int      `json:"unchanged"`
	Failures   []string `json:"failures,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// CountsResponse holds the cardinality probes of a module.
type CountsResponse struct {
	Source int `json:"source"`
	Target int `json:"target"`
}

// LinkRequest names a link to create.
type LinkRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (s *Server) getStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) resetStatistics(w http.ResponseWriter, r *http.Request) {
	s.stats.Reset()
	tflog.SubsystemInfo(r.Context(), logging.SubsystemManagement, "Statistics reset")
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) getSessions(w http.ResponseWriter, _ *http.Request) {
	infos := []session.Info{}
	if s.sessions != nil {
		infos = append(infos, s.sessions.Sessions()...)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) getPartitions(w http.ResponseWriter, _ *http.Request) {
	out := []PartitionResponse{}
	for _, name := range s.partitions.Names() {
		p, ok := s.partitions.Get(name)
		if !ok {
			continue
		}
		out = append(out, PartitionResponse{Name: name, Suffixes: p.Suffixes(), Modules: p.ModuleNames()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJobs(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Scheduler().JobNames())
}

func (s *Server) getTriggers(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Scheduler().TriggerNames())
}

func (s *Server) getModules(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.ModuleNames())
}

func (s *Server) executeJob(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	job := mux.Vars(r)["job"]
	if err := p.Scheduler().ExecuteJob(r.Context(), job); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": job, "status": "completed"})
}

func (s *Server) fireTrigger(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	trigger := mux.Vars(r)["trigger"]
	if err := p.Scheduler().Fire(r.Context(), trigger); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trigger": trigger, "status": "completed"})
}

// synchronize runs the module over the DN in the dn query parameter, or
// over the whole module without one. With incremental=true only the
// source entries changed since the last incremental run are reconciled.
func (s *Server) synchronize(w http.ResponseWriter, r *http.Request) {
	m, ok := s.module(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	var result synchronization.Result
	if incremental, _ := strconv.ParseBool(query.Get("incremental")); incremental {
		result = m.SynchronizeChanges(r.Context())
	} else {
		result = m.Synchronize(r.Context(), query.Get("dn"))
	}
	resp := resultResponse(result)
	if result.Err != nil {
		writeJSON(w, statusOf(result.Err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getCounts(w http.ResponseWriter, r *http.Request) {
	m, ok := s.module(w, r)
	if !ok {
		return
	}
	dn := r.URL.Query().Get("dn")
	var counts CountsResponse
	var err error
	if counts.Source, err = m.SourceCount(r.Context(), dn); err != nil {
		writeError(w, r, err)
		return
	}
	// A source DN has no meaning below the target; count the whole target.
	if counts.Target, err = m.TargetCount(r.Context(), ""); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) getLinks(w http.ResponseWriter, r *http.Request) {
	m, ok := s.module(w, r)
	if !ok {
		return
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		writeError(w, r, directory.NewError("search_links", directory.KindValidation, ldap.LDAPResultUnwillingToPerform, "", "source parameter is required"))
		return
	}
	links, err := m.SearchLinks(r.Context(), source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if links == nil {
		links = []synchronization.LinkingData{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) linkEntry(w http.ResponseWriter, r *http.Request) {
	m, ok := s.module(w, r)
	if !ok {
		return
	}
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" || req.Target == "" {
		writeError(w, r, directory.NewError("link_entry", directory.KindValidation, ldap.LDAPResultUnwillingToPerform, "", "source and target are required"))
		return
	}
	if err := m.LinkEntry(r.Context(), req.Source, req.Target); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) unlinkEntry(w http.ResponseWriter, r *http.Request) {
	m, ok := s.module(w, r)
	if !ok {
		return
	}
	target := r.URL.Query().Get("target")
	if target == "" {
		writeError(w, r, directory.NewError("unlink_entry", directory.KindValidation, ldap.LDAPResultUnwillingToPerform, "", "target parameter is required"))
		return
	}
	if err := m.UnlinkEntry(r.Context(), target); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) partition(w http.ResponseWriter, r *http.Request) (*partition.Partition, bool) {
	name := mux.Vars(r)["partition"]
	p, ok := s.partitions.Get(name)
	if !ok {
		writeError(w, r, directory.NewError("management", directory.KindNotFound, ldap.LDAPResultNoSuchObject, "", "unknown partition "+name))
		return nil, false
	}
	return p, true
}

func (s *Server) module(w http.ResponseWriter, r *http.Request) (*synchronization.Engine, bool) {
	p, ok := s.partition(w, r)
	if !ok {
		return nil, false
	}
	name := mux.Vars(r)["module"]
	m, ok := p.Module(name)
	if !ok {
		writeError(w, r, directory.NewError("management", directory.KindNotFound, ldap.LDAPResultNoSuchObject, "", "unknown module "+name))
		return nil, false
	}
	return m, true
}

func resultResponse(r synchronization.Result) ResultResponse {
	resp := ResultResponse{
		Module:     r.Module,
		DN:         r.DN,
		Added:      r.Added,
		Modified:   r.Modified,
		Deleted:    r.Deleted,
		Orphaned:   r.Orphaned,
		Failed:     r.Failed,
		Unchanged:  r.Unchanged,
		DurationMS: r.Duration().Milliseconds(),
	}
	for _, f := range r.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

func statusOf(err error) int {
	switch directory.KindOf(err) {
	case directory.KindNotFound:
		return http.StatusNotFound
	case directory.KindValidation:
		return http.StatusBadRequest
	case directory.KindConflict:
		return http.StatusConflict
	case directory.KindCapacity:
		return http.StatusServiceUnavailable
	case directory.KindPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	fields := map[string]any{
		"path":  r.URL.Path,
		"code":  code,
		"error": err.Error(),
	}
	var dirErr *directory.Error
	if errors.As(err, &dirErr) {
		fields["ldap_result_code"] = dirErr.Code
	}
	tflog.SubsystemWarn(r.Context(), logging.SubsystemManagement, "API error response", fields)

	writeJSON(w, code, ErrorResponse{Error: err.Error(), Code: code, Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
