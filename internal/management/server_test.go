package management

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/vdir/internal/connection"
	"github.com/isometry/vdir/internal/connection/connectiontest"
	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/partition"
	"github.com/isometry/vdir/internal/scheduler"
	"github.com/isometry/vdir/internal/session"
	"github.com/isometry/vdir/internal/stats"
	"github.com/isometry/vdir/internal/synchronization"
)

type fakeSessions []session.Info

func (f fakeSessions) Sessions() []session.Info {
	return f
}

type fixture struct {
	router http.Handler
	stats  *stats.Manager
	copies *connectiontest.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	people := connectiontest.New("uid",
		directory.Attributes{"uid": {"alice"}, "cn": {"Alice Smith"}, "sn": {"Smith"}},
		directory.Attributes{"uid": {"bob"}, "cn": {"Bob Jones"}, "sn": {"Jones"}},
	)
	copies := connectiontest.New("uid")
	registry := connection.NewRegistry()
	connectiontest.Register(registry, "mem-people", people)
	connectiontest.Register(registry, "mem-copies", copies)

	st := stats.NewManager()
	p, err := partition.New(context.Background(), partition.Config{
		Name: "example",
		Connections: []connection.Config{
			{Name: "people", Kind: "mem-people"},
			{Name: "copies", Kind: "mem-copies"},
		},
		Entries: []partition.EntryConfig{
			{DN: "dc=example", ObjectClasses: []string{"domain"}},
			{DN: "ou=people,dc=example", ObjectClasses: []string{"organizationalUnit"}},
			{DN: "uid=...,ou=people,dc=example", ObjectClasses: []string{"top", "inetOrgPerson"}, Sources: []partition.SourceConfig{{Alias: "p", Connection: "people"}}},
			{DN: "ou=copies,dc=example", ObjectClasses: []string{"organizationalUnit"}},
			{DN: "uid=...,ou=copies,dc=example", ObjectClasses: []string{"top", "inetOrgPerson", "vdirLinked"}, Sources: []partition.SourceConfig{{Alias: "c", Connection: "copies"}}},
		},
		Modules: []synchronization.Config{{
			Name:          "people",
			Source:        "ou=people,dc=example",
			Target:        "ou=copies,dc=example",
			Filter:        "(objectClass=inetOrgPerson)",
			Scope:         "one",
			ObjectClasses: []string{"top", "inetOrgPerson"},
			OrphanPolicy:  synchronization.OrphanMark,
		}},
		Jobs:     []partition.JobConfig{{Name: "sync-people", Module: "people", Action: partition.ActionSynchronize}},
		Triggers: []scheduler.Trigger{{Name: "hourly", Job: "sync-people", Interval: time.Hour}},
	}, registry, st, nil)
	require.NoError(t, err)

	ps := partition.NewPartitions()
	require.NoError(t, ps.Add(p))

	sessions := fakeSessions{{ID: "s1", BindDN: "uid=alice,ou=people,dc=example", Clients: 1}}
	return &fixture{
		router: NewServer(ps, st, sessions).Router(),
		stats:  st,
		copies: copies,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	f.stats.Increment(stats.OpSearch)
	f.stats.Increment(stats.OpSearch)

	var snapshot map[string]int64
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/statistics", "", &snapshot))
	assert.Equal(t, int64(2), snapshot["search"])
	assert.Contains(t, snapshot, "modrdn")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/statistics/reset", "", &snapshot))
	assert.Equal(t, int64(0), snapshot["search"])

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/statistics", "", nil))
}

func TestSessionsAndPartitions(t *testing.T) {
	f := newFixture(t)

	var sessions []session.Info
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/sessions", "", &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)

	var partitions []PartitionResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/partitions", "", &partitions))
	assert.Equal(t, []PartitionResponse{{Name: "example", Suffixes: []string{"dc=example"}, Modules: []string{"people"}}}, partitions)
}

func TestSchedulerRoutes(t *testing.T) {
	f := newFixture(t)

	var names []string
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/partitions/example/jobs", "", &names))
	assert.Equal(t, []string{"sync-people"}, names)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/partitions/example/triggers", "", &names))
	assert.Equal(t, []string{"hourly"}, names)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/partitions/example/jobs/sync-people", "", nil))
	assert.Equal(t, []string{"add:alice", "add:bob"}, f.copies.Ops())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/partitions/example/triggers/hourly", "", nil))

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/partitions/example/jobs/missing", "", &errResp))
	assert.Contains(t, errResp.Error, "missing")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/partitions/other/jobs", "", nil))
}

func TestModuleRoutes(t *testing.T) {
	f := newFixture(t)

	var counts CountsResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/partitions/example/modules/people/counts", "", &counts))
	assert.Equal(t, CountsResponse{Source: 2, Target: 0}, counts)

	var result ResultResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/partitions/example/modules/people/synchronize", "", &result))
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, "people", result.Module)
	assert.Empty(t, result.Error)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/partitions/example/modules/people/counts", "", &counts))
	assert.Equal(t, CountsResponse{Source: 2, Target: 2}, counts)

	var links []synchronization.LinkingData
	source := url.QueryEscape("uid=alice,ou=people,dc=example")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/partitions/example/modules/people/links?source="+source, "", &links))
	require.Len(t, links, 1)
	assert.Equal(t, "uid=alice,ou=copies,dc=example", links[0].TargetDN)

	target := url.QueryEscape("uid=alice,ou=copies,dc=example")
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/partitions/example/modules/people/links?target="+target, "", nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/partitions/example/modules/people/links?source="+source, "", &links))
	assert.Empty(t, links)

	body := `{"source":"uid=alice,ou=people,dc=example","target":"uid=alice,ou=copies,dc=example"}`
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/partitions/example/modules/people/links", body, nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/partitions/example/modules/people/links?source="+source, "", &links))
	assert.Len(t, links, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/partitions/example/modules/people/links", `{}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/partitions/example/modules/people/links", "", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/partitions/example/modules/ghost/counts", "", nil))

	var incremental ResultResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/partitions/example/modules/people/synchronize?incremental=true", "", &incremental))
	assert.Empty(t, incremental.Error)
	assert.Zero(t, incremental.Failed)
	assert.Equal(t, "ou=people,dc=example", incremental.DN)

	outside := url.QueryEscape("uid=x,dc=elsewhere")
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/partitions/example/modules/people/synchronize?dn="+outside, "", &result))
	assert.NotEmpty(t, result.Error)
}
