package connection

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/session"
)

// stubClient is a Client that only counts closes.
type stubClient struct {
	closed atomic.Int32
}

func (c *stubClient) Find(context.Context, string) (*directory.Record, error) {
	return nil, directory.NoSuchObject("find", "")
}

func (c *stubClient) Search(context.Context, *Query) iter.Seq2[*directory.Record, error] {
	return func(func(*directory.Record, error) bool) {}
}
func (c *stubClient) Add(context.Context, *directory.Record) error { return nil }
func (c *stubClient) Modify(context.Context, string, []directory.Modification) error {
	return nil
}
func (c *stubClient) Delete(context.Context, string) error { return nil }
func (c *stubClient) Bind(context.Context, string, string) error { return nil }
func (c *stubClient) Schema() *directory.Schema { return directory.NewSchema() }
func (c *stubClient) Close() error {
	c.closed.Add(1)
	return nil
}
func (c *stubClient) Compare(context.Context, string, string, string) (bool, error) {
	return false, nil
}

func TestRegistryKinds(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{KindCSV, KindLDAP, KindPasswd, KindSQL}, r.Kinds())

	_, err := New("p", Config{Name: "x", Kind: "nosuch"}, r)
	assert.ErrorContains(t, err, "unknown kind")

	_, err = New("p", Config{Kind: KindCSV}, r)
	assert.Error(t, err)
}

func TestGetClientCachesPerSession(t *testing.T) {
	var created []*stubClient
	var mu sync.Mutex

	r := NewRegistry()
	r.Register("stub", func(context.Context, Config) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		c := &stubClient{}
		created = append(created, c)
		return c, nil
	})

	conn, err := New("example", Config{Name: "people", Kind: "stub"}, r)
	require.NoError(t, err)

	ctx := context.Background()
	s1 := session.New(ctx)
	s2 := session.New(ctx)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_, err := conn.GetClient(ctx, s1)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	c2, err := conn.GetClient(ctx, s2)
	require.NoError(t, err)

	require.Len(t, created, 2)
	assert.Same(t, created[1], c2)
	assert.Equal(t, 1, s1.ClientCount())

	s1.Close()
	assert.Equal(t, int32(1), created[0].closed.Load())
	assert.Equal(t, int32(0), created[1].closed.Load())
	assert.Equal(t, 0, s1.ClientCount())

	_, err = conn.GetClient(ctx, s1)
	assert.ErrorIs(t, err, session.ErrClosed)

	s2.Close()
	s2.Close()
	assert.Equal(t, int32(1), created[1].closed.Load())
}

func TestGetClientFactoryError(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(context.Context, Config) (Client, error) {
		return nil, errors.New("unreachable")
	})
	conn, err := New("example", Config{Name: "b", Kind: "broken"}, r)
	require.NoError(t, err)

	s := session.New(context.Background())
	_, err = conn.GetClient(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, directory.KindBackend, directory.KindOf(err))
	assert.Equal(t, 0, s.ClientCount())
}

func TestConfigParams(t *testing.T) {
	cfg := Config{Name: "c", Parameters: map[string]string{"size": "10", "bad": "x", "empty": ""}}

	assert.Equal(t, "def", cfg.Param("empty", "def"))
	n, err := cfg.IntParam("size", 1)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = cfg.IntParam("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, err = cfg.IntParam("bad", 0)
	assert.Error(t, err)

	var q *Query
	assert.Equal(t, "d", q.Param("x", "d"))
}
