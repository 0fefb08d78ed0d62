package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/logging"
)

type fakeClient struct {
	closed atomic.Int32
	err    error
}

func (c *fakeClient) Close() error {
	c.closed.Add(1)
	return c.err
}

func TestSessionCloseRunsListenersOnceInOrder(t *testing.T) {
	s := New(context.Background())

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, s.AddCloseListener(name, func(context.Context) error {
			order = append(order, name)
			if name == "second" {
				return errors.New("boom")
			}
			return nil
		}))
	}

	s.Close()
	s.Close()

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.AddCloseListener("late", func(context.Context) error { return nil }), ErrClosed)
}

func TestSessionCloseLogsListenerFailure(t *testing.T) {
	var output bytes.Buffer
	ctx := logging.Initialize(tflogtest.RootLogger(context.Background(), &output))

	s := New(ctx)
	require.NoError(t, s.AddCloseListener("failing", func(context.Context) error {
		return errors.New("backend gone")
	}))
	s.Close()

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)

	var found bool
	for _, e := range entries {
		if e["@message"] == "Close listener failed" {
			found = true
			assert.Equal(t, "failing", e["listener"])
			assert.Equal(t, "backend gone", e["error"])
		}
	}
	assert.True(t, found, "listener failure was not logged")
}

func TestSessionCloseRecoversListenerPanic(t *testing.T) {
	s := New(context.Background())
	var ran bool
	require.NoError(t, s.AddCloseListener("panics", func(context.Context) error { panic("oops") }))
	require.NoError(t, s.AddCloseListener("after", func(context.Context) error { ran = true; return nil }))

	assert.NotPanics(t, s.Close)
	assert.True(t, ran)
}

func TestLoadOrCreateClient(t *testing.T) {
	s := New(context.Background())
	key := ClientKey{Partition: "example", Connection: "people"}

	var created atomic.Int32
	client := &fakeClient{}
	create := func() (Client, error) {
		created.Add(1)
		return client, nil
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			c, err := s.LoadOrCreateClient(key, create)
			assert.NoError(t, err)
			assert.Same(t, client, c)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, s.ClientCount())

	s.Close()
	assert.Equal(t, int32(1), client.closed.Load())
	assert.Equal(t, 0, s.ClientCount())

	_, err := s.LoadOrCreateClient(key, create)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoadOrCreateClientError(t *testing.T) {
	s := New(context.Background())
	key := ClientKey{Partition: "example", Connection: "people"}

	_, err := s.LoadOrCreateClient(key, func() (Client, error) {
		return nil, errors.New("dial failed")
	})
	require.Error(t, err)

	_, ok := s.Client(key)
	assert.False(t, ok)
}

func TestPoolAcquireFailsClosed(t *testing.T) {
	pool, err := NewPool(context.Background(), &PoolConfig{MaxSessions: 2, MaxIdleTime: time.Minute})
	require.NoError(t, err)
	defer pool.Close()

	s1, err := pool.Acquire()
	require.NoError(t, err)
	_, err = pool.Acquire()
	require.NoError(t, err)

	_, err = pool.Acquire()
	require.Error(t, err)
	assert.True(t, directory.IsCapacity(err))

	pool.Release(s1)
	assert.True(t, s1.Closed())

	_, err = pool.Acquire()
	assert.NoError(t, err)
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	pool, err := NewPool(context.Background(), &PoolConfig{MaxSessions: 8, MaxIdleTime: time.Minute})
	require.NoError(t, err)
	defer pool.Close()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 64 {
		wg.Go(func() {
			s, err := pool.Acquire()
			if err != nil {
				assert.True(t, directory.IsCapacity(err))
				failures.Add(1)
				return
			}
			assert.LessOrEqual(t, pool.Len(), 8)
			pool.Release(s)
		})
	}
	wg.Wait()

	assert.Equal(t, 0, pool.Len())
	assert.Less(t, failures.Load(), int32(64))
}

func TestPoolSweep(t *testing.T) {
	pool, err := NewPool(context.Background(), &PoolConfig{MaxSessions: 10, MaxIdleTime: time.Minute})
	require.NoError(t, err)
	defer pool.Close()

	idle, err := pool.Acquire()
	require.NoError(t, err)
	active, err := pool.Acquire()
	require.NoError(t, err)

	now := time.Now()
	pool.now = func() time.Time { return now.Add(2 * time.Minute) }
	active.lastUsed.Store(now.Add(90 * time.Second).UnixNano())

	assert.Equal(t, 1, pool.Sweep())
	assert.True(t, idle.Closed())
	assert.False(t, active.Closed())
	assert.Equal(t, 1, pool.Len())
}

func TestPoolClose(t *testing.T) {
	pool, err := NewPool(context.Background(), &PoolConfig{MaxSessions: 10, MaxIdleTime: time.Minute, SweepInterval: time.Hour})
	require.NoError(t, err)
	pool.Start()

	s, err := pool.Acquire()
	require.NoError(t, err)

	pool.Close()
	assert.True(t, s.Closed())

	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{name: "defaults", config: *DefaultPoolConfig()},
		{name: "zero sessions", config: PoolConfig{MaxSessions: 0, MaxIdleTime: time.Minute}, wantErr: true},
		{name: "too many sessions", config: PoolConfig{MaxSessions: MaxSessionLimit + 1, MaxIdleTime: time.Minute}, wantErr: true},
		{name: "zero idle", config: PoolConfig{MaxSessions: 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
