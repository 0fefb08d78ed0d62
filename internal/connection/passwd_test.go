package connection

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/vdir/internal/directory"
)

const passwdFile = `# system accounts
root:x:0:0:root:/root:/bin/bash
alice:x:1000:1000:Alice Liddell,,,:/home/alice:/bin/zsh

daemon:x:1:1::/usr/sbin:/usr/sbin/nologin
`

func TestPasswdClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(path, []byte(passwdFile), 0o600))

	c, err := NewPasswdClient(context.Background(), Config{Name: "sys", Parameters: map[string]string{"file": path}})
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := c.Find(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1000", rec.Attributes.First("uidNumber"))
	assert.Equal(t, "Alice Liddell", rec.Attributes.First("cn"))
	assert.Equal(t, "/bin/zsh", rec.Attributes.First("loginShell"))

	daemon, err := c.Find(ctx, "daemon")
	require.NoError(t, err)
	assert.Equal(t, "daemon", daemon.Attributes.First("cn"))
	assert.False(t, daemon.Attributes.Has("gecos"))

	all, err := Collect(c.Search(ctx, &Query{}))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	for _, err := range []error{
		c.Add(ctx, directory.NewRecord("bob", nil)),
		c.Modify(ctx, "alice", nil),
		c.Delete(ctx, "alice"),
		c.Bind(ctx, "alice", "x"),
	} {
		assert.Equal(t, uint16(53), directory.ResultCode(err))
	}

	ok, err := c.Compare(ctx, "root", "homeDirectory", "/root")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPasswdClientMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(path, []byte("root:x:0\n"), 0o600))

	_, err := NewPasswdClient(context.Background(), Config{Name: "sys", Parameters: map[string]string{"file": path}})
	assert.ErrorContains(t, err, "expected 7 fields")
}
