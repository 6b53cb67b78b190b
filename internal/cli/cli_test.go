package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/offline0"
)

func writeConfig(t *testing.T) (string, offline0.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "offline0.yaml")
	doc := fmt.Sprintf(`
server:
  origin: http://localhost:3000
cache:
  version: v2
  dir: %s
queue:
  path: %s
`, filepath.Join(dir, "cache"), filepath.Join(dir, "queue.db"))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	cfg, err := offline0.LoadConfig(path)
	require.NoError(t, err)
	return path, cfg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionsCommand(t *testing.T) {
	path, cfg := writeConfig(t)
	ctx := context.Background()

	caches, closeCaches, err := offline0.OpenCaches(cfg)
	require.NoError(t, err)
	for _, v := range []string{"v1", "v2"} {
		_, err := caches.Open(ctx, v)
		require.NoError(t, err)
	}
	require.NoError(t, closeCaches())

	out, err := execute(t, "--config", path, "versions")
	require.NoError(t, err)
	assert.Equal(t, "  v1\n* v2\n", out)
}

func TestQueueListCommand(t *testing.T) {
	path, cfg := writeConfig(t)
	ctx := context.Background()

	store, err := offline0.OpenQueueStore(ctx, cfg)
	require.NoError(t, err)
	q := offline0.NewSyncQueue(store, nil, nil, nil, offline0.SyncQueueOptions{})
	it, err := q.Enqueue(ctx, "background-sync", offline0.QueueItem{URL: "/api/forms"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", path, "queue", "list", "background-sync", "--json")
	require.NoError(t, err)
	var items []offline0.QueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, it.ID, items[0].ID)

	out, err = execute(t, "--config", path, "queue", "list", "background-sync")
	require.NoError(t, err)
	assert.Contains(t, out, it.ID)
	assert.Contains(t, out, "/api/forms")
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "versions")
	assert.Error(t, err)
}
