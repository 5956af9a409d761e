package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/meshindex/core"
	"github.com/itsneelabh/meshindex/index"
)

func TestFileSnapshotStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileSnapshotStore(path)
	ctx := context.Background()

	snap := &index.Snapshot{
		TakenAt: time.Now().UTC().Truncate(time.Second),
		Region:  "us-east",
		Records: []*core.AgentRecord{
			{
				ID:                  "a1",
				Name:                "chat-agent",
				PrimaryCapabilities: []string{"chat"},
				Domains:             []string{"ai"},
			},
		},
		Scores: map[string]float64{"a1": 0.75},
	}
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "us-east", loaded.Region)
	require.Len(t, loaded.Records, 1)
	assert.Equal(t, "chat-agent", loaded.Records[0].Name)
	assert.InDelta(t, 0.75, loaded.Scores["a1"], 1e-9)
}

func TestFileSnapshotStoreMissing(t *testing.T) {
	store := NewFileSnapshotStore(filepath.Join(t.TempDir(), "absent.json"))
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, core.ErrSnapshotNotFound)
}

func TestFileSnapshotStoreOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileSnapshotStore(path)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &index.Snapshot{Region: "us-east"}))
	require.NoError(t, store.Save(ctx, &index.Snapshot{Region: "eu-west"}))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eu-west", loaded.Region)
}

func TestRedisSnapshotStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisSnapshotStore("not-a-url", "test")
	assert.Error(t, err)
}

// Warm restart: a new engine pointed at the same store comes back with the
// previous registrations indexed and discoverable.
func TestEngineWarmRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	ctx := context.Background()

	first, err := NewEngine(testEngineConfig(), WithSnapshotStore(NewFileSnapshotStore(path)))
	require.NoError(t, err)
	id, err := first.Register(ctx, descriptor("chat-agent", []string{"chat"}, []string{"ai"}), "")
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	second, err := NewEngine(testEngineConfig(), WithSnapshotStore(NewFileSnapshotStore(path)))
	require.NoError(t, err)
	defer second.Shutdown(ctx)

	record, ok := second.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "chat-agent", record.Name)

	result, err := second.Discover(ctx, &core.DiscoveryQuery{Capabilities: []string{"chat"}})
	require.NoError(t, err)
	require.Len(t, result.Agents, 1)
	assert.Equal(t, id, result.Agents[0].ID)
}
