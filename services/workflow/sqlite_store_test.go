package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanflow/api/pkg/db"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "scanflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store := NewSQLiteStore(conn)
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

func TestSQLiteStore(t *testing.T) {
	testStateStore(t, newTestSQLiteStore(t))
}

func TestSQLiteStore_InitSchemaIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	require.NoError(t, store.InitSchema(context.Background()))
}

func TestSQLiteStore_Workflows(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	wf := &Workflow{OwnerID: "u1", Name: "discovery", Definition: sampleDefinition}
	require.NoError(t, store.Create(ctx, wf))

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "discovery", got.Name)
	assert.Len(t, got.Definition.Nodes, 6)
	assert.Len(t, got.Definition.Connections, 5)

	missing, err := store.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_RunsThroughEngine(t *testing.T) {
	store := newTestSQLiteStore(t)
	engine := NewEngine(Registry{"double": doubler}, newMockJobs(), store, EngineConfig{})
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	runID, err := engine.Start(context.Background(), chain("double", "double"), map[string]any{"value": 4}, "u1", StartOptions{})
	require.NoError(t, err)
	details := awaitRun(t, engine, runID)

	assert.Equal(t, RunCompleted, details.Status)
	require.Len(t, details.NodeExecutions, 2)
	assert.Equal(t, 16.0, details.NodeExecutions[1].Output.Payload["value"])
}
