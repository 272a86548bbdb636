package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStateStore exercises the StateStore contract shared by every backend.
func testStateStore(t *testing.T, store StateStore) {
	ctx := context.Background()
	workflowID := uuid.NewString()

	newRun := func(t *testing.T) string {
		t.Helper()
		id := uuid.NewString()
		require.NoError(t, store.CreateRun(ctx, &RunRecord{
			ID: id, WorkflowID: workflowID, OwnerID: "u1", Name: "scan", Status: RunPending,
		}))
		return id
	}

	t.Run("get missing run", func(t *testing.T) {
		_, err := store.GetRun(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("status lifecycle", func(t *testing.T) {
		id := newRun(t)

		rec, err := store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, RunPending, rec.Status)
		assert.Nil(t, rec.StartedAt)
		assert.Nil(t, rec.Progress)

		require.NoError(t, store.UpdateRunStatus(ctx, id, RunRunning, ""))
		require.NoError(t, store.UpdateRunProgress(ctx, id, Progress{TotalNodes: 3, CompletedNodes: 1}))
		rec, err = store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, RunRunning, rec.Status)
		assert.NotNil(t, rec.StartedAt)
		assert.Nil(t, rec.CompletedAt)
		assert.Equal(t, &Progress{TotalNodes: 3, CompletedNodes: 1}, rec.Progress)

		require.NoError(t, store.UpdateRunStatus(ctx, id, RunFailed, "node B: boom"))
		rec, err = store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, RunFailed, rec.Status)
		assert.Equal(t, "node B: boom", rec.ErrorMessage)
		assert.NotNil(t, rec.CompletedAt)
	})

	t.Run("update missing run", func(t *testing.T) {
		err := store.UpdateRunStatus(ctx, uuid.NewString(), RunRunning, "")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("node executions", func(t *testing.T) {
		id := newRun(t)
		first := &NodeExecutionRecord{
			ID: uuid.NewString(), RunID: id, NodeID: "scan", NodeType: "xmap_scan",
			Config: map[string]any{"rate": 1000.0}, Status: NodeRunning,
			Input: Input{"targets": "2001:db8::/64"}, StartedAt: time.Now(),
		}
		require.NoError(t, store.CreateNodeExecution(ctx, first))
		require.NoError(t, store.AttachNodeJob(ctx, first.ID, JobHandle{ID: "t-1", Kind: "xmap"}))

		handles, err := store.RunningJobs(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []JobHandle{{ID: "t-1", Kind: "xmap"}}, handles)

		done := time.Now()
		first.Status = NodeCompleted
		first.CompletedAt = &done
		first.Output = &NodeOutput{Kind: KindJob, Payload: map[string]any{"filePath": "/r/1.json"}, Job: &JobHandle{ID: "t-1", Kind: "xmap"}}
		require.NoError(t, store.FinishNodeExecution(ctx, first))

		second := &NodeExecutionRecord{
			ID: uuid.NewString(), RunID: id, NodeID: "extract", NodeType: "xmap_json_extract",
			Status: NodeRunning, StartedAt: time.Now(),
		}
		require.NoError(t, store.CreateNodeExecution(ctx, second))

		handles, err = store.RunningJobs(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, handles)

		recs, err := store.ListNodeExecutions(ctx, id)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "scan", recs[0].NodeID)
		assert.Equal(t, NodeCompleted, recs[0].Status)
		assert.Equal(t, 1000.0, recs[0].Config["rate"])
		assert.Equal(t, "2001:db8::/64", recs[0].Input["targets"])
		require.NotNil(t, recs[0].Output)
		assert.Equal(t, KindJob, recs[0].Output.Kind)
		assert.Equal(t, "/r/1.json", recs[0].Output.Payload["filePath"])
		require.NotNil(t, recs[0].Job)
		assert.Equal(t, "t-1", recs[0].Job.ID)
		assert.NotNil(t, recs[0].CompletedAt)

		assert.Equal(t, "extract", recs[1].NodeID)
		assert.Equal(t, NodeRunning, recs[1].Status)
		assert.Nil(t, recs[1].Output)
		assert.Nil(t, recs[1].Job)
	})

	t.Run("list runs", func(t *testing.T) {
		a := newRun(t)
		time.Sleep(5 * time.Millisecond)
		b := newRun(t)
		time.Sleep(5 * time.Millisecond)
		c := newRun(t)
		require.NoError(t, store.UpdateRunStatus(ctx, c, RunRunning, ""))

		all, err := store.ListRuns(ctx, RunFilter{WorkflowID: workflowID})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(all), 3)
		assert.Equal(t, c, all[0].ID, "newest first")
		assert.Equal(t, b, all[1].ID)
		assert.Equal(t, a, all[2].ID)

		running, err := store.ListRuns(ctx, RunFilter{WorkflowID: workflowID, Status: RunRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, c, running[0].ID)

		page, err := store.ListRuns(ctx, RunFilter{WorkflowID: workflowID, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, b, page[0].ID)

		none, err := store.ListRuns(ctx, RunFilter{WorkflowID: workflowID, OwnerID: "someone-else"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMemoryStore(t *testing.T) {
	testStateStore(t, NewMemoryStore())
}

func TestMemoryStore_Workflows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wf := &Workflow{Name: "scan", Definition: *chain("x")}
	require.NoError(t, store.Create(ctx, wf))
	assert.NotEmpty(t, wf.ID)

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "scan", got.Name)

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
