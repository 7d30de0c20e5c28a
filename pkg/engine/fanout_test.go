package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/engine/internal/testsupport"
	"github.com/alphred/engine/pkg/models"
)

// seedSpawnerTopology creates a spawner -> join pair connected by a single
// success/tree edge, plus the spawner node itself, in store.
func seedSpawnerTopology(t *testing.T, store *testsupport.MemoryStore, workflowRunID string) (*models.RunNode, *models.RunNode) {
	t.Helper()
	ctx := context.Background()

	spawner := &models.RunNode{
		ID:            uuid.NewString(),
		WorkflowRunID: workflowRunID,
		NodeKey:       "spawner",
		NodeRole:      models.NodeRoleSpawner,
		NodeType:      models.NodeTypeAgent,
		Status:        models.RunNodeStatusCompleted,
		SequenceIndex: 0,
		SequencePath:  "1",
		Attempt:       1,
	}
	join := &models.RunNode{
		ID:            uuid.NewString(),
		WorkflowRunID: workflowRunID,
		NodeKey:       "join",
		NodeRole:      models.NodeRoleJoin,
		NodeType:      models.NodeTypeAgent,
		Status:        models.RunNodeStatusPending,
		SequenceIndex: 1,
		SequencePath:  "2",
		Attempt:       1,
	}
	require.NoError(t, store.CreateRunNode(ctx, spawner))
	require.NoError(t, store.CreateRunNode(ctx, join))
	require.NoError(t, store.CreateRunNodeEdge(ctx, &models.RunNodeEdge{
		WorkflowRunID:   workflowRunID,
		SourceRunNodeID: spawner.ID,
		TargetRunNodeID: join.ID,
		RouteOn:         models.RouteOnSuccess,
		Auto:            true,
		EdgeKind:        models.EdgeKindTree,
	}))
	return spawner, join
}

func TestFanoutEngine_SpawnCreatesChildrenAndBarrier(t *testing.T) {
	store := testsupport.NewMemoryStore()
	ctx := context.Background()
	runID := uuid.NewString()
	spawner, join := seedSpawnerTopology(t, store, runID)

	report := &models.PhaseArtifact{
		ID:            uuid.NewString(),
		WorkflowRunID: runID,
		RunNodeID:     spawner.ID,
		ArtifactType:  models.ArtifactTypeReport,
		Content: `{"schemaVersion":1,"subtasks":[
			{"title":"a","prompt":"do a"},
			{"title":"b","prompt":"do b","nodeKey":"custom-b"}
		]}`,
	}

	fanout := NewFanoutEngine(store)
	n, err := fanout.Spawn(ctx, spawner, report)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	barrier, err := store.GetActiveJoinBarrier(ctx, spawner.ID, join.ID)
	require.NoError(t, err)
	require.NotNil(t, barrier)
	assert.Equal(t, 2, barrier.ExpectedChildren)
	assert.Equal(t, models.JoinBarrierPending, barrier.Status)

	nodes, err := store.ListLatestRunNodes(ctx, runID)
	require.NoError(t, err)
	var childKeys []string
	for _, node := range nodes {
		if node.SpawnerNodeID == spawner.ID {
			childKeys = append(childKeys, node.NodeKey)
		}
	}
	assert.ElementsMatch(t, []string{"spawner__1", "custom-b"}, childKeys)
}

func TestFanoutEngine_SpawnRejectsInvalidSchemaVersion(t *testing.T) {
	store := testsupport.NewMemoryStore()
	ctx := context.Background()
	runID := uuid.NewString()
	spawner, _ := seedSpawnerTopology(t, store, runID)

	report := &models.PhaseArtifact{ID: uuid.NewString(), Content: `{"schemaVersion":2,"subtasks":[]}`}
	_, err := fanoutErr(t, store, ctx, spawner, report)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSpawnerOutputInvalid)
}

func TestFanoutEngine_SpawnRejectsMaxChildrenExceeded(t *testing.T) {
	store := testsupport.NewMemoryStore()
	ctx := context.Background()
	runID := uuid.NewString()
	spawner, _ := seedSpawnerTopology(t, store, runID)
	spawner.MaxChildren = 1

	report := &models.PhaseArtifact{ID: uuid.NewString(), Content: `{"schemaVersion":1,"subtasks":[{"prompt":"a"},{"prompt":"b"}]}`}
	_, err := fanoutErr(t, store, ctx, spawner, report)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSpawnerOutputInvalid)
}

func fanoutErr(t *testing.T, store *testsupport.MemoryStore, ctx context.Context, spawner *models.RunNode, report *models.PhaseArtifact) (int, error) {
	t.Helper()
	return NewFanoutEngine(store).Spawn(ctx, spawner, report)
}

func TestFanoutEngine_RecordChildOutcomeFlipsBarrierReadyWhenComplete(t *testing.T) {
	store := testsupport.NewMemoryStore()
	ctx := context.Background()
	runID := uuid.NewString()
	spawner, join := seedSpawnerTopology(t, store, runID)

	report := &models.PhaseArtifact{ID: uuid.NewString(), WorkflowRunID: runID, RunNodeID: spawner.ID, Content: `{"schemaVersion":1,"subtasks":[{"prompt":"a"},{"prompt":"b"}]}`}
	fanout := NewFanoutEngine(store)
	_, err := fanout.Spawn(ctx, spawner, report)
	require.NoError(t, err)

	nodes, err := store.ListLatestRunNodes(ctx, runID)
	require.NoError(t, err)
	var children []*models.RunNode
	for _, n := range nodes {
		if n.SpawnerNodeID == spawner.ID {
			children = append(children, n)
		}
	}
	require.Len(t, children, 2)

	now := time.Now()
	require.NoError(t, fanout.RecordChildOutcome(ctx, children[0], true, now))
	barrier, err := store.GetActiveJoinBarrier(ctx, spawner.ID, join.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JoinBarrierPending, barrier.Status, "still waiting on the second child")

	require.NoError(t, fanout.RecordChildOutcome(ctx, children[1], false, now))
	barrier, err = store.GetActiveJoinBarrier(ctx, spawner.ID, join.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JoinBarrierReady, barrier.Status)
	assert.Equal(t, 1, barrier.CompletedChildren)
	assert.Equal(t, 1, barrier.FailedChildren)
}

func TestFanoutEngine_ReleaseBarriersForJoinMovesReadyToReleased(t *testing.T) {
	store := testsupport.NewMemoryStore()
	ctx := context.Background()
	runID := uuid.NewString()
	spawner, join := seedSpawnerTopology(t, store, runID)

	barrier := &models.RunJoinBarrier{
		WorkflowRunID:    runID,
		SpawnerRunNodeID: spawner.ID,
		JoinRunNodeID:    join.ID,
		ExpectedChildren: 1,
		TerminalChildren: 1,
		CompletedChildren: 1,
		Status:           models.JoinBarrierReady,
	}
	require.NoError(t, store.CreateJoinBarrier(ctx, barrier))

	fanout := NewFanoutEngine(store)
	require.NoError(t, fanout.ReleaseBarriersForJoin(ctx, join, time.Now()))

	got, err := store.GetLatestJoinBarrierForJoinNode(ctx, join.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JoinBarrierReleased, got.Status)
	assert.NotNil(t, got.ReleasedAt)
}
