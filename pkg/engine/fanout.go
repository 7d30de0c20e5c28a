package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alphred/engine/internal/domain/repository"
	"github.com/alphred/engine/pkg/models"
)

// spawnerSubtask is one element of a spawner node's report artifact (§4.7).
type spawnerSubtask struct {
	Title    string         `json:"title"`
	Prompt   string         `json:"prompt"`
	NodeKey  string         `json:"nodeKey"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Metadata map[string]any `json:"metadata"`
}

// spawnerOutput is the full report artifact shape a spawner node must emit.
type spawnerOutput struct {
	SchemaVersion int              `json:"schemaVersion"`
	Subtasks      []spawnerSubtask `json:"subtasks"`
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeNodeKey(key string) string {
	lower := strings.ToLower(strings.TrimSpace(key))
	normalized := nonAlphanumeric.ReplaceAllString(lower, "-")
	return strings.Trim(normalized, "-")
}

// FanoutEngine implements §4.7: parsing a spawner's report artifact into
// child run-nodes and dynamic edges, and maintaining the join barrier that
// tracks their termination. Grounded in the teacher's DAGExecutor fan-out
// handling, but the teacher has no dynamic spawn -- this is new surface
// built in its transactional, store-driven idiom.
type FanoutEngine struct {
	Store repository.Store
}

// NewFanoutEngine wires a FanoutEngine from its store.
func NewFanoutEngine(store repository.Store) *FanoutEngine {
	return &FanoutEngine{Store: store}
}

// Spawn parses reportArtifact as a spawner output, validates it against
// spawnerNode and the run's edge topology, and creates the child run-nodes,
// dynamic edges, and join barrier in one transaction.
func (f *FanoutEngine) Spawn(ctx context.Context, spawnerNode *models.RunNode, reportArtifact *models.PhaseArtifact) (int, error) {
	n, err := f.spawn(ctx, spawnerNode, reportArtifact)
	if err != nil {
		return 0, &models.SpawnerError{SpawnerRunNodeID: spawnerNode.ID, Err: err}
	}
	return n, nil
}

func (f *FanoutEngine) spawn(ctx context.Context, spawnerNode *models.RunNode, reportArtifact *models.PhaseArtifact) (int, error) {
	if reportArtifact == nil {
		return 0, fmt.Errorf("%w: spawner node has no report artifact", models.ErrSpawnerOutputInvalid)
	}
	if spawnerNode.LineageDepth > 0 {
		return 0, fmt.Errorf("%w: spawner %s has lineageDepth %d", models.ErrSpawnerDepthExceeded, spawnerNode.NodeKey, spawnerNode.LineageDepth)
	}

	var out spawnerOutput
	if err := json.Unmarshal([]byte(reportArtifact.Content), &out); err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrSpawnerOutputInvalid, err)
	}
	if out.SchemaVersion != 1 {
		return 0, fmt.Errorf("%w: unsupported schemaVersion %d", models.ErrSpawnerOutputInvalid, out.SchemaVersion)
	}
	if spawnerNode.MaxChildren > 0 && len(out.Subtasks) > spawnerNode.MaxChildren {
		return 0, fmt.Errorf("%w: %d subtasks exceeds maxChildren %d", models.ErrSpawnerOutputInvalid, len(out.Subtasks), spawnerNode.MaxChildren)
	}

	edges, err := f.Store.ListRunNodeEdges(ctx, spawnerNode.WorkflowRunID)
	if err != nil {
		return 0, err
	}
	joinEdge, err := f.singleSuccessTreeEdge(edges, spawnerNode.ID)
	if err != nil {
		return 0, err
	}

	nodes, err := f.Store.ListLatestRunNodes(ctx, spawnerNode.WorkflowRunID)
	if err != nil {
		return 0, err
	}
	joinNode := findNodeByID(nodes, joinEdge.TargetRunNodeID)
	if joinNode == nil || joinNode.NodeRole != models.NodeRoleJoin {
		return 0, fmt.Errorf("%w: spawner %s's success edge does not target a join node", models.ErrSpawnerOutputInvalid, spawnerNode.NodeKey)
	}

	existing, err := f.Store.GetActiveJoinBarrier(ctx, spawnerNode.ID, joinNode.ID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, fmt.Errorf("%w: spawner %s / join %s", models.ErrJoinBarrierAlreadyActive, spawnerNode.NodeKey, joinNode.NodeKey)
	}

	usedKeys := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		usedKeys[n.NodeKey] = true
	}

	children := make([]*models.RunNode, 0, len(out.Subtasks))
	for i, task := range out.Subtasks {
		key := task.NodeKey
		if strings.TrimSpace(key) == "" {
			key = fmt.Sprintf("%s__%d", normalizeNodeKey(spawnerNode.NodeKey), i+1)
		} else {
			key = normalizeNodeKey(key)
		}
		if usedKeys[key] {
			return 0, fmt.Errorf("%w: duplicate child nodeKey %q", models.ErrSpawnerOutputInvalid, key)
		}
		usedKeys[key] = true

		provider := task.Provider
		if provider == "" {
			provider = spawnerNode.Provider
		}
		model := task.Model
		if model == "" {
			model = spawnerNode.Model
		}

		children = append(children, &models.RunNode{
			WorkflowRunID:        spawnerNode.WorkflowRunID,
			TreeNodeID:           spawnerNode.TreeNodeID,
			NodeKey:              key,
			NodeRole:             models.NodeRoleStandard,
			NodeType:             models.NodeTypeAgent,
			Provider:             provider,
			Model:                model,
			Prompt:               task.Prompt,
			PromptContentType:    spawnerNode.PromptContentType,
			ExecutionPermissions: spawnerNode.ExecutionPermissions,
			ErrorHandlerConfig:   spawnerNode.ErrorHandlerConfig,
			MaxRetries:           spawnerNode.MaxRetries,
			SpawnerNodeID:        spawnerNode.ID,
			JoinNodeID:           joinNode.ID,
			LineageDepth:         spawnerNode.LineageDepth + 1,
			SequencePath:         fmt.Sprintf("%s.%d", spawnerNode.SequencePath, i+1),
			Status:               models.RunNodeStatusPending,
			SequenceIndex:        spawnerNode.SequenceIndex,
			Attempt:              1,
		})
	}

	expected := len(children)
	status := models.JoinBarrierPending
	if expected == 0 {
		status = models.JoinBarrierReady
	}
	barrier := &models.RunJoinBarrier{
		WorkflowRunID:         spawnerNode.WorkflowRunID,
		SpawnerRunNodeID:      spawnerNode.ID,
		JoinRunNodeID:         joinNode.ID,
		SpawnSourceArtifactID: reportArtifact.ID,
		ExpectedChildren:      expected,
		Status:                status,
	}

	err = f.Store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		for _, child := range children {
			if err := tx.CreateRunNode(ctx, child); err != nil {
				return err
			}
			if err := tx.CreateRunNodeEdge(ctx, &models.RunNodeEdge{
				WorkflowRunID:   spawnerNode.WorkflowRunID,
				SourceRunNodeID: spawnerNode.ID,
				TargetRunNodeID: child.ID,
				RouteOn:         models.RouteOnTerminal,
				Auto:            true,
				Priority:        0,
				EdgeKind:        models.EdgeKindDynamicSpawnerToChild,
			}); err != nil {
				return err
			}
			if err := tx.CreateRunNodeEdge(ctx, &models.RunNodeEdge{
				WorkflowRunID:   spawnerNode.WorkflowRunID,
				SourceRunNodeID: child.ID,
				TargetRunNodeID: joinNode.ID,
				RouteOn:         models.RouteOnTerminal,
				Auto:            true,
				Priority:        0,
				EdgeKind:        models.EdgeKindDynamicChildToJoin,
			}); err != nil {
				return err
			}
		}
		return tx.CreateJoinBarrier(ctx, barrier)
	})
	if err != nil {
		return 0, err
	}

	return expected, nil
}

// singleSuccessTreeEdge finds the spawner's lone outgoing success+tree edge,
// failing if there is not exactly one.
func (f *FanoutEngine) singleSuccessTreeEdge(edges []*models.RunNodeEdge, spawnerID string) (*models.RunNodeEdge, error) {
	var found *models.RunNodeEdge
	for _, e := range edges {
		if e.SourceRunNodeID != spawnerID || e.EdgeKind != models.EdgeKindTree || e.RouteOn != models.RouteOnSuccess {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: spawner has more than one outgoing success edge", models.ErrSpawnerOutputInvalid)
		}
		found = e
	}
	if found == nil {
		return nil, fmt.Errorf("%w: spawner has no outgoing success edge to a join node", models.ErrSpawnerOutputInvalid)
	}
	return found, nil
}

func findNodeByID(nodes []*models.RunNode, id string) *models.RunNode {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// RecordChildOutcome applies one fan-out child's terminal transition to its
// join barrier, incrementing terminalChildren and the matching
// completed/failed counter, flipping the barrier to ready once every
// expected child has reported.
func (f *FanoutEngine) RecordChildOutcome(ctx context.Context, childNode *models.RunNode, success bool, now time.Time) error {
	barrier, err := f.Store.GetActiveJoinBarrier(ctx, childNode.SpawnerNodeID, childNode.JoinNodeID)
	if err != nil {
		return err
	}
	if barrier == nil {
		// A fan-out child with a dangling joinNodeId and no active barrier is
		// an impossible invariant, not a routine case -- fail loudly rather
		// than silently skip the counter update (Open Question 1).
		return fmt.Errorf("%w: no active join barrier for spawner %s / join %s", models.ErrJoinBarrierStateInvalid, childNode.SpawnerNodeID, childNode.JoinNodeID)
	}

	barrier.TerminalChildren++
	if success {
		barrier.CompletedChildren++
	} else {
		barrier.FailedChildren++
	}
	if barrier.CompletedChildren+barrier.FailedChildren > barrier.TerminalChildren || barrier.TerminalChildren > barrier.ExpectedChildren {
		return fmt.Errorf("%w: spawner %s / join %s", models.ErrJoinBarrierStateInvalid, childNode.SpawnerNodeID, childNode.JoinNodeID)
	}
	if barrier.TerminalChildren == barrier.ExpectedChildren {
		barrier.Status = models.JoinBarrierReady
	}
	barrier.UpdatedAt = now
	return f.Store.UpdateJoinBarrier(ctx, barrier)
}

// ReopenChild undoes the terminal-failure accounting RecordChildOutcome
// applied for childNode, called only when that failure is about to be
// requeued as a new attempt (§4.6 retry policy).
func (f *FanoutEngine) ReopenChild(ctx context.Context, childNode *models.RunNode, now time.Time) error {
	barrier, err := f.Store.GetActiveJoinBarrier(ctx, childNode.SpawnerNodeID, childNode.JoinNodeID)
	if err != nil {
		return err
	}
	if barrier == nil {
		return fmt.Errorf("%w: no active join barrier for spawner %s / join %s", models.ErrJoinBarrierStateInvalid, childNode.SpawnerNodeID, childNode.JoinNodeID)
	}

	if barrier.FailedChildren == 0 || barrier.TerminalChildren == 0 {
		return fmt.Errorf("%w: reopen with no recorded failure for spawner %s / join %s", models.ErrJoinBarrierStateInvalid, childNode.SpawnerNodeID, childNode.JoinNodeID)
	}
	barrier.FailedChildren--
	barrier.TerminalChildren--
	if barrier.TerminalChildren < barrier.ExpectedChildren && barrier.Status == models.JoinBarrierReady {
		barrier.Status = models.JoinBarrierPending
	}
	barrier.UpdatedAt = now
	return f.Store.UpdateJoinBarrier(ctx, barrier)
}

// ReleaseBarriersForJoin moves a join node's ready barrier to released once
// the join node itself has executed successfully.
func (f *FanoutEngine) ReleaseBarriersForJoin(ctx context.Context, joinNode *models.RunNode, now time.Time) error {
	barrier, err := f.Store.GetLatestJoinBarrierForJoinNode(ctx, joinNode.ID)
	if err != nil {
		return err
	}
	if barrier == nil || barrier.Status != models.JoinBarrierReady {
		return nil
	}
	barrier.Status = models.JoinBarrierReleased
	barrier.ReleasedAt = &now
	barrier.UpdatedAt = now
	return f.Store.UpdateJoinBarrier(ctx, barrier)
}
