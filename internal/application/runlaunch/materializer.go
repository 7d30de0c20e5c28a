// Package runlaunch materializes a resolved workflow tree version into a
// run's owned snapshot of run-nodes and run-edges (§4.4).
package runlaunch

import (
	"context"
	"strconv"
	"time"

	"github.com/alphred/engine/internal/application/topology"
	"github.com/alphred/engine/internal/domain/repository"
	"github.com/alphred/engine/pkg/models"
)

// LaunchInput selects the tree version to launch and an optional start time;
// a nil StartedAt launches the run pending, a non-nil one launches it
// running (the caller already knows a step will follow immediately).
type LaunchInput struct {
	Selector  topology.Selector
	StartedAt *time.Time
}

// RunNodeView is one materialized run-node plus whether it belongs to the
// initial runnable set, returned so a caller can immediately drive the first
// step without recomputing topology.
type RunNodeView struct {
	Node              *models.RunNode
	IsInitialRunnable bool
}

// LaunchResult is the materialized run and its run-node view.
type LaunchResult struct {
	Run   *models.WorkflowRun
	Nodes []RunNodeView
}

// Materializer creates a WorkflowRun's owned run-node/run-edge snapshot from
// a resolved tree version, grounded in the teacher's ExecutionManager.Execute
// (one ExecutionModel, one NodeExecution row per workflow node).
type Materializer struct {
	Store  repository.Store
	Loader *topology.Loader
}

// NewMaterializer wires a Materializer from its collaborators.
func NewMaterializer(store repository.Store, loader *topology.Loader) *Materializer {
	return &Materializer{Store: store, Loader: loader}
}

// Launch resolves in.Selector and materializes a new run in one transaction.
func (m *Materializer) Launch(ctx context.Context, in LaunchInput) (*LaunchResult, error) {
	resolved, err := m.Loader.Load(ctx, in.Selector)
	if err != nil {
		return nil, err
	}

	initialSet := make(map[string]bool, len(resolved.InitialRunnableNodeKeys))
	for _, key := range resolved.InitialRunnableNodeKeys {
		initialSet[key] = true
	}

	status := models.RunStatusPending
	if in.StartedAt != nil {
		status = models.RunStatusRunning
	}
	run := &models.WorkflowRun{
		WorkflowTreeID: resolved.Tree.ID,
		Status:         status,
		StartedAt:      in.StartedAt,
	}

	views := make([]RunNodeView, 0, len(resolved.Nodes))

	err = m.Store.WithTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if err := tx.CreateWorkflowRun(ctx, run); err != nil {
			return err
		}

		treeToRun := make(map[string]string, len(resolved.Nodes))
		for _, n := range resolved.Nodes {
			runNode := &models.RunNode{
				WorkflowRunID:        run.ID,
				TreeNodeID:           n.ID,
				NodeKey:              n.NodeKey,
				NodeRole:             n.NodeRole,
				NodeType:             n.NodeType,
				Provider:             n.Provider,
				Model:                n.Model,
				ExecutionPermissions: n.ExecutionPermissions,
				ErrorHandlerConfig:   n.ErrorHandlerConfig,
				MaxChildren:          n.MaxChildren,
				MaxRetries:           n.MaxRetries,
				LineageDepth:         0,
				SequencePath:         strconv.Itoa(n.SequenceIndex),
				Status:               models.RunNodeStatusPending,
				SequenceIndex:        n.SequenceIndex,
				Attempt:              1,
			}
			if n.PromptTemplateID != "" {
				prompt, err := tx.GetPromptTemplate(ctx, n.PromptTemplateID)
				if err != nil {
					return err
				}
				if prompt != nil {
					runNode.Prompt = prompt.Content
					runNode.PromptContentType = prompt.ContentType
				}
			}
			if err := tx.CreateRunNode(ctx, runNode); err != nil {
				return err
			}
			treeToRun[n.ID] = runNode.ID
			views = append(views, RunNodeView{Node: runNode, IsInitialRunnable: initialSet[n.NodeKey]})
		}

		for _, e := range resolved.Edges {
			sourceRunNodeID, ok := treeToRun[e.SourceNodeID]
			if !ok {
				return &models.TopologyError{TreeKey: resolved.Tree.TreeKey, Err: models.ErrTreeNodeMappingMissing}
			}
			targetRunNodeID, ok := treeToRun[e.TargetNodeID]
			if !ok {
				return &models.TopologyError{TreeKey: resolved.Tree.TreeKey, Err: models.ErrTreeNodeMappingMissing}
			}
			if err := tx.CreateRunNodeEdge(ctx, &models.RunNodeEdge{
				WorkflowRunID:   run.ID,
				SourceRunNodeID: sourceRunNodeID,
				TargetRunNodeID: targetRunNodeID,
				RouteOn:         e.RouteOn,
				Auto:            e.Auto,
				Guard:           e.Guard,
				Priority:        e.Priority,
				EdgeKind:        models.EdgeKindTree,
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &LaunchResult{Run: run, Nodes: views}, nil
}
