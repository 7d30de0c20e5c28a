// Package repository defines the Store contract every application-layer
// component (topology loader, run materializer, routing, node executor,
// fan-out engine, lifecycle control) programs against, so each can be
// exercised in tests against an in-memory fake without a live Postgres.
package repository

import (
	"context"
	"time"

	"github.com/alphred/engine/pkg/models"
)

// Store is a transactional relational-persistence contract over every §3
// entity. A concrete implementation backed by bun.DB also satisfies Store
// when running inside WithTx, so call sites never need to know whether they
// hold a pooled connection or a transaction -- mirroring the teacher's
// ExecutionRepository.Update/Delete wrapping bun.DB.RunInTx.
type Store interface {
	// WithTx runs fn against a Store bound to a single transaction. A
	// non-nil return rolls the transaction back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// TryLockRun attempts to acquire the per-run advisory lock (§5),
	// returning acquired=false (not an error) when another worker holds it.
	TryLockRun(ctx context.Context, workflowRunID string) (acquired bool, release func(context.Context) error, err error)

	// Workflow trees and topology.
	GetWorkflowTreeByKeyAndVersion(ctx context.Context, treeKey string, version int) (*models.WorkflowTree, error)
	GetPublishedWorkflowTreesAtMaxVersion(ctx context.Context, treeKey string) ([]*models.WorkflowTree, error)
	ListTreeNodes(ctx context.Context, treeID string) ([]*models.TreeNode, error)
	ListTreeEdges(ctx context.Context, treeID string) ([]*models.TreeEdge, error)
	GetPromptTemplate(ctx context.Context, id string) (*models.PromptTemplate, error)

	// Runs.
	CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	UpdateRunStatus(ctx context.Context, id string, expectedFrom models.RunStatus, to models.RunStatus, now time.Time) (changed int, err error)

	// Run nodes.
	CreateRunNode(ctx context.Context, node *models.RunNode) error
	GetRunNode(ctx context.Context, id string) (*models.RunNode, error)
	ListLatestRunNodes(ctx context.Context, workflowRunID string) ([]*models.RunNode, error)
	UpdateRunNodeStatus(ctx context.Context, id string, expectedFrom models.RunNodeStatus, to models.RunNodeStatus, now time.Time) (changed int, err error)
	// GetRunNodeByNodeKeyAndAttempt looks up a specific, possibly-superseded
	// attempt row -- used to recover a requeued attempt's predecessor (e.g.
	// to load its retry-failure-summary note), since ListLatestRunNodes only
	// ever surfaces the newest attempt per nodeKey. Returns nil, nil if no
	// such row exists.
	GetRunNodeByNodeKeyAndAttempt(ctx context.Context, workflowRunID, nodeKey string, attempt int) (*models.RunNode, error)

	// Run edges.
	CreateRunNodeEdge(ctx context.Context, edge *models.RunNodeEdge) error
	ListRunNodeEdges(ctx context.Context, workflowRunID string) ([]*models.RunNodeEdge, error)

	// Artifacts and decisions.
	CreatePhaseArtifact(ctx context.Context, artifact *models.PhaseArtifact) error
	GetLatestArtifact(ctx context.Context, runNodeID string) (*models.PhaseArtifact, error)
	GetLatestArtifactByType(ctx context.Context, runNodeID string, artifactType models.ArtifactType) (*models.PhaseArtifact, error)
	ListArtifactsByRunNode(ctx context.Context, runNodeID string) ([]*models.PhaseArtifact, error)
	CreateRoutingDecision(ctx context.Context, decision *models.RoutingDecision) error
	GetLatestRoutingDecision(ctx context.Context, runNodeID string) (*models.RoutingDecision, error)

	// Join barriers.
	CreateJoinBarrier(ctx context.Context, barrier *models.RunJoinBarrier) error
	GetActiveJoinBarrier(ctx context.Context, spawnerRunNodeID, joinRunNodeID string) (*models.RunJoinBarrier, error)
	GetLatestJoinBarrierForJoinNode(ctx context.Context, joinRunNodeID string) (*models.RunJoinBarrier, error)
	UpdateJoinBarrier(ctx context.Context, barrier *models.RunJoinBarrier) error

	// Worktrees (read-only projection, §3).
	ListRunWorktrees(ctx context.Context, workflowRunID string) ([]*models.RunWorktree, error)
}
