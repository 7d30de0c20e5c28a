// Package storage implements the domain Store contract (internal/domain/repository)
// against Postgres via github.com/uptrace/bun, following the teacher's
// BunStore/MemoryStore split: one bun.IDB-backed adapter usable both against
// the pooled *bun.DB and, inside WithTx, against a bun.Tx.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"

	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/alphred/engine/internal/domain/repository"
	storagemodels "github.com/alphred/engine/internal/infrastructure/storage/models"
	"github.com/alphred/engine/pkg/models"
)

// BunStore implements repository.Store against Postgres.
type BunStore struct {
	db    bun.IDB
	sqldb *sql.DB
}

// NewBunStore wraps an already-connected bun.DB (see NewDB).
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db, sqldb: db.DB}
}

var _ repository.Store = (*BunStore)(nil)

// WithTx runs fn against a Store bound to a single transaction.
func (s *BunStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &BunStore{db: tx, sqldb: s.sqldb})
	})
}

// TryLockRun acquires a Postgres session-level advisory lock keyed off the
// run ID, mirroring the teacher's single-flight guard but over
// pg_try_advisory_lock instead of a Redis client (see DESIGN.md for why
// Redis was not carried forward).
func (s *BunStore) TryLockRun(ctx context.Context, workflowRunID string) (bool, func(context.Context) error, error) {
	conn, err := s.sqldb.Conn(ctx)
	if err != nil {
		return false, nil, err
	}

	key := lockKey(workflowRunID)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return false, nil, err
	}
	if !acquired {
		conn.Close()
		return false, nil, nil
	}

	release := func(ctx context.Context) error {
		_, unlockErr := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
		closeErr := conn.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}
	return true, release, nil
}

func lockKey(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

// ---------- Workflow trees and topology ----------

func (s *BunStore) GetWorkflowTreeByKeyAndVersion(ctx context.Context, treeKey string, version int) (*models.WorkflowTree, error) {
	m := new(storagemodels.WorkflowTreeModel)
	err := s.db.NewSelect().Model(m).
		Where("tree_key = ?", treeKey).
		Where("version = ?", version).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

func (s *BunStore) GetPublishedWorkflowTreesAtMaxVersion(ctx context.Context, treeKey string) ([]*models.WorkflowTree, error) {
	var maxVersion sql.NullInt64
	err := s.db.NewSelect().Model((*storagemodels.WorkflowTreeModel)(nil)).
		ColumnExpr("MAX(version)").
		Where("tree_key = ?", treeKey).
		Where("status = ?", models.WorkflowTreeStatusPublished).
		Scan(ctx, &maxVersion)
	if err != nil {
		return nil, err
	}
	if !maxVersion.Valid {
		return nil, nil
	}

	var rows []storagemodels.WorkflowTreeModel
	err = s.db.NewSelect().Model(&rows).
		Where("tree_key = ?", treeKey).
		Where("status = ?", models.WorkflowTreeStatusPublished).
		Where("version = ?", maxVersion.Int64).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.WorkflowTree, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

func (s *BunStore) ListTreeNodes(ctx context.Context, treeID string) ([]*models.TreeNode, error) {
	id, err := uuid.Parse(treeID)
	if err != nil {
		return nil, err
	}
	var rows []storagemodels.TreeNodeModel
	if err := s.db.NewSelect().Model(&rows).Where("tree_id = ?", id).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.TreeNode, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

func (s *BunStore) ListTreeEdges(ctx context.Context, treeID string) ([]*models.TreeEdge, error) {
	id, err := uuid.Parse(treeID)
	if err != nil {
		return nil, err
	}
	var rows []storagemodels.TreeEdgeModel
	if err := s.db.NewSelect().Model(&rows).Where("tree_id = ?", id).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.TreeEdge, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

func (s *BunStore) GetPromptTemplate(ctx context.Context, id string) (*models.PromptTemplate, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	m := new(storagemodels.PromptTemplateModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", uid).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

// ---------- Runs ----------

func (s *BunStore) CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	m, err := storagemodels.NewWorkflowRunModel(run)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return err
	}
	run.ID = m.ID.String()
	return nil
}

func (s *BunStore) GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	m := new(storagemodels.WorkflowRunModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", uid).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRunNotFound
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

func (s *BunStore) UpdateRunStatus(ctx context.Context, id string, expectedFrom models.RunStatus, to models.RunStatus, now time.Time) (int, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return 0, err
	}

	q := s.db.NewUpdate().Model((*storagemodels.WorkflowRunModel)(nil)).
		Set("status = ?", to)
	switch {
	case to == models.RunStatusRunning:
		q = q.Set("started_at = COALESCE(started_at, ?)", now)
	case to.IsTerminal():
		q = q.Set("completed_at = ?", now)
	}
	res, err := q.Where("id = ?", uid).Where("status = ?", expectedFrom).Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ---------- Run nodes ----------

func (s *BunStore) CreateRunNode(ctx context.Context, node *models.RunNode) error {
	m, err := storagemodels.NewRunNodeModel(node)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return err
	}
	node.ID = m.ID.String()
	return nil
}

func (s *BunStore) GetRunNode(ctx context.Context, id string) (*models.RunNode, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	m := new(storagemodels.RunNodeModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", uid).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRunNodeNotFound
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

// ListLatestRunNodes returns, per nodeKey, only the row from its highest
// attempt (ties broken by the greatest id) -- the "latest-attempt" view
// every lifecycle/fan-out operation reasons over. Keying on nodeKey rather
// than treeNodeId matters for fan-out children: they share their spawner's
// treeNodeId but each has its own nodeKey.
func (s *BunStore) ListLatestRunNodes(ctx context.Context, workflowRunID string) ([]*models.RunNode, error) {
	runID, err := uuid.Parse(workflowRunID)
	if err != nil {
		return nil, err
	}
	var rows []storagemodels.RunNodeModel
	err = s.db.NewSelect().Model(&rows).
		Where("workflow_run_id = ?", runID).
		DistinctOn("node_key").
		OrderExpr("node_key, attempt DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.RunNode, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

func (s *BunStore) GetRunNodeByNodeKeyAndAttempt(ctx context.Context, workflowRunID, nodeKey string, attempt int) (*models.RunNode, error) {
	runID, err := uuid.Parse(workflowRunID)
	if err != nil {
		return nil, err
	}
	m := new(storagemodels.RunNodeModel)
	err = s.db.NewSelect().Model(m).
		Where("workflow_run_id = ?", runID).
		Where("node_key = ?", nodeKey).
		Where("attempt = ?", attempt).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

func (s *BunStore) UpdateRunNodeStatus(ctx context.Context, id string, expectedFrom models.RunNodeStatus, to models.RunNodeStatus, now time.Time) (int, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return 0, err
	}

	q := s.db.NewUpdate().Model((*storagemodels.RunNodeModel)(nil)).
		Set("status = ?", to)
	switch {
	case to == models.RunNodeStatusRunning:
		q = q.Set("started_at = COALESCE(started_at, ?)", now)
	case to.IsTerminal():
		q = q.Set("completed_at = ?", now)
	}
	res, err := q.Where("id = ?", uid).Where("status = ?", expectedFrom).Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ---------- Run edges ----------

func (s *BunStore) CreateRunNodeEdge(ctx context.Context, edge *models.RunNodeEdge) error {
	m, err := storagemodels.NewRunNodeEdgeModel(edge)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return err
	}
	edge.ID = m.ID.String()
	return nil
}

func (s *BunStore) ListRunNodeEdges(ctx context.Context, workflowRunID string) ([]*models.RunNodeEdge, error) {
	runID, err := uuid.Parse(workflowRunID)
	if err != nil {
		return nil, err
	}
	var rows []storagemodels.RunNodeEdgeModel
	if err := s.db.NewSelect().Model(&rows).Where("workflow_run_id = ?", runID).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.RunNodeEdge, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// ---------- Artifacts and decisions ----------

func (s *BunStore) CreatePhaseArtifact(ctx context.Context, artifact *models.PhaseArtifact) error {
	m, err := storagemodels.NewPhaseArtifactModel(artifact)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return err
	}
	artifact.ID = m.ID.String()
	artifact.CreatedAt = m.CreatedAt
	return nil
}

func (s *BunStore) GetLatestArtifact(ctx context.Context, runNodeID string) (*models.PhaseArtifact, error) {
	return s.latestArtifact(ctx, runNodeID, nil)
}

func (s *BunStore) GetLatestArtifactByType(ctx context.Context, runNodeID string, artifactType models.ArtifactType) (*models.PhaseArtifact, error) {
	return s.latestArtifact(ctx, runNodeID, &artifactType)
}

func (s *BunStore) latestArtifact(ctx context.Context, runNodeID string, artifactType *models.ArtifactType) (*models.PhaseArtifact, error) {
	nodeID, err := uuid.Parse(runNodeID)
	if err != nil {
		return nil, err
	}
	q := s.db.NewSelect().Model((*storagemodels.PhaseArtifactModel)(nil)).
		Where("run_node_id = ?", nodeID).
		Order("created_at DESC").
		Limit(1)
	if artifactType != nil {
		q = q.Where("artifact_type = ?", *artifactType)
	}
	m := new(storagemodels.PhaseArtifactModel)
	if err := q.Scan(ctx, m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

func (s *BunStore) ListArtifactsByRunNode(ctx context.Context, runNodeID string) ([]*models.PhaseArtifact, error) {
	nodeID, err := uuid.Parse(runNodeID)
	if err != nil {
		return nil, err
	}
	var rows []storagemodels.PhaseArtifactModel
	err = s.db.NewSelect().Model(&rows).
		Where("run_node_id = ?", nodeID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.PhaseArtifact, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

func (s *BunStore) CreateRoutingDecision(ctx context.Context, decision *models.RoutingDecision) error {
	m, err := storagemodels.NewRoutingDecisionModel(decision)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return err
	}
	decision.ID = m.ID.String()
	decision.CreatedAt = m.CreatedAt
	return nil
}

func (s *BunStore) GetLatestRoutingDecision(ctx context.Context, runNodeID string) (*models.RoutingDecision, error) {
	nodeID, err := uuid.Parse(runNodeID)
	if err != nil {
		return nil, err
	}
	m := new(storagemodels.RoutingDecisionModel)
	err = s.db.NewSelect().Model(m).
		Where("run_node_id = ?", nodeID).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

// ---------- Join barriers ----------

func (s *BunStore) CreateJoinBarrier(ctx context.Context, barrier *models.RunJoinBarrier) error {
	m, err := storagemodels.NewRunJoinBarrierModel(barrier)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return err
	}
	barrier.ID = m.ID.String()
	barrier.CreatedAt = m.CreatedAt
	barrier.UpdatedAt = m.UpdatedAt
	return nil
}

func (s *BunStore) GetActiveJoinBarrier(ctx context.Context, spawnerRunNodeID, joinRunNodeID string) (*models.RunJoinBarrier, error) {
	spawnerID, err := uuid.Parse(spawnerRunNodeID)
	if err != nil {
		return nil, err
	}
	joinID, err := uuid.Parse(joinRunNodeID)
	if err != nil {
		return nil, err
	}
	m := new(storagemodels.RunJoinBarrierModel)
	err = s.db.NewSelect().Model(m).
		Where("spawner_run_node_id = ?", spawnerID).
		Where("join_run_node_id = ?", joinID).
		Where("status IN (?)", bun.In([]models.JoinBarrierStatus{models.JoinBarrierPending, models.JoinBarrierReady})).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

func (s *BunStore) GetLatestJoinBarrierForJoinNode(ctx context.Context, joinRunNodeID string) (*models.RunJoinBarrier, error) {
	joinID, err := uuid.Parse(joinRunNodeID)
	if err != nil {
		return nil, err
	}
	m := new(storagemodels.RunJoinBarrierModel)
	err = s.db.NewSelect().Model(m).
		Where("join_run_node_id = ?", joinID).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

func (s *BunStore) UpdateJoinBarrier(ctx context.Context, barrier *models.RunJoinBarrier) error {
	m, err := storagemodels.NewRunJoinBarrierModel(barrier)
	if err != nil {
		return err
	}
	_, err = s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	barrier.UpdatedAt = m.UpdatedAt
	return nil
}

// ---------- Worktrees ----------

func (s *BunStore) ListRunWorktrees(ctx context.Context, workflowRunID string) ([]*models.RunWorktree, error) {
	runID, err := uuid.Parse(workflowRunID)
	if err != nil {
		return nil, err
	}
	var rows []storagemodels.RunWorktreeModel
	if err := s.db.NewSelect().Model(&rows).Where("workflow_run_id = ?", runID).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.RunWorktree, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}
