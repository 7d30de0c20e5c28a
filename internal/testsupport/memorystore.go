// Package testsupport provides an in-memory repository.Store fake and
// fluent fixture builders, mirroring the teacher's storage.MemoryStore and
// storage.*Builder pair, so the application/engine layers can be exercised
// in tests without a live Postgres.
package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alphred/engine/internal/domain/repository"
	"github.com/alphred/engine/pkg/models"
)

var _ repository.Store = (*MemoryStore)(nil)

// MemoryStore is a goroutine-safe, non-persistent repository.Store fake.
type MemoryStore struct {
	mu sync.Mutex

	trees           map[string]*models.WorkflowTree
	treeNodes       map[string]*models.TreeNode
	treeEdges       map[string]*models.TreeEdge
	promptTemplates map[string]*models.PromptTemplate

	runs     map[string]*models.WorkflowRun
	runNodes map[string]*models.RunNode
	runEdges map[string]*models.RunNodeEdge

	artifacts  map[string]*models.PhaseArtifact
	decisions  map[string]*models.RoutingDecision
	barriers   map[string]*models.RunJoinBarrier
	worktrees  map[string]*models.RunWorktree
	runLocks   map[string]bool
}

// NewMemoryStore returns an empty fake store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trees:           make(map[string]*models.WorkflowTree),
		treeNodes:       make(map[string]*models.TreeNode),
		treeEdges:       make(map[string]*models.TreeEdge),
		promptTemplates: make(map[string]*models.PromptTemplate),
		runs:            make(map[string]*models.WorkflowRun),
		runNodes:        make(map[string]*models.RunNode),
		runEdges:        make(map[string]*models.RunNodeEdge),
		artifacts:       make(map[string]*models.PhaseArtifact),
		decisions:       make(map[string]*models.RoutingDecision),
		barriers:        make(map[string]*models.RunJoinBarrier),
		worktrees:       make(map[string]*models.RunWorktree),
		runLocks:        make(map[string]bool),
	}
}

// WithTx runs fn against the same store -- the fake has no real transaction
// boundary, matching the teacher's MemoryStore (which never needed one).
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	return fn(ctx, s)
}

// TryLockRun implements single-flight locking with the in-process mutex
// instead of Postgres advisory locks.
func (s *MemoryStore) TryLockRun(ctx context.Context, workflowRunID string) (bool, func(context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runLocks[workflowRunID] {
		return false, nil, nil
	}
	s.runLocks[workflowRunID] = true
	release := func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.runLocks, workflowRunID)
		return nil
	}
	return true, release, nil
}

// ---------- Workflow trees and topology ----------

// SeedTree inserts a WorkflowTree fixture directly, bypassing the Store
// contract -- used by tests that build a topology with TreeBuilder.
func (s *MemoryStore) SeedTree(t *models.WorkflowTree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trees[cp.ID] = &cp
}

// SeedTreeNode inserts a TreeNode fixture directly.
func (s *MemoryStore) SeedTreeNode(n *models.TreeNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.treeNodes[cp.ID] = &cp
}

// SeedTreeEdge inserts a TreeEdge fixture directly.
func (s *MemoryStore) SeedTreeEdge(e *models.TreeEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.treeEdges[cp.ID] = &cp
}

// SeedPromptTemplate inserts a PromptTemplate fixture directly.
func (s *MemoryStore) SeedPromptTemplate(p *models.PromptTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.promptTemplates[cp.ID] = &cp
}

func (s *MemoryStore) GetWorkflowTreeByKeyAndVersion(ctx context.Context, treeKey string, version int) (*models.WorkflowTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trees {
		if t.TreeKey == treeKey && t.Version == version {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetPublishedWorkflowTreesAtMaxVersion(ctx context.Context, treeKey string) ([]*models.WorkflowTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := -1
	for _, t := range s.trees {
		if t.TreeKey == treeKey && t.Status == models.WorkflowTreeStatusPublished && t.Version > max {
			max = t.Version
		}
	}
	if max < 0 {
		return nil, nil
	}
	var out []*models.WorkflowTree
	for _, t := range s.trees {
		if t.TreeKey == treeKey && t.Status == models.WorkflowTreeStatusPublished && t.Version == max {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTreeNodes(ctx context.Context, treeID string) ([]*models.TreeNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TreeNode
	for _, n := range s.treeNodes {
		if n.TreeID == treeID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceIndex != out[j].SequenceIndex {
			return out[i].SequenceIndex < out[j].SequenceIndex
		}
		if out[i].NodeKey != out[j].NodeKey {
			return out[i].NodeKey < out[j].NodeKey
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListTreeEdges(ctx context.Context, treeID string) ([]*models.TreeEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TreeEdge
	for _, e := range s.treeEdges {
		if e.TreeID == treeID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetPromptTemplate(ctx context.Context, id string) (*models.PromptTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promptTemplates[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// ---------- Runs ----------

func (s *MemoryStore) CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	cp := *run
	s.runs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, expectedFrom models.RunStatus, to models.RunStatus, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != expectedFrom {
		return 0, nil
	}
	r.Status = to
	if to == models.RunStatusRunning && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	} else if to.IsTerminal() {
		t := now
		r.CompletedAt = &t
	}
	return 1, nil
}

// ---------- Run nodes ----------

func (s *MemoryStore) CreateRunNode(ctx context.Context, node *models.RunNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	cp := *node
	s.runNodes[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRunNode(ctx context.Context, id string) (*models.RunNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.runNodes[id]
	if !ok {
		return nil, models.ErrRunNodeNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) ListLatestRunNodes(ctx context.Context, workflowRunID string) ([]*models.RunNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]*models.RunNode)
	for _, n := range s.runNodes {
		if n.WorkflowRunID != workflowRunID {
			continue
		}
		cur, ok := latest[n.NodeKey]
		if !ok || n.Attempt > cur.Attempt || (n.Attempt == cur.Attempt && n.ID > cur.ID) {
			cp := *n
			latest[n.NodeKey] = &cp
		}
	}
	out := make([]*models.RunNode, 0, len(latest))
	for _, n := range latest {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out, nil
}

func (s *MemoryStore) GetRunNodeByNodeKeyAndAttempt(ctx context.Context, workflowRunID, nodeKey string, attempt int) (*models.RunNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.runNodes {
		if n.WorkflowRunID == workflowRunID && n.NodeKey == nodeKey && n.Attempt == attempt {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateRunNodeStatus(ctx context.Context, id string, expectedFrom models.RunNodeStatus, to models.RunNodeStatus, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.runNodes[id]
	if !ok || n.Status != expectedFrom {
		return 0, nil
	}
	n.Status = to
	if to == models.RunNodeStatusRunning && n.StartedAt == nil {
		t := now
		n.StartedAt = &t
	} else if to.IsTerminal() {
		t := now
		n.CompletedAt = &t
	}
	return 1, nil
}

// ---------- Run edges ----------

func (s *MemoryStore) CreateRunNodeEdge(ctx context.Context, edge *models.RunNodeEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	cp := *edge
	s.runEdges[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) ListRunNodeEdges(ctx context.Context, workflowRunID string) ([]*models.RunNodeEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RunNodeEdge
	for _, e := range s.runEdges {
		if e.WorkflowRunID == workflowRunID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------- Artifacts and decisions ----------

func (s *MemoryStore) CreatePhaseArtifact(ctx context.Context, artifact *models.PhaseArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	cp := *artifact
	s.artifacts[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLatestArtifact(ctx context.Context, runNodeID string) (*models.PhaseArtifact, error) {
	return s.latestArtifact(runNodeID, nil)
}

func (s *MemoryStore) GetLatestArtifactByType(ctx context.Context, runNodeID string, artifactType models.ArtifactType) (*models.PhaseArtifact, error) {
	return s.latestArtifact(runNodeID, &artifactType)
}

func (s *MemoryStore) latestArtifact(runNodeID string, artifactType *models.ArtifactType) (*models.PhaseArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.PhaseArtifact
	for _, a := range s.artifacts {
		if a.RunNodeID != runNodeID {
			continue
		}
		if artifactType != nil && a.ArtifactType != *artifactType {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			cp := *a
			latest = &cp
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListArtifactsByRunNode(ctx context.Context, runNodeID string) ([]*models.PhaseArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PhaseArtifact
	for _, a := range s.artifacts {
		if a.RunNodeID == runNodeID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateRoutingDecision(ctx context.Context, decision *models.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now()
	}
	cp := *decision
	s.decisions[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLatestRoutingDecision(ctx context.Context, runNodeID string) (*models.RoutingDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.RoutingDecision
	for _, d := range s.decisions {
		if d.RunNodeID != runNodeID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			cp := *d
			latest = &cp
		}
	}
	return latest, nil
}

// ---------- Join barriers ----------

func (s *MemoryStore) CreateJoinBarrier(ctx context.Context, barrier *models.RunJoinBarrier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if barrier.ID == "" {
		barrier.ID = uuid.NewString()
	}
	now := time.Now()
	if barrier.CreatedAt.IsZero() {
		barrier.CreatedAt = now
	}
	barrier.UpdatedAt = now
	cp := *barrier
	s.barriers[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetActiveJoinBarrier(ctx context.Context, spawnerRunNodeID, joinRunNodeID string) (*models.RunJoinBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.RunJoinBarrier
	for _, b := range s.barriers {
		if b.SpawnerRunNodeID != spawnerRunNodeID || b.JoinRunNodeID != joinRunNodeID {
			continue
		}
		if b.Status != models.JoinBarrierPending && b.Status != models.JoinBarrierReady {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			cp := *b
			latest = &cp
		}
	}
	return latest, nil
}

func (s *MemoryStore) GetLatestJoinBarrierForJoinNode(ctx context.Context, joinRunNodeID string) (*models.RunJoinBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.RunJoinBarrier
	for _, b := range s.barriers {
		if b.JoinRunNodeID != joinRunNodeID {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			cp := *b
			latest = &cp
		}
	}
	return latest, nil
}

func (s *MemoryStore) UpdateJoinBarrier(ctx context.Context, barrier *models.RunJoinBarrier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.barriers[barrier.ID]; !ok {
		return models.ErrJoinBarrierStateInvalid
	}
	barrier.UpdatedAt = time.Now()
	cp := *barrier
	s.barriers[cp.ID] = &cp
	return nil
}

// ---------- Worktrees ----------

// SeedWorktree inserts a RunWorktree fixture directly.
func (s *MemoryStore) SeedWorktree(w *models.RunWorktree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.worktrees[cp.ID] = &cp
}

func (s *MemoryStore) ListRunWorktrees(ctx context.Context, workflowRunID string) ([]*models.RunWorktree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RunWorktree
	for _, w := range s.worktrees {
		if w.WorkflowRunID == workflowRunID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
