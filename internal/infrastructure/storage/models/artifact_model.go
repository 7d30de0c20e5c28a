package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/alphred/engine/pkg/models"
)

// PhaseArtifactModel is the persisted row for one piece of output from a
// run-node attempt.
type PhaseArtifactModel struct {
	bun.BaseModel `bun:"table:alphred_phase_artifacts,alias:pa"`

	ID            uuid.UUID                `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowRunID uuid.UUID                `bun:"workflow_run_id,notnull,type:uuid"`
	RunNodeID     uuid.UUID                `bun:"run_node_id,notnull,type:uuid"`
	ArtifactType  models.ArtifactType      `bun:"artifact_type,notnull"`
	ContentType   models.PromptContentType `bun:"content_type,notnull"`
	Content       string                   `bun:"content"`
	Metadata      JSONBMap                 `bun:"metadata,type:jsonb"`
	CreatedAt     time.Time                `bun:"created_at,notnull,default:current_timestamp"`
}

func (m *PhaseArtifactModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}

func (m *PhaseArtifactModel) ToDomain() *models.PhaseArtifact {
	return &models.PhaseArtifact{
		ID:            m.ID.String(),
		WorkflowRunID: m.WorkflowRunID.String(),
		RunNodeID:     m.RunNodeID.String(),
		ArtifactType:  m.ArtifactType,
		ContentType:   m.ContentType,
		Content:       m.Content,
		Metadata:      map[string]any(m.Metadata),
		CreatedAt:     m.CreatedAt,
	}
}

func NewPhaseArtifactModel(a *models.PhaseArtifact) (*PhaseArtifactModel, error) {
	id, err := parseOptionalUUID(a.ID)
	if err != nil {
		return nil, err
	}
	runID, err := uuid.Parse(a.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	nodeID, err := uuid.Parse(a.RunNodeID)
	if err != nil {
		return nil, err
	}
	return &PhaseArtifactModel{
		ID:            id,
		WorkflowRunID: runID,
		RunNodeID:     nodeID,
		ArtifactType:  a.ArtifactType,
		ContentType:   a.ContentType,
		Content:       a.Content,
		Metadata:      JSONBMap(a.Metadata),
		CreatedAt:     a.CreatedAt,
	}, nil
}

// RoutingDecisionModel is the persisted row for a captured routing signal.
type RoutingDecisionModel struct {
	bun.BaseModel `bun:"table:alphred_routing_decisions,alias:rd"`

	ID            uuid.UUID                  `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowRunID uuid.UUID                  `bun:"workflow_run_id,notnull,type:uuid"`
	RunNodeID     uuid.UUID                  `bun:"run_node_id,notnull,type:uuid"`
	DecisionType  models.RoutingDecisionType `bun:"decision_type,notnull"`
	RawOutput     JSONBMap                   `bun:"raw_output,type:jsonb"`
	CreatedAt     time.Time                  `bun:"created_at,notnull,default:current_timestamp"`
}

func (m *RoutingDecisionModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}

func (m *RoutingDecisionModel) ToDomain() *models.RoutingDecision {
	return &models.RoutingDecision{
		ID:            m.ID.String(),
		WorkflowRunID: m.WorkflowRunID.String(),
		RunNodeID:     m.RunNodeID.String(),
		DecisionType:  m.DecisionType,
		RawOutput:     map[string]any(m.RawOutput),
		CreatedAt:     m.CreatedAt,
	}
}

func NewRoutingDecisionModel(d *models.RoutingDecision) (*RoutingDecisionModel, error) {
	id, err := parseOptionalUUID(d.ID)
	if err != nil {
		return nil, err
	}
	runID, err := uuid.Parse(d.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	nodeID, err := uuid.Parse(d.RunNodeID)
	if err != nil {
		return nil, err
	}
	return &RoutingDecisionModel{
		ID:            id,
		WorkflowRunID: runID,
		RunNodeID:     nodeID,
		DecisionType:  d.DecisionType,
		RawOutput:     JSONBMap(d.RawOutput),
		CreatedAt:     d.CreatedAt,
	}, nil
}

// RunJoinBarrierModel is the persisted row for a fan-out batch's termination counter.
type RunJoinBarrierModel struct {
	bun.BaseModel `bun:"table:alphred_run_join_barriers,alias:jb"`

	ID                    uuid.UUID               `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowRunID         uuid.UUID               `bun:"workflow_run_id,notnull,type:uuid"`
	SpawnerRunNodeID      uuid.UUID               `bun:"spawner_run_node_id,notnull,type:uuid"`
	JoinRunNodeID         uuid.UUID               `bun:"join_run_node_id,notnull,type:uuid"`
	SpawnSourceArtifactID *uuid.UUID              `bun:"spawn_source_artifact_id,type:uuid"`
	ExpectedChildren      int                     `bun:"expected_children,notnull"`
	TerminalChildren      int                     `bun:"terminal_children,notnull,default:0"`
	CompletedChildren     int                     `bun:"completed_children,notnull,default:0"`
	FailedChildren        int                     `bun:"failed_children,notnull,default:0"`
	Status                models.JoinBarrierStatus `bun:"status,notnull"`
	CreatedAt             time.Time               `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt             time.Time               `bun:"updated_at,notnull,default:current_timestamp"`
	ReleasedAt            *time.Time              `bun:"released_at"`
}

func (m *RunJoinBarrierModel) BeforeInsert(ctx any) error {
	now := time.Now()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	return nil
}

func (m *RunJoinBarrierModel) BeforeUpdate(ctx any) error {
	m.UpdatedAt = time.Now()
	return nil
}

func (m *RunJoinBarrierModel) ToDomain() *models.RunJoinBarrier {
	b := &models.RunJoinBarrier{
		ID:                m.ID.String(),
		WorkflowRunID:     m.WorkflowRunID.String(),
		SpawnerRunNodeID:  m.SpawnerRunNodeID.String(),
		JoinRunNodeID:     m.JoinRunNodeID.String(),
		ExpectedChildren:  m.ExpectedChildren,
		TerminalChildren:  m.TerminalChildren,
		CompletedChildren: m.CompletedChildren,
		FailedChildren:    m.FailedChildren,
		Status:            m.Status,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		ReleasedAt:        m.ReleasedAt,
	}
	if m.SpawnSourceArtifactID != nil {
		b.SpawnSourceArtifactID = m.SpawnSourceArtifactID.String()
	}
	return b
}

func NewRunJoinBarrierModel(b *models.RunJoinBarrier) (*RunJoinBarrierModel, error) {
	id, err := parseOptionalUUID(b.ID)
	if err != nil {
		return nil, err
	}
	runID, err := uuid.Parse(b.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	spawnerID, err := uuid.Parse(b.SpawnerRunNodeID)
	if err != nil {
		return nil, err
	}
	joinID, err := uuid.Parse(b.JoinRunNodeID)
	if err != nil {
		return nil, err
	}
	out := &RunJoinBarrierModel{
		ID:                id,
		WorkflowRunID:     runID,
		SpawnerRunNodeID:  spawnerID,
		JoinRunNodeID:     joinID,
		ExpectedChildren:  b.ExpectedChildren,
		TerminalChildren:  b.TerminalChildren,
		CompletedChildren: b.CompletedChildren,
		FailedChildren:    b.FailedChildren,
		Status:            b.Status,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
		ReleasedAt:        b.ReleasedAt,
	}
	if b.SpawnSourceArtifactID != "" {
		artifactID, err := uuid.Parse(b.SpawnSourceArtifactID)
		if err != nil {
			return nil, err
		}
		out.SpawnSourceArtifactID = &artifactID
	}
	return out, nil
}

// RunWorktreeModel is the persisted row for a read-only worktree projection
// owned by an external collaborator (the git worktree lifecycle is out of scope).
type RunWorktreeModel struct {
	bun.BaseModel `bun:"table:alphred_run_worktrees,alias:rw"`

	ID            uuid.UUID                `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowRunID uuid.UUID                `bun:"workflow_run_id,notnull,type:uuid"`
	RepositoryID  string                   `bun:"repository_id,notnull"`
	WorktreePath  string                   `bun:"worktree_path,notnull"`
	Branch        string                   `bun:"branch"`
	CommitHash    string                   `bun:"commit_hash"`
	Status        models.RunWorktreeStatus `bun:"status,notnull"`
}

func (m *RunWorktreeModel) ToDomain() *models.RunWorktree {
	return &models.RunWorktree{
		ID:            m.ID.String(),
		WorkflowRunID: m.WorkflowRunID.String(),
		RepositoryID:  m.RepositoryID,
		WorktreePath:  m.WorktreePath,
		Branch:        m.Branch,
		CommitHash:    m.CommitHash,
		Status:        m.Status,
	}
}
