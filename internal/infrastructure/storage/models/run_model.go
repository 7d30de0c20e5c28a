package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/alphred/engine/pkg/models"
)

// WorkflowRunModel is the persisted row for one execution instance of a tree version.
type WorkflowRunModel struct {
	bun.BaseModel `bun:"table:alphred_workflow_runs,alias:wr"`

	ID             uuid.UUID        `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowTreeID uuid.UUID        `bun:"workflow_tree_id,notnull,type:uuid"`
	Status         models.RunStatus `bun:"status,notnull"`
	StartedAt      *time.Time       `bun:"started_at"`
	CompletedAt    *time.Time       `bun:"completed_at"`
}

func (m *WorkflowRunModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (m *WorkflowRunModel) ToDomain() *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:             m.ID.String(),
		WorkflowTreeID: m.WorkflowTreeID.String(),
		Status:         m.Status,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}
}

func NewWorkflowRunModel(r *models.WorkflowRun) (*WorkflowRunModel, error) {
	id, err := parseOptionalUUID(r.ID)
	if err != nil {
		return nil, err
	}
	treeID, err := uuid.Parse(r.WorkflowTreeID)
	if err != nil {
		return nil, err
	}
	return &WorkflowRunModel{
		ID:             id,
		WorkflowTreeID: treeID,
		Status:         r.Status,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}, nil
}

// RunNodeModel is the persisted row for one per-attempt execution snapshot of
// a tree node within a run.
type RunNodeModel struct {
	bun.BaseModel `bun:"table:alphred_run_nodes,alias:rn"`

	ID                   uuid.UUID                `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowRunID        uuid.UUID                `bun:"workflow_run_id,notnull,type:uuid"`
	TreeNodeID           uuid.UUID                `bun:"tree_node_id,notnull,type:uuid"`
	NodeKey              string                   `bun:"node_key,notnull"`
	NodeRole             models.NodeRole          `bun:"node_role,notnull"`
	NodeType             models.NodeType          `bun:"node_type,notnull"`
	Provider             string                   `bun:"provider"`
	Model                string                   `bun:"model"`
	Prompt               string                   `bun:"prompt"`
	PromptContentType    models.PromptContentType `bun:"prompt_content_type"`
	ExecutionPermissions JSONBMap                 `bun:"execution_permissions,type:jsonb"`
	ErrorHandlerConfig   JSONBMap                 `bun:"error_handler_config,type:jsonb"`
	MaxChildren          int                      `bun:"max_children,notnull,default:0"`
	MaxRetries           int                      `bun:"max_retries,notnull,default:0"`
	SpawnerNodeID        *uuid.UUID               `bun:"spawner_node_id,type:uuid"`
	JoinNodeID           *uuid.UUID               `bun:"join_node_id,type:uuid"`
	LineageDepth         int                      `bun:"lineage_depth,notnull,default:0"`
	SequencePath         string                   `bun:"sequence_path,notnull"`
	Status               models.RunNodeStatus     `bun:"status,notnull"`
	SequenceIndex        int                      `bun:"sequence_index,notnull"`
	Attempt              int                      `bun:"attempt,notnull,default:1"`
	StartedAt            *time.Time               `bun:"started_at"`
	CompletedAt          *time.Time               `bun:"completed_at"`
}

func (m *RunNodeModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (m *RunNodeModel) ToDomain() *models.RunNode {
	n := &models.RunNode{
		ID:                   m.ID.String(),
		WorkflowRunID:        m.WorkflowRunID.String(),
		TreeNodeID:           m.TreeNodeID.String(),
		NodeKey:              m.NodeKey,
		NodeRole:             m.NodeRole,
		NodeType:             m.NodeType,
		Provider:             m.Provider,
		Model:                m.Model,
		Prompt:               m.Prompt,
		PromptContentType:    m.PromptContentType,
		ExecutionPermissions: map[string]any(m.ExecutionPermissions),
		ErrorHandlerConfig:   map[string]any(m.ErrorHandlerConfig),
		MaxChildren:          m.MaxChildren,
		MaxRetries:           m.MaxRetries,
		LineageDepth:         m.LineageDepth,
		SequencePath:         m.SequencePath,
		Status:               m.Status,
		SequenceIndex:        m.SequenceIndex,
		Attempt:              m.Attempt,
		StartedAt:            m.StartedAt,
		CompletedAt:          m.CompletedAt,
	}
	if m.SpawnerNodeID != nil {
		n.SpawnerNodeID = m.SpawnerNodeID.String()
	}
	if m.JoinNodeID != nil {
		n.JoinNodeID = m.JoinNodeID.String()
	}
	return n
}

func NewRunNodeModel(n *models.RunNode) (*RunNodeModel, error) {
	id, err := parseOptionalUUID(n.ID)
	if err != nil {
		return nil, err
	}
	runID, err := uuid.Parse(n.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	treeNodeID, err := uuid.Parse(n.TreeNodeID)
	if err != nil {
		return nil, err
	}
	out := &RunNodeModel{
		ID:                   id,
		WorkflowRunID:        runID,
		TreeNodeID:           treeNodeID,
		NodeKey:              n.NodeKey,
		NodeRole:             n.NodeRole,
		NodeType:             n.NodeType,
		Provider:             n.Provider,
		Model:                n.Model,
		Prompt:               n.Prompt,
		PromptContentType:    n.PromptContentType,
		ExecutionPermissions: JSONBMap(n.ExecutionPermissions),
		ErrorHandlerConfig:   JSONBMap(n.ErrorHandlerConfig),
		MaxChildren:          n.MaxChildren,
		MaxRetries:           n.MaxRetries,
		LineageDepth:         n.LineageDepth,
		SequencePath:         n.SequencePath,
		Status:               n.Status,
		SequenceIndex:        n.SequenceIndex,
		Attempt:              n.Attempt,
		StartedAt:            n.StartedAt,
		CompletedAt:          n.CompletedAt,
	}
	if n.SpawnerNodeID != "" {
		spawnerID, err := uuid.Parse(n.SpawnerNodeID)
		if err != nil {
			return nil, err
		}
		out.SpawnerNodeID = &spawnerID
	}
	if n.JoinNodeID != "" {
		joinID, err := uuid.Parse(n.JoinNodeID)
		if err != nil {
			return nil, err
		}
		out.JoinNodeID = &joinID
	}
	return out, nil
}

// RunNodeEdgeModel is the persisted row for a directed edge between two
// run-nodes within the same run -- tree-derived or dynamically spawned.
type RunNodeEdgeModel struct {
	bun.BaseModel `bun:"table:alphred_run_node_edges,alias:rne"`

	ID              uuid.UUID               `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowRunID   uuid.UUID               `bun:"workflow_run_id,notnull,type:uuid"`
	SourceRunNodeID uuid.UUID               `bun:"source_run_node_id,notnull,type:uuid"`
	TargetRunNodeID uuid.UUID               `bun:"target_run_node_id,notnull,type:uuid"`
	RouteOn         models.RouteOn          `bun:"route_on,notnull"`
	Auto            bool                    `bun:"auto,notnull,default:false"`
	Guard           *models.GuardExpression `bun:"guard,type:jsonb"`
	Priority        int                     `bun:"priority,notnull,default:0"`
	EdgeKind        models.EdgeKind         `bun:"edge_kind,notnull"`
}

func (m *RunNodeEdgeModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (m *RunNodeEdgeModel) ToDomain() *models.RunNodeEdge {
	return &models.RunNodeEdge{
		ID:              m.ID.String(),
		WorkflowRunID:   m.WorkflowRunID.String(),
		SourceRunNodeID: m.SourceRunNodeID.String(),
		TargetRunNodeID: m.TargetRunNodeID.String(),
		RouteOn:         m.RouteOn,
		Auto:            m.Auto,
		Guard:           m.Guard,
		Priority:        m.Priority,
		EdgeKind:        m.EdgeKind,
	}
}

func NewRunNodeEdgeModel(e *models.RunNodeEdge) (*RunNodeEdgeModel, error) {
	id, err := parseOptionalUUID(e.ID)
	if err != nil {
		return nil, err
	}
	runID, err := uuid.Parse(e.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	sourceID, err := uuid.Parse(e.SourceRunNodeID)
	if err != nil {
		return nil, err
	}
	targetID, err := uuid.Parse(e.TargetRunNodeID)
	if err != nil {
		return nil, err
	}
	return &RunNodeEdgeModel{
		ID:              id,
		WorkflowRunID:   runID,
		SourceRunNodeID: sourceID,
		TargetRunNodeID: targetID,
		RouteOn:         e.RouteOn,
		Auto:            e.Auto,
		Guard:           e.Guard,
		Priority:        e.Priority,
		EdgeKind:        e.EdgeKind,
	}, nil
}
