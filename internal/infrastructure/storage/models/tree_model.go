package models

import (
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/alphred/engine/pkg/models"
)

// WorkflowTreeModel is the persisted row for a versioned workflow topology.
type WorkflowTreeModel struct {
	bun.BaseModel `bun:"table:alphred_workflow_trees,alias:wt"`

	ID          uuid.UUID                 `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	TreeKey     string                    `bun:"tree_key,notnull"`
	Version     int                       `bun:"version,notnull"`
	Name        string                    `bun:"name,notnull"`
	Description string                    `bun:"description"`
	Status      models.WorkflowTreeStatus `bun:"status,notnull"`
}

func (m *WorkflowTreeModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (m *WorkflowTreeModel) ToDomain() *models.WorkflowTree {
	return &models.WorkflowTree{
		ID:          m.ID.String(),
		TreeKey:     m.TreeKey,
		Version:     m.Version,
		Name:        m.Name,
		Description: m.Description,
		Status:      m.Status,
	}
}

func NewWorkflowTreeModel(t *models.WorkflowTree) (*WorkflowTreeModel, error) {
	id, err := parseOptionalUUID(t.ID)
	if err != nil {
		return nil, err
	}
	return &WorkflowTreeModel{
		ID:          id,
		TreeKey:     t.TreeKey,
		Version:     t.Version,
		Name:        t.Name,
		Description: t.Description,
		Status:      t.Status,
	}, nil
}

// TreeNodeModel is the persisted row for a node definition within a tree version.
type TreeNodeModel struct {
	bun.BaseModel `bun:"table:alphred_tree_nodes,alias:tn"`

	ID                   uuid.UUID      `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	TreeID               uuid.UUID      `bun:"tree_id,notnull,type:uuid"`
	NodeKey              string         `bun:"node_key,notnull"`
	NodeRole             models.NodeRole `bun:"node_role,notnull"`
	NodeType             models.NodeType `bun:"node_type,notnull"`
	Provider             string         `bun:"provider"`
	Model                string         `bun:"model"`
	ExecutionPermissions JSONBMap       `bun:"execution_permissions,type:jsonb"`
	ErrorHandlerConfig   JSONBMap       `bun:"error_handler_config,type:jsonb"`
	MaxChildren          int            `bun:"max_children,notnull,default:0"`
	MaxRetries           int            `bun:"max_retries,notnull,default:0"`
	SequenceIndex        int            `bun:"sequence_index,notnull"`
	PromptTemplateID     *uuid.UUID     `bun:"prompt_template_id,type:uuid"`
}

func (m *TreeNodeModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (m *TreeNodeModel) ToDomain() *models.TreeNode {
	n := &models.TreeNode{
		ID:                   m.ID.String(),
		TreeID:               m.TreeID.String(),
		NodeKey:              m.NodeKey,
		NodeRole:             m.NodeRole,
		NodeType:             m.NodeType,
		Provider:             m.Provider,
		Model:                m.Model,
		ExecutionPermissions: map[string]any(m.ExecutionPermissions),
		ErrorHandlerConfig:   map[string]any(m.ErrorHandlerConfig),
		MaxChildren:          m.MaxChildren,
		MaxRetries:           m.MaxRetries,
		SequenceIndex:        m.SequenceIndex,
	}
	if m.PromptTemplateID != nil {
		n.PromptTemplateID = m.PromptTemplateID.String()
	}
	return n
}

func NewTreeNodeModel(n *models.TreeNode) (*TreeNodeModel, error) {
	id, err := parseOptionalUUID(n.ID)
	if err != nil {
		return nil, err
	}
	treeID, err := uuid.Parse(n.TreeID)
	if err != nil {
		return nil, err
	}
	out := &TreeNodeModel{
		ID:                   id,
		TreeID:               treeID,
		NodeKey:              n.NodeKey,
		NodeRole:             n.NodeRole,
		NodeType:             n.NodeType,
		Provider:             n.Provider,
		Model:                n.Model,
		ExecutionPermissions: JSONBMap(n.ExecutionPermissions),
		ErrorHandlerConfig:   JSONBMap(n.ErrorHandlerConfig),
		MaxChildren:          n.MaxChildren,
		MaxRetries:           n.MaxRetries,
		SequenceIndex:        n.SequenceIndex,
	}
	if n.PromptTemplateID != "" {
		ptID, err := uuid.Parse(n.PromptTemplateID)
		if err != nil {
			return nil, err
		}
		out.PromptTemplateID = &ptID
	}
	return out, nil
}

// TreeEdgeModel is the persisted row for a directed edge between two tree nodes.
type TreeEdgeModel struct {
	bun.BaseModel `bun:"table:alphred_tree_edges,alias:te"`

	ID                uuid.UUID               `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	TreeID            uuid.UUID               `bun:"tree_id,notnull,type:uuid"`
	SourceNodeID      uuid.UUID               `bun:"source_node_id,notnull,type:uuid"`
	TargetNodeID      uuid.UUID               `bun:"target_node_id,notnull,type:uuid"`
	RouteOn           models.RouteOn          `bun:"route_on,notnull"`
	Priority          int                     `bun:"priority,notnull,default:0"`
	Auto              bool                    `bun:"auto,notnull,default:false"`
	GuardDefinitionID string                  `bun:"guard_definition_id"`
	Guard             *models.GuardExpression `bun:"guard,type:jsonb"`
}

func (m *TreeEdgeModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (m *TreeEdgeModel) ToDomain() *models.TreeEdge {
	return &models.TreeEdge{
		ID:                m.ID.String(),
		TreeID:            m.TreeID.String(),
		SourceNodeID:      m.SourceNodeID.String(),
		TargetNodeID:      m.TargetNodeID.String(),
		RouteOn:           m.RouteOn,
		Priority:          m.Priority,
		Auto:              m.Auto,
		GuardDefinitionID: m.GuardDefinitionID,
		Guard:             m.Guard,
	}
}

func NewTreeEdgeModel(e *models.TreeEdge) (*TreeEdgeModel, error) {
	id, err := parseOptionalUUID(e.ID)
	if err != nil {
		return nil, err
	}
	treeID, err := uuid.Parse(e.TreeID)
	if err != nil {
		return nil, err
	}
	sourceID, err := uuid.Parse(e.SourceNodeID)
	if err != nil {
		return nil, err
	}
	targetID, err := uuid.Parse(e.TargetNodeID)
	if err != nil {
		return nil, err
	}
	return &TreeEdgeModel{
		ID:                id,
		TreeID:            treeID,
		SourceNodeID:      sourceID,
		TargetNodeID:      targetID,
		RouteOn:           e.RouteOn,
		Priority:          e.Priority,
		Auto:              e.Auto,
		GuardDefinitionID: e.GuardDefinitionID,
		Guard:             e.Guard,
	}, nil
}

// PromptTemplateModel is the persisted row for a versioned prompt body.
type PromptTemplateModel struct {
	bun.BaseModel `bun:"table:alphred_prompt_templates,alias:pt"`

	ID          uuid.UUID               `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	TemplateKey string                  `bun:"template_key,notnull"`
	Version     int                     `bun:"version,notnull"`
	Content     string                  `bun:"content,notnull"`
	ContentType models.PromptContentType `bun:"content_type,notnull"`
}

func (m *PromptTemplateModel) BeforeInsert(ctx any) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (m *PromptTemplateModel) ToDomain() *models.PromptTemplate {
	return &models.PromptTemplate{
		ID:          m.ID.String(),
		TemplateKey: m.TemplateKey,
		Version:     m.Version,
		Content:     m.Content,
		ContentType: m.ContentType,
	}
}

func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
