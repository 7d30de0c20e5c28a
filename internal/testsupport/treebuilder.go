package testsupport

import (
	"github.com/google/uuid"

	"github.com/alphred/engine/pkg/models"
)

// TreeBuilder assembles a WorkflowTree plus its nodes/edges into a
// MemoryStore fixture, mirroring the teacher's WorkflowBuilder/ExecutionBuilder
// fluent-constructor pair.
type TreeBuilder struct {
	tree  *models.WorkflowTree
	nodes []*models.TreeNode
	edges []*models.TreeEdge
}

// NewTreeBuilder starts a fixture for a published tree version.
func NewTreeBuilder(treeKey string, version int) *TreeBuilder {
	return &TreeBuilder{
		tree: &models.WorkflowTree{
			ID:      uuid.NewString(),
			TreeKey: treeKey,
			Version: version,
			Name:    treeKey,
			Status:  models.WorkflowTreeStatusPublished,
		},
	}
}

// Draft marks the tree as unpublished.
func (b *TreeBuilder) Draft() *TreeBuilder {
	b.tree.Status = models.WorkflowTreeStatusDraft
	return b
}

// Name overrides the tree's display name.
func (b *TreeBuilder) Name(name string) *TreeBuilder {
	b.tree.Name = name
	return b
}

// Node appends a node definition, returning its generated ID for edge wiring.
func (b *TreeBuilder) Node(nodeKey string, role models.NodeRole, nodeType models.NodeType, sequenceIndex int) string {
	id := uuid.NewString()
	b.nodes = append(b.nodes, &models.TreeNode{
		ID:                   id,
		TreeID:               b.tree.ID,
		NodeKey:              nodeKey,
		NodeRole:             role,
		NodeType:             nodeType,
		ExecutionPermissions: map[string]any{},
		ErrorHandlerConfig:   map[string]any{},
		SequenceIndex:        sequenceIndex,
	})
	return id
}

// NodeWithLimits appends a spawner/join node carrying fan-out bounds.
func (b *TreeBuilder) NodeWithLimits(nodeKey string, role models.NodeRole, nodeType models.NodeType, sequenceIndex, maxChildren, maxRetries int) string {
	id := b.Node(nodeKey, role, nodeType, sequenceIndex)
	b.nodes[len(b.nodes)-1].MaxChildren = maxChildren
	b.nodes[len(b.nodes)-1].MaxRetries = maxRetries
	return id
}

// Edge appends a directed tree edge.
func (b *TreeBuilder) Edge(sourceID, targetID string, routeOn models.RouteOn, auto bool, priority int) *TreeBuilder {
	b.edges = append(b.edges, &models.TreeEdge{
		ID:           uuid.NewString(),
		TreeID:       b.tree.ID,
		SourceNodeID: sourceID,
		TargetNodeID: targetID,
		RouteOn:      routeOn,
		Auto:         auto,
		Priority:     priority,
	})
	return b
}

// GuardedEdge appends a directed tree edge evaluated against a guard expression.
func (b *TreeBuilder) GuardedEdge(sourceID, targetID string, routeOn models.RouteOn, priority int, guard *models.GuardExpression) *TreeBuilder {
	b.edges = append(b.edges, &models.TreeEdge{
		ID:           uuid.NewString(),
		TreeID:       b.tree.ID,
		SourceNodeID: sourceID,
		TargetNodeID: targetID,
		RouteOn:      routeOn,
		Priority:     priority,
		Guard:        guard,
	})
	return b
}

// TreeID returns the generated workflow tree ID, for assembling run fixtures.
func (b *TreeBuilder) TreeID() string {
	return b.tree.ID
}

// Seed writes the tree, nodes, and edges into store and returns the tree ID.
func (b *TreeBuilder) Seed(store *MemoryStore) string {
	store.SeedTree(b.tree)
	for _, n := range b.nodes {
		store.SeedTreeNode(n)
	}
	for _, e := range b.edges {
		store.SeedTreeEdge(e)
	}
	return b.tree.ID
}
