// Package topology resolves a workflow tree version into a deterministically
// ordered, integrity-checked snapshot the run materializer (C4) can build a
// run from.
package topology

import (
	"context"
	"fmt"
	"sort"

	"github.com/alphred/engine/internal/domain/repository"
	"github.com/alphred/engine/pkg/models"
)

// Selector identifies which tree version to resolve: an explicit version, or
// (when Version is nil) the max published version for TreeKey.
type Selector struct {
	TreeKey string
	Version *int
}

// ResolvedTopology is a tree version's nodes and edges in the deterministic
// order §4.3 requires, plus the nodes initially runnable from a fresh run.
type ResolvedTopology struct {
	Tree                   *models.WorkflowTree
	Nodes                  []*models.TreeNode
	Edges                  []*models.TreeEdge
	InitialRunnableNodeKeys []string
}

// Loader resolves workflow tree topologies from the store.
type Loader struct {
	Store repository.Store
}

// NewLoader creates a Loader bound to store.
func NewLoader(store repository.Store) *Loader {
	return &Loader{Store: store}
}

// Load resolves sel to a single tree version and its ordered, integrity-
// checked node/edge set (§4.3).
func (l *Loader) Load(ctx context.Context, sel Selector) (*ResolvedTopology, error) {
	tree, err := l.resolveTree(ctx, sel)
	if err != nil {
		return nil, err
	}

	nodes, err := l.Store.ListTreeNodes(ctx, tree.ID)
	if err != nil {
		return nil, err
	}
	edges, err := l.Store.ListTreeEdges(ctx, tree.ID)
	if err != nil {
		return nil, err
	}

	nodesByID := make(map[string]*models.TreeNode, len(nodes))
	for _, n := range nodes {
		nodesByID[n.ID] = n
	}

	if err := l.checkIntegrity(ctx, sel.TreeKey, nodes, edges); err != nil {
		return nil, err
	}

	sortNodes(nodes)
	sortEdges(edges, nodesByID)

	hasIncoming := make(map[string]bool, len(nodes))
	for _, e := range edges {
		hasIncoming[e.TargetNodeID] = true
	}
	var initial []string
	for _, n := range nodes {
		if !hasIncoming[n.ID] {
			initial = append(initial, n.NodeKey)
		}
	}
	sort.Strings(initial)

	return &ResolvedTopology{
		Tree:                   tree,
		Nodes:                  nodes,
		Edges:                  edges,
		InitialRunnableNodeKeys: initial,
	}, nil
}

func (l *Loader) resolveTree(ctx context.Context, sel Selector) (*models.WorkflowTree, error) {
	if sel.Version != nil {
		tree, err := l.Store.GetWorkflowTreeByKeyAndVersion(ctx, sel.TreeKey, *sel.Version)
		if err != nil {
			return nil, err
		}
		if tree == nil {
			return nil, &models.TopologyError{TreeKey: sel.TreeKey, Version: sel.Version, Err: models.ErrWorkflowTreeNotFound}
		}
		return tree, nil
	}

	candidates, err := l.Store.GetPublishedWorkflowTreesAtMaxVersion(ctx, sel.TreeKey)
	if err != nil {
		return nil, err
	}
	switch len(candidates) {
	case 0:
		return nil, &models.TopologyError{TreeKey: sel.TreeKey, Err: models.ErrWorkflowTreeNotFound}
	case 1:
		return candidates[0], nil
	default:
		return nil, &models.TopologyError{TreeKey: sel.TreeKey, Err: models.ErrAmbiguousWorkflowTreeVersion}
	}
}

// checkIntegrity enforces §4.3's "joined prompt/guard present without parent
// fields" rule: a node referencing a prompt template id must resolve to an
// actual template row, and an edge referencing a guard definition id must
// carry a loaded guard expression.
func (l *Loader) checkIntegrity(ctx context.Context, treeKey string, nodes []*models.TreeNode, edges []*models.TreeEdge) error {
	for _, n := range nodes {
		if n.PromptTemplateID == "" {
			continue
		}
		prompt, err := l.Store.GetPromptTemplate(ctx, n.PromptTemplateID)
		if err != nil {
			return err
		}
		if prompt == nil {
			return &models.TopologyError{TreeKey: treeKey, Err: fmt.Errorf("%w: node %s references missing prompt template %s", models.ErrIntegrityError, n.NodeKey, n.PromptTemplateID)}
		}
	}
	for _, e := range edges {
		if e.GuardDefinitionID != "" && e.Guard == nil {
			return &models.TopologyError{TreeKey: treeKey, Err: fmt.Errorf("%w: edge %s references guard definition %s with no loaded guard", models.ErrIntegrityError, e.ID, e.GuardDefinitionID)}
		}
	}
	return nil
}

func sortNodes(nodes []*models.TreeNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SequenceIndex != nodes[j].SequenceIndex {
			return nodes[i].SequenceIndex < nodes[j].SequenceIndex
		}
		if nodes[i].NodeKey != nodes[j].NodeKey {
			return nodes[i].NodeKey < nodes[j].NodeKey
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func sortEdges(edges []*models.TreeEdge, nodesByID map[string]*models.TreeNode) {
	seq := func(id string) int {
		if n := nodesByID[id]; n != nil {
			return n.SequenceIndex
		}
		return 0
	}
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if sa, sb := seq(a.SourceNodeID), seq(b.SourceNodeID); sa != sb {
			return sa < sb
		}
		if a.RouteOn != b.RouteOn {
			return a.RouteOn < b.RouteOn
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if ta, tb := seq(a.TargetNodeID), seq(b.TargetNodeID); ta != tb {
			return ta < tb
		}
		return a.ID < b.ID
	})
}
