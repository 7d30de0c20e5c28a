package topology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/engine/internal/testsupport"
	"github.com/alphred/engine/pkg/models"
)

func TestLoader_LoadResolvesExplicitVersionAndOrdersDeterministically(t *testing.T) {
	store := testsupport.NewMemoryStore()
	b := testsupport.NewTreeBuilder("review-flow", 1)
	author := b.Node("author", models.NodeRoleStandard, models.NodeTypeAgent, 0)
	reviewer := b.Node("reviewer", models.NodeRoleStandard, models.NodeTypeAgent, 1)
	b.Edge(author, reviewer, models.RouteOnSuccess, true, 0)
	b.Seed(store)

	loader := NewLoader(store)
	got, err := loader.Load(context.Background(), Selector{TreeKey: "review-flow", Version: intPtr(1)})
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, "author", got.Nodes[0].NodeKey)
	assert.Equal(t, "reviewer", got.Nodes[1].NodeKey)
	assert.Equal(t, []string{"author"}, got.InitialRunnableNodeKeys)
}

func TestLoader_LoadWithoutVersionUsesMaxPublished(t *testing.T) {
	store := testsupport.NewMemoryStore()
	b1 := testsupport.NewTreeBuilder("review-flow", 1)
	b1.Node("author", models.NodeRoleStandard, models.NodeTypeAgent, 0)
	b1.Seed(store)
	b2 := testsupport.NewTreeBuilder("review-flow", 2)
	b2.Node("author", models.NodeRoleStandard, models.NodeTypeAgent, 0)
	b2.Seed(store)

	loader := NewLoader(store)
	got, err := loader.Load(context.Background(), Selector{TreeKey: "review-flow"})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Tree.Version)
}

func TestLoader_LoadRejectsUnknownTreeKey(t *testing.T) {
	store := testsupport.NewMemoryStore()
	loader := NewLoader(store)
	_, err := loader.Load(context.Background(), Selector{TreeKey: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrWorkflowTreeNotFound)
}

func TestLoader_LoadRejectsExplicitVersionNotFound(t *testing.T) {
	store := testsupport.NewMemoryStore()
	b := testsupport.NewTreeBuilder("review-flow", 1)
	b.Node("author", models.NodeRoleStandard, models.NodeTypeAgent, 0)
	b.Seed(store)

	loader := NewLoader(store)
	_, err := loader.Load(context.Background(), Selector{TreeKey: "review-flow", Version: intPtr(9)})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrWorkflowTreeNotFound)
}

func TestLoader_CheckIntegrityRejectsMissingPromptTemplate(t *testing.T) {
	store := testsupport.NewMemoryStore()
	b := testsupport.NewTreeBuilder("review-flow", 1)
	author := b.Node("author", models.NodeRoleStandard, models.NodeTypeAgent, 0)
	id := b.TreeID()
	b.Seed(store)

	nodes, err := store.ListTreeNodes(context.Background(), id)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.ID == author {
			n.PromptTemplateID = "missing-template"
		}
	}
	store.SeedTreeNode(nodes[0])

	loader := NewLoader(store)
	_, err = loader.Load(context.Background(), Selector{TreeKey: "review-flow", Version: intPtr(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrIntegrityError)
}

func intPtr(v int) *int { return &v }
