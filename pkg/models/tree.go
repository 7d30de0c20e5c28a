package models

// WorkflowTree is a versioned workflow topology definition.
type WorkflowTree struct {
	ID          string
	TreeKey     string
	Version     int
	Name        string
	Description string
	Status      WorkflowTreeStatus
}

// WorkflowTreeStatus is the publication state of a tree version.
type WorkflowTreeStatus string

const (
	WorkflowTreeStatusDraft     WorkflowTreeStatus = "draft"
	WorkflowTreeStatusPublished WorkflowTreeStatus = "published"
)

// NodeRole distinguishes ordinary nodes from dynamic fan-out participants.
type NodeRole string

const (
	NodeRoleStandard NodeRole = "standard"
	NodeRoleSpawner  NodeRole = "spawner"
	NodeRoleJoin     NodeRole = "join"
)

// NodeType identifies what kind of participant executes a node.
type NodeType string

const (
	NodeTypeAgent NodeType = "agent"
	NodeTypeHuman NodeType = "human"
	NodeTypeTool  NodeType = "tool"
)

// TreeNode is a node definition within a workflow tree version.
type TreeNode struct {
	ID                  string
	TreeID              string
	NodeKey             string
	NodeRole            NodeRole
	NodeType            NodeType
	Provider            string
	Model               string
	ExecutionPermissions map[string]any
	ErrorHandlerConfig  map[string]any
	MaxChildren         int
	MaxRetries          int
	SequenceIndex       int
	PromptTemplateID    string
}

// RouteOn is the condition class under which a tree or run edge may fire.
type RouteOn string

const (
	RouteOnSuccess  RouteOn = "success"
	RouteOnFailure  RouteOn = "failure"
	RouteOnTerminal RouteOn = "terminal"
)

// TreeEdge is a directed edge between two nodes of the same tree version.
type TreeEdge struct {
	ID               string
	TreeID           string
	SourceNodeID     string
	TargetNodeID     string
	RouteOn          RouteOn
	Priority         int
	Auto             bool
	GuardDefinitionID string
	Guard            *GuardExpression
}

// GuardOp is a leaf comparison operator.
type GuardOp string

const (
	GuardOpEq  GuardOp = "=="
	GuardOpNeq GuardOp = "!="
	GuardOpLt  GuardOp = "<"
	GuardOpLte GuardOp = "<="
	GuardOpGt  GuardOp = ">"
	GuardOpGte GuardOp = ">="
)

// GuardLogic is a boolean combinator for nested guard expressions.
type GuardLogic string

const (
	GuardLogicAnd GuardLogic = "and"
	GuardLogicOr  GuardLogic = "or"
)

// GuardExpression is a recursive boolean expression evaluated against a routing
// context map. Exactly one of (Field set) or (Logic set) is populated: a leaf
// node compares Field against Value using Op; a boolean node combines
// Conditions with Logic.
type GuardExpression struct {
	// Leaf form.
	Field string
	Op    GuardOp
	Value any

	// Boolean form.
	Logic      GuardLogic
	Conditions []*GuardExpression
}

// IsLeaf reports whether this node is a leaf comparison rather than a boolean combinator.
func (g *GuardExpression) IsLeaf() bool {
	return g != nil && g.Logic == ""
}

// PromptContentType classifies how a prompt/artifact's content should be interpreted.
type PromptContentType string

const (
	ContentTypeText     PromptContentType = "text"
	ContentTypeMarkdown PromptContentType = "markdown"
	ContentTypeJSON     PromptContentType = "json"
	ContentTypeDiff     PromptContentType = "diff"
)

// PromptTemplate is a versioned prompt body referenced by a tree node.
type PromptTemplate struct {
	ID          string
	TemplateKey string
	Version     int
	Content     string
	ContentType PromptContentType
}
