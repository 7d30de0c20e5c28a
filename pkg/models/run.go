package models

import "time"

// RunStatus is the lifecycle status of a WorkflowRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether a run status is one of the immutable terminal statuses.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowRun is one execution instance of a workflow tree version.
type WorkflowRun struct {
	ID             string
	WorkflowTreeID string
	Status         RunStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// RunNodeStatus is the lifecycle status of a single RunNode attempt.
type RunNodeStatus string

const (
	RunNodeStatusPending   RunNodeStatus = "pending"
	RunNodeStatusRunning   RunNodeStatus = "running"
	RunNodeStatusCompleted RunNodeStatus = "completed"
	RunNodeStatusFailed    RunNodeStatus = "failed"
	RunNodeStatusSkipped   RunNodeStatus = "skipped"
	RunNodeStatusCancelled RunNodeStatus = "cancelled"
)

// IsTerminal reports whether a run-node status will not be mutated further by
// the executor within this attempt (retries and revisits still create new rows).
func (s RunNodeStatus) IsTerminal() bool {
	switch s {
	case RunNodeStatusCompleted, RunNodeStatusFailed, RunNodeStatusSkipped, RunNodeStatusCancelled:
		return true
	default:
		return false
	}
}

// RunNode is a per-attempt execution snapshot of a tree node within a run.
type RunNode struct {
	ID                   string
	WorkflowRunID        string
	TreeNodeID           string
	NodeKey              string
	NodeRole             NodeRole
	NodeType             NodeType
	Provider             string
	Model                string
	Prompt               string
	PromptContentType    PromptContentType
	ExecutionPermissions map[string]any
	ErrorHandlerConfig   map[string]any
	MaxChildren          int
	MaxRetries           int
	SpawnerNodeID        string
	JoinNodeID           string
	LineageDepth         int
	SequencePath         string
	Status               RunNodeStatus
	SequenceIndex        int
	Attempt              int
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// EdgeKind classifies whether a run edge was materialized from the tree or
// created dynamically by the fan-out engine.
type EdgeKind string

const (
	EdgeKindTree                 EdgeKind = "tree"
	EdgeKindDynamicSpawnerToChild EdgeKind = "dynamic_spawner_to_child"
	EdgeKindDynamicChildToJoin    EdgeKind = "dynamic_child_to_join"
)

// RunNodeEdge is a directed edge between two run-nodes within the same run.
type RunNodeEdge struct {
	ID              string
	WorkflowRunID   string
	SourceRunNodeID string
	TargetRunNodeID string
	RouteOn         RouteOn
	Auto            bool
	Guard           *GuardExpression
	Priority        int
	EdgeKind        EdgeKind
}
