package models

import "time"

// ArtifactType classifies a PhaseArtifact's role in the run's history.
type ArtifactType string

const (
	ArtifactTypeReport ArtifactType = "report"
	ArtifactTypeLog    ArtifactType = "log"
	ArtifactTypeNote   ArtifactType = "note"
)

// NoteKind narrows an ArtifactTypeNote artifact's purpose.
const NoteKindRetryFailureSummary = "retry_failure_summary"

// PhaseArtifact is a single piece of persisted output from a run-node attempt.
type PhaseArtifact struct {
	ID            string
	WorkflowRunID string
	RunNodeID     string
	ArtifactType  ArtifactType
	ContentType   PromptContentType
	Content       string
	Metadata      map[string]any
	CreatedAt     time.Time
}

// RoutingDecisionType is the structured signal a provider may emit to select
// an outgoing guarded edge.
type RoutingDecisionType string

const (
	DecisionApproved         RoutingDecisionType = "approved"
	DecisionChangesRequested RoutingDecisionType = "changes_requested"
	DecisionBlocked          RoutingDecisionType = "blocked"
	DecisionRetry            RoutingDecisionType = "retry"
	DecisionNoRoute          RoutingDecisionType = "no_route"
)

// RoutingDecision records a captured routing signal for a run-node attempt.
type RoutingDecision struct {
	ID            string
	WorkflowRunID string
	RunNodeID     string
	DecisionType  RoutingDecisionType
	RawOutput     map[string]any
	CreatedAt     time.Time
}

// JoinBarrierStatus tracks a fan-out batch's progress towards its join node.
type JoinBarrierStatus string

const (
	JoinBarrierPending   JoinBarrierStatus = "pending"
	JoinBarrierReady     JoinBarrierStatus = "ready"
	JoinBarrierReleased  JoinBarrierStatus = "released"
	JoinBarrierCancelled JoinBarrierStatus = "cancelled"
)

// RunJoinBarrier is the counter tracking a fan-out batch's termination state.
type RunJoinBarrier struct {
	ID                    string
	WorkflowRunID         string
	SpawnerRunNodeID      string
	JoinRunNodeID         string
	SpawnSourceArtifactID string
	ExpectedChildren      int
	TerminalChildren      int
	CompletedChildren     int
	FailedChildren        int
	Status                JoinBarrierStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ReleasedAt            *time.Time
}

// RunWorktreeStatus is the lifecycle state of an externally-owned worktree.
type RunWorktreeStatus string

const (
	RunWorktreeStatusActive  RunWorktreeStatus = "active"
	RunWorktreeStatusRemoved RunWorktreeStatus = "removed"
)

// RunWorktree is a read-only projection of a worktree owned by an external
// collaborator (the git worktree + clone/sync helpers, out of scope per §1).
// The engine consumes it for reporting only.
type RunWorktree struct {
	ID            string
	WorkflowRunID string
	RepositoryID  string
	WorktreePath  string
	Branch        string
	CommitHash    string
	Status        RunWorktreeStatus
}
