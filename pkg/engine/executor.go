package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alphred/engine/internal/domain/repository"
	"github.com/alphred/engine/pkg/models"
)

// StepOutcome is the observable result of one ExecuteNextRunnableNode call
// (§4.6).
type StepOutcome string

const (
	StepAdvanced    StepOutcome = "advanced"
	StepBlocked     StepOutcome = "blocked"
	StepRunTerminal StepOutcome = "run_terminal"
)

// defaultFallbackPrompt is used when a node's materialized prompt is empty --
// an agent node should always carry a resolved PromptTemplate, but a human or
// tool node may not.
const defaultFallbackPrompt = "Proceed with the task described by the upstream context below."

// ExecuteOptions bounds the envelope/diagnostics sizes and supplies an
// injectable clock for deterministic timestamp assertions in tests.
type ExecuteOptions struct {
	MaxEnvelopeChars    int
	DiagnosticsMaxBytes int
	Now                 func() time.Time
}

func (o ExecuteOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o ExecuteOptions) maxEnvelopeChars() int {
	if o.MaxEnvelopeChars > 0 {
		return o.MaxEnvelopeChars
	}
	return DefaultMaxEnvelopeChars
}

func (o ExecuteOptions) diagnosticsMaxBytes() int {
	if o.DiagnosticsMaxBytes > 0 {
		return o.DiagnosticsMaxBytes
	}
	return DefaultMaxDiagnosticsBytes
}

// Notifier is implemented by anything that wants to observe step outcomes
// (the diagnostics/observer transport, §6 expansion). It must not block the
// caller or panic; implementations are expected to dispatch asynchronously,
// mirroring the teacher's ObserverManager.Notify.
type Notifier interface {
	Notify(ctx context.Context, event StepEvent)
}

// StepEvent is emitted once for each node that ExecuteNextRunnableNode claims
// and executes; steps that return blocked or run_terminal emit nothing.
type StepEvent struct {
	WorkflowRunID string
	RunNodeID     string
	NodeKey       string
	Outcome       StepOutcome
	Diagnostics   *RunNodeDiagnosticsPayload
	Err           error
}

// Executor drives a single run forward by one node per ExecuteNextRunnableNode
// call, grounded in the teacher's DAGExecutor.executeNode but restructured
// from wave-based DAG traversal into the message-driven step loop the
// original calls for (§9 design notes).
type Executor struct {
	Store     repository.Store
	Providers *ProviderRegistry
	Router    *Router
	Fanout    *FanoutEngine
	Notifier  Notifier
	Options   ExecuteOptions
}

// NewExecutor wires an Executor from its collaborators.
func NewExecutor(store repository.Store, providers *ProviderRegistry, router *Router, fanout *FanoutEngine, notifier Notifier, opts ExecuteOptions) *Executor {
	return &Executor{Store: store, Providers: providers, Router: router, Fanout: fanout, Notifier: notifier, Options: opts}
}

func (e *Executor) notify(ctx context.Context, ev StepEvent) {
	if e.Notifier != nil {
		e.Notifier.Notify(ctx, ev)
	}
}

// ExecuteNextRunnableNode implements §4.6's single-step API.
func (e *Executor) ExecuteNextRunnableNode(ctx context.Context, workflowRunID string) (StepOutcome, error) {
	run, err := e.Store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return "", err
	}
	if run.Status != models.RunStatusPending && run.Status != models.RunStatusRunning {
		return "", &models.RunError{WorkflowRunID: workflowRunID, Op: "executeNextRunnableNode", Err: models.ErrRunControlConflict}
	}

	snapshot, err := e.loadSnapshot(ctx, workflowRunID)
	if err != nil {
		return "", err
	}

	result, err := e.Router.Route(*snapshot)
	if err != nil {
		return "", err
	}

	runnable := e.Router.NextRunnable(*snapshot, result)
	if len(runnable) == 0 {
		return e.settleOrBlock(ctx, run, snapshot, result)
	}

	node := runnable[0]
	now := e.Options.now()

	if run.Status == models.RunStatusPending {
		if _, err := e.Store.UpdateRunStatus(ctx, run.ID, models.RunStatusPending, models.RunStatusRunning, now); err != nil {
			return "", err
		}
		run.Status = models.RunStatusRunning
	}

	claimed, err := e.claimNode(ctx, node, now)
	if err != nil {
		return "", err
	}
	if !claimed {
		return StepBlocked, nil
	}

	diag, stepErr := e.executeClaimedNode(ctx, run, snapshot, node, now)
	e.notify(ctx, StepEvent{WorkflowRunID: workflowRunID, RunNodeID: node.ID, NodeKey: node.NodeKey, Outcome: StepAdvanced, Diagnostics: diag, Err: stepErr})
	if stepErr != nil {
		return "", stepErr
	}

	if err := e.propagateSkips(ctx, workflowRunID); err != nil {
		return "", err
	}

	return StepAdvanced, nil
}

func (e *Executor) claimNode(ctx context.Context, node *models.RunNode, now time.Time) (bool, error) {
	from := node.Status
	if from == models.RunNodeStatusCompleted {
		changed, err := e.Store.UpdateRunNodeStatus(ctx, node.ID, models.RunNodeStatusCompleted, models.RunNodeStatusPending, now)
		if err != nil {
			return false, err
		}
		if changed == 0 {
			return false, nil
		}
		from = models.RunNodeStatusPending
		node.Status = models.RunNodeStatusPending
	}

	changed, err := e.Store.UpdateRunNodeStatus(ctx, node.ID, from, models.RunNodeStatusRunning, now)
	if err != nil {
		return false, err
	}
	if changed != 1 {
		return false, nil
	}
	node.Status = models.RunNodeStatusRunning
	node.StartedAt = &now
	return true, nil
}

// executeClaimedNode runs steps 5-11 of §4.6 against an already-claimed node.
func (e *Executor) executeClaimedNode(ctx context.Context, run *models.WorkflowRun, snapshot *RunSnapshot, node *models.RunNode, queuedAt time.Time) (*RunNodeDiagnosticsPayload, error) {
	provider, err := e.Providers.Resolve(node.Provider)
	if err != nil {
		return nil, err
	}

	envelope, err := e.buildEnvelope(ctx, *snapshot, node)
	if err != nil {
		return nil, err
	}
	prompt := composePrompt(node, envelope)

	events, errs := provider.Run(ctx, prompt, node.ExecutionPermissions)
	outcome, tokensUsed, routingDecision, captureErr := consumeProviderStream(events, errs)

	now := e.Options.now()
	diag := &RunNodeDiagnosticsPayload{
		SchemaVersion:   DiagnosticsSchemaVersion,
		WorkflowRunID:   node.WorkflowRunID,
		RunNodeID:       node.ID,
		NodeKey:         node.NodeKey,
		Attempt:         node.Attempt,
		Provider:        node.Provider,
		ContextHandoff:  envelope,
		EventTypeCounts: EventTypeCounts(outcome.events),
		Events:          outcome.events,
		ToolEvents:      outcome.toolEvents,
		Timing: Timing{
			QueuedAt:    queuedAt,
			StartedAt:   queuedAt,
			PersistedAt: now,
		},
		Summary: DiagnosticsSummary{
			TokensUsed:         tokensUsed,
			EventCount:         len(outcome.events),
			RetainedEventCount: len(outcome.events),
			ToolEventCount:     len(outcome.toolEvents),
		},
	}
	if routingDecision != nil {
		diag.RoutingDecision = routingDecision
	}

	if captureErr == nil {
		if err := e.persistSuccess(ctx, node, outcome, routingDecision, now); err != nil {
			return nil, err
		}
		diag.Outcome = "completed"
		diag.Status = models.RunNodeStatusCompleted
		diag.Timing.CompletedAt = &now
	} else {
		errMsg := captureErr.Error()
		diag.Outcome = "failed"
		diag.Status = models.RunNodeStatusFailed
		diag.Timing.FailedAt = &now
		diag.Error = &errMsg

		if err := e.persistFailure(ctx, node, errMsg, now); err != nil {
			return nil, err
		}
		if err := e.applyRetryPolicy(ctx, node, errMsg, now); err != nil {
			return nil, err
		}
	}

	if node.NodeRole == models.NodeRoleSpawner && captureErr == nil && e.Fanout != nil {
		report, aErr := e.Store.GetLatestArtifactByType(ctx, node.ID, models.ArtifactTypeReport)
		if aErr != nil {
			return nil, aErr
		}
		if _, fErr := e.Fanout.Spawn(ctx, node, report); fErr != nil {
			return nil, fErr
		}
	}
	if node.JoinNodeID != "" && captureErr == nil && e.Fanout != nil {
		if err := e.Fanout.RecordChildOutcome(ctx, node, true, now); err != nil {
			return nil, err
		}
	}
	if node.NodeRole == models.NodeRoleJoin && captureErr == nil && e.Fanout != nil {
		if err := e.Fanout.ReleaseBarriersForJoin(ctx, node, now); err != nil {
			return nil, err
		}
	}

	RedactPayload(diag)
	if err := CapPayload(diag, e.Options.diagnosticsMaxBytes()); err != nil {
		return nil, err
	}

	return diag, nil
}

func (e *Executor) persistSuccess(ctx context.Context, node *models.RunNode, outcome streamOutcome, decision *models.RoutingDecisionType, now time.Time) error {
	artifact := &models.PhaseArtifact{
		WorkflowRunID: node.WorkflowRunID,
		RunNodeID:     node.ID,
		ArtifactType:  models.ArtifactTypeReport,
		ContentType:   node.PromptContentType,
		Content:       outcome.resultContent,
		CreatedAt:     now,
	}
	if err := e.Store.CreatePhaseArtifact(ctx, artifact); err != nil {
		return err
	}
	if decision != nil {
		if err := e.Store.CreateRoutingDecision(ctx, &models.RoutingDecision{
			WorkflowRunID: node.WorkflowRunID,
			RunNodeID:     node.ID,
			DecisionType:  *decision,
			RawOutput:     map[string]any{"attempt": node.Attempt},
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}
	if _, err := e.Store.UpdateRunNodeStatus(ctx, node.ID, models.RunNodeStatusRunning, models.RunNodeStatusCompleted, now); err != nil {
		return err
	}
	return nil
}

func (e *Executor) persistFailure(ctx context.Context, node *models.RunNode, errMsg string, now time.Time) error {
	artifact := &models.PhaseArtifact{
		WorkflowRunID: node.WorkflowRunID,
		RunNodeID:     node.ID,
		ArtifactType:  models.ArtifactTypeLog,
		ContentType:   models.ContentTypeText,
		Content:       errMsg,
		CreatedAt:     now,
	}
	if err := e.Store.CreatePhaseArtifact(ctx, artifact); err != nil {
		return err
	}
	if _, err := e.Store.UpdateRunNodeStatus(ctx, node.ID, models.RunNodeStatusRunning, models.RunNodeStatusFailed, now); err != nil {
		return err
	}
	if node.JoinNodeID != "" && e.Fanout != nil {
		if err := e.Fanout.RecordChildOutcome(ctx, node, false, now); err != nil {
			return err
		}
	}
	return nil
}

// applyRetryPolicy implements §4.6's retry-requeue rule: while
// attempt < 1+maxRetries, write a retry_failure_summary note and create the
// next-attempt RunNode row; reopen the node's join barrier if it is a
// fan-out child (persistFailure already counted this attempt as terminal;
// a requeue immediately undoes that count).
func (e *Executor) applyRetryPolicy(ctx context.Context, node *models.RunNode, errMsg string, now time.Time) error {
	if node.Attempt >= 1+node.MaxRetries {
		return nil
	}

	note := &models.PhaseArtifact{
		WorkflowRunID: node.WorkflowRunID,
		RunNodeID:     node.ID,
		ArtifactType:  models.ArtifactTypeNote,
		ContentType:   models.ContentTypeText,
		Content:       fmt.Sprintf("attempt %d failed: %s", node.Attempt, errMsg),
		Metadata:      map[string]any{"kind": models.NoteKindRetryFailureSummary, "sourceAttempt": node.Attempt},
		CreatedAt:     now,
	}
	if err := e.Store.CreatePhaseArtifact(ctx, note); err != nil {
		return err
	}

	next := *node
	next.ID = ""
	next.Attempt = node.Attempt + 1
	next.Status = models.RunNodeStatusPending
	next.StartedAt = nil
	next.CompletedAt = nil
	if len(node.ErrorHandlerConfig) > 0 {
		if provider, ok := node.ErrorHandlerConfig["provider"].(string); ok && provider != "" {
			next.Provider = provider
		}
		if model, ok := node.ErrorHandlerConfig["model"].(string); ok && model != "" {
			next.Model = model
		}
	}
	if err := e.Store.CreateRunNode(ctx, &next); err != nil {
		return err
	}

	if node.JoinNodeID != "" && e.Fanout != nil {
		return e.Fanout.ReopenChild(ctx, node, now)
	}
	return nil
}

func (e *Executor) buildEnvelope(ctx context.Context, snapshot RunSnapshot, node *models.RunNode) (string, error) {
	incoming := snapshot.IncomingEdges(node.ID)
	sources := make([]UpstreamSource, 0, len(incoming))
	for _, edge := range incoming {
		src := snapshot.NodesByID[edge.SourceRunNodeID]
		if src == nil {
			continue
		}
		report, err := e.Store.GetLatestArtifactByType(ctx, src.ID, models.ArtifactTypeReport)
		if err != nil {
			return "", err
		}
		if report == nil {
			continue
		}
		sources = append(sources, UpstreamSource{
			SequenceIndex: src.SequenceIndex,
			NodeKey:       src.NodeKey,
			RunNodeID:     src.ID,
			Attempt:       src.Attempt,
			Artifact:      report,
		})
	}
	envelope := BuildContextHandoff(node.WorkflowRunID, node.NodeKey, sources, e.Options.maxEnvelopeChars())

	if node.Attempt > 1 {
		retryEnvelope, err := e.buildRetryFailureEnvelope(ctx, node)
		if err != nil {
			return "", err
		}
		if retryEnvelope != "" {
			if envelope != "" {
				envelope += "\n"
			}
			envelope += retryEnvelope
		}
	}

	return envelope, nil
}

// buildRetryFailureEnvelope implements §4.6/§4.8: a requeued attempt's
// prompt carries the retry_failure_summary note its predecessor attempt
// wrote before being requeued.
func (e *Executor) buildRetryFailureEnvelope(ctx context.Context, node *models.RunNode) (string, error) {
	previous, err := e.Store.GetRunNodeByNodeKeyAndAttempt(ctx, node.WorkflowRunID, node.NodeKey, node.Attempt-1)
	if err != nil || previous == nil {
		return "", err
	}
	note, err := e.Store.GetLatestArtifactByType(ctx, previous.ID, models.ArtifactTypeNote)
	if err != nil || note == nil {
		return "", err
	}
	return BuildRetryFailureEnvelope(node.WorkflowRunID, node.NodeKey, note, previous.Attempt, e.Options.maxEnvelopeChars()), nil
}

func composePrompt(node *models.RunNode, envelope string) string {
	body := node.Prompt
	if strings.TrimSpace(body) == "" {
		body = defaultFallbackPrompt
	}
	if envelope == "" {
		return body
	}
	return body + "\n\n" + envelope
}

// settleOrBlock handles the no-runnable-node branch of §4.6 step 2: either
// the run has reached a terminal state, or every remaining node is
// in-flight/unselectable and the step reports blocked.
func (e *Executor) settleOrBlock(ctx context.Context, run *models.WorkflowRun, snapshot *RunSnapshot, result *RoutingResult) (StepOutcome, error) {
	anyInFlight := false
	anyUnhandledFailure := false
	for _, node := range snapshot.Nodes {
		switch node.Status {
		case models.RunNodeStatusPending, models.RunNodeStatusRunning:
			anyInFlight = true
		case models.RunNodeStatusFailed:
			if !result.FailureHandled[node.ID] {
				anyUnhandledFailure = true
			}
		}
	}

	if anyInFlight {
		return StepBlocked, nil
	}

	terminal := models.RunStatusCompleted
	if anyUnhandledFailure {
		terminal = models.RunStatusFailed
	}

	now := e.Options.now()
	if _, err := e.Store.UpdateRunStatus(ctx, run.ID, run.Status, terminal, now); err != nil {
		return "", err
	}
	return StepRunTerminal, nil
}

func (e *Executor) propagateSkips(ctx context.Context, workflowRunID string) error {
	snapshot, err := e.loadSnapshot(ctx, workflowRunID)
	if err != nil {
		return err
	}
	result, err := e.Router.Route(*snapshot)
	if err != nil {
		return err
	}
	now := e.Options.now()
	for _, id := range e.Router.PropagateSkips(*snapshot, result) {
		if _, err := e.Store.UpdateRunNodeStatus(ctx, id, models.RunNodeStatusPending, models.RunNodeStatusSkipped, now); err != nil {
			if errors.Is(err, models.ErrPreconditionFailed) {
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Executor) loadSnapshot(ctx context.Context, workflowRunID string) (*RunSnapshot, error) {
	nodes, err := e.Store.ListLatestRunNodes(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}
	edges, err := e.Store.ListRunNodeEdges(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}

	nodesByID := make(map[string]*models.RunNode, len(nodes))
	decisions := make(map[string]*models.RoutingDecision, len(nodes))
	artifacts := make(map[string]*models.PhaseArtifact, len(nodes))
	barriers := make(map[string]*models.RunJoinBarrier)
	for _, n := range nodes {
		nodesByID[n.ID] = n
		decision, err := e.Store.GetLatestRoutingDecision(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		if decision != nil {
			decisions[n.ID] = decision
		}
		artifact, err := e.Store.GetLatestArtifact(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			artifacts[n.ID] = artifact
		}
		if n.NodeRole == models.NodeRoleJoin {
			barrier, err := e.Store.GetLatestJoinBarrierForJoinNode(ctx, n.ID)
			if err != nil {
				return nil, err
			}
			if barrier != nil {
				barriers[n.ID] = barrier
			}
		}
	}

	return &RunSnapshot{
		Nodes:        nodes,
		NodesByID:    nodesByID,
		Edges:        edges,
		Decisions:    decisions,
		Artifacts:    artifacts,
		JoinBarriers: barriers,
	}, nil
}

// streamOutcome is the accumulated result of consuming a provider's event
// stream to completion (§4.6 step 6).
type streamOutcome struct {
	events        []models.ProviderEvent
	toolEvents    []models.ProviderEvent
	resultContent string
}

// consumeProviderStream enforces the ordering/termination rules of §4.6 step
// 6: events after result are invalid, absence of result at stream end is
// invalid, the last applicable metadata.routingDecision is captured, and
// usage events feed the token accumulator.
func consumeProviderStream(events <-chan models.ProviderEvent, errs <-chan error) (streamOutcome, int, *models.RoutingDecisionType, error) {
	var outcome streamOutcome
	var tokens int
	var decision *models.RoutingDecisionType
	sawResult := false

	for ev := range events {
		if sawResult {
			return outcome, tokens, nil, fmt.Errorf("%w: event %q after result", models.ErrProviderInvalidEvent, ev.Type)
		}
		outcome.events = append(outcome.events, ev)
		if ev.Type == models.ProviderEventToolUse || ev.Type == models.ProviderEventToolResult {
			outcome.toolEvents = append(outcome.toolEvents, ev)
		}
		tokens = AccumulateTokens(tokens, ev)

		if raw, ok := ev.Metadata["routingDecision"].(string); ok {
			dt := models.RoutingDecisionType(raw)
			switch dt {
			case models.DecisionApproved, models.DecisionChangesRequested, models.DecisionBlocked, models.DecisionRetry:
				decision = &dt
			}
		}

		if ev.Type == models.ProviderEventResult {
			sawResult = true
			outcome.resultContent = ev.Content
		}
	}

	if err := <-errs; err != nil {
		if errors.Is(err, context.Canceled) {
			return outcome, tokens, decision, fmt.Errorf("%w: %v", models.ErrProviderAborted, err)
		}
		return outcome, tokens, decision, fmt.Errorf("%w: %v", models.ErrProviderRunFailed, err)
	}

	if !sawResult {
		return outcome, tokens, decision, fmt.Errorf("%w", models.ErrProviderMissingResult)
	}

	return outcome, tokens, decision, nil
}
