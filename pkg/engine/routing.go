package engine

import (
	"sort"

	"github.com/alphred/engine/pkg/models"
)

// RunSnapshot is the read-only view of a run's latest-attempt state that the
// routing algorithm (§4.5) operates over. Every map is keyed by RunNode.ID.
// The caller (the node executor, C6) is responsible for loading exactly the
// latest attempt per NodeKey and the latest decision/artifact per RunNode.
type RunSnapshot struct {
	Nodes     []*models.RunNode
	NodesByID map[string]*models.RunNode
	Edges     []*models.RunNodeEdge
	Decisions map[string]*models.RoutingDecision
	Artifacts map[string]*models.PhaseArtifact
	// JoinBarriers maps a join run-node id to its most recent
	// (spawner,join) barrier, consulted by join-node runnability (§4.7).
	JoinBarriers map[string]*models.RunJoinBarrier
}

// IncomingEdges groups run-edges by target run-node id.
func (s RunSnapshot) IncomingEdges(runNodeID string) []*models.RunNodeEdge {
	var out []*models.RunNodeEdge
	for _, e := range s.Edges {
		if e.TargetRunNodeID == runNodeID {
			out = append(out, e)
		}
	}
	return out
}

// RoutingResult is the outcome of one routing cycle over a RunSnapshot.
type RoutingResult struct {
	// SelectedSuccessEdge maps a completed source run-node id to the single
	// outgoing success edge it selected this cycle (invariant 3).
	SelectedSuccessEdge map[string]*models.RunNodeEdge
	// SelectedFailureEdge maps a failed source run-node id to the
	// failure-or-terminal edge it chose.
	SelectedFailureEdge map[string]*models.RunNodeEdge
	// FailureHandled records, per failed source run-node id, whether the
	// chosen edge's target is executable (pending|running|completed).
	FailureHandled map[string]bool
	// NoRouteDecision records completed source nodes whose decision existed
	// but matched no outgoing edge.
	NoRouteDecision map[string]bool
	// UnresolvedDecision records completed source nodes with no applicable
	// decision yet.
	UnresolvedDecision map[string]bool
}

// Router computes the next runnable set and skip-propagation for a run
// snapshot, generalizing the teacher's wave-based DAG traversal
// (shouldExecuteNode) to latest-attempt/artifact-timestamp-driven cyclic
// routing.
type Router struct {
	Evaluator *GuardEvaluator
}

// NewRouter creates a Router with the given guard evaluator.
func NewRouter(evaluator *GuardEvaluator) *Router {
	return &Router{Evaluator: evaluator}
}

// Route resolves, for every completed or failed node in the snapshot, which
// outgoing edge (if any) it has selected this cycle.
func (r *Router) Route(snapshot RunSnapshot) (*RoutingResult, error) {
	result := &RoutingResult{
		SelectedSuccessEdge: make(map[string]*models.RunNodeEdge),
		SelectedFailureEdge: make(map[string]*models.RunNodeEdge),
		FailureHandled:      make(map[string]bool),
		NoRouteDecision:     make(map[string]bool),
		UnresolvedDecision:  make(map[string]bool),
	}

	for _, node := range snapshot.Nodes {
		switch node.Status {
		case models.RunNodeStatusCompleted:
			edge, noRoute, unresolved, err := r.selectSuccessEdge(node, snapshot)
			if err != nil {
				return nil, err
			}
			if edge != nil {
				result.SelectedSuccessEdge[node.ID] = edge
			}
			if noRoute {
				result.NoRouteDecision[node.ID] = true
			}
			if unresolved {
				result.UnresolvedDecision[node.ID] = true
			}
		case models.RunNodeStatusFailed:
			edge, handled := r.selectFailureEdge(node, snapshot)
			if edge != nil {
				result.SelectedFailureEdge[node.ID] = edge
				result.FailureHandled[node.ID] = handled
			}
		}
	}

	return result, nil
}

func (r *Router) selectSuccessEdge(node *models.RunNode, snapshot RunSnapshot) (selected *models.RunNodeEdge, noRoute, unresolved bool, err error) {
	var candidates []*models.RunNodeEdge
	for _, e := range snapshot.Edges {
		if e.SourceRunNodeID == node.ID && e.RouteOn == models.RouteOnSuccess && e.EdgeKind == models.EdgeKindTree {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })

	decision := snapshot.Decisions[node.ID]
	artifact := snapshot.Artifacts[node.ID]
	applicable := decisionApplicable(node, decision, artifact)

	for _, edge := range candidates {
		if edge.Auto {
			return edge, false, false, nil
		}
		if !applicable || decision.DecisionType == models.DecisionNoRoute {
			continue
		}
		match, evalErr := r.Evaluator.Evaluate(edge.Guard, map[string]any{"decision": string(decision.DecisionType)})
		if evalErr != nil {
			return nil, false, false, evalErr
		}
		if match {
			return edge, false, false, nil
		}
	}

	if applicable {
		return nil, true, false, nil
	}
	return nil, false, true, nil
}

func (r *Router) selectFailureEdge(node *models.RunNode, snapshot RunSnapshot) (selected *models.RunNodeEdge, handled bool) {
	var failureEdges, terminalEdges []*models.RunNodeEdge
	for _, e := range snapshot.Edges {
		if e.SourceRunNodeID != node.ID {
			continue
		}
		switch e.RouteOn {
		case models.RouteOnFailure:
			failureEdges = append(failureEdges, e)
		case models.RouteOnTerminal:
			terminalEdges = append(terminalEdges, e)
		}
	}

	candidates := failureEdges
	if len(candidates) == 0 {
		candidates = terminalEdges
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
	selected = candidates[0]

	target := snapshot.NodesByID[selected.TargetRunNodeID]
	if target != nil {
		switch target.Status {
		case models.RunNodeStatusPending, models.RunNodeStatusRunning, models.RunNodeStatusCompleted:
			handled = true
		}
	}
	return selected, handled
}

// decisionApplicable implements §4.5 step 1: a decision is applicable iff it
// belongs to the node's current attempt and is not older than the node's
// latest artifact. RunNode/RoutingDecision ids are not inherently ordered
// (UUID primary keys), so "createdAt >= latestArtifact.createdAt" is used as
// the ordering signal the store already maintains for every row.
func decisionApplicable(node *models.RunNode, decision *models.RoutingDecision, latestArtifact *models.PhaseArtifact) bool {
	if decision == nil {
		return false
	}
	attemptRaw, ok := decision.RawOutput["attempt"]
	if !ok {
		return false
	}
	attempt, ok := toInt(attemptRaw)
	if !ok || attempt != node.Attempt {
		return false
	}
	if latestArtifact != nil && decision.CreatedAt.Before(latestArtifact.CreatedAt) {
		return false
	}
	return true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// NextRunnable computes the selectable set among latest attempts: a pending
// node with no incoming edge, or one whose incoming edge was selected this
// cycle; a completed node revisitable because a selected incoming edge's
// source observed a newer artifact than the node's own latest artifact.
func (r *Router) NextRunnable(snapshot RunSnapshot, result *RoutingResult) []*models.RunNode {
	var runnable []*models.RunNode

	for _, node := range snapshot.Nodes {
		incoming := snapshot.IncomingEdges(node.ID)

		switch node.Status {
		case models.RunNodeStatusPending:
			if len(incoming) == 0 {
				runnable = append(runnable, node)
				continue
			}
			if node.NodeRole == models.NodeRoleJoin {
				if joinRunnable(node, incoming, snapshot) {
					runnable = append(runnable, node)
				}
				continue
			}
			for _, e := range incoming {
				if isSelectedEdge(e, result) {
					runnable = append(runnable, node)
					break
				}
			}
		case models.RunNodeStatusCompleted:
			myArtifact := snapshot.Artifacts[node.ID]
			for _, e := range incoming {
				if !isSelectedEdge(e, result) {
					continue
				}
				srcArtifact := snapshot.Artifacts[e.SourceRunNodeID]
				if srcArtifact == nil {
					continue
				}
				if myArtifact == nil || srcArtifact.CreatedAt.After(myArtifact.CreatedAt) {
					runnable = append(runnable, node)
					break
				}
			}
		}
	}

	sort.Slice(runnable, func(i, j int) bool {
		if runnable[i].SequenceIndex != runnable[j].SequenceIndex {
			return runnable[i].SequenceIndex < runnable[j].SequenceIndex
		}
		if runnable[i].NodeKey != runnable[j].NodeKey {
			return runnable[i].NodeKey < runnable[j].NodeKey
		}
		return runnable[i].ID < runnable[j].ID
	})
	return runnable
}

// joinRunnable implements §4.7's join-selection override: all
// dynamic_child_to_join edge sources must be terminal, and the join's most
// recent barrier must be ready or released.
func joinRunnable(node *models.RunNode, incoming []*models.RunNodeEdge, snapshot RunSnapshot) bool {
	sawDynamic := false
	for _, e := range incoming {
		if e.EdgeKind != models.EdgeKindDynamicChildToJoin {
			continue
		}
		sawDynamic = true
		src := snapshot.NodesByID[e.SourceRunNodeID]
		if src == nil || !src.Status.IsTerminal() {
			return false
		}
	}
	if !sawDynamic {
		return false
	}
	barrier := snapshot.JoinBarriers[node.ID]
	if barrier == nil {
		return false
	}
	return barrier.Status == models.JoinBarrierReady || barrier.Status == models.JoinBarrierReleased
}

func isSelectedEdge(e *models.RunNodeEdge, result *RoutingResult) bool {
	if sel, ok := result.SelectedSuccessEdge[e.SourceRunNodeID]; ok && sel.ID == e.ID {
		return true
	}
	if sel, ok := result.SelectedFailureEdge[e.SourceRunNodeID]; ok && sel.ID == e.ID {
		return true
	}
	return false
}

// PropagateSkips scans latest attempts to a fixed point, returning the IDs of
// pending run-nodes that have no potential incoming route left -- every
// incoming edge's source is completed-but-not-selected or
// failed-and-handled-elsewhere -- so the caller can transition them
// pending->skipped (§4.5, invariant 8: reaches a fixed point in O(#nodes)).
func (r *Router) PropagateSkips(snapshot RunSnapshot, result *RoutingResult) []string {
	skipped := make(map[string]bool)

	for {
		changed := false
		for _, node := range snapshot.Nodes {
			if node.Status != models.RunNodeStatusPending || skipped[node.ID] {
				continue
			}
			if node.NodeRole == models.NodeRoleJoin {
				continue // join runnability is governed entirely by its barrier (§4.7)
			}
			incoming := snapshot.IncomingEdges(node.ID)
			if len(incoming) == 0 {
				continue // initial runnable node, never skip-eligible
			}
			if hasPotentialIncomingRoute(node, incoming, snapshot, result, skipped) {
				continue
			}
			skipped[node.ID] = true
			changed = true
		}
		if !changed {
			break
		}
	}

	ids := make([]string, 0, len(skipped))
	for id := range skipped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func hasPotentialIncomingRoute(node *models.RunNode, incoming []*models.RunNodeEdge, snapshot RunSnapshot, result *RoutingResult, alreadySkipped map[string]bool) bool {
	for _, e := range incoming {
		src := snapshot.NodesByID[e.SourceRunNodeID]
		if src == nil {
			continue
		}
		switch {
		case src.Status == models.RunNodeStatusPending && !alreadySkipped[src.ID]:
			return true
		case src.Status == models.RunNodeStatusRunning:
			return true
		case src.Status == models.RunNodeStatusCompleted:
			if isSelectedEdge(e, result) {
				return true
			}
		case src.Status == models.RunNodeStatusFailed:
			if sel, ok := result.SelectedFailureEdge[src.ID]; ok && sel.ID == e.ID {
				return true
			}
		}
	}
	return false
}
