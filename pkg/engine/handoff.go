package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alphred/engine/pkg/models"
)

// EnvelopeInput carries everything needed to render one ALPHRED_UPSTREAM_ARTIFACT
// envelope (§4.8). The same shape renders upstream report handoffs,
// retry-failure summaries, and failure-route context -- only ArtifactType and
// ContentType vary.
type EnvelopeInput struct {
	PolicyVersion   int
	WorkflowRunID   string
	TargetNodeKey   string
	SourceNodeKey   string
	SourceRunNodeID string
	SourceAttempt   int
	ArtifactID      string
	ArtifactType    models.ArtifactType
	ContentType     models.PromptContentType
	Content         string
	CreatedAt       time.Time
}

const envelopePolicyVersion = 1

// DefaultMaxEnvelopeChars bounds a single envelope's included content before
// the head-tail truncation strategy kicks in.
const DefaultMaxEnvelopeChars = 8000

// BuildEnvelope renders one untrusted-data envelope, truncating its content
// with a deterministic head-tail strategy at maxChars.
func BuildEnvelope(in EnvelopeInput, maxChars int) string {
	if in.PolicyVersion == 0 {
		in.PolicyVersion = envelopePolicyVersion
	}
	sum := sha256.Sum256([]byte(in.Content))
	digest := hex.EncodeToString(sum[:])

	included, applied, originalChars, includedChars, droppedChars := headTailTruncate(in.Content, maxChars)

	var b strings.Builder
	fmt.Fprintf(&b, "ALPHRED_UPSTREAM_ARTIFACT v1\n")
	fmt.Fprintf(&b, "policy_version: %d\n", in.PolicyVersion)
	fmt.Fprintf(&b, "untrusted_data: true\n")
	fmt.Fprintf(&b, "workflow_run_id: %s\n", in.WorkflowRunID)
	fmt.Fprintf(&b, "target_node_key: %s\n", in.TargetNodeKey)
	fmt.Fprintf(&b, "source_node_key: %s\n", in.SourceNodeKey)
	fmt.Fprintf(&b, "source_run_node_id: %s\n", in.SourceRunNodeID)
	fmt.Fprintf(&b, "source_attempt: %d\n", in.SourceAttempt)
	fmt.Fprintf(&b, "artifact_id: %s\n", in.ArtifactID)
	fmt.Fprintf(&b, "artifact_type: %s\n", in.ArtifactType)
	fmt.Fprintf(&b, "content_type: %s\n", in.ContentType)
	fmt.Fprintf(&b, "created_at: %s\n", in.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "sha256: %s\n", digest)
	fmt.Fprintf(&b, "truncation:\n")
	method := "none"
	if applied {
		method = "head_tail"
	}
	fmt.Fprintf(&b, "  applied: %t\n", applied)
	fmt.Fprintf(&b, "  method: %s\n", method)
	fmt.Fprintf(&b, "  original_chars: %d\n", originalChars)
	fmt.Fprintf(&b, "  included_chars: %d\n", includedChars)
	fmt.Fprintf(&b, "  dropped_chars: %d\n", droppedChars)
	fmt.Fprintf(&b, "content:\n<<<BEGIN>>>\n%s\n<<<END>>>\n", included)
	return b.String()
}

// headTailTruncate keeps the first half and last half of limit runes from
// content, dropping the middle, when content exceeds limit runes.
func headTailTruncate(content string, limit int) (included string, applied bool, originalChars, includedChars, droppedChars int) {
	runes := []rune(content)
	originalChars = len(runes)

	if limit <= 0 || originalChars <= limit {
		return content, false, originalChars, originalChars, 0
	}

	headLen := limit / 2
	tailLen := limit - headLen
	head := string(runes[:headLen])
	tail := string(runes[originalChars-tailLen:])
	included = head + "\n...[truncated]...\n" + tail
	includedChars = headLen + tailLen
	droppedChars = originalChars - includedChars
	return included, true, originalChars, includedChars, droppedChars
}

// UpstreamSource is one upstream node's latest report artifact, as resolved
// by the caller (the node executor building a context envelope for the
// target run-node).
type UpstreamSource struct {
	SequenceIndex int
	NodeKey       string
	RunNodeID     string
	Attempt       int
	Artifact      *models.PhaseArtifact
}

// BuildContextHandoff assembles the full envelope block for a target node
// from its upstream sources, ordered by (sequenceIndex, nodeKey, runNodeId)
// as required by §4.8.
func BuildContextHandoff(workflowRunID, targetNodeKey string, sources []UpstreamSource, maxCharsPerEnvelope int) string {
	ordered := make([]UpstreamSource, len(sources))
	copy(ordered, sources)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].SequenceIndex != ordered[j].SequenceIndex {
			return ordered[i].SequenceIndex < ordered[j].SequenceIndex
		}
		if ordered[i].NodeKey != ordered[j].NodeKey {
			return ordered[i].NodeKey < ordered[j].NodeKey
		}
		return ordered[i].RunNodeID < ordered[j].RunNodeID
	})

	var b strings.Builder
	for _, src := range ordered {
		if src.Artifact == nil {
			continue
		}
		b.WriteString(BuildEnvelope(EnvelopeInput{
			WorkflowRunID:   workflowRunID,
			TargetNodeKey:   targetNodeKey,
			SourceNodeKey:   src.NodeKey,
			SourceRunNodeID: src.RunNodeID,
			SourceAttempt:   src.Attempt,
			ArtifactID:      src.Artifact.ID,
			ArtifactType:    src.Artifact.ArtifactType,
			ContentType:     src.Artifact.ContentType,
			Content:         src.Artifact.Content,
			CreatedAt:       src.Artifact.CreatedAt,
		}, maxCharsPerEnvelope))
		b.WriteString("\n")
	}
	return b.String()
}

// BuildRetryFailureEnvelope renders the retry-failure-summary envelope
// appended to a requeued attempt's context, per §4.6's error-handler config
// handling.
func BuildRetryFailureEnvelope(workflowRunID, targetNodeKey string, note *models.PhaseArtifact, sourceAttempt int, maxChars int) string {
	if note == nil {
		return ""
	}
	return BuildEnvelope(EnvelopeInput{
		WorkflowRunID:   workflowRunID,
		TargetNodeKey:   targetNodeKey,
		SourceNodeKey:   targetNodeKey,
		SourceRunNodeID: note.RunNodeID,
		SourceAttempt:   sourceAttempt,
		ArtifactID:      note.ID,
		ArtifactType:    note.ArtifactType,
		ContentType:     note.ContentType,
		Content:         note.Content,
		CreatedAt:       note.CreatedAt,
	}, maxChars)
}
