package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/engine/pkg/models"
)

func TestBuildEnvelope_NoTruncationWhenUnderLimit(t *testing.T) {
	out := BuildEnvelope(EnvelopeInput{
		WorkflowRunID: "run-1",
		TargetNodeKey: "reviewer",
		SourceNodeKey: "author",
		Content:       "short report",
		CreatedAt:     time.Now(),
	}, DefaultMaxEnvelopeChars)

	assert.Contains(t, out, "ALPHRED_UPSTREAM_ARTIFACT v1")
	assert.Contains(t, out, "untrusted_data: true")
	assert.Contains(t, out, "applied: false")
	assert.Contains(t, out, "short report")
}

func TestBuildEnvelope_HeadTailTruncation(t *testing.T) {
	content := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out := BuildEnvelope(EnvelopeInput{Content: content, CreatedAt: time.Now()}, 20)

	assert.Contains(t, out, "applied: true")
	assert.Contains(t, out, "method: head_tail")
	assert.Contains(t, out, "original_chars: 100")
	assert.Contains(t, out, "[truncated]")
	assert.True(t, strings.Contains(out, "aaaaaaaaaa"))
	assert.True(t, strings.Contains(out, "bbbbbbbbbb"))
}

func TestBuildEnvelope_DigestIsDeterministic(t *testing.T) {
	in := EnvelopeInput{Content: "stable content", CreatedAt: time.Now()}
	out1 := BuildEnvelope(in, DefaultMaxEnvelopeChars)
	out2 := BuildEnvelope(in, DefaultMaxEnvelopeChars)

	digestOf := func(s string) string {
		for _, line := range strings.Split(s, "\n") {
			if strings.HasPrefix(line, "sha256: ") {
				return line
			}
		}
		return ""
	}
	d1, d2 := digestOf(out1), digestOf(out2)
	require.NotEmpty(t, d1)
	assert.Equal(t, d1, d2)
}

func TestBuildContextHandoff_OrdersBySequenceThenNodeKey(t *testing.T) {
	sources := []UpstreamSource{
		{SequenceIndex: 1, NodeKey: "b", RunNodeID: "rb", Attempt: 1, Artifact: &models.PhaseArtifact{ID: "art-b", Content: "B content", ArtifactType: models.ArtifactTypeReport}},
		{SequenceIndex: 0, NodeKey: "a", RunNodeID: "ra", Attempt: 1, Artifact: &models.PhaseArtifact{ID: "art-a", Content: "A content", ArtifactType: models.ArtifactTypeReport}},
	}
	out := BuildContextHandoff("run-1", "target", sources, DefaultMaxEnvelopeChars)

	posA := strings.Index(out, "A content")
	posB := strings.Index(out, "B content")
	require.GreaterOrEqual(t, posA, 0)
	require.GreaterOrEqual(t, posB, 0)
	assert.Less(t, posA, posB, "lower sequence index should render first")
}

func TestBuildContextHandoff_SkipsSourcesWithoutArtifact(t *testing.T) {
	sources := []UpstreamSource{
		{SequenceIndex: 0, NodeKey: "a", RunNodeID: "ra", Artifact: nil},
	}
	out := BuildContextHandoff("run-1", "target", sources, DefaultMaxEnvelopeChars)
	assert.Empty(t, out)
}

func TestBuildRetryFailureEnvelope_NilNoteYieldsEmptyString(t *testing.T) {
	out := BuildRetryFailureEnvelope("run-1", "target", nil, 2, DefaultMaxEnvelopeChars)
	assert.Empty(t, out)
}

func TestBuildRetryFailureEnvelope_RendersNoteContent(t *testing.T) {
	note := &models.PhaseArtifact{
		ID:           "note-1",
		RunNodeID:    "rn-1",
		ArtifactType: models.ArtifactTypeNote,
		ContentType:  models.ContentTypeText,
		Content:      "attempt 1 failed: timeout",
		CreatedAt:    time.Now(),
	}
	out := BuildRetryFailureEnvelope("run-1", "target", note, 2, DefaultMaxEnvelopeChars)
	assert.Contains(t, out, "attempt 1 failed: timeout")
	assert.Contains(t, out, "source_attempt: 2")
}
