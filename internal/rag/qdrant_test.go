package rag

import (
	"regexp"
	"testing"
	"time"
)

var uuidShape = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// TestChunkPointID_AutoLearnedDistinctTexts verifies that two facts learned
// from the same conversation occupy separate points. Auto-learned sources are
// derived from the conversation id, so without the text in the identity the
// second write would overwrite the first.
func TestChunkPointID_AutoLearnedDistinctTexts(t *testing.T) {
	t.Parallel()

	base := KnowledgeChunk{
		Source:         "Auto-learned from conversation conv-42",
		ChunkIndex:     0,
		AutoLearned:    true,
		LearnedAt:      time.Now().UTC(),
		ConversationID: "conv-42",
	}

	first := base
	first.Text = "The platform team owns the deployment pipeline."
	second := base
	second.Text = "Releases ship every Thursday afternoon."

	idA := chunkPointID(first)
	idB := chunkPointID(second)

	if idA == idB {
		t.Fatalf("distinct auto-learned texts collapsed to one point ID %s", idA)
	}
	for _, id := range []string{idA, idB} {
		if !uuidShape.MatchString(id) {
			t.Errorf("point ID %q is not UUID-shaped", id)
		}
	}
}

// TestChunkPointID_AutoLearnedStable verifies that re-processing the same
// fact maps to the same point, so duplicates overwrite instead of piling up.
func TestChunkPointID_AutoLearnedStable(t *testing.T) {
	t.Parallel()

	chunk := KnowledgeChunk{
		Text:           "The platform team owns the deployment pipeline.",
		Source:         "Auto-learned from conversation conv-42",
		ChunkIndex:     0,
		AutoLearned:    true,
		ConversationID: "conv-42",
	}

	if a, b := chunkPointID(chunk), chunkPointID(chunk); a != b {
		t.Errorf("same chunk produced differing point IDs: %s vs %s", a, b)
	}
}

// TestChunkPointID_IngestedOverwritesOnReingest verifies that ingested chunk
// identity ignores the text: re-ingesting an edited document replaces its
// existing points rather than leaving stale copies behind.
func TestChunkPointID_IngestedOverwritesOnReingest(t *testing.T) {
	t.Parallel()

	before := KnowledgeChunk{
		Text:       "Teams ship weekly.",
		Source:     "handbook.md",
		ChunkIndex: 3,
	}
	after := before
	after.Text = "Teams ship twice a week."

	if a, b := chunkPointID(before), chunkPointID(after); a != b {
		t.Errorf("edited ingested chunk moved to a new point: %s vs %s", a, b)
	}
}

// TestChunkPointID_DistinctConversationsDistinctPoints verifies that the
// conversation id participates in auto-learned identity.
func TestChunkPointID_DistinctConversationsDistinctPoints(t *testing.T) {
	t.Parallel()

	a := KnowledgeChunk{
		Text:           "Releases ship every Thursday afternoon.",
		Source:         "Auto-learned from conversation conv-1",
		AutoLearned:    true,
		ConversationID: "conv-1",
	}
	b := a
	b.Source = "Auto-learned from conversation conv-2"
	b.ConversationID = "conv-2"

	if chunkPointID(a) == chunkPointID(b) {
		t.Error("same fact from different conversations shared a point ID")
	}
}
