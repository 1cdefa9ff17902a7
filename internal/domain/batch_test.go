package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completed(id string, pos int, overall float64) MemberState {
	return MemberState{SubjectID: id, Position: pos, Status: StatusCompleted, Overall: overall, Relevant: true}
}

func ranks(members []MemberState) []int {
	out := make([]int, len(members))
	for i, m := range members {
		out[i] = m.Rank
	}
	return out
}

func TestRankMembers_TieBrokenBySubmissionOrder(t *testing.T) {
	members := []MemberState{
		completed("a", 0, 9.0),
		completed("b", 1, 7.5),
		completed("c", 2, 9.0),
	}

	got := RankMembers(members)

	assert.Equal(t, []int{1, 3, 2}, ranks(got))
	assert.Equal(t, []int{0, 0, 0}, ranks(members), "input must not be mutated")
}

func TestRankMembers_OnlyCompletedRelevant(t *testing.T) {
	members := []MemberState{
		completed("a", 0, 4.0),
		{SubjectID: "b", Position: 1, Status: StatusFailed, Rank: 2},
		{SubjectID: "c", Position: 2, Status: StatusCompleted, Overall: 9.9, Relevant: false, Rank: 1},
		{SubjectID: "d", Position: 3, Status: StatusPending},
		completed("e", 4, 6.0),
	}

	got := RankMembers(members)

	assert.Equal(t, []int{2, 0, 0, 0, 1}, ranks(got))
}

func TestRankMembers_Idempotent(t *testing.T) {
	members := []MemberState{
		completed("a", 3, 5.5),
		completed("b", 0, 8.0),
		completed("c", 1, 5.5),
		completed("d", 2, 1.0),
	}

	once := RankMembers(members)
	twice := RankMembers(once)
	require.Equal(t, once, twice)

	// Ranks form a permutation of 1..N.
	seen := map[int]bool{}
	for _, m := range once {
		require.False(t, seen[m.Rank])
		seen[m.Rank] = true
	}
	for r := 1; r <= len(members); r++ {
		assert.True(t, seen[r], "rank %d missing", r)
	}
	assert.Equal(t, []int{2, 1, 3, 4}, ranks(once))
}

func TestCountTerminal(t *testing.T) {
	members := []MemberState{
		{Status: StatusCompleted},
		{Status: StatusFailed},
		{Status: StatusProcessing},
		{Status: StatusPending},
	}
	assert.Equal(t, 2, CountTerminal(members))
}

func TestBatchState_Validate(t *testing.T) {
	b := &BatchState{
		ID:             "batch-1",
		SubjectIDs:     []string{"a", "b"},
		TotalCount:     2,
		CompletedCount: 3,
		Status:         BatchOpen,
	}
	require.Error(t, b.Validate())

	b.CompletedCount = 2
	require.NoError(t, b.Validate())
	assert.True(t, b.IsComplete())
}

func TestBatchState_MemberJob(t *testing.T) {
	b := &BatchState{
		ID:       "batch-1",
		Priority: 7,
		Payload: Payload{
			Document: DocumentRef{Key: "placeholder"},
			Context:  "energy",
			Criteria: []Criterion{{Name: "clarity", Weight: 100}},
		},
	}
	doc := DocumentRef{Key: "docs/a.pdf", ContentType: "application/pdf"}

	job := b.MemberJob("subject-a", doc, 2, time.Unix(0, 0))

	require.NoError(t, job.Validate())
	assert.Equal(t, JobKindBatchMember, job.Kind)
	assert.Equal(t, QueueBatch, job.Queue())
	assert.Equal(t, doc, job.Payload.Document)
	assert.Equal(t, "placeholder", b.Payload.Document.Key, "batch payload must not be mutated")
	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, &BatchRef{BatchID: "batch-1", Position: 2}, job.Batch)

	assert.Equal(t, job.ID, MemberJobID("batch-1", 2))
	assert.NotEqual(t, job.ID, MemberJobID("batch-1", 3))
	assert.NotEqual(t, job.ID, MemberJobID("batch-2", 2))
}
