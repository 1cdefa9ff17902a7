package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() Payload {
	return Payload{
		Document: DocumentRef{Key: "docs/a.pdf", ContentType: "application/pdf"},
		Context:  "research",
		Criteria: []Criterion{{Name: "clarity", Weight: 100}},
	}
}

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{
			name: "valid individual",
			job:  Job{ID: "j1", Kind: JobKindIndividual, SubjectID: "s1", Payload: validPayload()},
		},
		{
			name: "valid batch member",
			job: Job{
				ID: "j2", Kind: JobKindBatchMember, SubjectID: "s2", Payload: validPayload(),
				Batch: &BatchRef{BatchID: "b1", Position: 3},
			},
		},
		{
			name:    "batch member without batch",
			job:     Job{ID: "j3", Kind: JobKindBatchMember, SubjectID: "s3", Payload: validPayload()},
			wantErr: true,
		},
		{
			name: "individual with batch",
			job: Job{
				ID: "j4", Kind: JobKindIndividual, SubjectID: "s4", Payload: validPayload(),
				Batch: &BatchRef{BatchID: "b1"},
			},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			job:     Job{ID: "j5", Kind: "bulk", SubjectID: "s5", Payload: validPayload()},
			wantErr: true,
		},
		{
			name:    "priority out of range",
			job:     Job{ID: "j6", Kind: JobKindIndividual, SubjectID: "s6", Payload: validPayload(), Priority: 256},
			wantErr: true,
		},
		{
			name:    "missing criteria",
			job:     Job{ID: "j7", Kind: JobKindIndividual, SubjectID: "s7", Payload: Payload{Document: DocumentRef{Key: "k"}, Context: "c"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidJob)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestJob_Target(t *testing.T) {
	ind := Job{Kind: JobKindIndividual, SubjectID: "s1"}
	switch tgt := ind.Target().(type) {
	case Individual:
		assert.Equal(t, "s1", tgt.SubjectID)
	default:
		t.Fatalf("unexpected target %T", tgt)
	}
	assert.Equal(t, QueueIndividual, ind.Queue())

	member := Job{Kind: JobKindBatchMember, SubjectID: "s2", Batch: &BatchRef{BatchID: "b", Position: 4}}
	tgt, ok := member.Target().(BatchMember)
	require.True(t, ok)
	assert.Equal(t, "b", tgt.BatchID)
	assert.Equal(t, 4, tgt.Position)
	assert.Equal(t, "s2", tgt.Subject())
	assert.Equal(t, QueueBatch, member.Queue())
}

func TestPayload_Clone(t *testing.T) {
	p := validPayload()
	p.Template = &TemplateDescriptor{ID: "t", ThemeKeywords: []string{"ai"}}

	c := p.Clone()
	c.Criteria[0].Name = "changed"
	c.Template.ThemeKeywords[0] = "changed"

	assert.Equal(t, "clarity", p.Criteria[0].Name)
	assert.Equal(t, "ai", p.Template.ThemeKeywords[0])
	assert.Equal(t, []string{"clarity"}, p.CriterionNames())
}
