package interfaces

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTest() Test {
	return Test{
		ID:    "t1",
		Title: "Geometry",
		Questions: []Question{
			{ID: "q1", Text: "Sides of a triangle", Options: []string{"3", "4"}, CorrectOption: 0, Marks: 1},
			{ID: "q2", Text: "Sum of angles", Options: []string{"90", "180", "360"}, CorrectOption: 1, Marks: 4},
		},
	}
}

func TestTestValidate(t *testing.T) {
	valid := sampleTest()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Test)
	}{
		{"missing id", func(t *Test) { t.ID = "" }},
		{"missing title", func(t *Test) { t.Title = "" }},
		{"negative duration", func(t *Test) { t.DurationMinutes = -1 }},
		{"empty question", func(t *Test) { t.Questions[0].Text = "" }},
		{"option out of range", func(t *Test) { t.Questions[1].CorrectOption = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test := sampleTest()
			tt.mutate(&test)
			assert.ErrorIs(t, test.Validate(), ErrInvalidEntity)
		})
	}
}

func TestTestScoring(t *testing.T) {
	test := sampleTest()
	assert.Equal(t, 5, test.MaxScore())
	assert.Equal(t, 5, test.Grade(map[string]int{"q1": 0, "q2": 1}))
	assert.Equal(t, 1, test.Grade(map[string]int{"q1": 0, "q2": 2}))
	assert.Equal(t, 0, test.Grade(map[string]int{"unknown": 0}))
	assert.Equal(t, 0, test.Grade(nil))
}

func TestResultValidate(t *testing.T) {
	valid := Result{ID: "r1", TestID: "t1", StudentID: "s1", Score: 3, MaxScore: 5}
	require.NoError(t, valid.Validate())

	for name, r := range map[string]Result{
		"missing id":      {TestID: "t1", StudentID: "s1"},
		"missing test":    {ID: "r1", StudentID: "s1"},
		"missing student": {ID: "r1", TestID: "t1"},
		"score too high":  {ID: "r1", TestID: "t1", StudentID: "s1", Score: 6, MaxScore: 5},
		"negative score":  {ID: "r1", TestID: "t1", StudentID: "s1", Score: -1, MaxScore: 5},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, r.Validate(), ErrInvalidEntity)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("%w: 503", ErrTransientNetwork)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(ErrAuth))

	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", ErrAuth)))
	assert.True(t, IsFatal(ErrQuotaExceeded))
	assert.False(t, IsFatal(ErrTransientNetwork))
	assert.False(t, IsFatal(ErrNotFound))
}

func TestQuotaExceeded(t *testing.T) {
	var nilQuota *Quota
	assert.False(t, nilQuota.Exceeded())
	assert.False(t, (&Quota{Limit: 0, Usage: 100}).Exceeded())
	assert.False(t, (&Quota{Limit: 100, Usage: 99}).Exceeded())
	assert.True(t, (&Quota{Limit: 100, Usage: 100}).Exceeded())
}

func TestStorageBackendLocation(t *testing.T) {
	loc, err := NewStorageBackendLocation("s3://bucket/prefix?region=eu-west-1&quota=1024")
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "bucket", loc.Host)
	assert.Equal(t, "/prefix", loc.Path)
	assert.Equal(t, "eu-west-1", loc.GetParam("region"))
	assert.Equal(t, "s3://bucket/prefix?region=eu-west-1&quota=1024", loc.String())

	_, err = NewStorageBackendLocation("ipfs://localhost")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)

	_, err = NewStorageBackendLocation("://")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)
}
