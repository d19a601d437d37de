package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEntity is returned when a domain entity fails validation.
var ErrInvalidEntity = errors.New("invalid entity")

// Question is a single multiple-choice question of a test.
type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectOption int      `json:"correctOption"`
	Marks         int      `json:"marks"`
}

// Test is a coaching test as held by the primary store.
type Test struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Subject         string     `json:"subject,omitempty"`
	DurationMinutes int        `json:"durationMinutes"`
	Published       bool       `json:"published"`
	Questions       []Question `json:"questions"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Validate checks the test and its questions.
func (t *Test) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: test id is required", ErrInvalidEntity)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: test %s: title is required", ErrInvalidEntity, t.ID)
	}
	if t.DurationMinutes < 0 {
		return fmt.Errorf("%w: test %s: negative duration", ErrInvalidEntity, t.ID)
	}
	for i, q := range t.Questions {
		if q.Text == "" {
			return fmt.Errorf("%w: test %s: question %d has no text", ErrInvalidEntity, t.ID, i)
		}
		if len(q.Options) > 0 && (q.CorrectOption < 0 || q.CorrectOption >= len(q.Options)) {
			return fmt.Errorf("%w: test %s: question %d correct option out of range", ErrInvalidEntity, t.ID, i)
		}
	}
	return nil
}

// MaxScore sums the marks of all questions.
func (t *Test) MaxScore() int {
	total := 0
	for _, q := range t.Questions {
		total += q.Marks
	}
	return total
}

// Grade scores answers keyed by question id against the correct options.
func (t *Test) Grade(answers map[string]int) int {
	score := 0
	for _, q := range t.Questions {
		if chosen, ok := answers[q.ID]; ok && chosen == q.CorrectOption {
			score += q.Marks
		}
	}
	return score
}

// Result is one student's submission for a test.
type Result struct {
	ID          string         `json:"id"`
	TestID      string         `json:"testId"`
	StudentID   string         `json:"studentId"`
	Score       int            `json:"score"`
	MaxScore    int            `json:"maxScore"`
	Answers     map[string]int `json:"answers,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// Validate checks the result.
func (r *Result) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: result id is required", ErrInvalidEntity)
	case r.TestID == "":
		return fmt.Errorf("%w: result %s: test id is required", ErrInvalidEntity, r.ID)
	case r.StudentID == "":
		return fmt.Errorf("%w: result %s: student id is required", ErrInvalidEntity, r.ID)
	case r.Score < 0 || r.Score > r.MaxScore:
		return fmt.Errorf("%w: result %s: score %d outside [0, %d]", ErrInvalidEntity, r.ID, r.Score, r.MaxScore)
	}
	return nil
}

// PrimaryStore is the authoritative transactional backend for tests and results.
// Errors propagate synchronously to callers and are never masked.
type PrimaryStore interface {
	ListTests(ctx context.Context) ([]Test, error)
	ListPublishedTests(ctx context.Context) ([]Test, error)

	// GetTest returns ErrNotFound if the test does not exist.
	GetTest(ctx context.Context, id string) (*Test, error)

	// UpsertTest inserts or replaces a test, preserving its original CreatedAt.
	UpsertTest(ctx context.Context, test *Test) error

	// InsertResult stores a result. It returns ErrNotFound if the test does not exist.
	InsertResult(ctx context.Context, result *Result) error
	ListResults(ctx context.Context, testID string) ([]Result, error)

	Close() error
}
