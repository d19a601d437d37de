// Package primary implements the authoritative transactional store for tests and results.
package primary

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/ruteri/coaching-backup/interfaces"
)

const schema = `
CREATE TABLE IF NOT EXISTS tests (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	published        INTEGER NOT NULL DEFAULT 0,
	questions        TEXT NOT NULL DEFAULT '[]',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	id           TEXT PRIMARY KEY,
	test_id      TEXT NOT NULL REFERENCES tests(id),
	student_id   TEXT NOT NULL,
	score        INTEGER NOT NULL,
	max_score    INTEGER NOT NULL,
	answers      TEXT NOT NULL DEFAULT '{}',
	submitted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS results_test_id ON results(test_id);
`

const testColumns = `id, title, description, subject, duration_minutes, published, questions, created_at, updated_at`

// SQLiteStore is a PrimaryStore backed by SQLite.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore opens the database at dsn and creates the schema if needed.
func NewSQLiteStore(ctx context.Context, dsn string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info("Opened primary store", slog.String("driver", "sqlite3"))
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context) ([]interfaces.Test, error) {
	return s.queryTests(ctx, `SELECT `+testColumns+` FROM tests ORDER BY created_at, id`)
}

func (s *SQLiteStore) ListPublishedTests(ctx context.Context) ([]interfaces.Test, error) {
	return s.queryTests(ctx, `SELECT `+testColumns+` FROM tests WHERE published = 1 ORDER BY created_at, id`)
}

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*interfaces.Test, error) {
	tests, err := s.queryTests(ctx, `SELECT `+testColumns+` FROM tests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(tests) == 0 {
		return nil, fmt.Errorf("%w: test %s", interfaces.ErrNotFound, id)
	}
	return &tests[0], nil
}

func (s *SQLiteStore) queryTests(ctx context.Context, query string, args ...any) ([]interfaces.Test, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tests: %w", err)
	}
	defer rows.Close()

	tests := []interfaces.Test{}
	for rows.Next() {
		var (
			t                    interfaces.Test
			published            int
			questions            string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Subject, &t.DurationMinutes,
			&published, &questions, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		t.Published = published != 0
		if err := json.Unmarshal([]byte(questions), &t.Questions); err != nil {
			return nil, fmt.Errorf("corrupt questions for test %s: %w", t.ID, err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// UpsertTest inserts or replaces a test. The stored CreatedAt of an existing test wins.
func (s *SQLiteStore) UpsertTest(ctx context.Context, test *interfaces.Test) error {
	if err := test.Validate(); err != nil {
		return err
	}
	questions, err := json.Marshal(test.Questions)
	if err != nil {
		return fmt.Errorf("failed to encode questions: %w", err)
	}
	if test.Questions == nil {
		questions = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tests (`+testColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			subject = excluded.subject,
			duration_minutes = excluded.duration_minutes,
			published = excluded.published,
			questions = excluded.questions,
			updated_at = excluded.updated_at`,
		test.ID, test.Title, test.Description, test.Subject, test.DurationMinutes,
		boolInt(test.Published), string(questions), formatTime(test.CreatedAt), formatTime(test.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert test %s: %w", test.ID, err)
	}

	var createdAt string
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM tests WHERE id = ?`, test.ID).Scan(&createdAt); err != nil {
		return fmt.Errorf("failed to read back test %s: %w", test.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit test %s: %w", test.ID, err)
	}

	if t, err := parseTime(createdAt); err == nil {
		test.CreatedAt = t
	}
	return nil
}

func (s *SQLiteStore) InsertResult(ctx context.Context, result *interfaces.Result) error {
	if err := result.Validate(); err != nil {
		return err
	}
	answers, err := json.Marshal(result.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode answers: %w", err)
	}
	if result.Answers == nil {
		answers = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tests WHERE id = ?`, result.TestID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: test %s", interfaces.ErrNotFound, result.TestID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up test %s: %w", result.TestID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (id, test_id, student_id, score, max_score, answers, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.TestID, result.StudentID, result.Score, result.MaxScore,
		string(answers), formatTime(result.SubmittedAt))
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: result %s", interfaces.ErrAlreadyExists, result.ID)
		}
		return fmt.Errorf("failed to insert result %s: %w", result.ID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListResults(ctx context.Context, testID string) ([]interfaces.Result, error) {
	if _, err := s.GetTest(ctx, testID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, student_id, score, max_score, answers, submitted_at
		FROM results WHERE test_id = ? ORDER BY submitted_at, id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []interfaces.Result{}
	for rows.Next() {
		var (
			r           interfaces.Result
			answers     string
			submittedAt string
		)
		if err := rows.Scan(&r.ID, &r.TestID, &r.StudentID, &r.Score, &r.MaxScore, &answers, &submittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
			return nil, fmt.Errorf("corrupt answers for result %s: %w", r.ID, err)
		}
		if len(r.Answers) == 0 {
			r.Answers = nil
		}
		if r.SubmittedAt, err = parseTime(submittedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
