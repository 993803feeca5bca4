// Package verify persists verification verdicts and tracks how well they
// predict real outcomes. Verdicts live in the state document for the
// current attempt; the ledger keeps the full history across attempts so
// calibration can be computed after the fact.
package verify

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/taskerdev/tasker/internal/errors"
)

// LedgerFileName is the ledger database inside the working directory.
const LedgerFileName = "ledger.db"

// Outcome values recorded against a verdict once ground truth is known.
const (
	OutcomeCorrect       = "correct"
	OutcomeFalsePositive = "false_positive"
	OutcomeFalseNegative = "false_negative"
)

const schema = `
CREATE TABLE IF NOT EXISTS verifications (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id        TEXT NOT NULL,
	attempt        INTEGER NOT NULL,
	verdict        TEXT NOT NULL,
	recommendation TEXT NOT NULL,
	outcome        TEXT,
	recorded_at    TEXT NOT NULL,
	UNIQUE(task_id, attempt)
);
CREATE INDEX IF NOT EXISTS idx_verifications_task ON verifications(task_id);
`

// Entry is one ledger row.
type Entry struct {
	TaskID         string    `json:"task_id"`
	Attempt        int       `json:"attempt"`
	Verdict        string    `json:"verdict"`
	Recommendation string    `json:"recommendation"`
	Outcome        string    `json:"outcome,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Ledger is the verification history database.
type Ledger struct {
	db   *sql.DB
	path string
}

// OpenLedger opens (creating if needed) the ledger in dir.
func OpenLedger(dir string) (*Ledger, error) {
	path := filepath.Join(dir, LedgerFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"create ledger directory").With("path", dir)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"open verification ledger").With("path", path)
	}
	pragmas := `
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`
	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"configure verification ledger").With("path", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"migrate verification ledger").With("path", path)
	}
	return &Ledger{db: db, path: path}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Record inserts a verdict for a task attempt. Re-recording the same
// attempt replaces the earlier row.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO verifications (task_id, attempt, verdict, recommendation, outcome, recorded_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(task_id, attempt) DO UPDATE SET
			verdict = excluded.verdict,
			recommendation = excluded.recommendation,
			outcome = excluded.outcome,
			recorded_at = excluded.recorded_at`,
		e.TaskID, e.Attempt, e.Verdict, e.Recommendation, e.Outcome,
		e.RecordedAt.Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"record verification").With("task_id", e.TaskID)
	}
	return nil
}

// SetOutcome marks a recorded verdict with its ground-truth outcome.
func (l *Ledger) SetOutcome(ctx context.Context, taskID string, attempt int, outcome string) error {
	switch outcome {
	case OutcomeCorrect, OutcomeFalsePositive, OutcomeFalseNegative:
	default:
		return errors.New(errors.CategorySchema, errors.CodeValidationFailed,
			"unrecognized verification outcome").With("outcome", outcome)
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE verifications SET outcome = ? WHERE task_id = ? AND attempt = ?`,
		outcome, taskID, attempt)
	if err != nil {
		return errors.Wrap(err, errors.CategoryIO, errors.CodeWriteFail,
			"update verification outcome").With("task_id", taskID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.New(errors.CategoryState, errors.CodeNotFound,
			"no verification recorded for attempt").
			With("task_id", taskID).
			Withf("attempt", "%d", attempt)
	}
	return nil
}

// History returns all ledger rows for a task, oldest attempt first.
func (l *Ledger) History(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, attempt, verdict, recommendation, COALESCE(outcome, ''), recorded_at
		FROM verifications WHERE task_id = ? ORDER BY attempt`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"query verification history").With("task_id", taskID)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// All returns every ledger row ordered by task id then attempt.
func (l *Ledger) All(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, attempt, verdict, recommendation, COALESCE(outcome, ''), recorded_at
		FROM verifications ORDER BY task_id, attempt`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"query verification ledger")
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var recordedAt string
		if err := rows.Scan(&e.TaskID, &e.Attempt, &e.Verdict, &e.Recommendation,
			&e.Outcome, &recordedAt); err != nil {
			return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
				"scan verification row")
		}
		if ts, err := time.Parse(time.RFC3339, recordedAt); err == nil {
			e.RecordedAt = ts
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryIO, errors.CodeReadFail,
			"iterate verification rows")
	}
	return out, nil
}
