package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

// Store persists batch and per-job outcome metadata. Frame folders and
// rendered images are never touched.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// BeginBatch inserts a running batch and returns its id.
func (s *Store) BeginBatch(ctx context.Context, req BatchStart) (string, error) {
	if req.JobCount < 0 {
		return "", fmt.Errorf("job_count is negative")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var configPath any
	if req.ConfigPath != "" {
		configPath = req.ConfigPath
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO render_batch(id, config_path, continue_on_error, job_count, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, configPath, boolInt(req.ContinueOnError), req.JobCount, BatchRunning, now)
	if err != nil {
		return "", fmt.Errorf("begin batch: %w", err)
	}
	return id, nil
}

// Record appends one job outcome to render_log. Only the last 64KB of
// stderr is kept.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.BatchID == "" {
		return fmt.Errorf("batch_id is empty")
	}
	if rec.State == "" {
		return fmt.Errorf("state is empty")
	}

	var argv any
	if len(rec.Argv) > 0 {
		b, err := json.Marshal(rec.Argv)
		if err != nil {
			return fmt.Errorf("marshal argv: %w", err)
		}
		argv = string(b)
	}

	var stderrVal any
	if rec.Stderr != nil {
		stderrVal = tail(*rec.Stderr, maxStderrBytes)
	}

	var reason any
	if rec.Reason != "" {
		reason = rec.Reason
	}

	logID := fmt.Sprintf("%s-%d", rec.BatchID, rec.Seq)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO render_log(
  id, batch_id, seq, job_name, binding, gpu, state, reason, exit_code, argv, last_error, stderr, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, logID, rec.BatchID, rec.Seq, rec.JobName, rec.Binding, rec.GPU, rec.State, reason, rec.ExitCode,
		argv, rec.LastError, stderrVal, formatTime(rec.StartedAt), formatTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert render_log: %w", err)
	}
	return nil
}

// FinishBatch marks a batch terminal.
func (s *Store) FinishBatch(ctx context.Context, batchID string, status BatchStatus) error {
	if status != BatchSucceeded && status != BatchFailed {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE render_batch
SET status = ?, completed_at = ?
WHERE id = ?;
`, status, now, batchID)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// ListBatches returns the most recent batches first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, config_path, continue_on_error, job_count, status, started_at, completed_at
FROM render_batch
ORDER BY rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return out, nil
}

// GetBatch returns a batch and its job records in run order.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, []Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, config_path, continue_on_error, job_count, status, started_at, completed_at
FROM render_batch
WHERE id = ?;
`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, batch_id, seq, job_name, binding, gpu, state, reason, exit_code, argv, last_error, stderr, started_at, completed_at
FROM render_log
WHERE batch_id = ?
ORDER BY seq ASC;
`, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("load render_log: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			r            Record
			reason       sql.NullString
			argv         sql.NullString
			lastError    sql.NullString
			stderr       sql.NullString
			startedAtS   sql.NullString
			completedAtS sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Seq, &r.JobName, &r.Binding, &r.GPU, &r.State, &reason,
			&r.ExitCode, &argv, &lastError, &stderr, &startedAtS, &completedAtS); err != nil {
			return nil, nil, fmt.Errorf("scan render_log: %w", err)
		}
		r.Reason = reason.String
		if argv.Valid {
			if err := json.Unmarshal([]byte(argv.String), &r.Argv); err != nil {
				return nil, nil, fmt.Errorf("decode argv for %s: %w", r.ID, err)
			}
		}
		if lastError.Valid {
			r.LastError = &lastError.String
		}
		if stderr.Valid {
			r.Stderr = &stderr.String
		}
		r.StartedAt = parseTime(startedAtS)
		r.CompletedAt = parseTime(completedAtS)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load render_log: %w", err)
	}
	return b, recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(sc scanner) (*Batch, error) {
	var (
		b            Batch
		configPath   sql.NullString
		cont         int
		statusS      string
		startedAtS   string
		completedAtS sql.NullString
	)
	if err := sc.Scan(&b.ID, &configPath, &cont, &b.JobCount, &statusS, &startedAtS, &completedAtS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan render_batch: %w", err)
	}
	b.ConfigPath = configPath.String
	b.ContinueOnError = cont != 0
	b.Status = BatchStatus(statusS)
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		b.StartedAt = t
	}
	b.CompletedAt = parseTime(completedAtS)
	return &b, nil
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tail returns at most limit trailing bytes of s, starting on a rune boundary.
func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[len(s)-limit:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
