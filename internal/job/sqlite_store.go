package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const selectColumns = `
  id, target_id, origin_id, command, working_dir, environment, timeout_ms,
  status, exit_code, reason, pid, created_at, started_at, finished_at, stdout_seq, stderr_seq`

// SQLiteStore is the durable Store backed by the jobs and job_transitions tables.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save upserts the job row and appends an audit row when the status moved.
func (s *SQLiteStore) Save(ctx context.Context, j *Job, from Status) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("job id is empty")
	}

	command, err := json.Marshal(j.Command)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	var env any
	if len(j.Env) > 0 {
		b, err := json.Marshal(j.Env)
		if err != nil {
			return fmt.Errorf("encode environment: %w", err)
		}
		env = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO jobs(`+selectColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  exit_code = excluded.exit_code,
  reason = excluded.reason,
  pid = excluded.pid,
  started_at = excluded.started_at,
  finished_at = excluded.finished_at,
  stdout_seq = excluded.stdout_seq,
  stderr_seq = excluded.stderr_seq;
`,
		j.ID, j.TargetID, j.OriginID, string(command), nullString(j.WorkingDir), env, j.Timeout.Milliseconds(),
		string(j.Status), nullInt(j.ExitCode), nullString(j.Reason), nullPID(j.PID),
		formatTime(j.CreatedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.FinishedAt),
		j.Offsets.Stdout, j.Offsets.Stderr,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}

	if from != j.Status {
		var fromVal any
		if from != "" {
			fromVal = string(from)
		}
		at := j.CreatedAt
		switch {
		case IsTerminal(j.Status) && j.FinishedAt != nil:
			at = *j.FinishedAt
		case j.Status == StatusRunning && j.StartedAt != nil:
			at = *j.StartedAt
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO job_transitions(job_id, from_status, to_status, at)
VALUES(?, ?, ?, ?);
`, j.ID, fromVal, string(j.Status), formatTime(at)); err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveOffsets(ctx context.Context, jobID string, off Offsets) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET stdout_seq = ?, stderr_seq = ? WHERE id = ?;
`, off.Stdout, off.Stderr, jobID)
	if err != nil {
		return fmt.Errorf("save offsets: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound(jobID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListByTarget(ctx context.Context, targetID string, limit int) ([]*Job, error) {
	return s.list(ctx, `WHERE target_id = ?`, limit, targetID)
}

func (s *SQLiteStore) ListByOrigin(ctx context.Context, originID string, limit int) ([]*Job, error) {
	return s.list(ctx, `WHERE origin_id = ?`, limit, originID)
}

// ListRecent returns the newest jobs across all targets.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	return s.list(ctx, ``, limit)
}

func (s *SQLiteStore) FindByStatus(ctx context.Context, statuses []Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return s.list(ctx, `WHERE status IN (`+strings.Join(placeholders, ", ")+`)`, 0, args...)
}

// Transitions returns the recorded status path of a job in order.
func (s *SQLiteStore) Transitions(ctx context.Context, jobID string) ([]Status, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT to_status FROM job_transitions WHERE job_id = ? ORDER BY rowid ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, Status(st))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) list(ctx context.Context, where string, limit int, args ...any) ([]*Job, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		command     string
		workingDir  sql.NullString
		environment sql.NullString
		timeoutMS   int64
		statusS     string
		exitCode    sql.NullInt64
		reason      sql.NullString
		pid         sql.NullInt64
		createdAtS  string
		startedAtS  sql.NullString
		finishedAtS sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.TargetID, &j.OriginID, &command, &workingDir, &environment, &timeoutMS,
		&statusS, &exitCode, &reason, &pid, &createdAtS, &startedAtS, &finishedAtS,
		&j.Offsets.Stdout, &j.Offsets.Stderr,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(command), &j.Command); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if environment.Valid && environment.String != "" {
		if err := json.Unmarshal([]byte(environment.String), &j.Env); err != nil {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}
	j.WorkingDir = workingDir.String
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.Status = Status(statusS)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	j.Reason = reason.String
	if pid.Valid {
		j.PID = int(pid.Int64)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if finishedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAtS.String); err == nil {
			j.FinishedAt = &t
		}
	}
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullPID(pid int) any {
	if pid <= 0 {
		return nil
	}
	return pid
}
