package asyncx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schema creates the task table used by SQLStore.
const Schema = `
CREATE TABLE IF NOT EXISTS auditx_tasks (
    id            VARCHAR(64) PRIMARY KEY,
    status        VARCHAR(32) NOT NULL,
    progress      INTEGER     NOT NULL DEFAULT 0,
    stage_message TEXT        NOT NULL DEFAULT '',
    error_msg     TEXT        NULL,
    result_json   TEXT        NULL,
    created_at    TIMESTAMP   NOT NULL,
    updated_at    TIMESTAMP   NOT NULL,
    started_at    TIMESTAMP   NULL,
    finished_at   TIMESTAMP   NULL
);
`

// SQLStore is a Store backed by a relational DB (sqlite or Postgres).
type SQLStore struct {
	db     *sql.DB
	dollar bool
}

// SQLStoreOptions selects the placeholder style of the target driver.
type SQLStoreOptions struct {
	// DollarPlaceholders rewrites '?' to '$n' for Postgres drivers.
	DollarPlaceholders bool
}

func NewSQLStore(db *sql.DB, opts SQLStoreOptions) *SQLStore {
	return &SQLStore{db: db, dollar: opts.DollarPlaceholders}
}

// Migrate applies Schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *SQLStore) InsertCreated(ctx context.Context, rec TaskRecord) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if _, err := s.status(ctx, rec.ID); err == nil {
		return ErrTaskExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	q := `INSERT INTO auditx_tasks (id, status, progress, stage_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.rebind(q), rec.ID, string(rec.Status), rec.Progress, rec.StageMessage,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) MarkStarted(ctx context.Context, taskID string, startedAt time.Time) error {
	q := `UPDATE auditx_tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`
	return s.transition(ctx, taskID, q, string(StatusRunning), startedAt.UTC(), startedAt.UTC(), taskID, string(StatusPending))
}

func (s *SQLStore) MarkProgress(ctx context.Context, taskID string, percent int, message string) error {
	percent = clampProgress(percent)
	q := `UPDATE auditx_tasks SET progress = ?, stage_message = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND progress <= ?`
	return s.transition(ctx, taskID, q, percent, message, time.Now().UTC(), taskID,
		string(StatusPending), string(StatusRunning), percent)
}

func (s *SQLStore) MarkCompleted(ctx context.Context, taskID string, result json.RawMessage, finishedAt time.Time) error {
	q := `UPDATE auditx_tasks SET status = ?, progress = 100, stage_message = ?, result_json = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`
	return s.transition(ctx, taskID, q, string(StatusCompleted), "Completed", string(result), finishedAt.UTC(), finishedAt.UTC(),
		taskID, string(StatusPending), string(StatusRunning))
}

func (s *SQLStore) MarkFailed(ctx context.Context, taskID string, errorMsg string, finishedAt time.Time) error {
	q := `UPDATE auditx_tasks SET status = ?, stage_message = ?, error_msg = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`
	return s.transition(ctx, taskID, q, string(StatusFailed), "Failed", errorMsg, finishedAt.UTC(), finishedAt.UTC(),
		taskID, string(StatusPending), string(StatusRunning))
}

func (s *SQLStore) GetByID(ctx context.Context, taskID string) (*TaskRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, status, progress, stage_message, error_msg, result_json, created_at, updated_at, started_at, finished_at
		FROM auditx_tasks WHERE id = ?`
	row := s.db.QueryRowContext(ctx, s.rebind(q), taskID)
	rec := TaskRecord{}
	var status string
	var startedAt, finishedAt sql.NullTime
	var errorMsg, resultJSON sql.NullString
	if err := row.Scan(&rec.ID, &status, &rec.Progress, &rec.StageMessage, &errorMsg, &resultJSON,
		&rec.CreatedAt, &rec.UpdatedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Status = Status(status)
	if errorMsg.Valid {
		v := errorMsg.String
		rec.ErrorMsg = &v
	}
	if resultJSON.Valid {
		rec.Result = json.RawMessage(resultJSON.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

// transition runs a guarded UPDATE. When no row changes it tells an unknown
// id and a finished task apart from a stale (ignored) write.
func (s *SQLStore) transition(ctx context.Context, taskID, q string, args ...any) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	status, err := s.status(ctx, taskID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrTaskFinished
	}
	return nil
}

func (s *SQLStore) status(ctx context.Context, taskID string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM auditx_tasks WHERE id = ?`), taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(status), nil
}

func (s *SQLStore) rebind(q string) string {
	if !s.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
