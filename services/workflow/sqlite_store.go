package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore persists workflows and runs in a SQLite database. It is used
// for local runs where no PostgreSQL server is available.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ StateStore = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an open SQLite handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// InitSchema creates the tables if they do not exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL DEFAULT '',
			name        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			definition  TEXT NOT NULL DEFAULT '{}',
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS workflow_executions (
			id            TEXT PRIMARY KEY,
			workflow_id   TEXT NOT NULL DEFAULT '',
			owner_id      TEXT NOT NULL DEFAULT '',
			name          TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			progress      TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL,
			started_at    DATETIME,
			completed_at  DATETIME,
			updated_at    DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS workflow_node_executions (
			id            TEXT PRIMARY KEY,
			execution_id  TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
			seq           INTEGER NOT NULL,
			node_id       TEXT NOT NULL,
			node_type     TEXT NOT NULL,
			config        TEXT NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL,
			input_data    TEXT,
			output_data   TEXT,
			job_id        TEXT,
			job_kind      TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			started_at    DATETIME NOT NULL,
			completed_at  DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Create stores a new workflow and assigns its id.
func (s *SQLiteStore) Create(ctx context.Context, wf *Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := s.now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, owner_id, name, description, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, wf.ID, wf.OwnerID, wf.Name, wf.Description, string(def), now, now)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var def string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, definition, created_at, updated_at
		FROM workflows WHERE id = ?
	`, id).Scan(&wf.ID, &wf.OwnerID, &wf.Name, &wf.Description, &def, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &wf, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	progress, err := marshalNullable(run.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	now := s.now()
	run.CreatedAt, run.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, owner_id, name, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.WorkflowID, run.OwnerID, run.Name, string(run.Status), nullString(progress), now, now)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var status string
	var progress sql.NullString
	var started, completed sql.NullTime
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.OwnerID, &rec.Name, &status, &progress, &rec.ErrorMessage,
		&rec.CreatedAt, &started, &completed, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = RunStatus(status)
	rec.StartedAt = timePtr(started)
	rec.CompletedAt = timePtr(completed)
	if progress.Valid {
		rec.Progress = &Progress{}
		if err := json.Unmarshal([]byte(progress.String), rec.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_executions WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where, args = append(where, "workflow_id = ?"), append(args, filter.WorkflowID)
	}
	if filter.OwnerID != "" {
		where, args = append(where, "owner_id = ?"), append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	now := s.now()
	var started, completed any
	if status == RunRunning {
		started = now
	}
	if status.Terminal() {
		completed = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			status = ?,
			error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		WHERE id = ?
	`, string(status), errMsg, errMsg, started, completed, now, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return requireRow(res, runID)
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, progress Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET progress = ?, updated_at = ? WHERE id = ?
	`, string(data), s.now(), runID)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return requireRow(res, runID)
}

func (s *SQLiteStore) CreateNodeExecution(ctx context.Context, rec *NodeExecutionRecord) error {
	config, err := json.Marshal(nonNilMap(rec.Config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	input, err := marshalNullable(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_node_executions
			(id, execution_id, seq, node_id, node_type, config, status, input_data, started_at)
		VALUES (?, ?, (SELECT COUNT(*) FROM workflow_node_executions WHERE execution_id = ?), ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RunID, rec.RunID, rec.NodeID, rec.NodeType, string(config), string(rec.Status), nullString(input), rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("create node execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AttachNodeJob(ctx context.Context, recordID string, handle JobHandle) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_node_executions SET job_id = ?, job_kind = ? WHERE id = ?
	`, handle.ID, handle.Kind, recordID)
	if err != nil {
		return fmt.Errorf("attach node job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishNodeExecution(ctx context.Context, rec *NodeExecutionRecord) error {
	output, err := marshalNullable(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	var completed any
	if rec.CompletedAt != nil {
		completed = rec.CompletedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE workflow_node_executions
		SET status = ?, output_data = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, string(rec.Status), nullString(output), rec.ErrorMessage, completed, rec.ID)
	if err != nil {
		return fmt.Errorf("finish node execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNodeExecutions(ctx context.Context, runID string) ([]NodeExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, node_type, config, status, input_data, output_data,
			job_id, job_kind, error_message, started_at, completed_at
		FROM workflow_node_executions
		WHERE execution_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	out := []NodeExecutionRecord{}
	for rows.Next() {
		var rec NodeExecutionRecord
		var status, config string
		var input, output, jobID, jobKind sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.NodeID, &rec.NodeType, &config, &status, &input, &output,
			&jobID, &jobKind, &rec.ErrorMessage, &rec.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		rec.CompletedAt = timePtr(completed)
		err := decodeNodeRecord(&rec, status, []byte(config), nullBytes(input), nullBytes(output),
			stringPtr(jobID), stringPtr(jobKind))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RunningJobs(ctx context.Context, runID string) ([]JobHandle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, COALESCE(job_kind, '') FROM workflow_node_executions
		WHERE execution_id = ? AND status = 'running' AND job_id IS NOT NULL
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	var handles []JobHandle
	for rows.Next() {
		var h JobHandle
		if err := rows.Scan(&h.ID, &h.Kind); err != nil {
			return nil, fmt.Errorf("scan running job: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func nullString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
