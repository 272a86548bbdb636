package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// The Repository doubles as the StateStore for runs persisted in PostgreSQL.
var _ StateStore = (*Repository)(nil)

func (r *Repository) CreateRun(ctx context.Context, run *RunRecord) error {
	progress, err := marshalNullable(run.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, owner_id, name, status, progress)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, run.ID, run.WorkflowID, run.OwnerID, run.Name, string(run.Status), progress).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

const runColumns = `id, workflow_id, owner_id, name, status, progress, error_message,
	created_at, started_at, completed_at, updated_at`

func scanRun(row pgx.Row) (*RunRecord, error) {
	var rec RunRecord
	var status string
	var progress []byte
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.OwnerID, &rec.Name, &status, &progress, &rec.ErrorMessage,
		&rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = RunStatus(status)
	if len(progress) > 0 {
		rec.Progress = &Progress{}
		if err := json.Unmarshal(progress, rec.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	return &rec, nil
}

func (r *Repository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_executions WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

func (r *Repository) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	var where []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id", filter.WorkflowID)
	}
	if filter.OwnerID != "" {
		add("owner_id", filter.OwnerID)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_executions SET
			status = $2::text,
			error_message = CASE WHEN $3::text = '' THEN error_message ELSE $3::text END,
			started_at = CASE WHEN $2::text = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2::text IN ('completed', 'failed', 'canceled') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1
	`, runID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (r *Repository) UpdateRunProgress(ctx context.Context, runID string, progress Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_executions SET progress = $2, updated_at = NOW() WHERE id = $1
	`, runID, data)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (r *Repository) CreateNodeExecution(ctx context.Context, rec *NodeExecutionRecord) error {
	config, err := json.Marshal(nonNilMap(rec.Config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	input, err := marshalNullable(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO workflow_node_executions
			(id, execution_id, node_id, node_type, config, status, input_data, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.RunID, rec.NodeID, rec.NodeType, config, string(rec.Status), input, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("create node execution: %w", err)
	}
	return nil
}

func (r *Repository) AttachNodeJob(ctx context.Context, recordID string, handle JobHandle) error {
	_, err := r.db.Exec(ctx, `
		UPDATE workflow_node_executions SET job_id = $2, job_kind = $3 WHERE id = $1
	`, recordID, handle.ID, handle.Kind)
	if err != nil {
		return fmt.Errorf("attach node job: %w", err)
	}
	return nil
}

func (r *Repository) FinishNodeExecution(ctx context.Context, rec *NodeExecutionRecord) error {
	output, err := marshalNullable(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		UPDATE workflow_node_executions
		SET status = $2, output_data = $3, error_message = $4, completed_at = $5
		WHERE id = $1
	`, rec.ID, string(rec.Status), output, rec.ErrorMessage, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("finish node execution: %w", err)
	}
	return nil
}

func (r *Repository) ListNodeExecutions(ctx context.Context, runID string) ([]NodeExecutionRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, execution_id, node_id, node_type, config, status, input_data, output_data,
			job_id, job_kind, error_message, started_at, completed_at
		FROM workflow_node_executions
		WHERE execution_id = $1
		ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	out := []NodeExecutionRecord{}
	for rows.Next() {
		var rec NodeExecutionRecord
		var status string
		var config, input, output []byte
		var jobID, jobKind *string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.NodeID, &rec.NodeType, &config, &status, &input, &output,
			&jobID, &jobKind, &rec.ErrorMessage, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		if err := decodeNodeRecord(&rec, status, config, input, output, jobID, jobKind); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) RunningJobs(ctx context.Context, runID string) ([]JobHandle, error) {
	rows, err := r.db.Query(ctx, `
		SELECT job_id, job_kind FROM workflow_node_executions
		WHERE execution_id = $1 AND status = 'running' AND job_id IS NOT NULL
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	var handles []JobHandle
	for rows.Next() {
		var h JobHandle
		var kind *string
		if err := rows.Scan(&h.ID, &kind); err != nil {
			return nil, fmt.Errorf("scan running job: %w", err)
		}
		if kind != nil {
			h.Kind = *kind
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// decodeNodeRecord fills the JSON and nullable columns shared by the SQL stores.
func decodeNodeRecord(rec *NodeExecutionRecord, status string, config, input, output []byte, jobID, jobKind *string) error {
	rec.Status = NodeStatus(status)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &rec.Config); err != nil {
			return fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &rec.Input); err != nil {
			return fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(output) > 0 {
		rec.Output = &NodeOutput{}
		if err := json.Unmarshal(output, rec.Output); err != nil {
			return fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if jobID != nil {
		rec.Job = &JobHandle{ID: *jobID}
		if jobKind != nil {
			rec.Job.Kind = *jobKind
		}
	}
	return nil
}

// marshalNullable encodes v as JSON, or returns nil for a nil pointer or map
// so the column stays NULL.
func marshalNullable(v any) ([]byte, error) {
	switch x := v.(type) {
	case *Progress:
		if x == nil {
			return nil, nil
		}
	case *NodeOutput:
		if x == nil {
			return nil, nil
		}
	case Input:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
