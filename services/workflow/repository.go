package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles workflow and execution persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflow and execution tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id          UUID PRIMARY KEY,
			owner_id    TEXT NOT NULL DEFAULT '',
			name        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			definition  JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_executions (
			id            TEXT PRIMARY KEY,
			workflow_id   TEXT NOT NULL DEFAULT '',
			owner_id      TEXT NOT NULL DEFAULT '',
			name          TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			progress      JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_node_executions (
			id            TEXT PRIMARY KEY,
			execution_id  TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
			node_id       TEXT NOT NULL,
			node_type     TEXT NOT NULL,
			config        JSONB NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL,
			input_data    JSONB,
			output_data   JSONB,
			job_id        TEXT,
			job_kind      TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			started_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS workflow_node_executions_execution_idx
			ON workflow_node_executions (execution_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample scan pipeline if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	defJSON, err := json.Marshal(sampleDefinition)
	if err != nil {
		return fmt.Errorf("marshal seed definition: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, description, definition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, sampleWorkflowID, "IPv6 Discovery Pipeline", "XMap discovery, address extraction, ZGrab2 banner scan", defJSON)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// Create stores a new workflow and assigns its id.
func (r *Repository) Create(ctx context.Context, wf *Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	defJSON, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO workflows (id, owner_id, name, description, definition)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, wf.ID, wf.OwnerID, wf.Name, wf.Description, defJSON).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var defJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, owner_id, name, description, definition, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.OwnerID, &wf.Name, &wf.Description, &defJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if err := json.Unmarshal(defJSON, &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &wf, nil
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

const sampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

var sampleDefinition = Definition{
	Nodes: []Node{
		{ID: "targets", Type: "file_input", Config: map[string]any{"fileId": "", "fileType": "txt"}},
		{ID: "discover", Type: "xmap_scan", Config: map[string]any{
			"protocol":    "ipv6",
			"targetPort":  "80",
			"rate":        1000,
			"probeModule": "icmp_echo",
			"description": "IPv6 liveness discovery",
		}},
		{ID: "live-hosts", Type: "xmap_json_extract", Config: map[string]any{"extractType": "outersaddr", "outputFormat": "txt"}},
		{ID: "banners", Type: "zgrab2_scan", Config: map[string]any{"scanMode": "single", "module": "http", "port": "80"}},
		{ID: "responsive", Type: "zgrab2_json_extract", Config: map[string]any{"extractType": "successful_ips"}},
		{ID: "report", Type: "file_output", Config: map[string]any{"fileName": "responsive_hosts", "fileType": "txt"}},
	},
	Connections: []Connection{
		{From: "targets", To: "discover"},
		{From: "discover", To: "live-hosts"},
		{From: "live-hosts", To: "banners"},
		{From: "banners", To: "responsive"},
		{From: "responsive", To: "report"},
	},
}
