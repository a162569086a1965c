// Package history persists terminal call records, monthly usage counters,
// captured leads and the workflow control plane in PostgreSQL.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/call"
	"github.com/avencall/switchboard/internal/workflow"
)

// PostgresStore implements the call history sink and the workflow store on a
// shared pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, log zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool: pool,
		log:  log.With().Str("component", "history").Logger(),
	}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_history (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			caller_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			cause TEXT NOT NULL,
			transcript TEXT NOT NULL DEFAULT '',
			turns JSONB NOT NULL DEFAULT '[]',
			lead JSONB,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_history_tenant_ended ON call_history (tenant_id, ended_at);`,
		`CREATE TABLE IF NOT EXISTS tenant_usage (
			tenant_id TEXT NOT NULL,
			month TEXT NOT NULL,
			call_count BIGINT NOT NULL DEFAULT 0,
			call_minutes BIGINT NOT NULL DEFAULT 0,
			stt_minutes BIGINT NOT NULL DEFAULT 0,
			tts_characters BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, month)
		);`,
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			fields JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_leads_tenant_created ON leads (tenant_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			admin_locked BOOLEAN NOT NULL DEFAULT FALSE,
			trigger_type TEXT NOT NULL,
			trigger_config JSONB,
			steps JSONB NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_tenant_trigger ON workflows (tenant_id, trigger_type);`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			trigger TEXT NOT NULL,
			status TEXT NOT NULL,
			steps_completed INT NOT NULL DEFAULT 0,
			steps_total INT NOT NULL DEFAULT 0,
			results JSONB NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs (workflow_id, started_at);`,
		`CREATE TABLE IF NOT EXISTS tenant_pricing (
			tenant_id TEXT NOT NULL,
			description TEXT NOT NULL,
			unit_price DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (tenant_id, description)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveCall persists a terminal call record and bumps the tenant's monthly
// usage counters in one transaction.
func (s *PostgresStore) SaveCall(ctx context.Context, rec call.Record) error {
	turns, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}
	var lead []byte
	if len(rec.Lead) > 0 {
		if lead, err = json.Marshal(rec.Lead); err != nil {
			return fmt.Errorf("encode lead: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO call_history (id, tenant_id, call_id, caller_id, stage, cause, transcript, turns, lead, duration_ms, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.NewString(),
		rec.TenantID,
		rec.CallID,
		rec.CallerID,
		rec.Stage,
		rec.Cause,
		rec.Transcript,
		turns,
		lead,
		rec.DurationMS,
		rec.StartedAt,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}

	minutes := billedMinutes(rec.DurationMS)
	_, err = tx.Exec(ctx,
		`INSERT INTO tenant_usage (tenant_id, month, call_count, call_minutes, stt_minutes, tts_characters)
		 VALUES ($1, $2, 1, $3, $4, $5)
		 ON CONFLICT (tenant_id, month) DO UPDATE SET
			call_count = tenant_usage.call_count + 1,
			call_minutes = tenant_usage.call_minutes + EXCLUDED.call_minutes,
			stt_minutes = tenant_usage.stt_minutes + EXCLUDED.stt_minutes,
			tts_characters = tenant_usage.tts_characters + EXCLUDED.tts_characters`,
		rec.TenantID,
		rec.EndedAt.UTC().Format("2006-01"),
		minutes,
		minutes,
		spokenCharacters(rec),
	)
	if err != nil {
		return fmt.Errorf("save usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

// billedMinutes rounds a call up to whole minutes, minimum one for any
// connected call.
func billedMinutes(durationMS int64) int64 {
	if durationMS <= 0 {
		return 0
	}
	return (durationMS + 59_999) / 60_000
}

func spokenCharacters(rec call.Record) int64 {
	var chars int64
	for _, turn := range rec.History {
		if turn.Role == "assistant" {
			chars += int64(len(turn.Text))
		}
	}
	return chars
}

// Usage is one tenant's counters for one month.
type Usage struct {
	TenantID      string
	Month         string
	CallCount     int64
	CallMinutes   int64
	STTMinutes    int64
	TTSCharacters int64
}

func (s *PostgresStore) TenantUsage(ctx context.Context, tenantID, month string) (Usage, error) {
	u := Usage{TenantID: tenantID, Month: month}
	err := s.pool.QueryRow(ctx,
		`SELECT call_count, call_minutes, stt_minutes, tts_characters
		 FROM tenant_usage WHERE tenant_id=$1 AND month=$2`,
		tenantID, month,
	).Scan(&u.CallCount, &u.CallMinutes, &u.STTMinutes, &u.TTSCharacters)
	if err != nil {
		return Usage{}, fmt.Errorf("query usage: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ListEnabledWorkflows(ctx context.Context, tenantID, triggerType string) ([]workflow.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, enabled, admin_locked, trigger_type, trigger_config, steps
		 FROM workflows WHERE tenant_id=$1 AND trigger_type=$2 AND enabled AND NOT admin_locked`,
		tenantID, triggerType,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *PostgresStore) ListScheduledWorkflows(ctx context.Context) ([]workflow.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, enabled, admin_locked, trigger_type, trigger_config, steps
		 FROM workflows WHERE trigger_type=$1 AND enabled AND NOT admin_locked`,
		workflow.TriggerScheduled,
	)
	if err != nil {
		return nil, fmt.Errorf("query scheduled workflows: %w", err)
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func scanWorkflows(rows pgx.Rows) ([]workflow.Workflow, error) {
	var out []workflow.Workflow
	for rows.Next() {
		var (
			wf       workflow.Workflow
			trigCfg  []byte
			stepsRaw []byte
		)
		if err := rows.Scan(&wf.ID, &wf.TenantID, &wf.Name, &wf.Enabled, &wf.AdminLocked, &wf.TriggerType, &trigCfg, &stepsRaw); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		wf.TriggerConfig = trigCfg
		if err := json.Unmarshal(stepsRaw, &wf.Steps); err != nil {
			return nil, fmt.Errorf("decode steps for %s: %w", wf.ID, err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error) {
	var (
		wf       workflow.Workflow
		trigCfg  []byte
		stepsRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, enabled, admin_locked, trigger_type, trigger_config, steps
		 FROM workflows WHERE id=$1`,
		workflowID,
	).Scan(&wf.ID, &wf.TenantID, &wf.Name, &wf.Enabled, &wf.AdminLocked, &wf.TriggerType, &trigCfg, &stepsRaw)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("query workflow %s: %w", workflowID, err)
	}
	wf.TriggerConfig = trigCfg
	if err := json.Unmarshal(stepsRaw, &wf.Steps); err != nil {
		return workflow.Workflow{}, fmt.Errorf("decode steps for %s: %w", workflowID, err)
	}
	return wf, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *workflow.Run) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("encode run results: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, tenant_id, trigger, status, steps_completed, steps_total, results, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			steps_completed = EXCLUDED.steps_completed,
			steps_total = EXCLUDED.steps_total,
			results = EXCLUDED.results,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		run.ID,
		run.WorkflowID,
		run.TenantID,
		run.Trigger,
		run.Status,
		run.StepsCompleted,
		run.StepsTotal,
		results,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveLead(ctx context.Context, tenantID, callID string, lead map[string]string) error {
	fields, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("encode lead: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO leads (id, tenant_id, call_id, fields, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(),
		tenantID,
		callID,
		fields,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save lead: %w", err)
	}
	return nil
}

func (s *PostgresStore) TenantPricing(ctx context.Context, tenantID string) ([]workflow.PriceItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT description, unit_price FROM tenant_pricing WHERE tenant_id=$1 ORDER BY description`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pricing: %w", err)
	}
	defer rows.Close()

	var items []workflow.PriceItem
	for rows.Next() {
		var p workflow.PriceItem
		if err := rows.Scan(&p.Description, &p.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan pricing row: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pricing rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
