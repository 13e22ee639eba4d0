/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package persistence provides a durable mirror of workflows, restraint
// decisions, and approval requests on top of either Postgres or MySQL.
// It wraps the in-memory views the controller already holds with
// upsert-on-conflict SQL writes issued as restraint decisions,
// approval requests, planner strategies, phase completions and the
// terminal event land on the workflow's event stream, so a restart can
// rebuild workflow history from the last committed row rather than
// losing it.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/carterpry/restraint/internal/approval"
	"github.com/carterpry/restraint/internal/restraint"
	"github.com/carterpry/restraint/internal/workflow"
)

// Dialect picks the SQL driver and the upsert/placeholder syntax that
// differs between Postgres and MySQL.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// Store is a durable mirror of workflow, decision, and approval state.
// One Store serves the whole orchestrator process; callers are
// responsible for scoping reads/writes to the workflow they own.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn using the driver implied by dialect
// (jackc/pgx/v5's stdlib adapter for Postgres, go-sql-driver/mysql for
// MySQL) and ensures the schema exists.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	driver := "pgx"
	if dialect == DialectMySQL {
		driver = "mysql"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: ping %s: %w", dialect, err)
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close shuts down the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	textType := "TEXT"
	if s.dialect == DialectMySQL {
		textType = "LONGTEXT"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflows (
			id            VARCHAR(128) PRIMARY KEY,
			target        VARCHAR(512) NOT NULL,
			user_intent   %[1]s NOT NULL,
			status        VARCHAR(32) NOT NULL,
			constraints   %[1]s NOT NULL,
			phase_history %[1]s NOT NULL,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`, textType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ai_decisions (
			id            VARCHAR(64) PRIMARY KEY,
			workflow_id   VARCHAR(128) NOT NULL,
			tool          VARCHAR(128) NOT NULL,
			target        VARCHAR(512) NOT NULL,
			disposition   VARCHAR(32) NOT NULL,
			matched_rules %[1]s NOT NULL,
			reason        %[1]s NOT NULL,
			decided_at    TIMESTAMP NOT NULL
		)`, textType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_requests (
			id          VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(128) NOT NULL,
			tool        VARCHAR(128) NOT NULL,
			target      VARCHAR(512) NOT NULL,
			phase       VARCHAR(32) NOT NULL,
			reason      %[1]s NOT NULL,
			decision    VARCHAR(16) NOT NULL,
			decided_by  VARCHAR(256) NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL,
			expires_at  TIMESTAMP NOT NULL,
			decided_at  TIMESTAMP NULL
		)`, textType),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migrate: %w", err)
		}
	}
	return nil
}

// bind rewrites a query written with ? placeholders into the
// dialect's native style ($1, $2, ... for Postgres; left as-is for
// MySQL, which also uses ?).
func (s *Store) bind(query string, args ...any) (string, []any) {
	if s.dialect == DialectMySQL {
		return query, args
	}
	// query is written with ? placeholders; rewrite to $1, $2, ... for Postgres.
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out), args
}

// SaveWorkflow upserts the workflow's current snapshot. Callers must
// hold wf.Mu while the Workflow struct is being read into this call.
func (s *Store) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	constraints, err := json.Marshal(wf.Constraints)
	if err != nil {
		return fmt.Errorf("persistence: marshal constraints: %w", err)
	}
	phases, err := json.Marshal(wf.PhaseHistory)
	if err != nil {
		return fmt.Errorf("persistence: marshal phase history: %w", err)
	}

	var query string
	switch s.dialect {
	case DialectMySQL:
		query = `INSERT INTO workflows (id, target, user_intent, status, constraints, phase_history, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status),
				constraints = VALUES(constraints),
				phase_history = VALUES(phase_history),
				updated_at = VALUES(updated_at)`
	default:
		query = `INSERT INTO workflows (id, target, user_intent, status, constraints, phase_history, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				constraints = EXCLUDED.constraints,
				phase_history = EXCLUDED.phase_history,
				updated_at = EXCLUDED.updated_at`
	}
	q, args := s.bind(query, wf.ID, wf.Target, wf.UserIntent, string(wf.Status),
		string(constraints), string(phases), wf.CreatedAt, wf.UpdatedAt)
	_, err = s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("persistence: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// LoadWorkflow reconstructs a Workflow from its last committed row.
// It does not exist for workflows the controller only ever ran
// in-memory (never persisted) — callers get sql.ErrNoRows in that case.
func (s *Store) LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	q, args := s.bind(`SELECT id, target, user_intent, status, constraints, phase_history, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	row := s.db.QueryRowContext(ctx, q, args...)

	var (
		wf                     workflow.Workflow
		status                 string
		constraintsJSON, phaseJSON string
	)
	if err := row.Scan(&wf.ID, &wf.Target, &wf.UserIntent, &status, &constraintsJSON, &phaseJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = workflow.Status(status)
	if err := json.Unmarshal([]byte(constraintsJSON), &wf.Constraints); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal constraints: %w", err)
	}
	if err := json.Unmarshal([]byte(phaseJSON), &wf.PhaseHistory); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal phase history: %w", err)
	}
	return &wf, nil
}

// RecordDecision appends an audit row for one restraint evaluation.
// Decisions are append-only: every dispatch, allowed or not, gets a row.
func (s *Store) RecordDecision(ctx context.Context, id, workflowID, tool, target string, dec restraint.Decision) error {
	matched, err := json.Marshal(dec.Matched)
	if err != nil {
		return fmt.Errorf("persistence: marshal matched rules: %w", err)
	}
	q, args := s.bind(`INSERT INTO ai_decisions (id, workflow_id, tool, target, disposition, matched_rules, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, workflowID, tool, target, string(dec.Disposition), string(matched), dec.Reason, time.Now().UTC())
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("persistence: record decision: %w", err)
	}
	return nil
}

// SaveApproval upserts one approval request's current state.
func (s *Store) SaveApproval(ctx context.Context, req approval.Request, out approval.Outcome) error {
	var query string
	switch s.dialect {
	case DialectMySQL:
		query = `INSERT INTO approval_requests (id, workflow_id, tool, target, phase, reason, decision, decided_by, created_at, expires_at, decided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				decision = VALUES(decision),
				decided_by = VALUES(decided_by),
				decided_at = VALUES(decided_at)`
	default:
		query = `INSERT INTO approval_requests (id, workflow_id, tool, target, phase, reason, decision, decided_by, created_at, expires_at, decided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				decision = EXCLUDED.decision,
				decided_by = EXCLUDED.decided_by,
				decided_at = EXCLUDED.decided_at`
	}
	var decidedAt any
	if !out.DecidedAt.IsZero() {
		decidedAt = out.DecidedAt
	}
	q, args := s.bind(query, req.ID, req.WorkflowID, req.Tool, req.Target, req.Phase, req.Reason,
		string(out.Decision), out.DecidedBy, req.CreatedAt, req.ExpiresAt, decidedAt)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("persistence: save approval %s: %w", req.ID, err)
	}
	return nil
}

// PendingApprovals returns every approval_requests row still marked
// pending, for rehydrating the in-memory approval.Queue after a restart.
func (s *Store) PendingApprovals(ctx context.Context) ([]approval.Request, error) {
	q, args := s.bind(`SELECT id, workflow_id, tool, target, phase, reason, created_at, expires_at
		FROM approval_requests WHERE decision = ?`, string(approval.DecisionPending))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: pending approvals: %w", err)
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		var r approval.Request
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.Tool, &r.Target, &r.Phase, &r.Reason, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("persistence: scan pending approval: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
