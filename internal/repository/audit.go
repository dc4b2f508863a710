// Package repository persists an append-only audit log of finished
// pipeline runs to Postgres, adapted from the teacher's sharded email
// repository with the sharding machinery dropped (see DESIGN.md).
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

const (
	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

var (
	auditOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "audit_repository_operation_duration_seconds",
		Help: "Duration of audit repository operations.",
	}, []string{"operation"})

	auditOperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_repository_operation_errors_total",
		Help: "Total number of audit repository operation errors.",
	}, []string{"operation"})
)

// AuditRepository appends one row per completed/failed/cancelled job.
type AuditRepository struct {
	db            *sql.DB
	preparedStmts map[string]*sql.Stmt
}

// NewAuditRepository prepares statements against db, which must already
// have the audit_log table created (see schema.sql).
func NewAuditRepository(db *sql.DB) (*AuditRepository, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	stmts, err := prepareStatements(db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare statements")
	}

	return &AuditRepository{db: db, preparedStmts: stmts}, nil
}

// Record appends one audit row for a finished job.
func (r *AuditRepository) Record(ctx context.Context, job models.Job, ruleIDs []string) error {
	timer := prometheus.NewTimer(auditOperationDuration.WithLabelValues("record"))
	defer timer.ObserveDuration()

	summaryJSON, err := json.Marshal(job.Result)
	if err != nil {
		auditOperationErrors.WithLabelValues("record").Inc()
		return errors.Wrap(err, "failed to marshal run summary")
	}

	tx, err := r.beginTx(ctx)
	if err != nil {
		auditOperationErrors.WithLabelValues("record").Inc()
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.StmtContext(ctx, r.preparedStmts["insert_audit"]).ExecContext(ctx,
		job.ID,
		job.Name,
		pq.Array(ruleIDs),
		string(job.State),
		summaryJSON,
		job.Error,
		job.StartTime,
		job.EndTime,
	)
	if err != nil {
		auditOperationErrors.WithLabelValues("record").Inc()
		return errors.Wrap(err, "failed to insert audit row")
	}

	if err := tx.Commit(); err != nil {
		auditOperationErrors.WithLabelValues("record").Inc()
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// ListByRule returns every audit row referencing ruleID, most recent
// first, bounded by limit.
func (r *AuditRepository) ListByRule(ctx context.Context, ruleID string, limit int) ([]AuditRow, error) {
	timer := prometheus.NewTimer(auditOperationDuration.WithLabelValues("list_by_rule"))
	defer timer.ObserveDuration()

	rows, err := r.preparedStmts["list_by_rule"].QueryContext(ctx, ruleID, limit)
	if err != nil {
		auditOperationErrors.WithLabelValues("list_by_rule").Inc()
		return nil, errors.Wrap(err, "failed to query audit log")
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var ruleIDs []string
		if err := rows.Scan(&row.TaskID, &row.Name, pq.Array(&ruleIDs), &row.State, &row.SummaryJSON, &row.Error, &row.StartedAt, &row.FinishedAt); err != nil {
			auditOperationErrors.WithLabelValues("list_by_rule").Inc()
			return nil, errors.Wrap(err, "failed to scan audit row")
		}
		row.RuleIDs = ruleIDs
		out = append(out, row)
	}
	return out, rows.Err()
}

// AuditRow is one persisted audit log entry.
type AuditRow struct {
	TaskID      string
	Name        string
	RuleIDs     []string
	State       string
	SummaryJSON []byte
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// beginTx starts a transaction, retrying on a transient Postgres error
// (serialization failure, deadlock, or the server shutting down).
func (r *AuditRepository) beginTx(ctx context.Context) (*sql.Tx, error) {
	var tx *sql.Tx
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}

		tx, err = r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err == nil {
			return tx, nil
		}
		if !isRetryablePQError(err) {
			return nil, err
		}
	}
	return nil, errors.Wrap(err, "max retries exceeded")
}

func isRetryablePQError(err error) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
		return true
	default:
		return false
	}
}

func prepareStatements(db *sql.DB) (map[string]*sql.Stmt, error) {
	statements := map[string]string{
		"insert_audit": `
			INSERT INTO audit_log (
				task_id, name, rule_ids, state, summary_json, error, started_at, finished_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		"list_by_rule": `
			SELECT task_id, name, rule_ids, state, summary_json, error, started_at, finished_at
			FROM audit_log
			WHERE $1 = ANY(rule_ids)
			ORDER BY finished_at DESC
			LIMIT $2`,
	}

	prepared := make(map[string]*sql.Stmt, len(statements))
	for name, query := range statements {
		stmt, err := db.Prepare(query)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to prepare statement %q", name)
		}
		prepared[name] = stmt
	}
	return prepared, nil
}

// Close releases every prepared statement.
func (r *AuditRepository) Close() error {
	var firstErr error
	for _, stmt := range r.preparedStmts {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
