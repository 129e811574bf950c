package storage

import (
	"context"
	"strconv"

	"github.com/google/uuid"
)

const execLogColumns = `id, rule_id, status, duration_ms, "references", executed_by, error, created_at`

func scanExecutionLog(row scanner) (ExecutionLogRecord, error) {
	var rec ExecutionLogRecord
	if err := row.Scan(&rec.ID, &rec.RuleID, &rec.Status, &rec.DurationMS, &rec.References, &rec.ExecutedBy, &rec.Error, &rec.CreatedAt); err != nil {
		return ExecutionLogRecord{}, err
	}
	return rec, nil
}

func (r *Repository) RecordExecutionLog(ctx context.Context, rec ExecutionLogRecord) (ExecutionLogRecord, error) {
	id := uuid.NewString()
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO execution_logs (id, rule_id, status, duration_ms, "references", executed_by, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		RETURNING `+execLogColumns,
		id, rec.RuleID, rec.Status, rec.DurationMS, rec.References, rec.ExecutedBy, rec.Error,
	)
	return scanExecutionLog(row)
}

func (r *Repository) ListExecutionLogs(ctx context.Context, ruleID string, limit int, status string) ([]ExecutionLogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + execLogColumns + ` FROM execution_logs WHERE rule_id=$1`
	args := []any{ruleID}
	if status != "" {
		args = append(args, status)
		query += " AND status=$2"
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))
	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []ExecutionLogRecord{}
	for rows.Next() {
		rec, err := scanExecutionLog(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
