package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const snapshotColumns = "id, instance_id, is_leader, rules_evaluated, rules_matched, rules_skipped, rules_failed, recent_matches, recent_failures, last_error, created_at"

func scanSnapshot(row scanner) (SnapshotRecord, error) {
	var rec SnapshotRecord
	if err := row.Scan(&rec.ID, &rec.InstanceID, &rec.IsLeader, &rec.RulesEvaluated, &rec.RulesMatched, &rec.RulesSkipped, &rec.RulesFailed, &rec.RecentMatches, &rec.RecentFailures, &rec.LastError, &rec.CreatedAt); err != nil {
		return SnapshotRecord{}, err
	}
	return rec, nil
}

func (r *Repository) InsertSnapshot(ctx context.Context, rec SnapshotRecord) (SnapshotRecord, error) {
	id := uuid.NewString()
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO metric_poll_snapshots (id, instance_id, is_leader, rules_evaluated, rules_matched, rules_skipped, rules_failed, recent_matches, recent_failures, last_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
		RETURNING `+snapshotColumns,
		id, rec.InstanceID, rec.IsLeader, rec.RulesEvaluated, rec.RulesMatched, rec.RulesSkipped, rec.RulesFailed, rec.RecentMatches, rec.RecentFailures, rec.LastError,
	)
	return scanSnapshot(row)
}

func (r *Repository) ListSnapshotsSince(ctx context.Context, since time.Time) ([]SnapshotRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM metric_poll_snapshots WHERE created_at >= $1 ORDER BY created_at DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []SnapshotRecord{}
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) LatestSnapshot(ctx context.Context) (SnapshotRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM metric_poll_snapshots ORDER BY created_at DESC LIMIT 1`)
	rec, err := scanSnapshot(row)
	if err != nil {
		return SnapshotRecord{}, ErrNotFound
	}
	return rec, nil
}
