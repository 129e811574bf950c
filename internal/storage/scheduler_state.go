package storage

import (
	"context"
	"time"
)

// UpsertSchedulerState writes the caller's own instance row. Instances never
// touch each other's rows, so concurrent heartbeats cannot conflict.
func (r *Repository) UpsertSchedulerState(ctx context.Context, instanceID string, isLeader bool, startedAt time.Time) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO scheduler_state (instance_id, is_leader, last_heartbeat, started_at)
		VALUES ($1,$2,now(),$3)
		ON CONFLICT (instance_id) DO UPDATE SET is_leader=EXCLUDED.is_leader, last_heartbeat=now()`,
		instanceID, isLeader, startedAt)
	return err
}

func (r *Repository) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT instance_id, is_leader, last_heartbeat, started_at
		FROM scheduler_state ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []InstanceRecord{}
	for rows.Next() {
		var rec InstanceRecord
		if err := rows.Scan(&rec.InstanceID, &rec.IsLeader, &rec.LastHeartbeat, &rec.StartedAt); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// CurrentLeader reports the instance whose leader flag is both set and fresh.
// A stale heartbeat means the recorded leader is treated as dead.
func (r *Repository) CurrentLeader(ctx context.Context, staleness time.Duration) (InstanceRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT instance_id, is_leader, last_heartbeat, started_at
		FROM scheduler_state
		WHERE is_leader = true AND last_heartbeat > now() - ($1 * interval '1 second')
		ORDER BY last_heartbeat DESC LIMIT 1`, staleness.Seconds())
	var rec InstanceRecord
	if err := row.Scan(&rec.InstanceID, &rec.IsLeader, &rec.LastHeartbeat, &rec.StartedAt); err != nil {
		return InstanceRecord{}, ErrNotFound
	}
	return rec, nil
}
