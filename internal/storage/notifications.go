package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const notificationColumns = "id, name, channel, target_url, rule_id, headers, trigger, policy, is_active, created_at, updated_at"

func scanNotification(row scanner) (NotificationRecord, error) {
	var rec NotificationRecord
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Channel, &rec.TargetURL, &rec.RuleID, &rec.Headers, &rec.Trigger, &rec.Policy, &rec.IsActive, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return NotificationRecord{}, err
	}
	return rec, nil
}

func (r *Repository) ListActiveNotifications(ctx context.Context, channel string) ([]NotificationRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications WHERE is_active = true AND channel=$1 ORDER BY created_at`, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []NotificationRecord{}
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) GetNotification(ctx context.Context, id string) (NotificationRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=$1`, id)
	rec, err := scanNotification(row)
	if err != nil {
		return NotificationRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *Repository) CreateNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO notifications (id, name, channel, target_url, rule_id, headers, trigger, policy, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		RETURNING `+notificationColumns,
		id, rec.Name, rec.Channel, rec.TargetURL, rec.RuleID, rec.Headers, rec.Trigger, rec.Policy, rec.IsActive,
	)
	return scanNotification(row)
}

const notificationLogColumns = "id, notification_id, status, dedup_key, reason, response_status, response_body, snapshot, acked, fired_at"

func scanNotificationLog(row scanner) (NotificationLogRecord, error) {
	var rec NotificationLogRecord
	if err := row.Scan(&rec.ID, &rec.NotificationID, &rec.Status, &rec.DedupKey, &rec.Reason, &rec.ResponseStatus, &rec.ResponseBody, &rec.Snapshot, &rec.Acked, &rec.FiredAt); err != nil {
		return NotificationLogRecord{}, err
	}
	return rec, nil
}

func (r *Repository) CreateNotificationLog(ctx context.Context, rec NotificationLogRecord) (NotificationLogRecord, error) {
	id := uuid.NewString()
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO notification_logs (id, notification_id, status, dedup_key, reason, response_status, response_body, snapshot, acked, fired_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,now())
		RETURNING `+notificationLogColumns,
		id, rec.NotificationID, rec.Status, rec.DedupKey, rec.Reason, rec.ResponseStatus, rec.ResponseBody, rec.Snapshot,
	)
	return scanNotificationLog(row)
}

// LastSentAt returns the newest sent log for a dedup key, the cooldown
// lookback source.
func (r *Repository) LastSentAt(ctx context.Context, notificationID, dedupKey string) (time.Time, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT fired_at FROM notification_logs
		WHERE notification_id=$1 AND dedup_key=$2 AND status=$3
		ORDER BY fired_at DESC LIMIT 1`, notificationID, dedupKey, NotifyStatusSent)
	var ts time.Time
	if err := row.Scan(&ts); err != nil {
		return time.Time{}, ErrNotFound
	}
	return ts, nil
}

// CountSentSince counts sent logs in the trailing window, the rate-limit
// lookback source.
func (r *Repository) CountSentSince(ctx context.Context, notificationID string, since time.Time) (int, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT count(*) FROM notification_logs
		WHERE notification_id=$1 AND status=$2 AND fired_at >= $3`, notificationID, NotifyStatusSent, since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) AckNotificationLog(ctx context.Context, id string) error {
	tag, err := r.Store.Pool.Exec(ctx, `UPDATE notification_logs SET acked=true WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) CountUnacked(ctx context.Context) (int, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT count(*) FROM notification_logs WHERE acked = false`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) ListRecentNotificationLogs(ctx context.Context, limit int) ([]NotificationLogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+notificationLogColumns+`
		FROM notification_logs ORDER BY fired_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []NotificationLogRecord{}
	for rows.Next() {
		rec, err := scanNotificationLog(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
