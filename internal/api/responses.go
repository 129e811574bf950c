package api

import (
	"encoding/json"
	"time"

	"flowsentry/internal/storage"
)

type executionLogResponse struct {
	ID         string          `json:"id"`
	RuleID     string          `json:"rule_id"`
	Status     string          `json:"status"`
	DurationMS int64           `json:"duration_ms"`
	References json.RawMessage `json:"references,omitempty"`
	ExecutedBy string          `json:"executed_by"`
	Error      *string         `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toExecutionLogResponse(rec storage.ExecutionLogRecord) executionLogResponse {
	return executionLogResponse{
		ID:         rec.ID,
		RuleID:     rec.RuleID,
		Status:     rec.Status,
		DurationMS: rec.DurationMS,
		References: json.RawMessage(rec.References),
		ExecutedBy: rec.ExecutedBy,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
	}
}

type notificationLogResponse struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notification_id"`
	Status         string          `json:"status"`
	DedupKey       string          `json:"dedup_key"`
	Reason         string          `json:"reason"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	Acked          bool            `json:"acked"`
	FiredAt        time.Time       `json:"fired_at"`
}

func toNotificationLogResponse(rec storage.NotificationLogRecord) notificationLogResponse {
	return notificationLogResponse{
		ID:             rec.ID,
		NotificationID: rec.NotificationID,
		Status:         rec.Status,
		DedupKey:       rec.DedupKey,
		Reason:         rec.Reason,
		ResponseStatus: rec.ResponseStatus,
		Snapshot:       json.RawMessage(rec.Snapshot),
		Acked:          rec.Acked,
		FiredAt:        rec.FiredAt,
	}
}

type instanceStatus struct {
	InstanceID    string    `json:"instance_id"`
	IsLeader      bool      `json:"is_leader"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	StartedAt     time.Time `json:"started_at"`
	Stale         bool      `json:"stale,omitempty"`
}

type snapshotStatus struct {
	ID             string          `json:"id"`
	InstanceID     string          `json:"instance_id"`
	IsLeader       bool            `json:"is_leader"`
	RulesEvaluated int             `json:"rules_evaluated"`
	RulesMatched   int             `json:"rules_matched"`
	RulesSkipped   int             `json:"rules_skipped"`
	RulesFailed    int             `json:"rules_failed"`
	RecentMatches  json.RawMessage `json:"recent_matches,omitempty"`
	RecentFailures json.RawMessage `json:"recent_failures,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toSnapshotStatus(rec storage.SnapshotRecord) snapshotStatus {
	return snapshotStatus{
		ID:             rec.ID,
		InstanceID:     rec.InstanceID,
		IsLeader:       rec.IsLeader,
		RulesEvaluated: rec.RulesEvaluated,
		RulesMatched:   rec.RulesMatched,
		RulesSkipped:   rec.RulesSkipped,
		RulesFailed:    rec.RulesFailed,
		RecentMatches:  json.RawMessage(rec.RecentMatches),
		RecentFailures: json.RawMessage(rec.RecentFailures),
		LastError:      rec.LastError,
		CreatedAt:      rec.CreatedAt,
	}
}
