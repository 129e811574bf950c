package storage

import "time"

const (
	ExecStatusSuccess = "success"
	ExecStatusFail    = "fail"
	ExecStatusSkipped = "skipped"
	ExecStatusDryRun  = "dry_run"
)

const (
	NotifyStatusSent    = "sent"
	NotifyStatusSkipped = "skipped"
	NotifyStatusFail    = "fail"
)

type RuleRecord struct {
	ID          string
	Name        string
	TriggerType string
	TriggerSpec []byte
	ActionSpec  []byte
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ExecutionLogRecord struct {
	ID         string
	RuleID     string
	Status     string
	DurationMS int64
	References []byte
	ExecutedBy string
	Error      *string
	CreatedAt  time.Time
}

// NotificationRecord.Headers holds the AES-GCM ciphertext of the header map;
// only the notification engine decrypts it.
type NotificationRecord struct {
	ID        string
	Name      string
	Channel   string
	TargetURL string
	RuleID    *string
	Headers   []byte
	Trigger   []byte
	Policy    []byte
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type NotificationLogRecord struct {
	ID             string
	NotificationID string
	Status         string
	DedupKey       string
	Reason         string
	ResponseStatus *int
	ResponseBody   *string
	Snapshot       []byte
	Acked          bool
	FiredAt        time.Time
}

type SnapshotRecord struct {
	ID             string
	InstanceID     string
	IsLeader       bool
	RulesEvaluated int
	RulesMatched   int
	RulesSkipped   int
	RulesFailed    int
	RecentMatches  []byte
	RecentFailures []byte
	LastError      *string
	CreatedAt      time.Time
}

type InstanceRecord struct {
	InstanceID    string
	IsLeader      bool
	LastHeartbeat time.Time
	StartedAt     time.Time
}
