package notify

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const ChannelWebhook = "webhook"

// TriggerTypeSnapshotThreshold is the only trigger kind the engine evaluates.
const TriggerTypeSnapshotThreshold = "snapshot_threshold"

const (
	defaultCooldownSeconds = 300
	defaultMaxPerHour      = 20
	defaultWindowMinutes   = 5
)

// TriggerSpec describes a threshold against recent metric-poll snapshot
// counters: field is one of evaluated, matched, skipped, failed.
type TriggerSpec struct {
	Type          string  `json:"type"`
	Field         string  `json:"field"`
	Op            string  `json:"op"`
	Value         float64 `json:"value"`
	WindowMinutes int     `json:"window_minutes"`
	Severity      string  `json:"severity"`
}

// PolicySpec bounds how often a notification may fire.
type PolicySpec struct {
	CooldownSeconds int `json:"cooldown_seconds"`
	MaxPerHour      int `json:"max_per_hour"`
}

func ParseTrigger(raw []byte) (TriggerSpec, error) {
	var spec TriggerSpec
	if len(raw) == 0 {
		return spec, fmt.Errorf("empty trigger spec")
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("parse trigger spec: %w", err)
	}
	if spec.Type == "" {
		spec.Type = TriggerTypeSnapshotThreshold
	}
	if spec.WindowMinutes <= 0 {
		spec.WindowMinutes = defaultWindowMinutes
	}
	return spec, nil
}

func ParsePolicy(raw []byte) PolicySpec {
	var spec PolicySpec
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &spec)
	}
	if spec.CooldownSeconds <= 0 {
		spec.CooldownSeconds = defaultCooldownSeconds
	}
	if spec.MaxPerHour <= 0 {
		spec.MaxPerHour = defaultMaxPerHour
	}
	return spec
}

// DedupKey derives a stable suppression key from the notification identity
// and its threshold. Repeated breaches of the same threshold share a key;
// changing the threshold starts a fresh suppression window.
func DedupKey(notificationID string, trigger TriggerSpec) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%g",
		notificationID, trigger.Type, trigger.Field, trigger.Op, trigger.Value)
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
