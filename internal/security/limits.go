package security

import "time"

type Limits struct {
	MinPollSeconds     int
	MaxPollSeconds     int
	MaxConcurrentPolls int
	ActionTimeout      time.Duration
	FetchTimeout       time.Duration
	NotifyTimeout      time.Duration
	MaxResponseBytes   int
	MaxChainDepth      int
}

func DefaultLimits() Limits {
	return Limits{
		MinPollSeconds:     5,
		MaxPollSeconds:     3600,
		MaxConcurrentPolls: 5,
		ActionTimeout:      10 * time.Second,
		FetchTimeout:       5 * time.Second,
		NotifyTimeout:      3 * time.Second,
		MaxResponseBytes:   1024,
		MaxChainDepth:      5,
	}
}
