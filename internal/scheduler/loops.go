package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"flowsentry/internal/dispatch"
	"flowsentry/internal/rules"
	"flowsentry/internal/security"
	"flowsentry/internal/storage"
)

func (s *Scheduler) scheduleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runScheduleTick(ctx)
		}
	}
}

// runScheduleTick fires every active schedule rule whose next run is due and
// recomputes its next run. Newly seen rules are scheduled ahead rather than
// fired immediately.
func (s *Scheduler) runScheduleTick(ctx context.Context) {
	active, err := s.store.ListRules(ctx, string(rules.TriggerSchedule), true)
	if err != nil {
		s.logger.Error("list schedule rules failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	var due []storage.RuleRecord
	seen := make(map[string]bool, len(active))

	s.mu.Lock()
	for _, rule := range active {
		seen[rule.ID] = true
		next, ok := s.nextRuns[rule.ID]
		if !ok {
			s.nextRuns[rule.ID] = s.computeNextRun(rule, now)
			continue
		}
		if now.Before(next) {
			continue
		}
		s.nextRuns[rule.ID] = s.computeNextRun(rule, now)
		due = append(due, rule)
	}
	for id := range s.nextRuns {
		if !seen[id] {
			delete(s.nextRuns, id)
		}
	}
	s.mu.Unlock()

	for _, rule := range due {
		s.dispatchAsync(ctx, rule)
	}
}

func (s *Scheduler) computeNextRun(rule storage.RuleRecord, now time.Time) time.Time {
	spec := rules.ScheduleSpec{}
	if len(rule.TriggerSpec) > 0 {
		if err := json.Unmarshal(rule.TriggerSpec, &spec); err != nil {
			s.logger.Warn("unreadable schedule spec",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()))
			return now.Add(defaultScheduleEvery)
		}
	}
	if spec.Cron != "" {
		parsed, err := cron.ParseStandard(spec.Cron)
		if err != nil {
			s.logger.Warn("invalid cron expression",
				slog.String("rule_id", rule.ID),
				slog.String("cron", spec.Cron),
				slog.String("error", err.Error()))
			return now.Add(defaultScheduleEvery)
		}
		return parsed.Next(now)
	}
	if spec.IntervalSeconds > 0 {
		return now.Add(time.Duration(spec.IntervalSeconds) * time.Second)
	}
	return now.Add(defaultScheduleEvery)
}

// dispatchAsync runs the rule outside the tick. The dispatch context is
// detached from loop cancellation so stopping the scheduler lets in-flight
// dispatches finish.
func (s *Scheduler) dispatchAsync(ctx context.Context, rule storage.RuleRecord) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		defer cancel()
		res := s.dispatcher.Execute(dispatchCtx, rule, nil, "scheduler", dispatch.Options{})
		s.observe(rule, res)
	}()
}

func (s *Scheduler) metricLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MetricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMetricTick(ctx)
		}
	}
}

// runMetricTick polls every active metric and anomaly rule whose own poll
// interval has elapsed, bounded by the poll semaphore, then persists a
// snapshot if the snapshot interval has passed. Anomaly rules ride the same
// loop because a runtime-fed anomaly baseline only grows when something
// polls it.
func (s *Scheduler) runMetricTick(ctx context.Context) {
	active, err := s.store.ListRules(ctx, string(rules.TriggerMetric), true)
	if err != nil {
		s.logger.Error("list metric rules failed", slog.String("error", err.Error()))
		s.noteError(err.Error())
		return
	}
	anomalies, err := s.store.ListRules(ctx, string(rules.TriggerAnomaly), true)
	if err != nil {
		s.logger.Error("list anomaly rules failed", slog.String("error", err.Error()))
	} else {
		active = append(active, anomalies...)
	}

	now := time.Now()
	for _, rule := range active {
		if !s.markPollDue(rule, now) {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(rule storage.RuleRecord) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
			defer cancel()
			res := s.dispatcher.Execute(dispatchCtx, rule, nil, "scheduler", dispatch.Options{})
			s.observe(rule, res)
		}(rule)
	}

	s.maybeSnapshot(ctx, now)
}

// markPollDue reports whether the rule should be polled now and, if so,
// records the poll time so an in-flight poll is not re-dispatched.
func (s *Scheduler) markPollDue(rule storage.RuleRecord, now time.Time) bool {
	interval := s.pollIntervalFor(rule)

	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastPolls[rule.ID]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastPolls[rule.ID] = now
	return true
}

func (s *Scheduler) pollIntervalFor(rule storage.RuleRecord) time.Duration {
	spec := rules.MetricSpec{}
	if len(rule.TriggerSpec) > 0 {
		_ = json.Unmarshal(rule.TriggerSpec, &spec)
	}
	if spec.PollIntervalSeconds <= 0 {
		return defaultPollEvery
	}
	limits := security.DefaultLimits()
	seconds := spec.PollIntervalSeconds
	if seconds < limits.MinPollSeconds {
		seconds = limits.MinPollSeconds
	}
	if seconds > limits.MaxPollSeconds {
		seconds = limits.MaxPollSeconds
	}
	return time.Duration(seconds) * time.Second
}

// observe folds one dispatch result into the telemetry window.
func (s *Scheduler) observe(rule storage.RuleRecord, res dispatch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evaluated++
	switch res.Status {
	case storage.ExecStatusSkipped:
		s.skipped++
	case storage.ExecStatusFail:
		s.failed++
		s.lastError = &res.Error
		s.recentFailures = append(s.recentFailures, failureSample{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Error:    res.Error,
			At:       time.Now().UTC(),
		})
		if len(s.recentFailures) > recentRingSize {
			s.recentFailures = s.recentFailures[1:]
		}
	}
	if res.Matched && res.Status == storage.ExecStatusSuccess {
		s.matched++
		s.recentMatches = append(s.recentMatches, matchSample{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			LogID:    res.LogID,
			At:       time.Now().UTC(),
		})
		if len(s.recentMatches) > recentRingSize {
			s.recentMatches = s.recentMatches[1:]
		}
	}
}

func (s *Scheduler) noteError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = &msg
}

// maybeSnapshot persists the telemetry window once per snapshot interval and
// resets the counters. The match and failure rings roll across windows.
func (s *Scheduler) maybeSnapshot(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if !s.lastSnapshot.IsZero() && now.Sub(s.lastSnapshot) < s.cfg.SnapshotInterval {
		s.mu.Unlock()
		return
	}
	s.lastSnapshot = now

	matches, err := json.Marshal(s.recentMatches)
	if err != nil {
		matches = []byte(`[]`)
	}
	failures, err := json.Marshal(s.recentFailures)
	if err != nil {
		failures = []byte(`[]`)
	}
	rec := storage.SnapshotRecord{
		InstanceID:     s.cfg.InstanceID,
		IsLeader:       s.state == StateLeader,
		RulesEvaluated: s.evaluated,
		RulesMatched:   s.matched,
		RulesSkipped:   s.skipped,
		RulesFailed:    s.failed,
		RecentMatches:  matches,
		RecentFailures: failures,
		LastError:      s.lastError,
	}
	s.evaluated, s.matched, s.skipped, s.failed = 0, 0, 0, 0
	s.lastError = nil
	s.mu.Unlock()

	if _, err := s.store.InsertSnapshot(ctx, rec); err != nil {
		s.logger.Error("snapshot persist failed", slog.String("error", err.Error()))
	}
}
