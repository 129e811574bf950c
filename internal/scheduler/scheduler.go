package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowsentry/internal/dispatch"
	"flowsentry/internal/locks"
	"flowsentry/internal/metrics"
	"flowsentry/internal/security"
	"flowsentry/internal/storage"
)

// Instance states. A process is elected at most once: an ex-leader whose
// lock session died runs as a standby that never re-acquires, while a
// process that lost the initial election keeps probing for promotion.
const (
	StateFollower = "follower"
	StateLeader   = "leader"
	StateStandby  = "standby"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultFollowerInterval  = 25 * time.Second
	defaultScheduleInterval  = 5 * time.Second
	defaultMetricInterval    = 10 * time.Second
	defaultSnapshotInterval  = 60 * time.Second
	defaultNotifyInterval    = 30 * time.Second

	defaultScheduleEvery = 5 * time.Minute
	defaultPollEvery     = 60 * time.Second

	recentRingSize  = 20
	dispatchTimeout = time.Minute
)

// Store is the scheduler's view of persistence.
type Store interface {
	ListRules(ctx context.Context, triggerType string, activeOnly bool) ([]storage.RuleRecord, error)
	UpsertSchedulerState(ctx context.Context, instanceID string, isLeader bool, startedAt time.Time) error
	InsertSnapshot(ctx context.Context, rec storage.SnapshotRecord) (storage.SnapshotRecord, error)
}

// RuleDispatcher runs one rule through the evaluate/lock/act/log sequence.
type RuleDispatcher interface {
	Execute(ctx context.Context, rule storage.RuleRecord, payload map[string]any, executedBy string, opts dispatch.Options) dispatch.Result
}

// Notifier performs one notification evaluation pass.
type Notifier interface {
	Run(ctx context.Context)
}

type Config struct {
	InstanceID         string
	HeartbeatInterval  time.Duration
	FollowerInterval   time.Duration
	ScheduleInterval   time.Duration
	MetricInterval     time.Duration
	SnapshotInterval   time.Duration
	NotifyInterval     time.Duration
	MaxConcurrentPolls int
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.FollowerInterval <= 0 {
		c.FollowerInterval = defaultFollowerInterval
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = defaultScheduleInterval
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = defaultMetricInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = defaultSnapshotInterval
	}
	if c.NotifyInterval <= 0 {
		c.NotifyInterval = defaultNotifyInterval
	}
	if c.MaxConcurrentPolls <= 0 {
		c.MaxConcurrentPolls = security.DefaultLimits().MaxConcurrentPolls
	}
}

type matchSample struct {
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	LogID    string    `json:"log_id,omitempty"`
	At       time.Time `json:"at"`
}

type failureSample struct {
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Info describes this instance for status endpoints.
type Info struct {
	InstanceID string    `json:"instance_id"`
	State      string    `json:"state"`
	IsLeader   bool      `json:"is_leader"`
	StartedAt  time.Time `json:"started_at"`
}

// Scheduler elects a single leader among replicas and drives the schedule,
// metric-poll, and notification loops on it. Followers heartbeat as standby
// and probe for promotion.
type Scheduler struct {
	cfg        Config
	store      Store
	locker     locks.Locker
	dispatcher RuleDispatcher
	notifier   Notifier
	metrics    *metrics.EngineMetrics
	logger     *slog.Logger

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sem       chan struct{}

	mu             sync.Mutex
	state          string
	lease          *locks.Lease
	nextRuns       map[string]time.Time
	lastPolls      map[string]time.Time
	evaluated      int
	matched        int
	skipped        int
	failed         int
	recentMatches  []matchSample
	recentFailures []failureSample
	lastError      *string
	lastSnapshot   time.Time
}

func New(cfg Config, store Store, locker locks.Locker, dispatcher RuleDispatcher, notifier Notifier, m *metrics.EngineMetrics, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		locker:     locker,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    m,
		logger:     logger,
		sem:        make(chan struct{}, cfg.MaxConcurrentPolls),
		state:      StateFollower,
		nextRuns:   map[string]time.Time{},
		lastPolls:  map[string]time.Time{},
	}
}

// Start contends for leadership once, immediately and non-blockingly. The
// winner runs the leader loops; losers run the follower loop, which keeps
// probing so a dead leader is eventually replaced.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now().UTC()

	lease, err := s.locker.TryAcquire(runCtx, locks.LeadershipKey())
	if err != nil {
		s.logger.Error("leadership acquisition failed", slog.String("error", err.Error()))
	}
	if lease != nil {
		s.becomeLeader(runCtx, lease)
		return
	}

	s.setState(StateFollower, nil)
	s.beat(runCtx, false)
	s.wg.Add(1)
	go s.standbyLoop(runCtx, true)
}

// Stop cancels every loop, waits for in-flight dispatches to drain, releases
// leadership, and leaves a final non-leader heartbeat behind.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.state = StateStandby
	s.mu.Unlock()

	if lease != nil {
		if err := lease.Release(ctx); err != nil {
			s.logger.Warn("leadership release failed", slog.String("error", err.Error()))
		}
	}
	if err := s.store.UpsertSchedulerState(ctx, s.cfg.InstanceID, false, s.startedAt); err != nil {
		s.logger.Warn("final heartbeat failed", slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.Leadership.Set(0)
	}
}

func (s *Scheduler) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		InstanceID: s.cfg.InstanceID,
		State:      s.state,
		IsLeader:   s.state == StateLeader,
		StartedAt:  s.startedAt,
	}
}

func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateLeader
}

// InvalidateRule drops cached schedule and poll bookkeeping for a rule,
// forcing the next tick to re-read its spec.
func (s *Scheduler) InvalidateRule(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nextRuns, ruleID)
	delete(s.lastPolls, ruleID)
}

func (s *Scheduler) setState(state string, lease *locks.Lease) {
	s.mu.Lock()
	s.state = state
	s.lease = lease
	s.mu.Unlock()
	if s.metrics != nil {
		if state == StateLeader {
			s.metrics.Leadership.Set(1)
		} else {
			s.metrics.Leadership.Set(0)
		}
	}
}

func (s *Scheduler) becomeLeader(ctx context.Context, lease *locks.Lease) {
	s.setState(StateLeader, lease)
	s.mu.Lock()
	s.lastSnapshot = time.Now()
	s.mu.Unlock()
	s.logger.Info("leadership acquired", slog.String("instance_id", s.cfg.InstanceID))
	s.beat(ctx, true)

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	s.wg.Add(4)
	go s.scheduleLoop(leaderCtx)
	go s.metricLoop(leaderCtx)
	go s.notifyLoop(leaderCtx)
	go s.heartbeatLoop(ctx, cancelLeader)
}

// standbyLoop heartbeats is_leader=false. When acquire is set it also probes
// the leadership lock each tick and promotes itself on success; a demoted
// ex-leader runs with acquire=false and never takes the lock again.
func (s *Scheduler) standbyLoop(ctx context.Context, acquire bool) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FollowerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.beat(ctx, false)
		if !acquire {
			continue
		}
		lease, err := s.locker.TryAcquire(ctx, locks.LeadershipKey())
		if err != nil {
			s.logger.Warn("leadership probe failed", slog.String("error", err.Error()))
			continue
		}
		if lease != nil {
			s.becomeLeader(ctx, lease)
			return
		}
	}
}

// heartbeatLoop runs on the leader. Losing the backing lock session demotes
// this instance for the remainder of the process.
func (s *Scheduler) heartbeatLoop(ctx context.Context, cancelLeader context.CancelFunc) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancelLeader()
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		lease := s.lease
		s.mu.Unlock()
		if lease == nil {
			cancelLeader()
			return
		}

		alive, err := lease.Renew(ctx)
		if err != nil || !alive {
			if err != nil {
				s.logger.Error("leadership lock check failed", slog.String("error", err.Error()))
			}
			s.logger.Error("leadership lost, demoting", slog.String("instance_id", s.cfg.InstanceID))
			cancelLeader()
			s.setState(StateStandby, nil)
			_ = lease.Release(ctx)
			s.beat(ctx, false)
			s.wg.Add(1)
			go s.standbyLoop(ctx, false)
			return
		}
		s.beat(ctx, true)
	}
}

func (s *Scheduler) notifyLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.notifier == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.NotifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notifier.Run(ctx)
		}
	}
}

func (s *Scheduler) beat(ctx context.Context, isLeader bool) {
	if err := s.store.UpsertSchedulerState(ctx, s.cfg.InstanceID, isLeader, s.startedAt); err != nil {
		s.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
	}
}
