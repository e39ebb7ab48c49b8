// Package scheduler tracks connectivity and triggers sync rounds in the background.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/notify"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
	"github.com/solarcrm/fieldsync/internal/telemetry"
)

// Store is the slice of the queue store the scheduler needs.
type Store interface {
	PendingOwners(ctx context.Context) ([]string, error)
	PurgeSyncedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval      time.Duration // periodic safety-net round while online (default: 30s)
	SettleDelay       time.Duration // wait after coming online before syncing (default: 2s)
	ProbeInterval     time.Duration // how often the Prober runs, if any (default: 15s)
	RetentionMaxAge   time.Duration // synced records older than this are purged (0 = keep forever)
	RetentionInterval time.Duration // how often the retention sweep runs (default: 1h)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:      30 * time.Second,
		SettleDelay:       2 * time.Second,
		ProbeInterval:     15 * time.Second,
		RetentionMaxAge:   0,
		RetentionInterval: time.Hour,
	}
}

// OnlineState is the shared online/offline flag. The engine reads it to
// skip rounds; the scheduler owns transitions.
type OnlineState struct {
	online atomic.Bool
}

// NewOnlineState creates a state with the given initial value.
func NewOnlineState(online bool) *OnlineState {
	s := &OnlineState{}
	s.online.Store(online)
	return s
}

// IsOnline implements syncpkg.Connectivity.
func (s *OnlineState) IsOnline() bool { return s.online.Load() }

// set stores v and reports whether it changed.
func (s *OnlineState) set(v bool) bool { return s.online.Swap(v) != v }

// Scheduler manages the settle trigger, the periodic round, the optional
// connectivity prober and the retention sweep.
type Scheduler struct {
	engine  syncpkg.Engine
	store   Store
	state   *OnlineState
	pub     notify.Publisher
	prober  Prober
	metrics *telemetry.Registry
	cfg     Config
	now     func() time.Time

	mu             sync.Mutex
	running        bool
	ctx            context.Context
	cancel         context.CancelFunc
	cancelSettle   context.CancelFunc
	cancelPeriodic context.CancelFunc
	wg             sync.WaitGroup
}

// Options carries the scheduler's optional collaborators.
type Options struct {
	Publisher notify.Publisher
	Prober    Prober
	Metrics   *telemetry.Registry
	Clock     func() time.Time
}

// NewScheduler creates a new Scheduler. Zero durations in config select defaults.
func NewScheduler(engine syncpkg.Engine, store Store, state *OnlineState, config *Config, opts Options) *Scheduler {
	def := DefaultConfig()
	cfg := *def
	if config != nil {
		cfg = *config
		if cfg.SyncInterval <= 0 {
			cfg.SyncInterval = def.SyncInterval
		}
		if cfg.SettleDelay < 0 {
			cfg.SettleDelay = 0
		}
		if cfg.ProbeInterval <= 0 {
			cfg.ProbeInterval = def.ProbeInterval
		}
		if cfg.RetentionInterval <= 0 {
			cfg.RetentionInterval = def.RetentionInterval
		}
	}
	if state == nil {
		state = NewOnlineState(true)
	}
	s := &Scheduler{
		engine:  engine,
		store:   store,
		state:   state,
		pub:     opts.Publisher,
		prober:  opts.Prober,
		metrics: opts.Metrics,
		cfg:     cfg,
		now:     opts.Clock,
	}
	if s.pub == nil {
		s.pub = notify.Discard
	}
	if s.metrics == nil {
		s.metrics = telemetry.Default
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start starts the background loops. Calling Start again replaces the
// periodic timer rather than adding a second one.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.running = true
		s.ctx, s.cancel = context.WithCancel(ctx)

		if s.cfg.RetentionMaxAge > 0 {
			s.spawn(s.retentionLoop)
		}
		if s.prober != nil {
			s.spawn(s.probeLoop)
		}
		logging.Info("Background sync scheduler started", map[string]interface{}{
			"sync_interval_s": s.cfg.SyncInterval.Seconds(),
			"settle_delay_ms": s.cfg.SettleDelay.Milliseconds(),
			"online":          s.state.IsOnline(),
		})
		if s.state.IsOnline() {
			s.scheduleSettleLocked()
		}
	}

	if s.state.IsOnline() {
		s.startPeriodicLocked()
	}
}

// Stop stops all loops and waits for them, including a round a loop has started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.cancelSettle, s.cancelPeriodic = nil, nil
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records a connectivity report. Only transitions act:
// coming online schedules a notifying round after the settle delay and
// restarts the periodic timer; going offline cancels both and warns the user.
func (s *Scheduler) SetOnlineStatus(online bool) {
	s.mu.Lock()
	if !s.state.set(online) {
		s.mu.Unlock()
		return
	}
	if s.running {
		if online {
			s.scheduleSettleLocked()
			s.startPeriodicLocked()
		} else {
			s.stopSettleLocked()
			s.stopPeriodicLocked()
		}
	}
	s.mu.Unlock()

	if online {
		logging.Info("Connectivity restored", nil)
		s.pub.Publish(notify.Event{Type: notify.EventConnectivityOnline})
		return
	}
	logging.Warn("Connectivity lost, records will be kept locally", nil)
	s.pub.Publish(notify.Event{
		Type: notify.EventConnectivityOffline,
		Data: map[string]interface{}{
			"message": "You are offline. New records are saved on this device and will sync when the connection returns.",
		},
	})
}

// IsOnline returns whether the scheduler believes the remote is reachable.
func (s *Scheduler) IsOnline() bool {
	return s.state.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) spawn(fn func(ctx context.Context)) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Scheduler) scheduleSettleLocked() {
	s.stopSettleLocked()
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelSettle = cancel
	delay := s.cfg.SettleDelay

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if s.state.IsOnline() {
			s.syncOwners(ctx, true)
		}
	}()
}

func (s *Scheduler) stopSettleLocked() {
	if s.cancelSettle != nil {
		s.cancelSettle()
		s.cancelSettle = nil
	}
}

func (s *Scheduler) startPeriodicLocked() {
	s.stopPeriodicLocked()
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelPeriodic = cancel
	interval := s.cfg.SyncInterval

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.state.IsOnline() {
					s.syncOwners(ctx, false)
				}
			}
		}
	}()
}

func (s *Scheduler) stopPeriodicLocked() {
	if s.cancelPeriodic != nil {
		s.cancelPeriodic()
		s.cancelPeriodic = nil
	}
}

// syncOwners runs one round for every owner with pending records.
func (s *Scheduler) syncOwners(ctx context.Context, notifyUser bool) {
	owners, err := s.store.PendingOwners(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.ErrorWithCode("Failed to list owners with pending records", string(errors.CodeOf(err)), err, nil)
		}
		return
	}
	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		s.engine.SyncAll(ctx, owner, notifyUser)
	}
}

func (s *Scheduler) probeLoop(ctx context.Context) {
	s.SetOnlineStatus(s.prober.Probe(ctx))

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := s.prober.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			s.SetOnlineStatus(online)
		}
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Error("Retention sweep failed", err, nil)
			}
		}
	}
}

// Sweep deletes synced records older than the configured maximum age.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if s.cfg.RetentionMaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.RetentionMaxAge)
	n, err := s.store.PurgeSyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.Count(telemetry.MetricPurged, n)
		logging.Info("Purged synced records", map[string]interface{}{
			"count":  n,
			"cutoff": cutoff.UTC().Format(time.RFC3339),
		})
	}
	return n, nil
}
