// Package scheduler decides when sync passes run: on reconnect, on a
// periodic tick while work is queued, and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// Syncer runs sync passes. *sync.Coordinator implements it.
type Syncer interface {
	Sync(ctx context.Context) (*syncpkg.PassResult, error)
}

// Connectivity is the part of the connectivity monitor the scheduler needs.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(connectivity.Transition)) (unsubscribe func())
}

// Scheduler manages background sync operations.
type Scheduler struct {
	syncer       Syncer
	queue        queue.Store
	conn         Connectivity
	syncInterval time.Duration
	periodic     bool

	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	mu           sync.RWMutex
	ctx          context.Context
	isRunning    bool
	lastSyncTime time.Time
	lastResult   *syncpkg.PassResult
	inFlight     int  // runSync calls in progress
	pending      bool // a trigger arrived while a pass was in progress
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Enabled      bool          // periodic passes; reconnect and manual triggers always work
	SyncInterval time.Duration // how often to check for queued work while online
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Enabled:      true,
		SyncInterval: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(syncer Syncer, q queue.Store, conn Connectivity, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	interval := config.SyncInterval
	if interval <= 0 {
		interval = DefaultSchedulerConfig().SyncInterval
	}

	return &Scheduler{
		syncer:       syncer,
		queue:        q,
		conn:         conn,
		syncInterval: interval,
		periodic:     config.Enabled,
		stopCh:       make(chan struct{}),
	}
}

// Start subscribes to connectivity transitions and starts the periodic loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ctx = ctx
	s.mu.Unlock()

	s.unsubscribe = s.conn.Subscribe(s.onTransition)

	if s.periodic {
		s.wg.Add(1)
		go s.periodicSyncLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.syncInterval.String(),
		"periodic": s.periodic,
	})
}

// Stop stops the scheduler and waits for passes it started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// onTransition starts a pass when connectivity comes back.
func (s *Scheduler) onTransition(tr connectivity.Transition) {
	if !tr.Online {
		logging.Info("Offline, queued mutations wait for reconnect")
		return
	}
	s.mu.RLock()
	ctx, running := s.ctx, s.isRunning
	s.mu.RUnlock()
	if !running {
		return
	}

	logging.Info("Connectivity restored, triggering sync")
	s.TriggerSync(ctx)
}

// periodicSyncLoop runs a pass on every tick while online with work queued.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.conn.Online() {
				continue
			}
			n, err := s.queue.Len(ctx)
			if err != nil {
				logging.Error("Periodic sync: queue length unavailable", err)
				continue
			}
			if n == 0 {
				continue
			}
			s.TriggerSync(ctx)
		}
	}
}

// runSync executes a sync pass and records the outcome.
func (s *Scheduler) runSync(ctx context.Context, reason string) (*syncpkg.PassResult, error) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	defer s.finishSync()

	return s.sync(ctx, reason)
}

// finishSync starts one follow-up pass when a trigger arrived while the
// last pass in flight was running.
func (s *Scheduler) finishSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.inFlight > 0 || !s.pending || !s.isRunning {
		return
	}
	s.pending = false
	s.startLocked(s.ctx, "follow-up")
}

// startLocked runs a pass in the background. s.mu must be held.
func (s *Scheduler) startLocked(ctx context.Context, reason string) {
	s.inFlight++
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishSync()
		s.sync(ctx, reason)
	}()
}

func (s *Scheduler) sync(ctx context.Context, reason string) (*syncpkg.PassResult, error) {
	result, err := s.syncer.Sync(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrSyncOffline) {
			logging.Debug("Skipping sync while offline", map[string]interface{}{"reason": reason})
			return nil, err
		}
		logging.ErrorWithCode("Sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	logging.Info("Sync completed",
		map[string]interface{}{
			"reason":    reason,
			"applied":   result.Applied,
			"conflicts": len(result.Conflicts),
			"outcome":   result.Outcome(),
		})
	return result, nil
}

// TriggerSync starts a pass in the background.
// Returns true if a pass was started. While one is in progress it returns
// false and a single follow-up pass runs once it finishes, so work that
// arrives after the running pass last read the queue is not left waiting.
// A stopped scheduler ignores the trigger.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return false
	}
	if s.inFlight > 0 {
		s.pending = true
		return false
	}
	s.startLocked(ctx, "trigger")
	return true
}

// SchedulerStatus is a snapshot of scheduler state.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	SyncInProgress bool                `json:"sync_in_progress"`
	PendingItems   int                 `json:"pending_items"`
	LastResult     *syncpkg.PassResult `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.conn.Online(),
		SyncInProgress: s.inFlight > 0,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	if n, err := s.queue.Len(ctx); err == nil {
		status.PendingItems = n
	}
	return status
}

// SyncNow runs a pass and waits for it. A pass already in flight is joined
// rather than duplicated.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.PassResult, error) {
	return s.runSync(ctx, "manual")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
