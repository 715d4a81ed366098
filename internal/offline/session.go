// Package offline ties the queue, replay, conflict resolution, connectivity
// and scheduling together into one Session per signed-in user.
package offline

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/db"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/metrics"
	"github.com/kimhsiao/offlinesync/internal/models"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

// Options configures Open. Only Execute is required.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// Execute sends one mutation to the backend.
	Execute syncpkg.Executor
	// Store overrides the SQLite queue opened at Config.Database.Path.
	Store queue.Store
	// ConflictStore persists pending conflicts. When Store is set and this is
	// nil, conflicts live in memory only.
	ConflictStore conflict.Store
	// Monitor is an externally owned connectivity monitor. When nil the
	// session creates one starting in the state given by Offline.
	Monitor *connectivity.Monitor
	Offline bool
	// Probe feeds the monitor. Defaults to an HTTP probe of
	// Config.Connectivity.ProbeURL when that is set.
	Probe connectivity.Probe
	// Registerer receives the session's Prometheus collectors. Nil disables
	// metrics.
	Registerer prometheus.Registerer
}

// Session is the offline sync state of one signed-in user. Open it at login
// and close it at logout; nothing is shared between sessions.
type Session struct {
	cfg       *config.Config
	db        *db.DB // owned; nil when the caller supplied the store
	store     queue.Store
	conflicts *conflict.Set
	coord     *syncpkg.Coordinator
	resolver  *conflict.Resolver
	monitor   *connectivity.Monitor
	ownsMon   bool
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribe func()
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// Open builds a session, restores queued work and pending conflicts, and
// starts background scheduling.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Execute == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "execute function is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, store: opts.Store}
	conflictStore := opts.ConflictStore
	if s.store == nil {
		d, err := db.OpenAndMigrate(ctx, cfg.Database.Path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "open queue database", err)
		}
		repo := db.NewRepository(d.DB)
		s.db = d
		s.store = queue.NewSQLiteStore(repo, cfg.Queue.Capacity)
		if conflictStore == nil {
			conflictStore = repo
		}
	}
	s.conflicts = conflict.NewSet(conflictStore)

	s.monitor = opts.Monitor
	if s.monitor == nil {
		s.monitor = connectivity.New(!opts.Offline, cfg.Connectivity.Debounce)
		s.ownsMon = true
	}
	if opts.Registerer != nil {
		s.metrics = metrics.New(opts.Registerer)
	}

	coord, err := syncpkg.NewCoordinator(syncpkg.Params{
		Store:     s.store,
		Conflicts: s.conflicts,
		Execute:   opts.Execute,
		Online:    s.monitor.Online,
		Metrics:   s.metrics,
		Options:   syncpkg.OptionsFromConfig(cfg),
	})
	if err != nil {
		s.release()
		return nil, err
	}
	s.coord = coord
	s.resolver = conflict.NewResolver(s.conflicts, s.store)

	coord.Status().Reset()
	if err := coord.Load(ctx); err != nil {
		coord.Stop()
		s.release()
		return nil, err
	}

	s.life, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.unsubscribe = s.monitor.Subscribe(func(connectivity.Transition) {
		coord.Status().Recompute(s.life)
	})

	s.scheduler = scheduler.NewScheduler(coord, s.store, s.monitor, &scheduler.SchedulerConfig{
		Enabled:      cfg.Scheduler.Enabled,
		SyncInterval: cfg.Scheduler.Interval,
	})
	s.scheduler.Start(s.life)

	probe := opts.Probe
	if probe == nil && cfg.Connectivity.ProbeURL != "" {
		probe = connectivity.HTTPProbe(&http.Client{Timeout: cfg.Execute.Timeout}, cfg.Connectivity.ProbeURL)
	}
	if probe != nil {
		interval := cfg.Connectivity.ProbeInterval
		if interval <= 0 {
			interval = config.Default().Connectivity.ProbeInterval
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitor.Watch(s.life, probe, interval)
		}()
	}

	st := coord.Status().Snapshot()
	logging.Info("Offline session opened", map[string]interface{}{
		"queued":            st.QueueLength,
		"pending_conflicts": st.PendingConflicts,
		"online":            st.Online,
	})
	return s, nil
}

// Close stops replay and scheduling, waits for running passes and releases
// the database. A pass still executing when ctx ends is left to finish in the
// background and the database stays open.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.shutdown(ctx)
	})
	return s.closeErr
}

// Logout closes the session and discards everything it still holds: queued
// mutations and pending conflicts. Use it when the user signs out and their
// unsynced edits must not be visible to the next user.
func (s *Session) Logout(ctx context.Context) error {
	if s.closed.Load() {
		return sessionClosed()
	}
	s.coord.Stop()
	s.coord.Wait()

	err := s.store.Clear(ctx)
	if err == nil {
		err = s.conflicts.Clear(ctx)
	}
	if err != nil {
		logging.Error("Failed to discard offline session data", err)
		s.Close(ctx)
		return err
	}
	logging.Info("Offline session data discarded")
	return s.Close(ctx)
}

func (s *Session) shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.scheduler.Stop()
	s.coord.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.coord.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("Offline session closed with a pass still running")
		return ctx.Err()
	}

	s.coord.Status().Reset()
	s.release()
	logging.Info("Offline session closed")
	return nil
}

func (s *Session) release() {
	if s.ownsMon && s.monitor != nil {
		s.monitor.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logging.Error("Failed to close queue database", err)
		}
	}
}

func sessionClosed() error {
	return apperrors.New(apperrors.ErrSessionClosed, "offline session is closed")
}

func (s *Session) check() error {
	if s.closed.Load() {
		return sessionClosed()
	}
	return nil
}

// kick makes a running pass look again and starts one when none will.
func (s *Session) kick() {
	if s.coord.Kick() || !s.monitor.Online() {
		return
	}
	s.scheduler.TriggerSync(s.life)
}

// Enqueue durably queues a local edit. It does not replay it; call Sync or
// wait for the scheduler.
func (s *Session) Enqueue(ctx context.Context, m *models.Mutation) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.coord.Enqueue(ctx, m)
}

// Sync runs a pass, or joins the one already running, and waits for it.
func (s *Session) Sync(ctx context.Context) (*syncpkg.PassResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.scheduler.SyncNow(ctx)
}

// Resolve applies a user decision to a pending conflict and lets replay of
// that entity continue.
func (s *Session) Resolve(ctx context.Context, conflictID string, res conflict.Resolution) (*conflict.ResolveResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	result, err := s.resolver.Resolve(ctx, conflictID, res)
	if err != nil {
		return nil, err
	}
	s.coord.Status().Recompute(ctx)
	s.kick()
	return result, nil
}

// ViewBoth toggles the side-by-side flag of a pending conflict.
func (s *Session) ViewBoth(conflictID string, viewing bool) (*models.SyncConflict, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.resolver.ViewBoth(conflictID, viewing)
}

// Retry clears a terminal failure and replays the mutation.
func (s *Session) Retry(ctx context.Context, mutationID string) (*models.Mutation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	m, err := s.coord.Retry(ctx, mutationID)
	if err != nil {
		return nil, err
	}
	s.kick()
	return m, nil
}

// Discard drops a mutation held by a terminal failure.
func (s *Session) Discard(ctx context.Context, mutationID string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.coord.Discard(ctx, mutationID); err != nil {
		return err
	}
	s.kick()
	return nil
}

// ReportConnectivity feeds a raw connectivity signal from the host.
func (s *Session) ReportConnectivity(online bool) {
	s.monitor.Report(online)
}

// Online returns the debounced connectivity state.
func (s *Session) Online() bool {
	return s.monitor.Online()
}

// Status returns the latest status snapshot.
func (s *Session) Status() syncpkg.SyncStatus {
	return s.coord.Status().Snapshot()
}

// SubscribeStatus delivers the current status to fn, then every change.
func (s *Session) SubscribeStatus(fn func(syncpkg.SyncStatus)) (unsubscribe func()) {
	return s.coord.Status().Subscribe(fn)
}

// OnConflicts registers fn for the conflicts each pass detects.
func (s *Session) OnConflicts(fn func([]*models.SyncConflict)) (unsubscribe func()) {
	return s.coord.OnConflicts(fn)
}

// OnFailure registers fn for failures that need user attention.
func (s *Session) OnFailure(fn func(syncpkg.Failure)) (unsubscribe func()) {
	return s.coord.OnFailure(fn)
}

// Conflicts returns the pending conflicts, oldest first.
func (s *Session) Conflicts() []*models.SyncConflict {
	return s.conflicts.List()
}

// Conflict returns one pending conflict.
func (s *Session) Conflict(id string) (*models.SyncConflict, error) {
	return s.conflicts.Get(id)
}

// Mutations returns every queued mutation in replay order.
func (s *Session) Mutations(ctx context.Context) ([]*models.Mutation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return queue.List(ctx, s.store)
}

// QueueStats summarizes the queued mutations.
func (s *Session) QueueStats(ctx context.Context) (queue.Stats, error) {
	if err := s.check(); err != nil {
		return queue.Stats{}, err
	}
	return queue.Summarize(ctx, s.store)
}

// Scheduler returns the background scheduler state.
func (s *Session) Scheduler(ctx context.Context) scheduler.SchedulerStatus {
	return s.scheduler.GetStatus(ctx)
}

// Config returns the configuration the session runs with.
func (s *Session) Config() *config.Config {
	return s.cfg
}
