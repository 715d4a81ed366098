package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/metrics"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/pubsub"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// Failure kinds published through OnFailure.
const (
	FailureTerminal         = "terminal"
	FailureQueueUnavailable = "queue_unavailable"
)

var (
	errStopped     = stderrors.New("pass stopped taking new work")
	errBreakerOpen = stderrors.New("execute circuit breaker is open")
)

// Failure is a replay or store failure that puts user data at risk and needs
// user attention.
type Failure struct {
	Mutation *models.Mutation `json:"mutation"`
	Kind     string           `json:"kind"`
	Error    string           `json:"error"`
	At       time.Time        `json:"at"`
}

// PassResult summarizes one sync pass.
type PassResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Sweeps     int       `json:"sweeps"`
	Applied    int       `json:"applied"`
	// Conflicts are the conflicts this pass detected.
	Conflicts []*models.SyncConflict `json:"conflicts"`
	// Retrying counts mutations left queued after the retry ceiling.
	Retrying int `json:"retrying"`
	// Failed counts mutations rejected with a terminal error in this pass.
	Failed int `json:"failed"`
	// Blocked counts mutations skipped behind a conflict or failure.
	Blocked int `json:"blocked"`
	// Stopped is set when the pass ended early: Stop, offline or an open breaker.
	Stopped   bool   `json:"stopped"`
	LastError string `json:"last_error,omitempty"`
}

// Outcome labels the pass for logs and metrics.
func (r *PassResult) Outcome() string {
	switch {
	case r.Stopped:
		return "stopped"
	case r.Failed > 0 || r.Retrying > 0 || r.LastError != "":
		return "failed"
	case len(r.Conflicts) > 0:
		return "conflict"
	default:
		return "clean"
	}
}

// Params wires a Coordinator.
type Params struct {
	Store     queue.Store
	Conflicts *conflict.Set
	Execute   Executor
	// Online reports debounced connectivity. Nil means always online.
	Online  func() bool
	Metrics *metrics.Metrics // optional
	Options Options
}

// Coordinator owns replay of the queue. Only one pass runs at a time.
type Coordinator struct {
	store     queue.Store
	conflicts *conflict.Set
	detector  *conflict.Detector
	execute   Executor
	online    func() bool
	status    *StatusPublisher
	metrics   *metrics.Metrics
	opts      Options
	breaker   *gobreaker.TwoStepCircuitBreaker
	now       func() time.Time

	group  singleflight.Group
	dirty  atomic.Bool
	active atomic.Int32

	// sweepMu makes a pass's final dirty check and Kick mutually exclusive.
	sweepMu  gosync.Mutex
	sweeping bool

	mu      gosync.Mutex
	stopped bool
	life    context.Context
	cancel  context.CancelFunc
	passes  gosync.WaitGroup

	conflictTopic *pubsub.Topic[[]*models.SyncConflict]
	failureTopic  *pubsub.Topic[Failure]
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(p Params) (*Coordinator, error) {
	if p.Store == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "queue store is required")
	}
	if p.Execute == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "execute function is required")
	}
	if p.Conflicts == nil {
		p.Conflicts = conflict.NewSet(nil)
	}
	if p.Online == nil {
		p.Online = func() bool { return true }
	}

	life, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:         p.Store,
		conflicts:     p.Conflicts,
		detector:      conflict.NewDetector(),
		execute:       p.Execute,
		online:        p.Online,
		status:        NewStatusPublisher(p.Store, p.Conflicts, p.Online),
		metrics:       p.Metrics,
		opts:          p.Options.withDefaults(),
		now:           time.Now,
		life:          life,
		cancel:        cancel,
		conflictTopic: pubsub.NewTopic[[]*models.SyncConflict](),
		failureTopic:  pubsub.NewTopic[Failure](),
	}
	if c.opts.Breaker.Enabled {
		c.breaker = c.newBreaker()
	}
	return c, nil
}

// newBreaker counts one outcome per replayed mutation, not per attempt, so a
// single entity exhausting its retries cannot open the breaker for the others.
func (c *Coordinator) newBreaker() *gobreaker.TwoStepCircuitBreaker {
	threshold := c.opts.Breaker.FailureThreshold
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    "execute",
		Timeout: c.opts.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			c.metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	})
}

// Status returns the status publisher.
func (c *Coordinator) Status() *StatusPublisher {
	return c.status
}

// Conflicts returns the pending conflict set.
func (c *Coordinator) Conflicts() *conflict.Set {
	return c.conflicts
}

// Load restores pending conflicts and terminal failures after a restart.
func (c *Coordinator) Load(ctx context.Context) error {
	if err := c.conflicts.Load(ctx); err != nil {
		return err
	}

	all, err := queue.List(ctx, c.store)
	if err != nil {
		return err
	}
	ids := make(map[string]struct{}, len(all))
	for _, m := range all {
		ids[m.ID] = struct{}{}
		if m.Failed() {
			c.status.markFailed(m.ID, true)
		}
	}
	pruned, err := c.conflicts.Prune(ctx, func(id string) bool {
		_, ok := ids[id]
		return ok
	})
	if err != nil {
		return err
	}

	logging.Info("sync state loaded", map[string]interface{}{
		"queued":            len(all),
		"pending_conflicts": c.conflicts.Len(),
		"pruned_conflicts":  pruned,
	})
	c.recompute(ctx)
	return nil
}

// Enqueue appends m to the queue. A refused write is returned and published
// as a Failure.
func (c *Coordinator) Enqueue(ctx context.Context, m *models.Mutation) error {
	if err := c.store.Enqueue(ctx, m); err != nil {
		if apperrors.IsQueueUnavailable(err) {
			c.publishFailure(m, FailureQueueUnavailable, err)
			c.status.setLastError(err.Error())
			c.recompute(ctx)
		}
		return err
	}

	c.metrics.Enqueued(m.EntityType, string(m.Operation))
	c.status.noteQueued(m.EnqueuedAtTime())
	c.dirty.Store(true)
	c.recompute(ctx)
	return nil
}

// Kick makes an in-flight pass sweep the queue once more before it finishes.
// It reports false when no pass will pick the work up, in which case the
// caller has to start one.
func (c *Coordinator) Kick() bool {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	c.dirty.Store(true)
	return c.sweeping
}

// sweepAgain ends the sweep loop unless work was kicked in meanwhile.
func (c *Coordinator) sweepAgain() bool {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.dirty.Load() {
		return true
	}
	c.sweeping = false
	return false
}

// Running reports whether a pass is in progress.
func (c *Coordinator) Running() bool {
	return c.active.Load() > 0
}

// Sync runs a pass, or joins the one already running. ctx only bounds how
// long the caller waits; the pass itself ends on Stop, going offline, or when
// no unblocked work is left.
func (c *Coordinator) Sync(ctx context.Context) (*PassResult, error) {
	if c.isStopped() {
		return nil, apperrors.New(apperrors.ErrSessionClosed, "coordinator stopped")
	}
	if !c.online() {
		return nil, apperrors.New(apperrors.ErrSyncOffline, "cannot sync while offline")
	}

	ch := c.group.DoChan("pass", func() (interface{}, error) {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return nil, apperrors.New(apperrors.ErrSessionClosed, "coordinator stopped")
		}
		c.passes.Add(1)
		c.mu.Unlock()
		defer c.passes.Done()

		return c.pass(c.life), nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*PassResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop makes any running pass stop taking new work. Outstanding execute
// calls finish. Later Sync calls fail.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.cancel()
	logging.Info("sync coordinator stopped")
}

// Wait blocks until every running pass has returned.
func (c *Coordinator) Wait() {
	c.passes.Wait()
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// OnConflicts registers fn for the conflicts detected by each pass. fn is
// called once per pass and only when the pass found new conflicts.
func (c *Coordinator) OnConflicts(fn func([]*models.SyncConflict)) (unsubscribe func()) {
	return c.conflictTopic.Subscribe(fn)
}

// OnFailure registers fn for terminal and queue-unavailable failures.
func (c *Coordinator) OnFailure(fn func(Failure)) (unsubscribe func()) {
	return c.failureTopic.Subscribe(fn)
}

// Retry clears a terminal failure so the mutation replays on the next pass.
func (c *Coordinator) Retry(ctx context.Context, id string) (*models.Mutation, error) {
	m, err := c.failedMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	m.ClearError()
	m.Attempts = 0
	if err := c.store.Update(ctx, m); err != nil {
		return nil, err
	}

	logging.Info("failed mutation requeued", map[string]interface{}{"mutation_id": id})
	c.status.markFailed(id, false)
	c.Kick()
	c.recompute(ctx)
	return m, nil
}

// Discard drops a mutation held by a terminal failure.
func (c *Coordinator) Discard(ctx context.Context, id string) error {
	if _, err := c.failedMutation(ctx, id); err != nil {
		return err
	}
	if err := c.store.Dequeue(ctx, id); err != nil {
		return err
	}

	logging.Info("failed mutation discarded", map[string]interface{}{"mutation_id": id})
	c.status.markFailed(id, false)
	c.Kick()
	c.recompute(ctx)
	return nil
}

func (c *Coordinator) failedMutation(ctx context.Context, id string) (*models.Mutation, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.Failed() {
		return nil, apperrors.New(apperrors.ErrMutationNotFailed, "mutation has no terminal failure: "+id)
	}
	return m, nil
}

func (c *Coordinator) recompute(ctx context.Context) {
	st := c.status.Recompute(context.WithoutCancel(ctx))
	c.metrics.SetQueueLength(st.QueueLength)
}

func (c *Coordinator) publishFailure(m *models.Mutation, kind string, err error) {
	f := Failure{Kind: kind, Error: err.Error(), At: c.now()}
	if m != nil {
		f.Mutation = m.Clone()
	}
	c.failureTopic.Publish(f)
}

// passState is shared by the chains of one pass.
type passState struct {
	mu     gosync.Mutex
	res    *PassResult
	halted map[string]struct{} // chains halted for the rest of the pass
	stop   atomic.Bool

	// Set by sweep before the page's chains start.
	pageEnd  int64
	pageFull bool
}

func (s *passState) isHalted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.halted[key]
	return ok
}

func (s *passState) halt(key string) {
	s.mu.Lock()
	s.halted[key] = struct{}{}
	s.mu.Unlock()
}

func (s *passState) record(fn func(r *PassResult)) {
	s.mu.Lock()
	fn(s.res)
	s.mu.Unlock()
}

func (c *Coordinator) pass(ctx context.Context) *PassResult {
	c.active.Add(1)
	defer c.active.Add(-1)

	st := &passState{
		res:    &PassResult{StartedAt: c.now()},
		halted: make(map[string]struct{}),
	}
	c.status.setSyncing(true)
	c.recompute(ctx)
	logging.Info("sync pass started")

	c.sweepMu.Lock()
	c.sweeping = true
	c.sweepMu.Unlock()

	for {
		c.dirty.Store(false)
		st.res.Sweeps++
		if c.sweep(ctx, st) {
			st.res.Stopped = true
			c.sweepMu.Lock()
			c.sweeping = false
			c.sweepMu.Unlock()
			break
		}
		if !c.sweepAgain() {
			break
		}
	}

	res := st.res
	res.FinishedAt = c.now()
	if len(res.Conflicts) > 0 {
		out := make([]*models.SyncConflict, len(res.Conflicts))
		for i, sc := range res.Conflicts {
			out[i] = sc.Clone()
		}
		c.conflictTopic.Publish(out)
	}

	c.status.setLastError(res.LastError)
	c.status.setSyncing(false)
	c.recompute(ctx)
	c.metrics.Pass(res.Outcome(), res.FinishedAt.Sub(res.StartedAt))

	logging.Info("sync pass finished", map[string]interface{}{
		"outcome":   res.Outcome(),
		"sweeps":    res.Sweeps,
		"applied":   res.Applied,
		"conflicts": len(res.Conflicts),
		"retrying":  res.Retrying,
		"failed":    res.Failed,
		"blocked":   res.Blocked,
		"duration":  res.FinishedAt.Sub(res.StartedAt).String(),
	})
	return res
}

func (c *Coordinator) shouldStop(ctx context.Context, st *passState) bool {
	return st.stop.Load() || ctx.Err() != nil || !c.online()
}

// sweep walks the queue once in Seq order. It reports true when the pass must
// stop taking new work.
func (c *Coordinator) sweep(ctx context.Context, st *passState) bool {
	var cursor int64
	for {
		if c.shouldStop(ctx, st) {
			return true
		}
		page, err := c.store.PeekAfter(ctx, cursor, c.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			logging.Error("sync: read queue", err)
			st.record(func(r *PassResult) { r.LastError = err.Error() })
			return true
		}
		if len(page) == 0 {
			return false
		}
		cursor = page[len(page)-1].Seq
		st.pageEnd = cursor
		st.pageFull = len(page) == c.opts.BatchSize

		g := new(errgroup.Group)
		g.SetLimit(c.opts.Concurrency)
		for _, chain := range groupChains(page) {
			chain := chain
			g.Go(func() error {
				c.replayChain(ctx, chain, st)
				return nil
			})
		}
		_ = g.Wait()

		if st.stop.Load() {
			return true
		}
		if len(page) < c.opts.BatchSize {
			return false
		}
	}
}

// groupChains splits a Seq-ordered page into per-entity chains, keeping each
// chain in Seq order and the chains in order of their first mutation.
func groupChains(page []*models.Mutation) [][]*models.Mutation {
	index := make(map[string]int)
	var chains [][]*models.Mutation
	for _, m := range page {
		key := m.EntityKey()
		i, ok := index[key]
		if !ok {
			i = len(chains)
			index[key] = i
			chains = append(chains, nil)
		}
		chains[i] = append(chains[i], m)
	}
	return chains
}

// replayChain replays one entity's mutations in order until the chain blocks.
func (c *Coordinator) replayChain(ctx context.Context, chain []*models.Mutation, st *passState) {
	for i, m := range chain {
		key := m.EntityKey()
		if st.isHalted(key) {
			st.record(func(r *PassResult) { r.Blocked += len(chain) - i })
			return
		}
		head, blocked := c.chainHead(ctx, m)
		if head == nil {
			if blocked {
				st.record(func(r *PassResult) { r.Blocked += len(chain) - i })
			} else {
				// Resolved or replaced since the page was read; the next
				// sweep reads the current queue.
				c.dirty.Store(true)
			}
			return
		}
		m = head
		if m.Failed() {
			st.halt(key)
			st.record(func(r *PassResult) { r.Blocked += len(chain) - i })
			return
		}
		if c.shouldStop(ctx, st) {
			st.stop.Store(true)
			return
		}
		if !c.replay(ctx, m, chain[i+1:], st) {
			if !st.stop.Load() {
				st.record(func(r *PassResult) { r.Blocked += len(chain) - i - 1 })
			}
			return
		}
	}
}

// chainHead re-reads m from the queue under the conflict guard. It returns
// nil with blocked set when m's entity waits on a pending conflict or the
// queue cannot be read, and nil alone when m has left the queue.
func (c *Coordinator) chainHead(ctx context.Context, m *models.Mutation) (head *models.Mutation, blocked bool) {
	c.conflicts.Guard(func() {
		if c.conflicts.Blocked(m.EntityKey()) {
			blocked = true
			return
		}
		cur, err := c.store.Get(ctx, m.ID)
		switch {
		case err == nil:
			head = cur
		case apperrors.Is(err, apperrors.ErrMutationNotFound):
			logging.Debug("queued mutation changed since the page was read", map[string]interface{}{
				"mutation_id": m.ID,
			})
		default:
			blocked = true
			logging.Error("sync: re-read queued mutation", err, map[string]interface{}{"mutation_id": m.ID})
		}
	})
	return head, blocked
}

// replay sends m until it is applied, conflicts, fails or runs out of
// attempts. rest is the remainder of m's chain in the current page. It
// reports whether the chain may continue.
func (c *Coordinator) replay(ctx context.Context, m *models.Mutation, rest []*models.Mutation, st *passState) bool {
	var (
		result  Result
		outcome conflict.Outcome
		lastErr error
		report  func(success bool)
	)
	bo, hint := c.newBackOff(ctx)

	op := func() error {
		if c.shouldStop(ctx, st) {
			return backoff.Permanent(errStopped)
		}
		if c.breaker != nil {
			if report == nil {
				done, err := c.breaker.Allow()
				if err != nil {
					return backoff.Permanent(errBreakerOpen)
				}
				report = done
			} else if c.breaker.State() == gobreaker.StateOpen {
				return backoff.Permanent(errBreakerOpen)
			}
		}

		m.Attempts++
		r, err := c.call(ctx, m)
		if err != nil {
			lastErr = err
			if apperrors.IsTerminal(err) {
				return backoff.Permanent(err)
			}
			var ra *RetryAfterError
			if stderrors.As(err, &ra) {
				hint.request(ra.Delay)
			}
			c.attemptFailed(ctx, m, err)
			return err
		}

		result = r
		outcome = c.detector.Classify(m, r)
		switch outcome {
		case conflict.Retry:
			lastErr = apperrors.Transient(fmt.Errorf(
				"server neither applied the mutation nor reported a newer version (server version %d)", r.ServerVersion))
			c.attemptFailed(ctx, m, lastErr)
			return lastErr
		case conflict.Rejected:
			lastErr = apperrors.Terminal("server has no collection or parent for this create", nil)
			return backoff.Permanent(lastErr)
		}
		return nil
	}

	err := backoff.Retry(op, bo)
	if report != nil {
		// A server answer, conflicting or rejecting, proves the transport works.
		report(err == nil || apperrors.IsTerminal(err))
	}
	book := context.WithoutCancel(ctx)
	if lastErr == nil {
		lastErr = err
	}

	switch {
	case err == nil:
		if outcome == conflict.Conflicting {
			c.recordConflict(book, m, result, st)
			return false
		}
		base := m.BaseVersion
		if !c.recordApplied(book, m, st) {
			return false
		}
		if result.ServerVersion > base {
			c.rebase(book, m, base, result.ServerVersion, rest, st)
		}
		return true

	case stderrors.Is(err, errStopped), stderrors.Is(err, errBreakerOpen), ctx.Err() != nil:
		st.stop.Store(true)
		if m.Attempts > 0 && !stderrors.Is(lastErr, errStopped) && !stderrors.Is(lastErr, errBreakerOpen) {
			c.recordTransient(book, m, lastErr, st, false)
		}
		return false

	case apperrors.IsTerminal(err):
		c.recordTerminal(book, m, err, st)
		return false

	default:
		c.recordTransient(book, m, lastErr, st, true)
		return false
	}
}

// attemptFailed publishes a transient execute failure while the mutation is
// still being retried.
func (c *Coordinator) attemptFailed(ctx context.Context, m *models.Mutation, err error) {
	c.metrics.Retry()
	c.status.setLastError(err.Error())
	c.recompute(context.WithoutCancel(ctx))
	logging.Debug("execute failed, will retry", map[string]interface{}{
		"mutation_id": m.ID,
		"attempt":     m.Attempts,
		"error":       err.Error(),
	})
}

func (c *Coordinator) newBackOff(ctx context.Context) (backoff.BackOff, *serverBackOff) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.Multiplier = c.opts.Multiplier
	b.MaxElapsedTime = 0
	hinted := &serverBackOff{BackOff: b, max: c.opts.MaxInterval}
	return backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(c.opts.MaxAttempts-1)), ctx), hinted
}

// serverBackOff waits at least as long as the server asked in its last
// answer, never longer than max.
type serverBackOff struct {
	backoff.BackOff
	max  time.Duration
	hint time.Duration
}

func (b *serverBackOff) request(d time.Duration) {
	b.hint = d
}

func (b *serverBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h := min(b.hint, b.max); h > next {
		next = h
	}
	b.hint = 0
	return next
}

// call runs one execute attempt. The call is detached from pass cancellation
// and bounded by the execute timeout.
func (c *Coordinator) call(ctx context.Context, m *models.Mutation) (Result, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ExecuteTimeout)
	defer cancel()

	r, err := c.execute(callCtx, m.Clone())
	if err != nil {
		if !apperrors.IsTerminal(err) && stderrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{}, apperrors.Transient(fmt.Errorf("execute timed out after %s: %w", c.opts.ExecuteTimeout, err))
		}
		return Result{}, err
	}
	return r, nil
}

func (c *Coordinator) recordApplied(ctx context.Context, m *models.Mutation, st *passState) bool {
	if err := c.store.Dequeue(ctx, m.ID); err != nil && !apperrors.Is(err, apperrors.ErrMutationNotFound) {
		c.recordStoreFailure(ctx, m, err, st)
		return false
	}

	st.record(func(r *PassResult) { r.Applied++ })
	c.metrics.Applied(m.EntityType)
	c.status.markFailed(m.ID, false)
	c.status.noteSynced(c.now())
	c.recompute(ctx)

	logging.Info("mutation applied", map[string]interface{}{
		"mutation_id": m.ID,
		"entity":      m.EntityKey(),
		"operation":   string(m.Operation),
		"attempts":    m.Attempts,
	})
	return true
}

// rebase moves later mutations of m's chain that were based on the same
// server state onto the version m produced, so the server changes made by
// this queue are not reported back as conflicts.
func (c *Coordinator) rebase(ctx context.Context, m *models.Mutation, from, to int64, rest []*models.Mutation, st *passState) {
	key := m.EntityKey()
	move := func(n *models.Mutation) {
		if n.EntityKey() != key || n.BaseVersion != from {
			return
		}
		n.BaseVersion = to
		if err := c.store.Update(ctx, n); err != nil && !apperrors.Is(err, apperrors.ErrMutationNotFound) {
			logging.Error("sync: rebase queued mutation", err, map[string]interface{}{"mutation_id": n.ID})
		}
	}

	for _, n := range rest {
		move(n)
	}
	if !st.pageFull {
		return
	}

	// The chain may continue past the current page.
	cursor := st.pageEnd
	for {
		page, err := c.store.PeekAfter(ctx, cursor, c.opts.BatchSize)
		if err != nil {
			logging.Error("sync: rebase scan", err, map[string]interface{}{"entity": key})
			return
		}
		for _, n := range page {
			move(n)
		}
		if len(page) < c.opts.BatchSize {
			return
		}
		cursor = page[len(page)-1].Seq
	}
}

func (c *Coordinator) recordConflict(ctx context.Context, m *models.Mutation, r Result, st *passState) {
	var (
		sc    *models.SyncConflict
		added bool
		err   error
	)
	c.conflicts.Guard(func() {
		if _, gerr := c.store.Get(ctx, m.ID); apperrors.Is(gerr, apperrors.ErrMutationNotFound) {
			return
		}
		sc = c.detector.NewConflict(m, r)
		added, err = c.conflicts.Add(ctx, sc)
	})
	if sc == nil {
		logging.Info("conflict ignored, mutation already left the queue", map[string]interface{}{"mutation_id": m.ID})
		return
	}
	if err != nil {
		st.halt(m.EntityKey())
		logging.Error("sync: persist conflict", err, map[string]interface{}{"mutation_id": m.ID})
		st.record(func(res *PassResult) { res.LastError = err.Error() })
		return
	}
	if added {
		st.record(func(res *PassResult) { res.Conflicts = append(res.Conflicts, sc) })
		c.metrics.Conflict(m.EntityType)
	}
	c.recompute(ctx)
}

// recordTransient keeps m queued with its transient error. exhausted means
// the retry ceiling was reached and the chain halts for this pass.
func (c *Coordinator) recordTransient(ctx context.Context, m *models.Mutation, err error, st *passState, exhausted bool) {
	m.LastError = err.Error()
	m.ErrorKind = models.ErrorKindTransient
	if uerr := c.store.Update(ctx, m); uerr != nil && !apperrors.Is(uerr, apperrors.ErrMutationNotFound) {
		logging.Error("sync: record transient failure", uerr, map[string]interface{}{"mutation_id": m.ID})
	}

	if !exhausted {
		return
	}
	st.halt(m.EntityKey())
	st.record(func(r *PassResult) {
		r.Retrying++
		r.LastError = m.LastError
	})
	logging.Warn("mutation reached retry ceiling", map[string]interface{}{
		"mutation_id": m.ID,
		"entity":      m.EntityKey(),
		"attempts":    m.Attempts,
		"error":       m.LastError,
	})
}

func (c *Coordinator) recordTerminal(ctx context.Context, m *models.Mutation, err error, st *passState) {
	m.LastError = err.Error()
	m.ErrorKind = models.ErrorKindTerminal
	st.halt(m.EntityKey())
	st.record(func(r *PassResult) {
		r.Failed++
		r.LastError = m.LastError
	})

	if uerr := c.store.Update(ctx, m); uerr != nil && !apperrors.Is(uerr, apperrors.ErrMutationNotFound) {
		c.recordStoreFailure(ctx, m, uerr, st)
	}

	logging.ErrorWithCode("mutation rejected", string(apperrors.ErrTerminalValidation), err, map[string]interface{}{
		"mutation_id": m.ID,
		"entity":      m.EntityKey(),
	})
	c.metrics.Terminal(m.EntityType)
	c.status.markFailed(m.ID, true)
	c.publishFailure(m, FailureTerminal, err)
	c.recompute(ctx)
}

func (c *Coordinator) recordStoreFailure(ctx context.Context, m *models.Mutation, err error, st *passState) {
	st.halt(m.EntityKey())
	st.record(func(r *PassResult) { r.LastError = err.Error() })
	logging.ErrorWithCode("sync: queue write failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
		"mutation_id": m.ID,
	})
	if apperrors.IsQueueUnavailable(err) {
		c.publishFailure(m, FailureQueueUnavailable, err)
	}
}
