package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/pubsub"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// SyncStatus is a derived snapshot of the offline queue and replay state.
type SyncStatus struct {
	Online           bool       `json:"online"`
	QueueLength      int        `json:"queue_length"`
	IsSyncing        bool       `json:"is_syncing"`
	LastQueuedAt     *time.Time `json:"last_queued_at,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	PendingConflicts int        `json:"pending_conflicts"`
	FailedMutations  int        `json:"failed_mutations"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StatusPublisher recomputes SyncStatus from the queue, the conflict set and
// the connectivity state, and pushes every snapshot to subscribers.
//
// Subscribers run synchronously and must not call Recompute.
type StatusPublisher struct {
	store     queue.Store
	conflicts *conflict.Set
	online    func() bool
	now       func() time.Time
	topic     *pubsub.Topic[SyncStatus]

	pubMu gosync.Mutex // orders recompute and delivery

	mu           gosync.Mutex
	current      SyncStatus
	syncing      bool
	lastQueuedAt *time.Time
	lastSyncedAt *time.Time
	lastError    string
	failed       map[string]struct{}
}

// NewStatusPublisher creates a publisher. online may be nil, meaning always
// online.
func NewStatusPublisher(store queue.Store, conflicts *conflict.Set, online func() bool) *StatusPublisher {
	if online == nil {
		online = func() bool { return true }
	}
	return &StatusPublisher{
		store:     store,
		conflicts: conflicts,
		online:    online,
		now:       time.Now,
		topic:     pubsub.NewTopic[SyncStatus](),
		failed:    make(map[string]struct{}),
	}
}

// Snapshot returns the latest computed status.
func (p *StatusPublisher) Snapshot() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe delivers the current snapshot to fn, then every later one.
func (p *StatusPublisher) Subscribe(fn func(SyncStatus)) (unsubscribe func()) {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	unsubscribe = p.topic.Subscribe(fn)
	fn(p.Snapshot())
	return unsubscribe
}

// Recompute derives a fresh snapshot and publishes it.
func (p *StatusPublisher) Recompute(ctx context.Context) SyncStatus {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	n, err := p.store.Len(ctx)

	p.mu.Lock()
	st := SyncStatus{
		Online:           p.online(),
		QueueLength:      p.current.QueueLength,
		IsSyncing:        p.syncing,
		LastQueuedAt:     copyTime(p.lastQueuedAt),
		LastSyncedAt:     copyTime(p.lastSyncedAt),
		LastError:        p.lastError,
		PendingConflicts: p.conflicts.Len(),
		FailedMutations:  len(p.failed),
		UpdatedAt:        p.now(),
	}
	if err == nil {
		st.QueueLength = n
	}
	p.current = st
	p.mu.Unlock()

	if err != nil {
		logging.Error("status: queue length unavailable", err)
	}
	p.topic.Publish(st)
	return st
}

// Reset forgets everything recorded so far and publishes the empty status.
func (p *StatusPublisher) Reset() {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	p.mu.Lock()
	p.syncing = false
	p.lastQueuedAt = nil
	p.lastSyncedAt = nil
	p.lastError = ""
	p.failed = make(map[string]struct{})
	p.current = SyncStatus{UpdatedAt: p.now()}
	st := p.current
	p.mu.Unlock()

	p.topic.Publish(st)
}

func (p *StatusPublisher) setSyncing(v bool) {
	p.mu.Lock()
	p.syncing = v
	p.mu.Unlock()
}

func (p *StatusPublisher) noteQueued(at time.Time) {
	p.mu.Lock()
	p.lastQueuedAt = &at
	p.mu.Unlock()
}

func (p *StatusPublisher) noteSynced(at time.Time) {
	p.mu.Lock()
	p.lastSyncedAt = &at
	p.mu.Unlock()
}

func (p *StatusPublisher) setLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}

func (p *StatusPublisher) markFailed(id string, failed bool) {
	p.mu.Lock()
	if failed {
		p.failed[id] = struct{}{}
	} else {
		delete(p.failed, id)
	}
	p.mu.Unlock()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
