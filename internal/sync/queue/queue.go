package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// MemoryStore is a non-durable Store for tests and ephemeral hosts.
type MemoryStore struct {
	items   map[string]*models.Mutation
	mu      sync.RWMutex
	maxSize int // 0 means unbounded
	nextSeq int64
}

// NewMemoryStore creates a new MemoryStore holding at most maxSize mutations.
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*models.Mutation),
		maxSize: maxSize,
	}
}

// Enqueue adds a mutation to the queue.
func (q *MemoryStore) Enqueue(ctx context.Context, m *models.Mutation) error {
	if err := prepare(m); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Check queue capacity
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return apperrors.QueueUnavailable(fmt.Sprintf("queue is full (max size: %d)", q.maxSize), nil)
	}
	if _, exists := q.items[m.ID]; exists {
		return apperrors.QueueUnavailable("duplicate mutation id "+m.ID, nil)
	}

	q.nextSeq++
	m.Seq = q.nextSeq
	q.items[m.ID] = m.Clone()

	logging.Debug("mutation enqueued", map[string]interface{}{
		"mutation_id": m.ID,
		"entity":      m.EntityKey(),
		"operation":   string(m.Operation),
	})
	return nil
}

// Dequeue removes a specific mutation from the queue.
func (q *MemoryStore) Dequeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return notFound(id)
	}
	delete(q.items, id)
	return nil
}

// PeekBatch returns the n oldest mutations.
func (q *MemoryStore) PeekBatch(ctx context.Context, n int) ([]*models.Mutation, error) {
	return q.PeekAfter(ctx, 0, n)
}

// PeekAfter returns up to n mutations following the after cursor.
func (q *MemoryStore) PeekAfter(ctx context.Context, after int64, n int) ([]*models.Mutation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*models.Mutation
	for _, m := range q.items {
		if m.Seq > after {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}

	// Return copies to avoid external modification
	for i, m := range out {
		out[i] = m.Clone()
	}
	return out, nil
}

// Get returns a copy of a specific mutation.
func (q *MemoryStore) Get(ctx context.Context, id string) (*models.Mutation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	m, ok := q.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return m.Clone(), nil
}

// Update stores the replay state of a mutation.
func (q *MemoryStore) Update(ctx context.Context, m *models.Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.items[m.ID]
	if !ok {
		return notFound(m.ID)
	}
	cur.Attempts = m.Attempts
	cur.LastError = m.LastError
	cur.ErrorKind = m.ErrorKind
	cur.BaseVersion = m.BaseVersion
	cur.Payload = m.Payload.Clone()
	return nil
}

// Replace puts m into the Seq slot held by oldID.
func (q *MemoryStore) Replace(ctx context.Context, oldID string, m *models.Mutation) error {
	if err := prepare(m); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	old, ok := q.items[oldID]
	if !ok {
		return notFound(oldID)
	}
	if _, exists := q.items[m.ID]; exists && m.ID != oldID {
		return apperrors.QueueUnavailable("duplicate mutation id "+m.ID, nil)
	}

	m.Seq = old.Seq
	delete(q.items, oldID)
	q.items[m.ID] = m.Clone()
	return nil
}

// Len returns the number of mutations in the queue.
func (q *MemoryStore) Len(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items), nil
}

// Clear removes all mutations from the queue.
func (q *MemoryStore) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*models.Mutation)
	logging.Info("mutation queue cleared")
	return nil
}

var _ Store = (*MemoryStore)(nil)
