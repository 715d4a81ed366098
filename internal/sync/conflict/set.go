package conflict

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Store persists pending conflicts so they survive restarts.
// db.Repository implements it.
type Store interface {
	SaveConflict(ctx context.Context, c *models.SyncConflict) error
	DeleteConflict(ctx context.Context, id string) error
	ListConflicts(ctx context.Context) ([]*models.SyncConflict, error)
	ClearConflicts(ctx context.Context) error
}

// Set holds the conflicts awaiting a user decision. A pending conflict blocks
// every later mutation of its entity.
type Set struct {
	// gate serializes resolutions with the coordinator's chain-head checks.
	gate sync.Mutex

	mu       sync.RWMutex
	byID     map[string]*models.SyncConflict
	byEntity map[string][]*models.SyncConflict // ordered by MutationSeq
	store    Store                             // optional
}

// NewSet creates an empty set. store may be nil for a non-durable set.
func NewSet(store Store) *Set {
	return &Set{
		byID:     make(map[string]*models.SyncConflict),
		byEntity: make(map[string][]*models.SyncConflict),
		store:    store,
	}
}

// Guard runs fn while no resolution is in progress. Replay uses it to check
// an entity and re-read its head mutation as one step.
func (s *Set) Guard(fn func()) {
	s.gate.Lock()
	defer s.gate.Unlock()
	fn()
}

// Load replaces the in-memory set with the persisted conflicts.
func (s *Set) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := s.store.ListConflicts(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "load pending conflicts", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*models.SyncConflict, len(list))
	s.byEntity = make(map[string][]*models.SyncConflict)
	for _, c := range list {
		s.insertLocked(c)
	}
	return nil
}

// Add records c. It reports false when a conflict with the same id is
// already pending.
func (s *Set) Add(ctx context.Context, c *models.SyncConflict) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[c.ID]; ok {
		return false, nil
	}
	if s.store != nil {
		if err := s.store.SaveConflict(ctx, c); err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "persist conflict", err)
		}
	}
	s.insertLocked(c.Clone())
	return true, nil
}

func (s *Set) insertLocked(c *models.SyncConflict) {
	s.byID[c.ID] = c
	chain := append(s.byEntity[c.EntityKey], c)
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].MutationSeq < chain[j].MutationSeq })
	s.byEntity[c.EntityKey] = chain
}

// Remove deletes a pending conflict.
func (s *Set) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return notFound(id)
	}
	if s.store != nil {
		if err := s.store.DeleteConflict(ctx, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "delete conflict", err)
		}
	}

	delete(s.byID, id)
	chain := s.byEntity[c.EntityKey]
	for i := range chain {
		if chain[i].ID == id {
			chain = append(chain[:i:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(s.byEntity, c.EntityKey)
	} else {
		s.byEntity[c.EntityKey] = chain
	}
	return nil
}

// Get returns a copy of a pending conflict.
func (s *Set) Get(id string) (*models.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	return c.Clone(), nil
}

// Oldest returns the earliest pending conflict of an entity, or nil.
func (s *Set) Oldest(entityKey string) *models.SyncConflict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.byEntity[entityKey]
	if len(chain) == 0 {
		return nil
	}
	return chain[0].Clone()
}

// Blocked reports whether an entity has a pending conflict.
func (s *Set) Blocked(entityKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byEntity[entityKey]) > 0
}

// HasMutation reports whether a conflict is pending for a mutation.
func (s *Set) HasMutation(mutationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.byID {
		if c.MutationID == mutationID {
			return true
		}
	}
	return false
}

// List returns copies of all pending conflicts ordered by mutation Seq.
func (s *Set) List() []*models.SyncConflict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.SyncConflict, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MutationSeq < out[j].MutationSeq })
	return out
}

// Len returns the number of pending conflicts.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// SetViewing toggles the side-by-side UI flag. It never changes membership.
func (s *Set) SetViewing(id string, viewing bool) (*models.SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	c.Viewing = viewing
	return c.Clone(), nil
}

// Prune removes conflicts whose mutation no longer exists, as happens when a
// mutation was discarded while the process was down.
func (s *Set) Prune(ctx context.Context, exists func(mutationID string) bool) (int, error) {
	var orphans []string
	s.mu.RLock()
	for id, c := range s.byID {
		if !exists(c.MutationID) {
			orphans = append(orphans, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range orphans {
		if err := s.Remove(ctx, id); err != nil && !apperrors.Is(err, apperrors.ErrConflictNotFound) {
			return 0, err
		}
	}
	return len(orphans), nil
}

// Clear drops every pending conflict, persisted ones included.
func (s *Set) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		if err := s.store.ClearConflicts(ctx); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "clear conflicts", err)
		}
	}
	s.byID = make(map[string]*models.SyncConflict)
	s.byEntity = make(map[string][]*models.SyncConflict)
	return nil
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrConflictNotFound, "conflict not found: "+id)
}
