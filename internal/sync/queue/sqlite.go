package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/kimhsiao/offlinesync/internal/db"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// SQLiteStore is a Store persisted through a db.MutationRepository.
type SQLiteStore struct {
	repo    db.MutationRepository
	maxSize int
	writeMu sync.Mutex // serialize writes so capacity checks and inserts cannot interleave
}

// NewSQLiteStore creates a store over repo holding at most maxSize
// mutations (0 means unbounded).
func NewSQLiteStore(repo db.MutationRepository, maxSize int) *SQLiteStore {
	return &SQLiteStore{repo: repo, maxSize: maxSize}
}

// Enqueue appends m. The row is committed before Enqueue returns.
func (s *SQLiteStore) Enqueue(ctx context.Context, m *models.Mutation) error {
	if err := prepare(m); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.maxSize > 0 {
		n, err := s.repo.CountMutations(ctx)
		if err != nil {
			return apperrors.QueueUnavailable("count queued mutations", err)
		}
		if n >= s.maxSize {
			return apperrors.QueueUnavailable(fmt.Sprintf("queue is full (max size: %d)", s.maxSize), nil)
		}
	}

	if err := s.repo.InsertMutation(ctx, m); err != nil {
		logging.ErrorWithCode("enqueue failed", string(apperrors.ErrQueueUnavailable), err, map[string]interface{}{
			"mutation_id": m.ID,
			"entity":      m.EntityKey(),
		})
		return apperrors.QueueUnavailable("persist mutation", err)
	}
	return nil
}

// Dequeue removes a mutation.
func (s *SQLiteStore) Dequeue(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return wrapWrite("dequeue mutation", s.repo.DeleteMutation(ctx, id))
}

// PeekBatch returns the n oldest mutations.
func (s *SQLiteStore) PeekBatch(ctx context.Context, n int) ([]*models.Mutation, error) {
	return s.PeekAfter(ctx, 0, n)
}

// PeekAfter returns up to n mutations following the after cursor.
func (s *SQLiteStore) PeekAfter(ctx context.Context, after int64, n int) ([]*models.Mutation, error) {
	out, err := s.repo.ListMutationsAfter(ctx, after, n)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read queued mutations", err)
	}
	return out, nil
}

// Get returns a mutation by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Mutation, error) {
	m, err := s.repo.GetMutation(ctx, id)
	if err != nil && !apperrors.Is(err, apperrors.ErrMutationNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read mutation", err)
	}
	return m, err
}

// Update persists replay state.
func (s *SQLiteStore) Update(ctx context.Context, m *models.Mutation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return wrapWrite("update mutation", s.repo.UpdateMutation(ctx, m))
}

// Replace swaps oldID for m in the same Seq slot.
func (s *SQLiteStore) Replace(ctx context.Context, oldID string, m *models.Mutation) error {
	if err := prepare(m); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return wrapWrite("replace mutation", s.repo.ReplaceMutation(ctx, oldID, m))
}

// Len returns the number of queued mutations.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	n, err := s.repo.CountMutations(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count queued mutations", err)
	}
	return n, nil
}

// Clear removes every queued mutation.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return wrapWrite("clear queue", s.repo.ClearMutations(ctx))
}

// wrapWrite keeps not-found errors as they are and reports every other write
// failure as QueueUnavailable.
func wrapWrite(op string, err error) error {
	if err == nil || apperrors.Is(err, apperrors.ErrMutationNotFound) {
		return err
	}
	return apperrors.QueueUnavailable(op, err)
}

var _ Store = (*SQLiteStore)(nil)
