// Package queue provides the durable mutation queue for offline edits.
package queue

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Store is a durable, Seq-ordered list of pending mutations.
//
// Implementations serialize writes, return copies, and report a refused
// write as an ErrQueueUnavailable AppError rather than dropping data.
type Store interface {
	// Enqueue appends m, assigning ID (when empty), Seq and EnqueuedAt. It
	// returns only after the mutation is durable.
	Enqueue(ctx context.Context, m *models.Mutation) error

	// Dequeue removes one mutation. Absent ids yield ErrMutationNotFound.
	Dequeue(ctx context.Context, id string) error

	// PeekBatch returns up to n oldest mutations in Seq order.
	PeekBatch(ctx context.Context, n int) ([]*models.Mutation, error)

	// PeekAfter returns up to n mutations with Seq > after, in Seq order.
	PeekAfter(ctx context.Context, after int64, n int) ([]*models.Mutation, error)

	Get(ctx context.Context, id string) (*models.Mutation, error)

	// Update persists replay state: Attempts, LastError, ErrorKind and
	// BaseVersion.
	Update(ctx context.Context, m *models.Mutation) error

	// Replace swaps the mutation oldID for m in the same Seq slot.
	Replace(ctx context.Context, oldID string, m *models.Mutation) error

	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// prepare validates m and fills the fields assigned at enqueue.
func prepare(m *models.Mutation) error {
	if m == nil {
		return apperrors.New(apperrors.ErrInvalid, "mutation is nil")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.New()
	}
	if m.EnqueuedAt == 0 {
		m.EnqueuedAt = time.Now().UnixMilli()
	}
	m.Attempts = 0
	m.ClearError()
	return nil
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrMutationNotFound, "mutation not found: "+id)
}

// List returns every queued mutation in Seq order.
func List(ctx context.Context, s Store) ([]*models.Mutation, error) {
	const page = 200
	var (
		out    []*models.Mutation
		cursor int64
	)
	for {
		batch, err := s.PeekAfter(ctx, cursor, page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
		cursor = batch[len(batch)-1].Seq
	}
}

// Stats summarizes queue contents.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	Entities int `json:"entities"`
}

// Summarize computes Stats over every queued mutation.
func Summarize(ctx context.Context, s Store) (Stats, error) {
	all, err := List(ctx, s)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	entities := make(map[string]struct{})
	for _, m := range all {
		st.Total++
		entities[m.EntityKey()] = struct{}{}
		switch m.ErrorKind {
		case models.ErrorKindTerminal:
			st.Failed++
		case models.ErrorKindTransient:
			st.Retrying++
		default:
			st.Pending++
		}
	}
	st.Entities = len(entities)
	return st, nil
}
