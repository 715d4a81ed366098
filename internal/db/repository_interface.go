// Package db provides repository interfaces for the sync models.
package db

import (
	"context"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// MutationRepository defines operations for queued mutation persistence.
type MutationRepository interface {
	// InsertMutation appends a mutation and assigns its Seq.
	InsertMutation(ctx context.Context, m *models.Mutation) error

	// GetMutation retrieves a mutation by ID.
	GetMutation(ctx context.Context, id string) (*models.Mutation, error)

	// ListMutationsAfter pages mutations by Seq.
	ListMutationsAfter(ctx context.Context, after int64, limit int) ([]*models.Mutation, error)

	// UpdateMutation stores replay state (attempts, last error).
	UpdateMutation(ctx context.Context, m *models.Mutation) error

	// ReplaceMutation swaps a mutation for a new one in the same Seq slot.
	ReplaceMutation(ctx context.Context, oldID string, m *models.Mutation) error

	// DeleteMutation removes a mutation.
	DeleteMutation(ctx context.Context, id string) error

	CountMutations(ctx context.Context) (int, error)
	ClearMutations(ctx context.Context) error
}

// ConflictRepository defines operations for pending conflict persistence.
type ConflictRepository interface {
	SaveConflict(ctx context.Context, c *models.SyncConflict) error
	DeleteConflict(ctx context.Context, id string) error
	ListConflicts(ctx context.Context) ([]*models.SyncConflict, error)
	ClearConflicts(ctx context.Context) error
}

// Verify that Repository implements the interfaces.
var (
	_ MutationRepository = (*Repository)(nil)
	_ ConflictRepository = (*Repository)(nil)
)
