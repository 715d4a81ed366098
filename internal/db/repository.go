// Package db provides CRUD repository operations for the mutation queue and
// pending conflicts.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Repository provides CRUD operations for all models.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Mutation Operations
// =====================================================

const mutationColumns = `seq, id, entity_type, operation, target_id, entity_label, payload,
	base_version, enqueued_at, attempts, last_error, error_kind`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(row rowScanner) (*models.Mutation, error) {
	var m models.Mutation
	err := row.Scan(
		&m.Seq, &m.ID, &m.EntityType, &m.Operation, &m.TargetID, &m.EntityLabel, &m.Payload,
		&m.BaseVersion, &m.EnqueuedAt, &m.Attempts, &m.LastError, &m.ErrorKind,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMutation appends a mutation and sets its Seq. The row is committed
// (and fsynced under synchronous=FULL) before this returns.
func (r *Repository) InsertMutation(ctx context.Context, m *models.Mutation) error {
	query := `
	INSERT INTO mutation_queue (id, entity_type, operation, target_id, entity_label, payload,
		base_version, enqueued_at, attempts, last_error, error_kind)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, m.ID, m.EntityType, m.Operation, m.TargetID, m.EntityLabel,
		m.Payload, m.BaseVersion, m.EnqueuedAt, m.Attempts, m.LastError, m.ErrorKind)
	if err != nil {
		return fmt.Errorf("insert mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read mutation seq: %w", err)
	}
	m.Seq = seq
	return nil
}

// GetMutation retrieves a mutation by ID.
func (r *Repository) GetMutation(ctx context.Context, id string) (*models.Mutation, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+mutationColumns+` FROM mutation_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}

	m, err := scanMutation(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrMutationNotFound, "mutation not found: "+id)
	}
	return m, err
}

// ListMutationsAfter returns up to limit mutations with seq > after, oldest first.
func (r *Repository) ListMutationsAfter(ctx context.Context, after int64, limit int) ([]*models.Mutation, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+mutationColumns+` FROM mutation_queue WHERE seq > ? ORDER BY seq LIMIT ?`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMutation stores the mutable replay state of a mutation.
func (r *Repository) UpdateMutation(ctx context.Context, m *models.Mutation) error {
	query := `
	UPDATE mutation_queue
	SET payload = ?, base_version = ?, attempts = ?, last_error = ?, error_kind = ?
	WHERE id = ?
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, m.Payload, m.BaseVersion, m.Attempts, m.LastError, m.ErrorKind, m.ID)
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}
	return requireRow(res, apperrors.ErrMutationNotFound, "mutation not found: "+m.ID)
}

// ReplaceMutation swaps the row identified by oldID for m, keeping its seq.
func (r *Repository) ReplaceMutation(ctx context.Context, oldID string, m *models.Mutation) error {
	query := `
	UPDATE mutation_queue
	SET id = ?, entity_type = ?, operation = ?, target_id = ?, entity_label = ?, payload = ?,
		base_version = ?, enqueued_at = ?, attempts = ?, last_error = ?, error_kind = ?
	WHERE id = ?
	RETURNING seq
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}

	var seq int64
	err = stmt.QueryRowContext(ctx, m.ID, m.EntityType, m.Operation, m.TargetID, m.EntityLabel, m.Payload,
		m.BaseVersion, m.EnqueuedAt, m.Attempts, m.LastError, m.ErrorKind, oldID).Scan(&seq)
	if stderrors.Is(err, sql.ErrNoRows) {
		return apperrors.New(apperrors.ErrMutationNotFound, "mutation not found: "+oldID)
	}
	if err != nil {
		return fmt.Errorf("replace mutation: %w", err)
	}
	m.Seq = seq
	return nil
}

// DeleteMutation removes a mutation.
func (r *Repository) DeleteMutation(ctx context.Context, id string) error {
	stmt, err := r.PrepareStmt(ctx, `DELETE FROM mutation_queue WHERE id = ?`)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete mutation: %w", err)
	}
	return requireRow(res, apperrors.ErrMutationNotFound, "mutation not found: "+id)
}

// CountMutations returns the number of queued mutations.
func (r *Repository) CountMutations(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n)
	return n, err
}

// ClearMutations removes every queued mutation.
func (r *Repository) ClearMutations(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mutation_queue`)
	return err
}

// =====================================================
// SyncConflict Operations
// =====================================================

// SaveConflict inserts or overwrites a pending conflict.
func (r *Repository) SaveConflict(ctx context.Context, c *models.SyncConflict) error {
	query := `
	INSERT OR REPLACE INTO sync_conflicts (id, mutation_id, mutation_seq, entity_key, entity_type,
		target_id, entity_label, operation, local_data, local_timestamp, server_data,
		server_timestamp, server_deleted, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx, c.ID, c.MutationID, c.MutationSeq, c.EntityKey, c.EntityType,
		c.TargetID, c.EntityLabel, c.Operation, c.LocalData, c.LocalTimestamp, c.ServerData,
		c.ServerTimestamp, c.ServerDeleted, c.DetectedAt)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// DeleteConflict removes a pending conflict. Deleting an absent conflict is
// not an error.
func (r *Repository) DeleteConflict(ctx context.Context, id string) error {
	stmt, err := r.PrepareStmt(ctx, `DELETE FROM sync_conflicts WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	return nil
}

// ListConflicts returns all pending conflicts ordered by their mutation's seq.
func (r *Repository) ListConflicts(ctx context.Context) ([]*models.SyncConflict, error) {
	query := `
	SELECT id, mutation_id, mutation_seq, entity_key, entity_type, target_id, entity_label,
		operation, local_data, local_timestamp, server_data, server_timestamp, server_deleted, detected_at
	FROM sync_conflicts ORDER BY mutation_seq
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SyncConflict
	for rows.Next() {
		var c models.SyncConflict
		if err := rows.Scan(&c.ID, &c.MutationID, &c.MutationSeq, &c.EntityKey, &c.EntityType,
			&c.TargetID, &c.EntityLabel, &c.Operation, &c.LocalData, &c.LocalTimestamp, &c.ServerData,
			&c.ServerTimestamp, &c.ServerDeleted, &c.DetectedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ClearConflicts removes every pending conflict.
func (r *Repository) ClearConflicts(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_conflicts`)
	return err
}

func requireRow(res sql.Result, code apperrors.ErrorCode, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.New(code, msg)
	}
	return nil
}
