package conflict

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Resolution is a terminal decision for a pending conflict. The only
// implementations are KeepLocal and UseServer.
type Resolution interface {
	isResolution()
	String() string
}

// KeepLocal replays the local payload against the server state seen in the
// conflict.
type KeepLocal struct{}

// UseServer drops the local mutation and keeps the server record.
type UseServer struct{}

func (KeepLocal) isResolution() {}
func (UseServer) isResolution() {}

func (KeepLocal) String() string { return "keep_local" }
func (UseServer) String() string { return "use_server" }

// ParseResolution maps a wire name to a Resolution.
func ParseResolution(name string) (Resolution, error) {
	switch name {
	case "keep_local":
		return KeepLocal{}, nil
	case "use_server":
		return UseServer{}, nil
	default:
		return nil, apperrors.New(apperrors.ErrInvalidResolution, "unknown resolution: "+name)
	}
}

// ResolveResult describes what a resolution changed.
type ResolveResult struct {
	Conflict   *models.SyncConflict `json:"conflict"`
	Resolution string               `json:"resolution"`
	// Requeued is the fresh mutation created by KeepLocal.
	Requeued *models.Mutation `json:"requeued,omitempty"`
	// ServerData is the record the caller should show after UseServer.
	ServerData    models.Payload `json:"server_data,omitempty"`
	ServerDeleted bool           `json:"server_deleted,omitempty"`
}

// Resolver applies user decisions to pending conflicts.
type Resolver struct {
	set   *Set
	store queue.Store
	now   func() time.Time
}

// NewResolver creates a Resolver over the pending set and the queue.
func NewResolver(set *Set, store queue.Store) *Resolver {
	return &Resolver{
		set:   set,
		store: store,
		now:   time.Now,
	}
}

// Resolve applies res to the conflict id. Conflicts on one entity must be
// resolved oldest first.
func (r *Resolver) Resolve(ctx context.Context, id string, res Resolution) (*ResolveResult, error) {
	if res == nil {
		return nil, apperrors.New(apperrors.ErrInvalidResolution, "resolution is required")
	}

	r.set.gate.Lock()
	defer r.set.gate.Unlock()

	c, err := r.set.Get(id)
	if err != nil {
		return nil, err
	}
	if oldest := r.set.Oldest(c.EntityKey); oldest != nil && oldest.ID != c.ID {
		return nil, apperrors.New(apperrors.ErrConflictOutOfOrder,
			"resolve conflict "+oldest.ID+" on "+c.EntityKey+" first")
	}

	logging.Info("Resolving conflict",
		map[string]interface{}{
			"conflict_id":      c.ID,
			"mutation_id":      c.MutationID,
			"entity":           c.EntityKey,
			"local_timestamp":  c.LocalTimestamp,
			"server_timestamp": c.ServerTimestamp,
			"resolution":       res.String(),
		})

	result := &ResolveResult{Conflict: c, Resolution: res.String()}
	switch res.(type) {
	case KeepLocal:
		fresh, err := r.keepLocal(ctx, c)
		if err != nil {
			return nil, err
		}
		result.Requeued = fresh
	case UseServer:
		if err := r.store.Dequeue(ctx, c.MutationID); err != nil && !apperrors.Is(err, apperrors.ErrMutationNotFound) {
			return nil, err
		}
		result.ServerData = c.ServerData.Clone()
		result.ServerDeleted = c.ServerDeleted
	default:
		return nil, apperrors.New(apperrors.ErrInvalidResolution, "unsupported resolution: "+res.String())
	}

	if err := r.set.Remove(ctx, c.ID); err != nil {
		return nil, err
	}
	return result, nil
}

// keepLocal swaps the conflicted mutation for a fresh one based on the
// server marker, in the same queue position.
func (r *Resolver) keepLocal(ctx context.Context, c *models.SyncConflict) (*models.Mutation, error) {
	if c.ServerDeleted {
		return nil, apperrors.New(apperrors.ErrInvalidResolution,
			"server record was deleted; only use_server can resolve this conflict")
	}

	orig, err := r.store.Get(ctx, c.MutationID)
	if err != nil {
		return nil, err
	}

	fresh := orig.Clone()
	fresh.ID = uuid.New()
	fresh.BaseVersion = c.ServerTimestamp
	fresh.EnqueuedAt = r.now().UnixMilli()
	fresh.Attempts = 0
	fresh.ClearError()

	if err := r.store.Replace(ctx, orig.ID, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// ViewBoth toggles the side-by-side flag. The conflict stays pending and keeps
// blocking its entity.
func (r *Resolver) ViewBoth(id string, viewing bool) (*models.SyncConflict, error) {
	return r.set.SetViewing(id, viewing)
}
