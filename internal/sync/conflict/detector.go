// Package conflict detects optimistic-concurrency conflicts during replay and
// applies user-chosen resolutions to them.
package conflict

import (
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Result is what an execute call reports about the server's record.
type Result struct {
	// Applied is true when the server accepted the mutation.
	Applied bool `json:"applied"`
	// Conflict is the executor's hint that the server refused on a version
	// mismatch. The detector still requires a newer ServerVersion.
	Conflict bool `json:"conflict,omitempty"`
	// ServerVersion is the server's current version marker for the record.
	ServerVersion int64 `json:"server_version,omitempty"`
	// ServerData is the server's current record, when known.
	ServerData models.Payload `json:"server_data,omitempty"`
	// ServerDeleted is true when the record no longer exists on the server.
	ServerDeleted bool `json:"server_deleted,omitempty"`
}

// Outcome classifies a replay result.
type Outcome int

const (
	// Clean means the mutation is done and can leave the queue.
	Clean Outcome = iota
	// Conflicting means the server moved past the mutation's base marker.
	Conflicting
	// Retry means the result was inconclusive and the call should be retried.
	Retry
	// Rejected means the mutation can never apply, such as a create whose
	// collection does not exist. It is a terminal failure, not a conflict.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Clean:
		return "clean"
	case Conflicting:
		return "conflict"
	case Retry:
		return "retry"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Detector compares replay results against mutation base markers.
type Detector struct {
	now func() time.Time
}

// NewDetector creates a Detector.
func NewDetector() *Detector {
	return &Detector{now: time.Now}
}

// Classify decides what a replay result means for m.
func (d *Detector) Classify(m *models.Mutation, r Result) Outcome {
	if r.ServerDeleted {
		switch m.Operation {
		case models.OpDelete:
			// Deleting an already-deleted record is idempotent.
			return Clean
		case models.OpCreate:
			// There was no record to lose; the route itself is missing.
			return Rejected
		}
		return Conflicting
	}
	if r.Applied {
		return Clean
	}
	if r.ServerVersion > m.BaseVersion {
		return Conflicting
	}
	return Retry
}

// NewConflict builds the pending conflict for m. Server data is nil when the
// server record was deleted.
func (d *Detector) NewConflict(m *models.Mutation, r Result) *models.SyncConflict {
	c := &models.SyncConflict{
		ID:              uuid.Derive(m.ID),
		MutationID:      m.ID,
		MutationSeq:     m.Seq,
		EntityKey:       m.EntityKey(),
		EntityType:      m.EntityType,
		TargetID:        m.TargetID,
		EntityLabel:     m.EntityLabel,
		Operation:       m.Operation,
		LocalData:       m.Payload.Clone(),
		LocalTimestamp:  m.BaseVersion,
		ServerTimestamp: r.ServerVersion,
		ServerDeleted:   r.ServerDeleted,
		DetectedAt:      d.now().UnixMilli(),
	}
	if !r.ServerDeleted {
		c.ServerData = r.ServerData.Clone()
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"conflict_id":      c.ID,
			"mutation_id":      m.ID,
			"entity":           c.EntityKey,
			"local_timestamp":  c.LocalTimestamp,
			"server_timestamp": c.ServerTimestamp,
			"server_deleted":   c.ServerDeleted,
		})
	return c
}
