package models

import "time"

// SyncConflict records a divergence between what a queued mutation assumed
// and the server's current state. It exists until resolved.
type SyncConflict struct {
	ID              string    `db:"id" json:"id"`
	MutationID      string    `db:"mutation_id" json:"mutation_id"`
	MutationSeq     int64     `db:"mutation_seq" json:"mutation_seq"`
	EntityKey       string    `db:"entity_key" json:"entity_key"`
	EntityType      string    `db:"entity_type" json:"entity_type"`
	TargetID        string    `db:"target_id" json:"target_id,omitempty"`
	EntityLabel     string    `db:"entity_label" json:"entity_label,omitempty"`
	Operation       Operation `db:"operation" json:"operation"`
	LocalData       Payload   `db:"local_data" json:"local_data"`
	LocalTimestamp  int64     `db:"local_timestamp" json:"local_timestamp"`
	ServerData      Payload   `db:"server_data" json:"server_data"`
	ServerTimestamp int64     `db:"server_timestamp" json:"server_timestamp"`
	ServerDeleted   bool      `db:"server_deleted" json:"server_deleted"`
	DetectedAt      int64     `db:"detected_at" json:"detected_at"` // unix millis

	// Viewing is the transient side-by-side UI flag. It is not persisted and
	// never affects queue or conflict-set state.
	Viewing bool `db:"-" json:"viewing"`
}

// TableName returns the table name for SyncConflict.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *SyncConflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// Clone returns a deep copy of the conflict.
func (c *SyncConflict) Clone() *SyncConflict {
	cp := *c
	cp.LocalData = c.LocalData.Clone()
	cp.ServerData = c.ServerData.Clone()
	return &cp
}
