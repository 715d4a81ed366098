package models

import (
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// Operation is the kind of write a mutation performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ErrorKind classifies the last replay failure of a mutation.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindTerminal  ErrorKind = "terminal"
)

// Mutation is a single pending local write against one entity instance.
type Mutation struct {
	ID          string    `db:"id" json:"id"`
	Seq         int64     `db:"seq" json:"seq"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	Operation   Operation `db:"operation" json:"operation"`
	TargetID    string    `db:"target_id" json:"target_id,omitempty"`
	EntityLabel string    `db:"entity_label" json:"entity_label,omitempty"`
	Payload     Payload   `db:"payload" json:"payload,omitempty"`
	BaseVersion int64     `db:"base_version" json:"base_version"`
	EnqueuedAt  int64     `db:"enqueued_at" json:"enqueued_at"` // unix millis
	Attempts    int       `db:"attempts" json:"attempts"`
	LastError   string    `db:"last_error" json:"last_error,omitempty"`
	ErrorKind   ErrorKind `db:"error_kind" json:"error_kind,omitempty"`
}

// TableName returns the table name for Mutation.
func (Mutation) TableName() string {
	return "mutation_queue"
}

// EntityKey identifies the ordering chain the mutation belongs to. Creates
// have no target yet, so each create forms its own chain.
func (m *Mutation) EntityKey() string {
	if m.TargetID == "" {
		return m.EntityType + "/new:" + m.ID
	}
	return m.EntityType + "/" + m.TargetID
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (m *Mutation) EnqueuedAtTime() time.Time {
	return time.UnixMilli(m.EnqueuedAt)
}

// Failed reports whether the mutation is held by a terminal failure.
func (m *Mutation) Failed() bool {
	return m.ErrorKind == ErrorKindTerminal
}

// Validate checks the fields a caller must supply before enqueue.
func (m *Mutation) Validate() error {
	if m.EntityType == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity type is required")
	}
	if !m.Operation.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "unknown operation: "+string(m.Operation))
	}
	if m.Operation != OpCreate && m.TargetID == "" {
		return apperrors.New(apperrors.ErrInvalid, string(m.Operation)+" requires a target id")
	}
	if m.Operation == OpCreate && m.TargetID != "" {
		return apperrors.New(apperrors.ErrInvalid, "create must not carry a target id")
	}
	return nil
}

// Clone returns a deep copy of the mutation.
func (m *Mutation) Clone() *Mutation {
	c := *m
	c.Payload = m.Payload.Clone()
	return &c
}

// ClearError resets the replay failure state.
func (m *Mutation) ClearError() {
	m.LastError = ""
	m.ErrorKind = ErrorKindNone
}
