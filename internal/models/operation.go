// Package models provides data model definitions for RepBook Core.
package models

import (
	"encoding/json"
	"time"
)

// OpKind identifies the mutation a SyncOperation carries.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus is the lifecycle state of a SyncOperation.
type OpStatus string

const (
	StatusPending  OpStatus = "pending"
	StatusSynced   OpStatus = "synced"
	StatusError    OpStatus = "error"
	StatusRetrying OpStatus = "retrying"
)

// SyncOperation represents one outstanding mutation for a record.
// At most one non-terminal operation exists per RecordID; later
// mutations coalesce into it instead of appending a second entry.
type SyncOperation struct {
	ID            UUID            `db:"id" json:"id"`
	Kind          OpKind          `db:"kind" json:"kind"`
	RecordID      UUID            `db:"record_id" json:"record_id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        OpStatus        `db:"status" json:"status"`
	Attempts      int             `db:"attempts" json:"attempts"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	ErrorCode     string          `db:"error_code" json:"error_code,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at"`
	// Revision increments on every coalesce so a push that started
	// before the merge cannot retire the newer payload.
	Revision int64 `db:"revision" json:"revision"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (o *SyncOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(o.CreatedAt)
}

// LastAttemptAtTime returns the LastAttemptAt as time.Time.
func (o *SyncOperation) LastAttemptAtTime() time.Time {
	return time.UnixMilli(o.LastAttemptAt)
}

// Record decodes the payload snapshot carried by the operation.
func (o *SyncOperation) Record() (*Record, error) {
	var r Record
	if err := json.Unmarshal(o.Payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Clone returns a copy safe to hand to callers outside the queue lock.
func (o *SyncOperation) Clone() *SyncOperation {
	c := *o
	c.Payload = append(json.RawMessage(nil), o.Payload...)
	return &c
}
