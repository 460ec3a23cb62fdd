// Package models provides data model definitions for RepBook Core.
package models

import (
	"database/sql/driver"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Record represents a tracked record owned by a single user.
// Timestamps are Unix milliseconds; UpdatedAt is strictly increasing
// for a given id so replays can be ordered without wall-clock trust.
type Record struct {
	ID        UUID   `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	OwnerID   string `db:"owner_id" json:"owner_id"`
	IsDeleted bool   `db:"is_deleted" json:"deleted"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Touch bumps UpdatedAt to now, always strictly past the previous value.
func (r *Record) Touch() {
	now := time.Now().UnixMilli()
	if now <= r.UpdatedAt {
		now = r.UpdatedAt + 1
	}
	r.UpdatedAt = now
}

// Clone returns a copy safe to hand to subscribers.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}
