// Package models provides data model definitions for RepBook Core.
package models

import "time"

// RemoteCredential holds the backend endpoint plus an encrypted access token.
// TokenEncrypted is never exposed in JSON responses.
type RemoteCredential struct {
	ID             UUID   `db:"id" json:"id"`
	Endpoint       string `db:"endpoint" json:"endpoint"`
	OwnerID        string `db:"owner_id" json:"owner_id"`
	TokenEncrypted string `db:"token_encrypted" json:"-"` // Never expose
	IsEnabled      bool   `db:"is_enabled" json:"is_enabled"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for RemoteCredential.
func (RemoteCredential) TableName() string {
	return "remote_credentials"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (c *RemoteCredential) CreatedAtTime() time.Time {
	return time.UnixMilli(c.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (c *RemoteCredential) UpdatedAtTime() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}
