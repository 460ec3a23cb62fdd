// Package db provides CRUD repository operations for RepBook data models.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/uuid"
)

// Repository provides durable storage for records, sync operations and
// remote credentials. The record store and sync queue write through it
// so engine state survives restarts.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	// Try to get from cache first
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	// Prepare and cache
	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
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
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

// UpsertRecord inserts or replaces a record row. The rowid of an
// existing row is preserved, keeping creation order stable.
func (r *Repository) UpsertRecord(ctx context.Context, rec *models.Record) error {
	query := `
	INSERT INTO records (id, name, owner_id, is_deleted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		owner_id = excluded.owner_id,
		is_deleted = excluded.is_deleted,
		updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.Name, rec.OwnerID,
		rec.IsDeleted, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by ID, tombstoned rows included.
func (r *Repository) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	query := `
	SELECT id, name, owner_id, is_deleted, created_at, updated_at
	FROM records WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var rec models.Record
	err = stmt.QueryRowContext(ctx, id).Scan(
		&rec.ID, &rec.Name, &rec.OwnerID, &rec.IsDeleted,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns every record for an owner in creation order,
// tombstoned rows included. Callers that need the visible subset filter
// on IsDeleted themselves.
func (r *Repository) ListRecords(ctx context.Context, ownerID string) ([]*models.Record, error) {
	query := `
	SELECT id, name, owner_id, is_deleted, created_at, updated_at
	FROM records WHERE owner_id = ? ORDER BY rowid
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		var rec models.Record
		err := rows.Scan(&rec.ID, &rec.Name, &rec.OwnerID, &rec.IsDeleted,
			&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ListAllRecords returns every record regardless of owner, used to
// hydrate the in-memory store at startup.
func (r *Repository) ListAllRecords(ctx context.Context) ([]*models.Record, error) {
	query := `
	SELECT id, name, owner_id, is_deleted, created_at, updated_at
	FROM records ORDER BY rowid
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		var rec models.Record
		err := rows.Scan(&rec.ID, &rec.Name, &rec.OwnerID, &rec.IsDeleted,
			&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PurgeRecord physically removes a record row. Reserved for records
// whose delete has been acknowledged remotely.
func (r *Repository) PurgeRecord(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to purge record: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =====================================================
// SyncOperation Operations
// =====================================================

// SaveOperation inserts or replaces a sync operation row. Coalescing
// rewrites payload, status and retry metadata under the same id.
func (r *Repository) SaveOperation(ctx context.Context, op *models.SyncOperation) error {
	query := `
	INSERT INTO sync_operations (id, kind, record_id, payload, status, attempts,
		last_error, error_code, created_at, last_attempt_at, revision)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		kind = excluded.kind,
		payload = excluded.payload,
		status = excluded.status,
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		error_code = excluded.error_code,
		last_attempt_at = excluded.last_attempt_at,
		revision = excluded.revision
	`
	_, err := r.db.ExecContext(ctx, query, op.ID, op.Kind, op.RecordID,
		[]byte(op.Payload), op.Status, op.Attempts, op.LastError, op.ErrorCode,
		op.CreatedAt, op.LastAttemptAt, op.Revision)
	if err != nil {
		return fmt.Errorf("failed to save sync operation: %w", err)
	}
	return nil
}

// ListOperations returns all persisted sync operations ordered oldest
// first, used to hydrate the queue at startup.
func (r *Repository) ListOperations(ctx context.Context) ([]*models.SyncOperation, error) {
	query := `
	SELECT id, kind, record_id, payload, status, attempts, last_error,
		   error_code, created_at, last_attempt_at, revision
	FROM sync_operations ORDER BY created_at, rowid
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		var op models.SyncOperation
		var payload []byte
		err := rows.Scan(&op.ID, &op.Kind, &op.RecordID, &payload, &op.Status,
			&op.Attempts, &op.LastError, &op.ErrorCode, &op.CreatedAt,
			&op.LastAttemptAt, &op.Revision)
		if err != nil {
			return nil, err
		}
		op.Payload = payload
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

// DeleteOperation removes a sync operation row after terminal success.
func (r *Repository) DeleteOperation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sync operation: %w", err)
	}
	return nil
}

// =====================================================
// Remote Credential Operations
// =====================================================

// GetRemoteCredential retrieves the currently enabled backend credential.
func (r *Repository) GetRemoteCredential(ctx context.Context) (*models.RemoteCredential, error) {
	query := `SELECT id, endpoint, owner_id, token_encrypted, is_enabled, created_at, updated_at
			  FROM remote_credentials WHERE is_enabled = 1 LIMIT 1`

	var cred models.RemoteCredential
	err := r.db.QueryRowContext(ctx, query).Scan(
		&cred.ID, &cred.Endpoint, &cred.OwnerID, &cred.TokenEncrypted,
		&cred.IsEnabled, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// SaveRemoteCredential saves a new backend credential configuration.
func (r *Repository) SaveRemoteCredential(ctx context.Context, cred *models.RemoteCredential) error {
	query := `INSERT INTO remote_credentials (id, endpoint, owner_id, token_encrypted, is_enabled, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	cred.ID = models.UUID(uuid.New())
	now := time.Now().UnixMilli()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		cred.ID, cred.Endpoint, cred.OwnerID, cred.TokenEncrypted,
		cred.IsEnabled, cred.CreatedAt, cred.UpdatedAt,
	)
	return err
}

// DeleteRemoteCredential deletes a backend credential by ID.
func (r *Repository) DeleteRemoteCredential(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM remote_credentials WHERE id = ?`, id)
	return err
}

// DisableAllRemoteCredentials disables all backend credentials (used
// when setting a new one).
func (r *Repository) DisableAllRemoteCredentials(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE remote_credentials SET is_enabled = 0 WHERE is_enabled = 1`)
	return err
}
