package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoTimeout = 5 * time.Second

const recordColumns = `id, storage_identifier, deletion_key, encrypted_size, uploaded_at, expires_at`

// Repository keeps file metadata in PostgreSQL. Uniqueness of both tokens is
// enforced by the schema.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds a new file repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a new record and returns it with its assigned ID.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
INSERT INTO file_records (storage_identifier, deletion_key, encrypted_size, uploaded_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + recordColumns + `;`

	row := r.pool.QueryRow(ctx, query,
		rec.StorageID,
		rec.DeletionKey,
		rec.EncryptedSize,
		rec.UploadedAt,
		rec.ExpiresAt,
	)
	stored, err := scanRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrConflict
		}
		return Record{}, fmt.Errorf("insert file record: %w", err)
	}
	return stored, nil
}

// FindByStorageID fetches the record for a download token.
func (r *Repository) FindByStorageID(ctx context.Context, storageID string) (Record, error) {
	return r.findOne(ctx, `SELECT `+recordColumns+` FROM file_records WHERE storage_identifier = $1;`, storageID)
}

// FindByDeletionKey fetches the record for a deletion token.
func (r *Repository) FindByDeletionKey(ctx context.Context, deletionKey string) (Record, error) {
	return r.findOne(ctx, `SELECT `+recordColumns+` FROM file_records WHERE deletion_key = $1;`, deletionKey)
}

// FindExpiredBefore returns records whose expiry is strictly before t.
func (r *Repository) FindExpiredBefore(ctx context.Context, t time.Time) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
SELECT ` + recordColumns + `
FROM file_records
WHERE expires_at IS NOT NULL AND expires_at < $1;`

	rows, err := r.pool.Query(ctx, query, t.UTC())
	if err != nil {
		return nil, fmt.Errorf("find expired records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired records: %w", err)
	}
	return records, nil
}

// Delete removes the record; the row-level delete makes concurrent calls agree
// on a single winner.
func (r *Repository) Delete(ctx context.Context, rec Record) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM file_records WHERE id = $1;`, rec.ID)
	if err != nil {
		return false, fmt.Errorf("delete file record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) findOne(ctx context.Context, query, arg string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get file record: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	if err := row.Scan(
		&rec.ID,
		&rec.StorageID,
		&rec.DeletionKey,
		&rec.EncryptedSize,
		&rec.UploadedAt,
		&rec.ExpiresAt,
	); err != nil {
		return Record{}, err
	}
	rec.UploadedAt = rec.UploadedAt.UTC()
	if rec.ExpiresAt != nil {
		expiresAt := rec.ExpiresAt.UTC()
		rec.ExpiresAt = &expiresAt
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
