// Package payload stores parameter payloads that travel outside request bodies.
package payload

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/taproom/internal/storage"
)

// ErrNotFound is returned when no payload has the requested id.
var ErrNotFound = errors.New("payload not found")

// Store uploads and downloads opaque payloads by id.
type Store interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
	Download(ctx context.Context, id string) ([]byte, error)
}

// SQLiteStore is a content-addressed Store backed by a local SQLite file.
// Identical payloads share one row.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteStore opens the database at path and bootstraps its schema.
func OpenSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(db, logger), nil
}

// NewSQLiteStore wraps an already bootstrapped database.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "payload_store")}
}

// ID returns the content address of data.
func ID(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *SQLiteStore) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	id := ID(data)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payloads (id, filename, size, data, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING;`,
		id, filename, len(data), data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("store payload: %w", err)
	}
	s.logger.Debug("payload stored", "payload_id", id, "size", len(data), "filename", filename)
	return id, nil
}

func (s *SQLiteStore) Download(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM payloads WHERE id = ?;`, id).Scan(&data)
	if storage.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load payload %s: %w", id, err)
	}
	return data, nil
}

// Prune deletes payloads created before cutoff and returns how many went.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payloads WHERE created_at < ?;`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune payloads: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
