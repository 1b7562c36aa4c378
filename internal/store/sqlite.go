// Package store persists settings, the cache snapshot and the attachment
// index in a single SQLite file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"guildsync/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.SettingsStore, domain.SnapshotStore and
// domain.AttachmentIndex.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var (
	_ domain.SettingsStore   = (*SQLiteStore)(nil)
	_ domain.SnapshotStore   = (*SQLiteStore)(nil)
	_ domain.AttachmentIndex = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot read database %s: %w", dbPath, err)
	}
	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, path: dbPath, logger: logger}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// DB exposes the handle for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// Settings returns every stored setting.
func (s *SQLiteStore) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SaveSnapshot replaces the stored snapshot. The checksum column guards
// against a torn or hand-edited blob.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, cursor domain.Cursor, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, cursor, data, checksum, saved_at) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor, data = excluded.data,
		   checksum = excluded.checksum, saved_at = excluded.saved_at`,
		int64(cursor), data, Checksum(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", "cursor", uint64(cursor), "bytes", len(data))
	return nil
}

// LoadSnapshot returns the stored snapshot. A checksum mismatch is an error.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (domain.Cursor, []byte, bool, error) {
	var (
		cursor   int64
		data     []byte
		checksum string
	)
	err := s.db.QueryRowContext(ctx, `SELECT cursor, data, checksum FROM snapshots WHERE id = 1`).Scan(&cursor, &data, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	if checksum != "" && checksum != Checksum(data) {
		return 0, nil, false, fmt.Errorf("load snapshot: checksum mismatch")
	}
	return domain.Cursor(cursor), data, true, nil
}

// DeleteSnapshot forgets the stored snapshot.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`)
	return err
}

func (s *SQLiteStore) RecordAttachment(ctx context.Context, rec domain.AttachmentRecord) error {
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attachments (key, ref_id, path, mime_type, size, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.RefID, rec.Path, rec.MimeType, rec.Size, rec.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("record attachment %s: %w", rec.RefID, err)
	}
	return nil
}

// ListAttachments returns the most recently fetched attachments first.
func (s *SQLiteStore) ListAttachments(ctx context.Context, limit int) ([]domain.AttachmentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, ref_id, path, mime_type, size, fetched_at FROM attachments
		 ORDER BY fetched_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AttachmentRecord
	for rows.Next() {
		var r domain.AttachmentRecord
		if err := rows.Scan(&r.Key, &r.RefID, &r.Path, &r.MimeType, &r.Size, &r.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
