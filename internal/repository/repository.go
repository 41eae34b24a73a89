// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package repository persists the ingestion pipeline's three record types
// -- processed files, processing jobs, and extracted indicators -- to a
// SQLite database, exposing idempotent upserts so a crashed worker can
// safely re-run a job.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ingestor/internal/model"
)

// Repository is the persistence contract used by the pipeline. All methods
// are safe for concurrent use.
type Repository interface {
	ExistsByRemoteID(ctx context.Context, remoteKey string) (bool, error)
	ExistsByFingerprint(ctx context.Context, fingerprint string) (bool, error)
	RecordProcessedFile(ctx context.Context, f model.ProcessedFile) error
	LogJob(ctx context.Context, j model.Job) error
	UpdateJob(ctx context.Context, id string, status model.JobStatus, fingerprint, errMsg *string) error
	UpsertIndicator(ctx context.Context, ind model.Indicator) (inserted bool, err error)
	CountIndicatorsByKind(ctx context.Context) (model.IndicatorCounts, error)
}

// Store is the SQLite-backed Repository implementation.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applies
// pragmas suited to a single-process writer with many readers, and runs
// migrations to the current schema version.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("repository: path cannot be empty")
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: migrate: %w", err)
	}
	return s, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a serializable transaction, committing on success
// and rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("repository: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

const schemaVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	current, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.migrateToV1(ctx, tx); err != nil {
			return err
		}
		return s.setSchemaVersion(ctx, tx, schemaVersion)
	})
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", value, err)
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processed_files (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			remote_key    TEXT NOT NULL UNIQUE,
			channel_id    INTEGER NOT NULL,
			channel_title TEXT NOT NULL,
			filename      TEXT NOT NULL,
			size_bytes    INTEGER NOT NULL,
			file_hash     TEXT NOT NULL,
			storage_path  TEXT NOT NULL,
			first_seen_at TEXT NOT NULL,
			last_seen_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_files_hash ON processed_files(file_hash)`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
			id          TEXT PRIMARY KEY,
			remote_key  TEXT NOT NULL,
			status      TEXT NOT NULL CHECK (status IN ('QUEUED','PROCESSING','COMPLETED','FAILED')),
			file_hash   TEXT,
			error       TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_jobs_status ON processing_jobs(status)`,
		`CREATE TABLE IF NOT EXISTS extracted_indicators (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			kind             TEXT NOT NULL,
			value            TEXT NOT NULL,
			source_fingerprint TEXT NOT NULL,
			source_path      TEXT NOT NULL,
			source_line      INTEGER NOT NULL,
			channel_id       INTEGER NOT NULL,
			first_seen_at    TEXT NOT NULL,
			last_seen_at     TEXT NOT NULL,
			UNIQUE(kind, value, source_fingerprint, source_line)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_indicators_kind ON extracted_indicators(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
	}
	return nil
}

// ExistsByRemoteID reports whether a processed_files row already carries
// remoteKey, the pre-download deduplication check.
func (s *Store) ExistsByRemoteID(ctx context.Context, remoteKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_files WHERE remote_key = ?)`, remoteKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("repository: exists by remote id: %w", err)
	}
	return exists, nil
}

// ExistsByFingerprint reports whether a processed_files row already carries
// fingerprint, the post-download content-hash deduplication check.
func (s *Store) ExistsByFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_files WHERE file_hash = ?)`, fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("repository: exists by fingerprint: %w", err)
	}
	return exists, nil
}

// RecordProcessedFile inserts a new provenance row keyed by f.RemoteKey, or,
// if that key is already recorded, touches last_seen_at only -- it never
// overwrites the original first-seen fingerprint or storage path.
func (s *Store) RecordProcessedFile(ctx context.Context, f model.ProcessedFile) error {
	now := nowOrField(f.LastSeen)
	first := nowOrField(f.FirstSeen)
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO processed_files
				(remote_key, channel_id, channel_title, filename, size_bytes, file_hash, storage_path, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(remote_key) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
			f.RemoteKey, f.ChannelID, f.ChannelTitle, f.Filename, f.SizeBytes, f.Fingerprint, f.StoragePath, first, now)
		if err != nil {
			return fmt.Errorf("record processed file: %w", err)
		}
		return nil
	})
}

// LogJob inserts a new processing_jobs row. A duplicate job id is a no-op
// rather than an error, so a redelivered job record cannot fail its run at
// the insert.
func (s *Store) LogJob(ctx context.Context, j model.Job) error {
	now := nowOrField(j.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (id, remote_key, status, file_hash, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		j.ID, j.RemoteKey, string(j.Status), j.Fingerprint, j.Error, now, now)
	if err != nil {
		return fmt.Errorf("repository: log job: %w", err)
	}
	return nil
}

// UpdateJob advances a job's status. The fingerprint is applied via
// COALESCE — a nil pointer leaves a previously recorded fingerprint
// untouched — while errMsg overwrites the error column outright (nil
// clears it). updated_at is always touched.
func (s *Store) UpdateJob(ctx context.Context, id string, status model.JobStatus, fingerprint, errMsg *string) error {
	if !status.Valid() {
		return fmt.Errorf("repository: invalid job status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = ?, file_hash = COALESCE(?, file_hash), error = ?, updated_at = ?
		WHERE id = ?`,
		string(status), fingerprint, errMsg, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("repository: update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: update job rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("repository: update job: no job with id %q", id)
	}
	return nil
}

// UpsertIndicator records one sighting of an indicator. On first sighting it
// inserts a row and reports inserted=true; on a repeat sighting (same kind,
// value, source fingerprint, and source line) it only touches last_seen_at
// and reports inserted=false.
func (s *Store) UpsertIndicator(ctx context.Context, ind model.Indicator) (inserted bool, err error) {
	now := nowOrField(ind.LastSeen)
	first := nowOrField(ind.FirstSeen)
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var existed bool
		qerr := tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM extracted_indicators
				WHERE kind = ? AND value = ? AND source_fingerprint = ? AND source_line = ?
			)`, string(ind.Kind), ind.Value, ind.SourceFingerprint, ind.SourceLine,
		).Scan(&existed)
		if qerr != nil {
			return fmt.Errorf("check existing indicator: %w", qerr)
		}

		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO extracted_indicators
				(kind, value, source_fingerprint, source_path, source_line, channel_id, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, value, source_fingerprint, source_line) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
			string(ind.Kind), ind.Value, ind.SourceFingerprint, ind.SourceRelativePath, ind.SourceLine, ind.ChannelID, first, now)
		if execErr != nil {
			return fmt.Errorf("upsert indicator: %w", execErr)
		}
		inserted = !existed
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// CountIndicatorsByKind reports the number of distinct indicator rows
// recorded per kind, for operational visibility only.
func (s *Store) CountIndicatorsByKind(ctx context.Context) (model.IndicatorCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM extracted_indicators GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("repository: count indicators: %w", err)
	}
	defer rows.Close()

	counts := model.IndicatorCounts{}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("repository: scan indicator count: %w", err)
		}
		counts[model.IndicatorKind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate indicator counts: %w", err)
	}
	return counts, nil
}

func nowOrField(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var _ Repository = (*Store)(nil)
