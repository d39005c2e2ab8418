package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// ErrNotFound is returned when a target does not exist
var ErrNotFound = errors.New("not found")

// DB represents a database connection
type DB struct {
	*sql.DB
}

// New opens (creating if needed) the history database at path
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("initialize %s: %w", path, err)
	}

	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS targets (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			api_url TEXT,
			target_id TEXT,
			token TEXT,
			backend TEXT,
			endpoint TEXT,
			bucket TEXT,
			prefix TEXT,
			region TEXT,
			access_key TEXT,
			secret_key TEXT
		);
		CREATE TABLE IF NOT EXISTS uploads (
			target TEXT NOT NULL,
			local_id TEXT NOT NULL,
			path TEXT,
			filename TEXT,
			mime_type TEXT,
			original_size INTEGER,
			byte_size INTEGER,
			width INTEGER,
			height INTEGER,
			fingerprint TEXT,
			token TEXT,
			confirmed_at INTEGER,
			PRIMARY KEY (target, local_id)
		);
		CREATE INDEX IF NOT EXISTS idx_uploads_confirmed ON uploads(target, confirmed_at);
		CREATE INDEX IF NOT EXISTS idx_uploads_fingerprint ON uploads(target, fingerprint);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
		PRAGMA cache_size=-64000;
	`)
	return err
}

// CreateTarget saves a new gallery target
func (db *DB) CreateTarget(t *models.Target) error {
	_, err := db.Exec(`
		INSERT INTO targets (name, kind, api_url, target_id, token, backend, endpoint, bucket, prefix, region, access_key, secret_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.Name,
		t.Kind,
		t.APIURL,
		t.TargetID,
		t.Token,
		t.Destination.Backend,
		t.Destination.Endpoint,
		t.Destination.Bucket,
		t.Destination.Prefix,
		t.Destination.Region,
		t.Destination.AccessKey,
		t.Destination.SecretKey,
	)
	if err != nil {
		return fmt.Errorf("create target %s: %w", t.Name, err)
	}
	return nil
}

const targetColumns = `name, kind, api_url, target_id, token, backend, endpoint, bucket, prefix, region, access_key, secret_key`

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (*models.Target, error) {
	var t models.Target
	var kind string
	err := row.Scan(
		&t.Name,
		&kind,
		&t.APIURL,
		&t.TargetID,
		&t.Token,
		&t.Destination.Backend,
		&t.Destination.Endpoint,
		&t.Destination.Bucket,
		&t.Destination.Prefix,
		&t.Destination.Region,
		&t.Destination.AccessKey,
		&t.Destination.SecretKey,
	)
	t.Kind = models.TargetKind(kind)
	return &t, err
}

// GetTarget retrieves a target by name
func (db *DB) GetTarget(name string) (*models.Target, error) {
	t, err := scanTarget(db.QueryRow(`SELECT `+targetColumns+` FROM targets WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", name, err)
	}
	return t, nil
}

// ListTargets returns all targets ordered by name
func (db *DB) ListTargets() ([]models.Target, error) {
	rows, err := db.Query(`SELECT ` + targetColumns + ` FROM targets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

// RecordUploads saves a confirmed batch in a single transaction
func (db *DB) RecordUploads(target string, recs []models.UploadRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO uploads (target, local_id, path, filename, mime_type, original_size, byte_size, width, height, fingerprint, token, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		_, err = stmt.Exec(
			target,
			r.LocalID,
			r.Path,
			r.Filename,
			r.MimeType,
			r.OriginalSize,
			r.ByteSize,
			r.Width,
			r.Height,
			r.Fingerprint,
			r.Token,
			r.ConfirmedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("record %s: %w", r.Filename, err)
		}
	}

	return tx.Commit()
}

// ListUploads returns the most recent confirmed uploads for a target.
// limit <= 0 returns everything.
func (db *DB) ListUploads(target string, limit int) ([]models.UploadRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT target, local_id, path, filename, mime_type, original_size, byte_size, width, height, fingerprint, token, confirmed_at
		FROM uploads
		WHERE target = ?
		ORDER BY confirmed_at DESC, rowid DESC
		LIMIT ?
	`, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.UploadRecord
	for rows.Next() {
		var r models.UploadRecord
		var confirmed int64
		err = rows.Scan(
			&r.Target,
			&r.LocalID,
			&r.Path,
			&r.Filename,
			&r.MimeType,
			&r.OriginalSize,
			&r.ByteSize,
			&r.Width,
			&r.Height,
			&r.Fingerprint,
			&r.Token,
			&confirmed,
		)
		if err != nil {
			return nil, err
		}
		r.ConfirmedAt = time.UnixMilli(confirmed).UTC()
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Stats summarises confirmed uploads for a target
func (db *DB) Stats(target string) (*models.HistoryStats, error) {
	var stats models.HistoryStats
	var last sql.NullInt64
	err := db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(original_size), 0),
			COALESCE(SUM(byte_size), 0),
			MAX(confirmed_at)
		FROM uploads
		WHERE target = ?
	`, target).Scan(
		&stats.Uploads,
		&stats.OriginalBytes,
		&stats.UploadedBytes,
		&last,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if last.Valid {
		stats.LastUpload = time.UnixMilli(last.Int64).UTC()
	}
	return &stats, nil
}
