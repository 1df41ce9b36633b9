package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS versions (
    id            TEXT PRIMARY KEY,
    app_id        TEXT NOT NULL,
    version       TEXT NOT NULL,
    status        TEXT NOT NULL,
    compatibility TEXT NOT NULL,
    is_default    INTEGER NOT NULL,
    is_stable     INTEGER NOT NULL,
    source_ref    TEXT,
    runtime       TEXT NOT NULL,
    created_at    DATETIME NOT NULL,
    published_at  DATETIME,
    deprecated_at DATETIME
);
CREATE TABLE IF NOT EXISTS tokens (
    value       TEXT PRIMARY KEY,
    label       TEXT,
    version_id  TEXT NOT NULL,
    app_id      TEXT NOT NULL,
    version     TEXT NOT NULL,
    permissions TEXT NOT NULL,
    per_minute  INTEGER NOT NULL,
    per_hour    INTEGER NOT NULL,
    per_day     INTEGER NOT NULL,
    status      TEXT NOT NULL,
    active      INTEGER NOT NULL,
    created_at  DATETIME NOT NULL,
    expires_at  DATETIME
);
CREATE TABLE IF NOT EXISTS instances (
    id               TEXT PRIMARY KEY,
    app_id           TEXT NOT NULL,
    version          TEXT NOT NULL,
    status           TEXT NOT NULL,
    sandbox_handle   TEXT,
    endpoint         TEXT,
    error            TEXT,
    cpu_fraction     REAL NOT NULL DEFAULT 0,
    memory_bytes     INTEGER NOT NULL DEFAULT 0,
    storage_bytes    INTEGER NOT NULL DEFAULT 0,
    requests         INTEGER NOT NULL DEFAULT 0,
    errors           INTEGER NOT NULL DEFAULT 0,
    usage_updated_at DATETIME,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS samples (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id   TEXT NOT NULL,
    cpu_fraction  REAL NOT NULL,
    memory_bytes  INTEGER NOT NULL,
    storage_bytes INTEGER NOT NULL,
    requests      INTEGER NOT NULL,
    errors        INTEGER NOT NULL,
    latency_ms    REAL NOT NULL,
    uptime_s      REAL NOT NULL,
    timestamp     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_instance ON samples(instance_id, id);
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    event       TEXT NOT NULL,
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance_id, seq);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveVersion upserts a version record.
func (s *SQLiteStore) SaveVersion(ctx context.Context, v *model.ApplicationVersion) error {
	runtime, err := json.Marshal(v.Runtime)
	if err != nil {
		return fmt.Errorf("marshal runtime config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO versions (
			id, app_id, version, status, compatibility, is_default, is_stable,
			source_ref, runtime, created_at, published_at, deprecated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.AppID, v.Version, v.Status, v.Compatibility, v.IsDefault, v.IsStable,
		v.SourceRef, string(runtime), v.CreatedAt, v.PublishedAt, v.DeprecatedAt,
	)
	if err != nil {
		return fmt.Errorf("save version: %w", err)
	}
	return nil
}

// GetVersion retrieves a version record by ID.
func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*model.ApplicationVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, version, status, compatibility, is_default, is_stable,
			source_ref, runtime, created_at, published_at, deprecated_at
		FROM versions WHERE id = ?`, id,
	)
	return scanVersion(row)
}

// ListVersions returns all versions of an application ordered by creation time.
func (s *SQLiteStore) ListVersions(ctx context.Context, appID string) ([]*model.ApplicationVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, version, status, compatibility, is_default, is_stable,
			source_ref, runtime, created_at, published_at, deprecated_at
		FROM versions WHERE app_id = ? ORDER BY created_at`, appID,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []*model.ApplicationVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(sc scanner) (*model.ApplicationVersion, error) {
	v := &model.ApplicationVersion{}
	var runtime string
	err := sc.Scan(
		&v.ID, &v.AppID, &v.Version, &v.Status, &v.Compatibility, &v.IsDefault, &v.IsStable,
		&v.SourceRef, &runtime, &v.CreatedAt, &v.PublishedAt, &v.DeprecatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	if err := json.Unmarshal([]byte(runtime), &v.Runtime); err != nil {
		return nil, fmt.Errorf("unmarshal runtime config: %w", err)
	}
	return v, nil
}

// SaveToken upserts a token record.
func (s *SQLiteStore) SaveToken(ctx context.Context, t *model.CapabilityToken) error {
	perms, err := json.Marshal(t.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (
			value, label, version_id, app_id, version, permissions,
			per_minute, per_hour, per_day, status, active, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Value, t.Label, t.VersionID, t.AppID, t.Version, string(perms),
		t.Limit.PerMinute, t.Limit.PerHour, t.Limit.PerDay, t.Status, t.Active,
		t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// GetToken retrieves a token record by its opaque value.
func (s *SQLiteStore) GetToken(ctx context.Context, value string) (*model.CapabilityToken, error) {
	t := &model.CapabilityToken{}
	var perms string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, label, version_id, app_id, version, permissions,
			per_minute, per_hour, per_day, status, active, created_at, expires_at
		FROM tokens WHERE value = ?`, value,
	).Scan(
		&t.Value, &t.Label, &t.VersionID, &t.AppID, &t.Version, &perms,
		&t.Limit.PerMinute, &t.Limit.PerHour, &t.Limit.PerDay, &t.Status, &t.Active,
		&t.CreatedAt, &t.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &t.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	return t, nil
}

// SaveInstance upserts an instance record including its usage snapshot.
func (s *SQLiteStore) SaveInstance(ctx context.Context, in *model.Instance) error {
	var usageUpdated *time.Time
	if !in.Usage.UpdatedAt.IsZero() {
		usageUpdated = &in.Usage.UpdatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO instances (
			id, app_id, version, status, sandbox_handle, endpoint, error,
			cpu_fraction, memory_bytes, storage_bytes, requests, errors,
			usage_updated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.AppID, in.Version, in.Status, in.SandboxHandle, in.Endpoint, in.Error,
		in.Usage.CPUFraction, in.Usage.MemoryBytes, in.Usage.StorageBytes,
		in.Usage.Requests, in.Usage.Errors, usageUpdated, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance record by ID.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, version, status, sandbox_handle, endpoint, error,
			cpu_fraction, memory_bytes, storage_bytes, requests, errors,
			usage_updated_at, created_at, updated_at
		FROM instances WHERE id = ?`, id,
	)
	return scanInstance(row)
}

// ListInstances returns all instances, optionally filtered by application.
func (s *SQLiteStore) ListInstances(ctx context.Context, appID string) ([]*model.Instance, error) {
	query := `SELECT id, app_id, version, status, sandbox_handle, endpoint, error,
			cpu_fraction, memory_bytes, storage_bytes, requests, errors,
			usage_updated_at, created_at, updated_at
		FROM instances`
	args := []any{}
	if appID != "" {
		query += " WHERE app_id = ?"
		args = append(args, appID)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*model.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}

func scanInstance(sc scanner) (*model.Instance, error) {
	in := &model.Instance{}
	var usageUpdated *time.Time
	err := sc.Scan(
		&in.ID, &in.AppID, &in.Version, &in.Status, &in.SandboxHandle, &in.Endpoint, &in.Error,
		&in.Usage.CPUFraction, &in.Usage.MemoryBytes, &in.Usage.StorageBytes,
		&in.Usage.Requests, &in.Usage.Errors, &usageUpdated, &in.CreatedAt, &in.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	if usageUpdated != nil {
		in.Usage.UpdatedAt = *usageUpdated
	}
	return in, nil
}

// GetInstanceStats aggregates instance counts by status and application.
func (s *SQLiteStore) GetInstanceStats(ctx context.Context) (*InstanceStats, error) {
	stats := &InstanceStats{
		CountByStatus: make(map[string]int),
		CountByApp:    make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, app_id FROM instances")
	if err != nil {
		return nil, fmt.Errorf("instance stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, appID string
		if err := rows.Scan(&status, &appID); err != nil {
			return nil, fmt.Errorf("scan instance stats: %w", err)
		}
		stats.Total++
		stats.CountByStatus[status]++
		stats.CountByApp[appID]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance stats: %w", err)
	}
	return stats, nil
}

// AppendSample inserts a metric sample row.
func (s *SQLiteStore) AppendSample(ctx context.Context, sample *model.MetricSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (
			instance_id, cpu_fraction, memory_bytes, storage_bytes,
			requests, errors, latency_ms, uptime_s, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.InstanceID, sample.CPUFraction, sample.MemoryBytes, sample.StorageBytes,
		sample.Requests, sample.Errors, sample.LatencyMS, sample.UptimeS, sample.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	return nil
}

// ListSamples returns up to limit most recent samples for an instance,
// oldest first.
func (s *SQLiteStore) ListSamples(ctx context.Context, instanceID string, limit int) ([]model.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, cpu_fraction, memory_bytes, storage_bytes,
			requests, errors, latency_ms, uptime_s, timestamp
		FROM (
			SELECT * FROM samples WHERE instance_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, instanceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var samples []model.MetricSample
	for rows.Next() {
		var sm model.MetricSample
		if err := rows.Scan(
			&sm.InstanceID, &sm.CPUFraction, &sm.MemoryBytes, &sm.StorageBytes,
			&sm.Requests, &sm.Errors, &sm.LatencyMS, &sm.UptimeS, &sm.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return samples, nil
}

// InsertEvent persists one lifecycle event line for an instance.
func (s *SQLiteStore) InsertEvent(ctx context.Context, instanceID string, seq int, event string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (instance_id, seq, event, created_at) VALUES (?, ?, ?, ?)",
		instanceID, seq, event, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns all lifecycle events for an instance in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, instanceID string) ([]model.LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, instance_id, seq, event, created_at FROM events WHERE instance_id = ? ORDER BY seq",
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.LifecycleEvent
	for rows.Next() {
		var e model.LifecycleEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Seq, &e.Event, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
