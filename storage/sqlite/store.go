// Package sqlite provides the SQLite-backed durable local store for pending
// mutations. Writes survive a full process restart; this is the production
// backing for the offline queue.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/rxops/pharmsync/logging"
	"github.com/rxops/pharmsync/queue"
	"github.com/rxops/pharmsync/syncerrors"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Config holds configuration options for the Store.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:pending.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Logger is an optional logger. Defaults to the package logger.
	Logger *logging.Logger

	// Connection pool settings.
	// Defaults: MaxOpen=10, MaxIdle=2, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("storage/sqlite"))
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			if strings.Contains(c.DataSourceName, "?") {
				c.DataSourceName += "&_journal_mode=WAL"
			} else {
				c.DataSourceName += "?_journal_mode=WAL"
			}
		}
	}
}

// DefaultConfig returns a Config with production defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements queue.Store backed by SQLite. It also implements
// resolver persistence so local-id to server-id mappings survive restarts.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time check that Store satisfies the queue.Store interface.
var _ queue.Store = (*Store)(nil)

// NewWithDataSource is a convenience constructor using default config.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: config.Logger,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	store.logger.Info("pending mutation store opened",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)
	return store, nil
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS pending_mutations (
        seq             INTEGER PRIMARY KEY AUTOINCREMENT,
        local_id        TEXT NOT NULL UNIQUE,
        collection      TEXT NOT NULL,
        method          TEXT NOT NULL,
        target_id       TEXT NOT NULL DEFAULT '',
        payload         TEXT,
        dependencies    TEXT,
        status          TEXT NOT NULL,
        attempt_count   INTEGER NOT NULL DEFAULT 0,
        last_error      TEXT NOT NULL DEFAULT '',
        created_at      TIMESTAMP NOT NULL,
        last_attempt_at TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_pending_collection ON pending_mutations (collection, seq);

    CREATE TABLE IF NOT EXISTS resolved_ids (
        local_id    TEXT PRIMARY KEY,
        server_id   TEXT NOT NULL,
        resolved_at TIMESTAMP NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

// Enqueue appends a mutation inside a transaction.
func (s *Store) Enqueue(ctx context.Context, m *queue.PendingMutation) error {
	if err := m.Validate(); err != nil {
		return syncerrors.NewWithComponent(syncerrors.OpEnqueue, "storage/sqlite", err)
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	payloadJSON, err := json.Marshal(m.Payload)
	if err != nil {
		return syncerrors.NewStorageError(syncerrors.OpEnqueue, err)
	}
	depsJSON, err := json.Marshal(m.DependencyLocalIDs)
	if err != nil {
		return syncerrors.NewStorageError(syncerrors.OpEnqueue, err)
	}

	var lastAttempt any
	if !m.LastAttemptAt.IsZero() {
		lastAttempt = m.LastAttemptAt
	}

	query := `INSERT INTO pending_mutations
        (local_id, collection, method, target_id, payload, dependencies, status, attempt_count, last_error, created_at, last_attempt_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		m.LocalID, string(m.Collection), string(m.Method), m.TargetID,
		string(payloadJSON), string(depsJSON), string(m.Status),
		m.AttemptCount, m.LastError, m.CreatedAt, lastAttempt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return queue.ErrDuplicateLocalID
		}
		return syncerrors.NewStorageError(syncerrors.OpEnqueue, err)
	}

	return nil
}

// List returns mutations in insertion order, filtered by collection when
// non-empty. Corruption surfaces as a storage-class error; callers feeding
// the UI degrade to an empty pending set.
func (s *Store) List(ctx context.Context, collection queue.Collection) ([]*queue.PendingMutation, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	query := `SELECT local_id, collection, method, target_id, payload, dependencies, status, attempt_count, last_error, created_at, last_attempt_at
        FROM pending_mutations`
	args := []any{}
	if collection != "" {
		query += ` WHERE collection = ?`
		args = append(args, string(collection))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
	}
	defer rows.Close()

	return s.scanMutations(rows)
}

// Get returns a single mutation by local id.
func (s *Store) Get(ctx context.Context, localID string) (*queue.PendingMutation, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	query := `SELECT local_id, collection, method, target_id, payload, dependencies, status, attempt_count, last_error, created_at, last_attempt_at
        FROM pending_mutations WHERE local_id = ?`
	rows, err := s.db.QueryContext(ctx, query, localID)
	if err != nil {
		return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
	}
	defer rows.Close()

	muts, err := s.scanMutations(rows)
	if err != nil {
		return nil, err
	}
	if len(muts) == 0 {
		return nil, queue.ErrNotFound
	}
	return muts[0], nil
}

// Update applies a partial patch.
func (s *Store) Update(ctx context.Context, localID string, patch queue.Patch) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	sets := []string{}
	args := []any{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *patch.AttemptCount)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if patch.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, *patch.LastAttemptAt)
	}
	if patch.TargetID != nil {
		sets = append(sets, "target_id = ?")
		args = append(args, *patch.TargetID)
	}
	if patch.Payload != nil {
		payloadJSON, err := json.Marshal(patch.Payload)
		if err != nil {
			return syncerrors.NewStorageError(syncerrors.OpUpdate, err)
		}
		sets = append(sets, "payload = ?")
		args = append(args, string(payloadJSON))
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, localID)
	query := `UPDATE pending_mutations SET ` + strings.Join(sets, ", ") + ` WHERE local_id = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return syncerrors.NewStorageError(syncerrors.OpUpdate, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return syncerrors.NewStorageError(syncerrors.OpUpdate, err)
	}
	if affected == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// Remove deletes a mutation.
func (s *Store) Remove(ctx context.Context, localID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE local_id = ?`, localID)
	if err != nil {
		return syncerrors.NewStorageError(syncerrors.OpRemove, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return syncerrors.NewStorageError(syncerrors.OpRemove, err)
	}
	if affected == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// Clear removes every mutation in a collection.
func (s *Store) Clear(ctx context.Context, collection queue.Collection) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE collection = ?`, string(collection))
	if err != nil {
		return syncerrors.NewStorageError(syncerrors.OpRemove, err)
	}
	return nil
}

// Counts returns the number of stored mutations per collection.
func (s *Store) Counts(ctx context.Context) (map[queue.Collection]int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM pending_mutations GROUP BY collection`)
	if err != nil {
		return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
	}
	defer rows.Close()

	counts := make(map[queue.Collection]int)
	for rows.Next() {
		var collection string
		var count int
		if err := rows.Scan(&collection, &count); err != nil {
			return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
		}
		counts[queue.Collection(collection)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
	}
	return counts, nil
}

// SaveResolution persists a local-id to server-id mapping. Entries are never
// deleted during the life of a session.
func (s *Store) SaveResolution(ctx context.Context, localID, serverID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO resolved_ids (local_id, server_id, resolved_at) VALUES (?, ?, ?)`,
		localID, serverID, time.Now().UTC())
	if err != nil {
		return syncerrors.NewStorageError(syncerrors.OpResolve, err)
	}
	return nil
}

// LoadResolutions returns all persisted id mappings.
func (s *Store) LoadResolutions(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, queue.ErrStoreClosed
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT local_id, server_id FROM resolved_ids`)
	if err != nil {
		return nil, syncerrors.NewStorageError(syncerrors.OpResolve, err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var localID, serverID string
		if err := rows.Scan(&localID, &serverID); err != nil {
			return nil, syncerrors.NewStorageError(syncerrors.OpResolve, err)
		}
		entries[localID] = serverID
	}
	if err := rows.Err(); err != nil {
		return nil, syncerrors.NewStorageError(syncerrors.OpResolve, err)
	}
	return entries, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}

	return s.db.Stats()
}

func (s *Store) scanMutations(rows *sql.Rows) ([]*queue.PendingMutation, error) {
	var muts []*queue.PendingMutation
	for rows.Next() {
		var (
			m           queue.PendingMutation
			collection  string
			method      string
			status      string
			payload     sql.NullString
			deps        sql.NullString
			lastAttempt sql.NullTime
		)

		if err := rows.Scan(&m.LocalID, &collection, &method, &m.TargetID,
			&payload, &deps, &status, &m.AttemptCount, &m.LastError,
			&m.CreatedAt, &lastAttempt); err != nil {
			return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
		}

		m.Collection = queue.Collection(collection)
		m.Method = queue.Method(method)
		m.Status = queue.Status(status)
		if lastAttempt.Valid {
			m.LastAttemptAt = lastAttempt.Time
		}

		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
				return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
			}
		}
		if deps.Valid && deps.String != "" && deps.String != "null" {
			if err := json.Unmarshal([]byte(deps.String), &m.DependencyLocalIDs); err != nil {
				return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
			}
		}

		muts = append(muts, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, syncerrors.NewStorageError(syncerrors.OpList, err)
	}

	return muts, nil
}
