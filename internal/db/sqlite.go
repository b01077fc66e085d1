package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/mapper"
	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Timestamps are stored as unix nanoseconds so ordering is numeric and exact
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL DEFAULT '',
	operation       TEXT NOT NULL,
	payload         TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	local_timestamp INTEGER NOT NULL,
	device_id       TEXT NOT NULL DEFAULT '',
	session_id      TEXT NOT NULL DEFAULT '',
	metadata        TEXT,
	status          TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	error_message   TEXT,
	error_details   TEXT,
	conflict_data   TEXT,
	resolution      TEXT,
	resolved_data   TEXT,
	resolved_by     TEXT,
	resolved_at     INTEGER,
	synced_at       INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_drain
	ON queue_items (owner_id, status, priority DESC, local_timestamp ASC);
`

// SQLiteQueueStore is the device-local durable queue used by offline clients
type SQLiteQueueStore struct {
	db     *sql.DB
	sql    *mapper.SQLBuilder
	logger *slog.Logger
}

// NewSQLiteQueueStore opens (and migrates) a queue database at path
func NewSQLiteQueueStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteQueueStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite queue: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite queue: %w", err)
	}

	logger.Info("SQLite queue store ready", "path", path)

	return &SQLiteQueueStore{
		db:     db,
		sql:    mapper.NewSQLBuilder(mapper.DialectSQLite),
		logger: logger,
	}, nil
}

func (s *SQLiteQueueStore) Enqueue(ctx context.Context, item *models.QueueItem) error {
	values, err := insertValues(item)
	if err != nil {
		return err
	}
	query, args, err := s.sql.BuildInsert(queueTable, toUnixNanos(values))
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isSQLiteDuplicateKey(err) {
			return syncerr.BadRequest("queue item %s already exists", item.ID)
		}
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (s *SQLiteQueueStore) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	query, args := s.sql.BuildSelect(queueTable, queueColumns, mapper.Eq("id", id))
	item, err := scanSQLiteItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errItemNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue item %s: %w", id, err)
	}
	return item, nil
}

// Claim swaps the row into PROCESSING only when its status is one of c.From
func (s *SQLiteQueueStore) Claim(ctx context.Context, id string, c models.Claim) (*models.QueueItem, error) {
	if len(c.From) == 0 {
		return nil, fmt.Errorf("claim without source statuses")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(c.From)), ", ")
	query := fmt.Sprintf(`
		UPDATE queue_items
		SET status = ?,
		    attempt_count = (CASE WHEN ? THEN 0 ELSE attempt_count END) + ?,
		    updated_at = ?
		WHERE id = ? AND status IN (%s)
		RETURNING %s`, placeholders, strings.Join(queueColumns, ", "))

	args := []any{string(models.StatusProcessing), boolToInt(c.ResetAttempts), boolToInt(c.CountAttempt), time.Now().UnixNano(), id}
	for _, st := range c.StatusStrings() {
		args = append(args, st)
	}

	item, err := scanSQLiteItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, claimRejected(current)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue item %s: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteQueueStore) Update(ctx context.Context, id string, patch models.ItemPatch) error {
	cols, err := patch.Columns(time.Now())
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	query, args, err := s.sql.BuildUpdate(queueTable, toUnixNanos(cols), mapper.Eq("id", id))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue item %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errItemNotFound(id)
	}
	return nil
}

func (s *SQLiteQueueStore) ListByOwner(ctx context.Context, ownerID string, statuses []models.Status, limit int) ([]*models.QueueItem, error) {
	query := fmt.Sprintf("SELECT %s FROM queue_items WHERE owner_id = ?", strings.Join(queueColumns, ", "))
	args := []any{ownerID}
	if len(statuses) > 0 {
		query += " AND status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY priority DESC, local_timestamp ASC, created_at ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteQueueStore) CountByOwner(ctx context.Context, ownerID string, status models.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE owner_id = ? AND status = ?`,
		ownerID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

func (s *SQLiteQueueStore) OwnersWithStatus(ctx context.Context, status models.Status, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT owner_id FROM queue_items WHERE status = ? ORDER BY owner_id LIMIT ?`,
		string(status), limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// ResetStale releases items stuck in PROCESSING (crashed worker). A row that already
// spent its last attempt becomes FAILED instead of being retried past its budget.
func (s *SQLiteQueueStore) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = CASE
		        WHEN conflict_data IS NOT NULL THEN ?
		        WHEN attempt_count >= max_attempts THEN ?
		        ELSE ? END,
		    error_message = CASE
		        WHEN conflict_data IS NULL AND attempt_count >= max_attempts THEN ?
		        ELSE error_message END,
		    updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(models.StatusConflict), string(models.StatusFailed), string(models.StatusPending),
		AbandonedFinalAttempt, now.UnixNano(),
		string(models.StatusProcessing), now.Add(-olderThan).UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteQueueStore) Close() error {
	s.logger.Info("Closing SQLite queue store")
	return s.db.Close()
}

// isSQLiteDuplicateKey reports a primary or unique key violation from the driver's
// extended result code
func isSQLiteDuplicateKey(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row rowScanner) (*models.QueueItem, error) {
	var (
		sc                           scannedItem
		localTS, createdAt, updateAt int64
		resolvedAt, syncedAt         *int64
	)
	err := row.Scan(
		&sc.item.ID, &sc.item.OwnerID, &sc.item.EntityType, &sc.item.EntityID, &sc.operation,
		&sc.payload, &sc.item.Priority, &localTS, &sc.item.DeviceID, &sc.item.SessionID,
		&sc.metadata, &sc.status, &sc.item.AttemptCount, &sc.item.MaxAttempts,
		&sc.errorMessage, &sc.errorDetails, &sc.conflict, &sc.resolution, &sc.resolvedData,
		&sc.resolvedBy, &resolvedAt, &syncedAt, &createdAt, &updateAt,
	)
	if err != nil {
		return nil, err
	}
	sc.item.LocalTimestamp = time.Unix(0, localTS).UTC()
	sc.item.CreatedAt = time.Unix(0, createdAt).UTC()
	sc.item.UpdatedAt = time.Unix(0, updateAt).UTC()
	sc.item.ResolvedAt = fromUnixNanos(resolvedAt)
	sc.item.SyncedAt = fromUnixNanos(syncedAt)
	return sc.finish()
}

// toUnixNanos converts time columns to the integer representation used on disk
func toUnixNanos(values map[string]any) map[string]any {
	for k, v := range values {
		switch t := v.(type) {
		case time.Time:
			values[k] = t.UnixNano()
		case *time.Time:
			if t == nil {
				values[k] = nil
			} else {
				values[k] = t.UnixNano()
			}
		}
	}
	return values
}

func fromUnixNanos(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(0, *v).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// limitOrAll maps a non-positive limit to SQLite's "no limit"
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
