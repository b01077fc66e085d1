package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/mapper"
	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL DEFAULT '',
	operation       TEXT NOT NULL,
	payload         JSONB NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	local_timestamp TIMESTAMPTZ NOT NULL,
	device_id       TEXT NOT NULL DEFAULT '',
	session_id      TEXT NOT NULL DEFAULT '',
	metadata        JSONB,
	status          TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	error_message   TEXT,
	error_details   JSONB,
	conflict_data   JSONB,
	resolution      TEXT,
	resolved_data   JSONB,
	resolved_by     TEXT,
	resolved_at     TIMESTAMPTZ,
	synced_at       TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT queue_items_attempts_bounded CHECK (attempt_count <= max_attempts)
);
CREATE INDEX IF NOT EXISTS idx_queue_items_drain
	ON queue_items (owner_id, status, priority DESC, local_timestamp ASC);
`

// PostgresQueueStore is the server-side Queue Store
type PostgresQueueStore struct {
	pool   *pgxpool.Pool
	sql    *mapper.SQLBuilder
	logger *slog.Logger
}

func NewPostgresQueueStore(ctx context.Context, connString string, logger *slog.Logger) (*PostgresQueueStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres did not answer ping: %w", err)
	}

	if _, err := p.Exec(ctx, postgresSchema); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to migrate queue schema: %w", err)
	}

	logger.Info("Connected to Postgres queue store", "max_conns", config.MaxConns)

	return &PostgresQueueStore{
		pool:   p,
		sql:    mapper.NewSQLBuilder(mapper.DialectPostgres),
		logger: logger,
	}, nil
}

func (r *PostgresQueueStore) Enqueue(ctx context.Context, item *models.QueueItem) error {
	values, err := insertValues(item)
	if err != nil {
		return err
	}
	query, args, err := r.sql.BuildInsert(queueTable, values)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return syncerr.BadRequest("queue item %s already exists", item.ID)
		}
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (r *PostgresQueueStore) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	query, args := r.sql.BuildSelect(queueTable, queueColumns, mapper.Eq("id", id))
	item, err := scanPostgresItem(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errItemNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue item %s: %w", id, err)
	}
	return item, nil
}

// Claim is the mutual-exclusion gate: the row only moves to PROCESSING when its
// current status is one of c.From, so two concurrent callers cannot both win.
func (r *PostgresQueueStore) Claim(ctx context.Context, id string, c models.Claim) (*models.QueueItem, error) {
	query := fmt.Sprintf(`
		UPDATE queue_items
		SET status = $1,
		    attempt_count = (CASE WHEN $2::boolean THEN 0 ELSE attempt_count END) + $3,
		    updated_at = $4
		WHERE id = $5 AND status = ANY($6)
		RETURNING %s`, strings.Join(queueColumns, ", "))

	item, err := scanPostgresItem(r.pool.QueryRow(ctx, query,
		string(models.StatusProcessing), c.ResetAttempts, boolToInt(c.CountAttempt),
		time.Now(), id, c.StatusStrings(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.Get(ctx, id)
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

func (r *PostgresQueueStore) Update(ctx context.Context, id string, patch models.ItemPatch) error {
	cols, err := patch.Columns(time.Now())
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	query, args, err := r.sql.BuildUpdate(queueTable, cols, mapper.Eq("id", id))
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue item %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errItemNotFound(id)
	}
	return nil
}

func (r *PostgresQueueStore) ListByOwner(ctx context.Context, ownerID string, statuses []models.Status, limit int) ([]*models.QueueItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM queue_items
		WHERE owner_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY priority DESC, local_timestamp ASC, created_at ASC
		LIMIT $3`, strings.Join(queueColumns, ", "))

	filter := (models.Claim{From: statuses}).StatusStrings()
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := r.pool.Query(ctx, query, ownerID, filter, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanPostgresItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresQueueStore) CountByOwner(ctx context.Context, ownerID string, status models.Status) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE owner_id = $1 AND status = $2`,
		ownerID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

func (r *PostgresQueueStore) OwnersWithStatus(ctx context.Context, status models.Status, limit int) ([]string, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT owner_id FROM queue_items WHERE status = $1 ORDER BY owner_id LIMIT $2`,
		string(status), lim,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ResetStale releases items stuck in PROCESSING (crashed worker). Items that were
// mid-resolution still carry conflict_data and return to CONFLICT; items with no
// attempts left become FAILED.
func (r *PostgresQueueStore) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = CASE
		        WHEN conflict_data IS NOT NULL THEN $1
		        WHEN attempt_count >= max_attempts THEN $2
		        ELSE $3 END,
		    error_message = CASE
		        WHEN conflict_data IS NULL AND attempt_count >= max_attempts THEN $4
		        ELSE error_message END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE status = $5 AND updated_at < $6`,
		string(models.StatusConflict), string(models.StatusFailed), string(models.StatusPending),
		AbandonedFinalAttempt,
		string(models.StatusProcessing), time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresQueueStore) Close() error {
	r.logger.Info("Closing Postgres connection pool")
	r.pool.Close()
	return nil
}

func scanPostgresItem(row pgx.Row) (*models.QueueItem, error) {
	var sc scannedItem
	err := row.Scan(
		&sc.item.ID, &sc.item.OwnerID, &sc.item.EntityType, &sc.item.EntityID, &sc.operation,
		&sc.payload, &sc.item.Priority, &sc.item.LocalTimestamp, &sc.item.DeviceID, &sc.item.SessionID,
		&sc.metadata, &sc.status, &sc.item.AttemptCount, &sc.item.MaxAttempts,
		&sc.errorMessage, &sc.errorDetails, &sc.conflict, &sc.resolution, &sc.resolvedData,
		&sc.resolvedBy, &sc.item.ResolvedAt, &sc.item.SyncedAt, &sc.item.CreatedAt, &sc.item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sc.finish()
}
