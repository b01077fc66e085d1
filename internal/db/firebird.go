package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/mapper"
	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
	"github.com/Guizzs26/go-sync-queue/pkg/encoding"
	"github.com/Guizzs26/go-sync-queue/pkg/metrics"

	_ "github.com/nakagami/firebirdsql"
)

const lockRetries = 3

// FirebirdRepository is the canonical clinical store. It is the arbiter of conflicts:
// every guarded write compares the client's base version with the row's VERSION column.
type FirebirdRepository struct {
	db     *sql.DB
	sql    *mapper.SQLBuilder
	logger *slog.Logger
}

// NewFirebirdRepository initializes a connection pool for Firebird 2.5
func NewFirebirdRepository(connString string, logger *slog.Logger) (*FirebirdRepository, error) {
	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open firebird connection: %w", err)
	}

	// Connection pool settings optimized for legacy systems
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %w", err)
	}

	logger.Info("Connected to Firebird successfully", "dialect", 3)

	return &FirebirdRepository{
		db:     db,
		sql:    mapper.NewSQLBuilder(mapper.DialectFirebird),
		logger: logger,
	}, nil
}

// ApplyMutation writes m with internal retry on lock contention. Lock contention is not a
// conflict: it is retried here and then surfaced as TRANSIENT. A version mismatch or a
// vanished row is a conflict and is returned immediately.
func (r *FirebirdRepository) ApplyMutation(ctx context.Context, m models.Mutation) (result models.Payload, err error) {
	start := time.Now()
	table := strings.ToUpper(m.Spec.Table)
	defer func() {
		metrics.CanonicalDuration.WithLabelValues(table, string(m.Operation)).Observe(time.Since(start).Seconds())
	}()

	l := r.logger.With(
		"correlation_id", m.CorrelationID,
		"table", table,
		"operation", m.Operation,
	)

	// Idempotency Check (Fast check, short timeout)
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pk, alreadyProcessed, err := r.IsProcessed(checkCtx, m.CorrelationID)
	cancel()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransient, "idempotency check failed", err)
	}
	if alreadyProcessed {
		l.Info("Mutation already applied, acknowledging replay")
		return models.Payload{strings.ToLower(m.Spec.PKColumn): pk}, nil
	}

	// INSERTs are append-only and fast. UPDATEs involve index scans/FK checks and are slower
	opTimeout := 10 * time.Second
	if m.Operation == models.OpUpdate || m.Operation == models.OpSync {
		opTimeout = 15 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= lockRetries; attempt++ {
		txCtx, txCancel := context.WithTimeout(ctx, opTimeout)
		result, err = r.executeTransaction(txCtx, m)
		txCancel()

		if err == nil {
			l.Info("Mutation committed to Firebird")
			return result, nil
		}

		if syncerr.KindOf(err) != syncerr.KindTransient || !isDeadlock(err) {
			return nil, err
		}

		lastErr = err
		metrics.CanonicalRetries.WithLabelValues(table).Inc()

		// Attempt 1: 200ms, Attempt 2: 400ms, Attempt 3: 600ms
		backoff := time.Duration(attempt) * 200 * time.Millisecond
		l.Warn("Firebird lock contention detected, retrying internally",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, syncerr.Wrap(syncerr.KindTransient, "canceled during lock backoff", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return nil, syncerr.Wrap(syncerr.KindTransient,
		fmt.Sprintf("lock contention persisted after %d attempts", lockRetries), lastErr)
}

// executeTransaction encapsulates the atomic write plus its SYNC_CONTROL marker
func (r *FirebirdRepository) executeTransaction(ctx context.Context, m models.Mutation) (models.Payload, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	// Safety: Rollback is a no-op if Commit was already called
	defer tx.Rollback()

	spec := m.Spec
	data := r.columnData(m)

	op := m.Operation
	if op == models.OpSync {
		op = models.OpCreate
		if m.EntityID == "" {
			if v, ok := data[strings.ToLower(spec.PKColumn)]; ok && v != nil {
				m.EntityID = fmt.Sprint(v)
			}
		}
		if m.EntityID != "" {
			current, err := r.fetchRow(ctx, tx, spec, m.EntityID)
			if err != nil {
				return nil, err
			}
			if current != nil {
				op = models.OpUpdate
			}
		}
	}

	pkKey := strings.ToLower(spec.PKColumn)
	var pkValue string

	switch op {
	case models.OpCreate:
		pkValue = m.EntityID
		if pkValue == "" {
			if v, ok := data[pkKey]; ok && v != nil {
				pkValue = fmt.Sprint(v)
			}
		}
		if pkValue == "" {
			nextID, err := r.GetNextID(ctx, tx, fmt.Sprintf("GEN_%s_ID", strings.ToUpper(spec.Table)))
			if err != nil {
				return nil, err
			}
			pkValue = strconv.Itoa(nextID)
		}
		data[pkKey] = pkValue
		if spec.VersionColumn != "" {
			data[strings.ToLower(spec.VersionColumn)] = 1
		}

		query, args, err := r.sql.BuildInsert(spec.Table, data)
		if err != nil {
			return nil, syncerr.Validation("cannot build insert: %v", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				// Client-supplied natural key already taken by someone else
				current, fetchErr := r.fetchRow(ctx, tx, spec, pkValue)
				if fetchErr != nil {
					return nil, fetchErr
				}
				return nil, syncerr.Conflict(current, err)
			}
			return nil, fmt.Errorf("execution error: %w", err)
		}

	case models.OpUpdate:
		pkValue = m.EntityID
		if spec.VersionColumn != "" {
			data[strings.ToLower(spec.VersionColumn)] = mapper.Expr(strings.ToUpper(spec.VersionColumn) + " + 1")
		}
		query, args, err := r.sql.BuildUpdate(spec.Table, data, r.guard(m)...)
		if err != nil {
			return nil, syncerr.Validation("cannot build update: %v", err)
		}
		if err := r.execGuarded(ctx, tx, spec, pkValue, query, args); err != nil {
			return nil, err
		}

	case models.OpDelete:
		pkValue = m.EntityID
		query, args, err := r.sql.BuildDelete(spec.Table, r.guard(m)...)
		if err != nil {
			return nil, syncerr.Validation("cannot build delete: %v", err)
		}
		if err := r.execGuarded(ctx, tx, spec, pkValue, query, args); err != nil {
			return nil, err
		}

	default:
		return nil, syncerr.Validation("unsupported operation: %s", m.Operation)
	}

	if err := r.MarkAsProcessed(ctx, tx, m.CorrelationID, pkValue); err != nil {
		return nil, fmt.Errorf("failed to mark sync control: %w", err)
	}

	var result models.Payload
	if op == models.OpDelete {
		result = models.Payload{pkKey: pkValue, "deleted": true}
	} else {
		if result, err = r.fetchRow(ctx, tx, spec, pkValue); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}

	return result, nil
}

// execGuarded runs a version-guarded statement; zero affected rows means the row moved on
func (r *FirebirdRepository) execGuarded(ctx context.Context, tx *sql.Tx, spec models.TableSpec, pkValue, query string, args []any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("execution error: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		current, err := r.fetchRow(ctx, tx, spec, pkValue)
		if err != nil {
			return err
		}
		if current == nil {
			return syncerr.Conflict(nil, fmt.Errorf("%s %s no longer exists", spec.Table, pkValue))
		}
		return syncerr.Conflict(current, fmt.Errorf("%s %s was modified concurrently", spec.Table, pkValue))
	}
	return nil
}

func (r *FirebirdRepository) guard(m models.Mutation) []mapper.Condition {
	conds := []mapper.Condition{mapper.Eq(m.Spec.PKColumn, m.EntityID)}
	if m.BaseVersion != nil && m.Spec.VersionColumn != "" {
		conds = append(conds, mapper.Eq(m.Spec.VersionColumn, *m.BaseVersion))
	}
	return conds
}

// columnData strips meta keys, stamps the audit column and re-encodes text for WIN1252
func (r *FirebirdRepository) columnData(m models.Mutation) map[string]any {
	data := make(map[string]any, len(m.Payload)+1)
	for k, v := range m.Payload {
		if k == models.VersionKey || strings.EqualFold(k, m.Spec.VersionColumn) {
			continue
		}
		if s, ok := v.(string); ok {
			v = encoding.FromUTF8(s)
		}
		data[strings.ToLower(k)] = v
	}
	if m.Spec.AuditColumn != "" && m.CallerID != "" {
		data[strings.ToLower(m.Spec.AuditColumn)] = m.CallerID
	}
	return data
}

// FetchCurrent returns the row as a payload, or nil when it does not exist
func (r *FirebirdRepository) FetchCurrent(ctx context.Context, spec models.TableSpec, entityID string) (models.Payload, error) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query, args := r.sql.BuildSelect(spec.Table, nil, mapper.Eq(spec.PKColumn, entityID))
	rows, err := r.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransient, "failed to fetch current state", err)
	}
	defer rows.Close()
	return scanSnapshot(rows, spec)
}

func (r *FirebirdRepository) fetchRow(ctx context.Context, tx *sql.Tx, spec models.TableSpec, entityID string) (models.Payload, error) {
	query, args := r.sql.BuildSelect(spec.Table, nil, mapper.Eq(spec.PKColumn, entityID))
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", spec.Table, entityID, err)
	}
	defer rows.Close()
	return scanSnapshot(rows, spec)
}

// scanSnapshot converts the first row into a lowercase-keyed payload. The version column
// is exposed as the VersionKey meta field so clients can echo it back as their base.
func scanSnapshot(rows *sql.Rows, spec models.TableSpec) (models.Payload, error) {
	if !rows.Next() {
		return nil, rows.Err()
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	snap := make(models.Payload, len(cols))
	for i, col := range cols {
		v := values[i]
		if b, ok := v.([]byte); ok {
			v = encoding.ToUTF8(b)
		}
		if strings.EqualFold(col, spec.VersionColumn) {
			snap[models.VersionKey] = v
			continue
		}
		snap[strings.ToLower(strings.TrimSpace(col))] = v
	}
	return snap, nil
}

// GetNextID emulates the Delphi application protocol by incrementing the INDICE table
// This operation must be executed within the same transaction as the main insertion
func (r *FirebirdRepository) GetNextID(ctx context.Context, tx *sql.Tx, generatorName string) (int, error) {
	updateQuery := `UPDATE INDICE SET VALOR = VALOR + 1 WHERE NOME = ?`
	res, err := tx.ExecContext(ctx, updateQuery, generatorName)
	if err != nil {
		return 0, fmt.Errorf("failed to increment index %s: %w", generatorName, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return 0, syncerr.Validation("generator name '%s' not found in INDICE table", generatorName)
	}

	var nextID int
	selectQuery := `SELECT VALOR FROM INDICE WHERE NOME = ?`
	if err := tx.QueryRowContext(ctx, selectQuery, generatorName).Scan(&nextID); err != nil {
		return 0, fmt.Errorf("failed to retrieve updated index %s: %w", generatorName, err)
	}

	r.logger.Debug("Generated new ID", "generator", generatorName, "id", nextID)
	return nextID, nil
}

// IsProcessed checks if a correlation_id has already been applied
// This is the core mechanism for absolute idempotency
func (r *FirebirdRepository) IsProcessed(ctx context.Context, correlationID string) (string, bool, error) {
	query := `SELECT FIRST 1 PK_VALUE FROM SYNC_CONTROL WHERE CORRELATION_ID = ?`

	var pk sql.NullString
	err := r.db.QueryRowContext(ctx, query, correlationID).Scan(&pk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to check idempotency: %w", err)
	}

	return pk.String, true, nil
}

// MarkAsProcessed records the correlation_id in the SYNC_CONTROL table
func (r *FirebirdRepository) MarkAsProcessed(ctx context.Context, tx *sql.Tx, correlationID, pkValue string) error {
	query := `INSERT INTO SYNC_CONTROL (CORRELATION_ID, PK_VALUE) VALUES (?, ?)`

	if _, err := tx.ExecContext(ctx, query, correlationID, pkValue); err != nil {
		if isUniqueViolation(err) {
			r.logger.Warn("Idempotency race detected: correlation_id already exists in DB", "id", correlationID)
			return nil
		}
		return err
	}
	return nil
}

// BeginTx starts a transaction with ReadCommitted isolation level
func (r *FirebirdRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
}

// Close gracefully shuts down the database connection pool
func (r *FirebirdRepository) Close() error {
	r.logger.Info("Closing Firebird connection pool")
	return r.db.Close()
}

// isDeadlock detects Firebird lock contention. The driver only exposes message text,
// so this is the one place that inspects it.
func isDeadlock(err error) bool {
	msg := strings.ToLower(err.Error())
	// Firebird Error Codes/Messages for Locking:
	// - deadlock
	// - lock conflict
	// - update conflicts with concurrent update
	// - 335544336 (ISC Error Code for deadlock)
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock conflict") ||
		strings.Contains(msg, "concurrent update") ||
		strings.Contains(msg, "335544336")
}

// isUniqueViolation matches only primary/unique key violations (ISC 335544665).
// Foreign key and check failures are ordinary errors and must not read as conflicts.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "violation of primary or unique key") ||
		strings.Contains(msg, "335544665")
}
