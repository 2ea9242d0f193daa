// Package queue provides the durable operation queue for offline writes.
// Once Enqueue returns, the operation survives crash and restart and will
// be replayed in creation order.
package queue

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/quinca-app/engine/internal/errors"
	"github.com/quinca-app/engine/internal/logging"
	"github.com/quinca-app/engine/internal/models"
	"github.com/quinca-app/engine/internal/store"
	"github.com/quinca-app/engine/internal/uuid"
)

// Queue manages pending operations backed by the engine store.
type Queue struct {
	db          *sql.DB
	maxSize     int
	maxAttempts int
}

// New creates a Queue over the store's database.
func New(s *store.Store, maxSize, maxAttempts int) *Queue {
	return &Queue{
		db:          s.DB(),
		maxSize:     maxSize,
		maxAttempts: maxAttempts,
	}
}

// MaxAttempts returns the attempt budget before a rejected operation is
// moved to the dead-letter table.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// payloadHash fingerprints an operation for duplicate suppression.
func payloadHash(operationType string, payload []byte) string {
	h := sha256.Sum256([]byte(operationType + ":" + string(payload)))
	return hex.EncodeToString(h[:])
}

// Enqueue persists a write intent. If an identical operation (same type
// and payload) is already pending, the existing operation is returned
// instead of inserting a duplicate.
func (q *Queue) Enqueue(ctx context.Context, operationType string, payload json.RawMessage) (*models.PendingOperation, error) {
	if operationType == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "operation type is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	hash := payloadHash(operationType, payload)

	// Duplicate suppression: an identical pending operation is returned
	// as-is rather than queued twice.
	existing, err := q.findByHash(ctx, operationType, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logging.Info("Identical operation already queued",
			map[string]interface{}{"operation_type": operationType, "id": existing.ID})
		return existing, nil
	}

	count, err := q.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count >= q.maxSize {
		return nil, apperrors.New(apperrors.ErrQueueFull,
			fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}

	op := &models.PendingOperation{
		IdempotencyKey: uuid.New(),
		OperationType:  operationType,
		Payload:        payload,
		CreatedAt:      time.Now().Unix(),
	}

	result, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_operations
			(idempotency_key, operation_type, payload, payload_hash, attempt_count, last_error, created_at)
		VALUES (?, ?, ?, ?, 0, '', ?)`,
		op.IdempotencyKey, op.OperationType, []byte(op.Payload), hash, op.CreatedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "enqueue failed", err)
	}

	op.ID, err = result.LastInsertId()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "enqueue failed", err)
	}

	logging.Info("Enqueued operation",
		map[string]interface{}{"operation_type": operationType, "id": op.ID})

	return op, nil
}

func (q *Queue) findByHash(ctx context.Context, operationType, hash string) (*models.PendingOperation, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, operation_type, payload, attempt_count, last_error, created_at
		FROM pending_operations
		WHERE operation_type = ? AND payload_hash = ?
		ORDER BY created_at, id LIMIT 1`,
		operationType, hash,
	)
	return scanOperation(row)
}

// List returns all pending operations in creation order. The scan is
// restartable: each call re-reads the table.
func (q *Queue) List(ctx context.Context) ([]*models.PendingOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, idempotency_key, operation_type, payload, attempt_count, last_error, created_at
		FROM pending_operations
		ORDER BY created_at, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list failed", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperationRows(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list failed", err)
	}
	return ops, nil
}

// Next returns the head of the queue, or nil if the queue is empty.
func (q *Queue) Next(ctx context.Context) (*models.PendingOperation, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, operation_type, payload, attempt_count, last_error, created_at
		FROM pending_operations
		ORDER BY created_at, id LIMIT 1`)
	return scanOperation(row)
}

// Get returns a single operation by id, or nil if absent.
func (q *Queue) Get(ctx context.Context, id int64) (*models.PendingOperation, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, operation_type, payload, attempt_count, last_error, created_at
		FROM pending_operations WHERE id = ?`, id)
	return scanOperation(row)
}

// Remove deletes an operation. Removing an absent id is not an error.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "remove failed", err)
	}
	return nil
}

// MarkAttempt records a failed replay attempt.
func (q *Queue) MarkAttempt(ctx context.Context, id int64, errMsg string) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET attempt_count = attempt_count + 1, last_error = ?
		WHERE id = ?`, errMsg, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "markAttempt failed", err)
	}
	return nil
}

// Count returns the number of pending operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count failed", err)
	}
	return count, nil
}

// Clear removes every pending operation.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_operations`); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear failed", err)
	}
	logging.Info("Operation queue cleared")
	return nil
}

// MoveToDeadLetter parks an operation that will never succeed unattended.
// The copy and delete happen in one transaction.
func (q *Queue) MoveToDeadLetter(ctx context.Context, id int64, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin transaction failed", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letter_operations
			(id, idempotency_key, operation_type, payload, attempt_count, reason, created_at, failed_at)
		SELECT id, idempotency_key, operation_type, payload, attempt_count, ?, created_at, ?
		FROM pending_operations WHERE id = ?`, reason, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "dead-letter insert failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Already removed; nothing to park.
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "dead-letter delete failed", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "dead-letter commit failed", err)
	}

	logging.Warn("Operation moved to dead-letter",
		map[string]interface{}{"id": id, "reason": reason})
	return nil
}

// DeadLetters lists parked operations, newest failure first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*models.DeadLetterOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, idempotency_key, operation_type, payload, attempt_count, reason, created_at, failed_at
		FROM dead_letter_operations
		ORDER BY failed_at DESC, id DESC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "dead-letter list failed", err)
	}
	defer rows.Close()

	var ops []*models.DeadLetterOperation
	for rows.Next() {
		var op models.DeadLetterOperation
		var payload []byte
		if err := rows.Scan(&op.ID, &op.IdempotencyKey, &op.OperationType, &payload,
			&op.AttemptCount, &op.Reason, &op.CreatedAt, &op.FailedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "dead-letter scan failed", err)
		}
		op.Payload = json.RawMessage(payload)
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "dead-letter list failed", err)
	}
	return ops, nil
}

// CleanupDeadLetters prunes parked operations older than the given age.
// Returns the number of rows removed.
func (q *Queue) CleanupDeadLetters(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM dead_letter_operations WHERE failed_at < ?`, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "dead-letter cleanup failed", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		logging.Info("Cleaned up old dead-letter operations",
			map[string]interface{}{"removed": n})
	}
	return int(n), nil
}

// Stats returns queue counters for status reporting.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{}

	pending, err := q.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats["pending"] = pending

	var dead int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_operations`).Scan(&dead); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "stats failed", err)
	}
	stats["dead_letter"] = dead

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.PendingOperation, error) {
	op, err := scanOperationRows(row)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return op, nil
}

func scanOperationRows(row rowScanner) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var payload []byte
	err := row.Scan(&op.ID, &op.IdempotencyKey, &op.OperationType, &payload,
		&op.AttemptCount, &op.LastError, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "operation not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan failed", err)
	}
	op.Payload = json.RawMessage(payload)
	return &op, nil
}
