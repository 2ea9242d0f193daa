// Package models provides data model definitions for the offline engine.
package models

import "encoding/json"

// PendingOperation represents a queued, not-yet-confirmed write.
// Operations are replayed in (created_at, id) order.
type PendingOperation struct {
	ID             int64           `db:"id" json:"id"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	OperationType  string          `db:"operation_type" json:"operation_type"` // create_sale, update_product, ...
	Payload        json.RawMessage `db:"payload" json:"payload"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}
