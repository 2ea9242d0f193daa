package models

import "encoding/json"

// DeadLetterOperation is a pending operation parked after an explicit
// terminal-failure decision. Parked operations are never replayed; they
// are surfaced for user attention and pruned by age.
type DeadLetterOperation struct {
	ID             int64           `db:"id" json:"id"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	OperationType  string          `db:"operation_type" json:"operation_type"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	Reason         string          `db:"reason" json:"reason"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	FailedAt       int64           `db:"failed_at" json:"failed_at"`
}

// TableName returns the table name for DeadLetterOperation.
func (DeadLetterOperation) TableName() string {
	return "dead_letter_operations"
}
