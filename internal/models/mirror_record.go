package models

import "encoding/json"

// MirrorRecord is a denormalized copy of a remote entity (product, sale,
// customer) kept for offline reads. A record with Synced=false holds data
// created or modified offline; once the correlated pending operation is
// confirmed the id is rewritten to the server-assigned id and Synced
// flips true.
type MirrorRecord struct {
	ID             string          `db:"id" json:"id"`
	Fields         json.RawMessage `db:"record" json:"fields"`
	Synced         bool            `db:"synced" json:"synced"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	UpdatedAt      int64           `db:"updated_at" json:"updated_at"`
}
