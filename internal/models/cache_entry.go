package models

// Cache entry origins.
const (
	CacheOriginNetwork = "network"
	CacheOriginSeed    = "seed"
)

// CacheEntry represents a stored response for a resource key (GET only).
// At most one entry exists per key; writes replace the prior entry.
type CacheEntry struct {
	Key      string `db:"id" json:"key"`
	Payload  []byte `db:"record" json:"payload"`
	StoredAt int64  `db:"created_at" json:"stored_at"`
	Origin   string `db:"origin" json:"origin"` // network, seed
}
