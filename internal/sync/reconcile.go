package sync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/quinca-app/engine/internal/logging"
	"github.com/quinca-app/engine/internal/models"
	"github.com/quinca-app/engine/internal/store"
)

// Reconciler rewrites local mirror records once a queued write is
// confirmed: the placeholder id becomes the server-assigned id and the
// synced flag flips true. Correlation runs on the idempotency key stored
// on the record at write time. This is eventual, not atomic, with the
// queue removal.
type Reconciler struct {
	store *store.Store
}

// NewReconciler creates a Reconciler over the engine store.
func NewReconciler(s *store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// Reconcile applies the server's response for a confirmed operation to
// the correlated mirror record, if any. Failures are logged and never
// fail the drain: the remote is already the source of truth.
func (r *Reconciler) Reconcile(ctx context.Context, op *models.PendingOperation, responseBody []byte) {
	partition := partitionFor(op.OperationType)
	if partition == "" {
		return
	}

	serverID := extractServerID(responseBody)

	records, err := r.store.GetAll(ctx, partition)
	if err != nil {
		logging.Warn("Reconciliation skipped: partition read failed",
			map[string]interface{}{"partition": partition, "error": err.Error()})
		return
	}

	for _, rec := range records {
		var mirror models.MirrorRecord
		if err := json.Unmarshal(rec.Data, &mirror); err != nil {
			continue
		}
		if mirror.IdempotencyKey != op.IdempotencyKey {
			continue
		}

		oldID := rec.ID
		if serverID != "" {
			mirror.ID = serverID
		} else {
			mirror.ID = oldID
		}
		mirror.Synced = true
		mirror.UpdatedAt = time.Now().Unix()

		data, err := json.Marshal(&mirror)
		if err != nil {
			logging.Warn("Reconciliation failed: encode",
				map[string]interface{}{"partition": partition, "id": oldID, "error": err.Error()})
			return
		}

		if err := r.store.Put(ctx, partition, mirror.ID, data); err != nil {
			logging.Warn("Reconciliation failed: write",
				map[string]interface{}{"partition": partition, "id": mirror.ID, "error": err.Error()})
			return
		}
		if mirror.ID != oldID {
			if err := r.store.Delete(ctx, partition, oldID); err != nil {
				logging.Warn("Reconciliation: placeholder cleanup failed",
					map[string]interface{}{"partition": partition, "id": oldID, "error": err.Error()})
			}
		}

		logging.Info("Mirror record reconciled",
			map[string]interface{}{"partition": partition, "id": mirror.ID})
		return
	}
}

// partitionFor maps an operation type to the mirror partition it
// touches. Unknown types carry no mirror record.
func partitionFor(operationType string) string {
	switch {
	case strings.Contains(operationType, "sale"):
		return store.PartitionSales
	case strings.Contains(operationType, "product"):
		return store.PartitionProducts
	case strings.Contains(operationType, "customer"):
		return store.PartitionCustomers
	default:
		return ""
	}
}

// extractServerID pulls the server-assigned id out of a write response.
// The business API returns JSON with an id field whose exact name varies
// by endpoint.
func extractServerID(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}

	for _, key := range []string{"id", "sale_id", "product_id", "customer_id"} {
		switch v := fields[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			b, _ := json.Marshal(v)
			return string(b)
		}
	}
	return ""
}
