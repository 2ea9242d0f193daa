// Package handlers provides the REST surface of the offline engine
// daemon.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/quinca-app/engine/internal/sync/coordinator"
	"github.com/quinca-app/engine/internal/sync/queue"
)

// SyncHandler exposes coordinator and queue operations to the UI layer.
type SyncHandler struct {
	coord *coordinator.Coordinator
	queue *queue.Queue
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(coord *coordinator.Coordinator, q *queue.Queue) *SyncHandler {
	return &SyncHandler{coord: coord, queue: q}
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.coord.Status(r.Context()))
}

// Trigger handles POST /api/sync/trigger: an explicit "please sync now"
// request from the UI.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.coord.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"triggered": true})
}

// Online handles POST /api/sync/online: the platform connectivity
// signal.
func (h *SyncHandler) Online(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.coord.NotifyOnline(request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": request.Online})
}

// Enqueue handles POST /api/sync/queue: the write-path persists an
// unconfirmed write intent.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		OperationType string          `json:"operation_type"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.OperationType == "" {
		http.Error(w, "operation_type is required", http.StatusBadRequest)
		return
	}

	op, err := h.queue.Enqueue(r.Context(), request.OperationType, request.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, op)
}

// Pending handles GET /api/sync/pending.
func (h *SyncHandler) Pending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ops, err := h.queue.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(ops),
		"operations": ops,
	})
}

// DeadLetter handles GET /api/sync/dead-letter: operations parked for
// user attention.
func (h *SyncHandler) DeadLetter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ops, err := h.queue.DeadLetters(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(ops),
		"operations": ops,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
