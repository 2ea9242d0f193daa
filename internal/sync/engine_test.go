package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quinca-app/engine/internal/config"
	"github.com/quinca-app/engine/internal/models"
	"github.com/quinca-app/engine/internal/store"
	"github.com/quinca-app/engine/internal/sync/queue"
	"github.com/quinca-app/engine/internal/uuid"
)

func testRoutes() map[string]config.Route {
	return map[string]config.Route{
		"create_sale":    {Method: http.MethodPost, Path: "/api/sales/create"},
		"update_product": {Method: http.MethodPut, Path: "/api/inventory/products/{id}"},
	}
}

func newTestEngine(t *testing.T, remoteURL string, maxAttempts int) (*Engine, *queue.Queue, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	q := queue.New(s, 100, maxAttempts)
	return NewEngine(remoteURL, testRoutes(), nil, q, NewReconciler(s)), q, s
}

func TestDrainReplaysInOrder(t *testing.T) {
	var gotPaths []string
	var gotKeys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		gotKeys = append(gotKeys, r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"srv-1"}`))
	}))
	defer srv.Close()

	e, q, _ := newTestEngine(t, srv.URL, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "create_sale", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Attempted != 3 || result.Succeeded != 3 {
		t.Errorf("Expected 3/3 succeeded, got attempted=%d succeeded=%d", result.Attempted, result.Succeeded)
	}

	if len(gotPaths) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(gotPaths))
	}
	for _, p := range gotPaths {
		if p != "/api/sales/create" {
			t.Errorf("Unexpected path: %s", p)
		}
	}
	for _, k := range gotKeys {
		if !uuid.IsValid(k) {
			t.Errorf("Expected Idempotency-Key header on replay, got %q", k)
		}
	}

	count, err := q.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty queue after drain, got %d", count)
	}
}

func TestDrainAuthShortCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e, q, _ := newTestEngine(t, srv.URL, 3)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "create_sale", json.RawMessage(`{"seq":0}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(ctx, "create_sale", json.RawMessage(`{"seq":1}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if !result.AuthRequired {
		t.Error("Expected AuthRequired flag")
	}
	if result.Attempted != 1 {
		t.Errorf("Expected drain to stop after first operation, attempted %d", result.Attempted)
	}

	// The failing operation is gone; the rest of the queue survives for a
	// run after the user re-authenticates.
	if op, _ := q.Get(ctx, first.ID); op != nil {
		t.Error("Expected auth-failed operation to be removed")
	}
	if op, _ := q.Get(ctx, second.ID); op == nil {
		t.Error("Expected remaining operation to be preserved")
	}
}

func TestDrainYieldsOnNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()

	e, q, _ := newTestEngine(t, deadURL, 3)
	ctx := context.Background()

	op, err := q.Enqueue(ctx, "create_sale", json.RawMessage(`{"seq":0}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Attempted != 1 || result.Succeeded != 0 {
		t.Errorf("Expected one failed attempt, got %+v", result)
	}

	// The operation stays queued with the attempt recorded.
	got, err := q.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected operation to survive network failure")
	}
	if got.AttemptCount != 1 {
		t.Errorf("Expected AttemptCount 1, got %d", got.AttemptCount)
	}
	if got.LastError == "" {
		t.Error("Expected last error recorded")
	}
}

func TestDrainRejectionBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"validation failed"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	e, q, _ := newTestEngine(t, srv.URL, 2)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "create_sale", json.RawMessage(`{"bad":true}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// First rejection consumes the budget but keeps the operation.
	if _, err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	count, _ := q.Count(ctx)
	if count != 1 {
		t.Fatalf("Expected operation retained after first rejection, got %d pending", count)
	}

	// Second rejection exhausts it; the operation is parked.
	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.DeadLettered != 1 {
		t.Errorf("Expected 1 dead-lettered, got %d", result.DeadLettered)
	}

	count, _ = q.Count(ctx)
	if count != 0 {
		t.Errorf("Expected empty queue, got %d", count)
	}
	dead, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("Expected 1 dead-letter, got %d", len(dead))
	}
}

func TestDrainUnknownOperationType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("No request should reach the remote for an unroutable operation")
	}))
	defer srv.Close()

	e, q, _ := newTestEngine(t, srv.URL, 3)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "frobnicate_widget", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	count, _ := q.Count(ctx)
	if count != 0 {
		t.Errorf("Expected unroutable operation removed from queue, got %d pending", count)
	}
	dead, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("Expected unroutable operation parked, got %d", len(dead))
	}
	if dead[0].OperationType != "frobnicate_widget" {
		t.Errorf("Unexpected dead-letter type: %s", dead[0].OperationType)
	}
}

func TestReconcileRewritesMirrorRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"srv-42"}`))
	}))
	defer srv.Close()

	e, q, s := newTestEngine(t, srv.URL, 3)
	ctx := context.Background()

	op, err := q.Enqueue(ctx, "create_sale", json.RawMessage(`{"item":"hammer"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// The write path stores a placeholder mirror record correlated by the
	// idempotency key.
	mirror := models.MirrorRecord{
		ID:             "local-1",
		Fields:         json.RawMessage(`{"item":"hammer"}`),
		Synced:         false,
		IdempotencyKey: op.IdempotencyKey,
	}
	data, _ := json.Marshal(&mirror)
	if err := s.Put(ctx, store.PartitionSales, mirror.ID, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// Placeholder gone, record rewritten under the server id.
	if rec, _ := s.Get(ctx, store.PartitionSales, "local-1"); rec != nil {
		t.Error("Expected placeholder record removed")
	}
	rec, err := s.Get(ctx, store.PartitionSales, "srv-42")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected reconciled record under server id")
	}
	var got models.MirrorRecord
	if err := json.Unmarshal(rec.Data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !got.Synced {
		t.Error("Expected synced flag set")
	}
	if got.ID != "srv-42" {
		t.Errorf("Expected server id, got %s", got.ID)
	}
}

func TestExpandPath(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		payload string
		want    string
	}{
		{"string id", "/api/inventory/products/{id}", `{"id":"p-7"}`, "/api/inventory/products/p-7"},
		{"numeric id", "/api/inventory/products/{id}", `{"id":42}`, "/api/inventory/products/42"},
		{"no placeholder", "/api/sales/create", `{"id":"p-7"}`, "/api/sales/create"},
		{"missing id", "/api/inventory/products/{id}", `{"name":"x"}`, "/api/inventory/products/"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := expandPath(tc.path, json.RawMessage(tc.payload))
			if got != tc.want {
				t.Errorf("expandPath(%s, %s) = %s, want %s", tc.path, tc.payload, got, tc.want)
			}
		})
	}
}
