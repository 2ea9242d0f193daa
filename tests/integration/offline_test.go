// Integration tests for the end-to-end offline flows: queueing writes
// while disconnected, serving reads from cache, and recovering from an
// auth interruption mid-replay.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/quinca-app/engine/internal/cache"
	"github.com/quinca-app/engine/internal/config"
	"github.com/quinca-app/engine/internal/store"
	syncpkg "github.com/quinca-app/engine/internal/sync"
	"github.com/quinca-app/engine/internal/sync/queue"
)

func testRoutes() map[string]config.Route {
	return map[string]config.Route{
		"create_sale": {Method: http.MethodPost, Path: "/api/sales/create"},
	}
}

// fakeRemote is a controllable stand-in for the business API.
type fakeRemote struct {
	mu        sync.Mutex
	srv       *httptest.Server
	reachable bool
	authOK    bool
	received  []string
	nextID    int
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{reachable: true, authOK: true}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.reachable {
			// Connection-level failure stand-in.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		if !f.authOK {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id":"p-1","name":"hammer"}]`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.received = append(f.received, string(body))
		f.nextID++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"srv-%d"}`, f.nextID)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) setReachable(v bool) {
	f.mu.Lock()
	f.reachable = v
	f.mu.Unlock()
}

func (f *fakeRemote) setAuthOK(v bool) {
	f.mu.Lock()
	f.authOK = v
	f.mu.Unlock()
}

func (f *fakeRemote) receivedBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

// TestOfflineSaleSurvivesRestart covers the core offline write flow: a
// sale recorded while disconnected survives a process restart and is
// replayed in order once connectivity returns.
func TestOfflineSaleSurvivesRestart(t *testing.T) {
	remote := newFakeRemote(t)
	dataDir := t.TempDir()
	ctx := context.Background()

	remote.setReachable(false)

	// Session one: record sales while offline.
	s1, err := store.Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	q1 := queue.New(s1, 100, 5)
	e1 := syncpkg.NewEngine(remote.srv.URL, testRoutes(), nil, q1, syncpkg.NewReconciler(s1))

	for i := 0; i < 3; i++ {
		if _, err := q1.Enqueue(ctx, "create_sale", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	// A drain while offline changes nothing durable except attempt counts.
	if _, err := e1.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	count, _ := q1.Count(ctx)
	if count != 3 {
		t.Fatalf("Expected 3 pending after offline drain, got %d", count)
	}

	// Crash and restart.
	s1.Close()
	s2, err := store.Open(dataDir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s2.Close()
	q2 := queue.New(s2, 100, 5)
	e2 := syncpkg.NewEngine(remote.srv.URL, testRoutes(), nil, q2, syncpkg.NewReconciler(s2))

	// Session two: back online, the queue drains in creation order.
	remote.setReachable(true)
	result, err := e2.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Succeeded != 3 {
		t.Errorf("Expected 3 replayed, got %d", result.Succeeded)
	}

	bodies := remote.receivedBodies()
	if len(bodies) != 3 {
		t.Fatalf("Expected 3 requests at remote, got %d", len(bodies))
	}
	for i, body := range bodies {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if body != want {
			t.Errorf("Position %d: replayed %s, want %s", i, body, want)
		}
	}

	count, _ = q2.Count(ctx)
	if count != 0 {
		t.Errorf("Expected empty queue after replay, got %d", count)
	}
}

// TestOfflineReadServedFromCache covers the read path: a product list
// fetched while online keeps working from the local cache once the
// network disappears.
func TestOfflineReadServedFromCache(t *testing.T) {
	remote := newFakeRemote(t)
	ctx := context.Background()

	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	router := cache.NewRouter(s, cache.Options{APIPrefixes: []string{"/api/"}})
	url := remote.srv.URL + "/api/inventory/products"

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	res := router.Do(ctx, req)
	if res.Status != http.StatusOK || res.FromCache {
		t.Fatalf("Expected live 200, got status=%d fromCache=%v", res.Status, res.FromCache)
	}

	remote.setReachable(false)

	req, _ = http.NewRequest(http.MethodGet, url, nil)
	res = router.Do(ctx, req)
	if !res.FromCache {
		t.Fatal("Expected cached response while offline")
	}
	if string(res.Body) != `[{"id":"p-1","name":"hammer"}]` {
		t.Errorf("Unexpected cached body: %s", res.Body)
	}

	// A URL never fetched degrades to a deterministic synthetic 503.
	req, _ = http.NewRequest(http.MethodGet, remote.srv.URL+"/api/customers", nil)
	res = router.Do(ctx, req)
	if res.Status != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for uncached offline read, got %d", res.Status)
	}
	if res.Header.Get("X-Offline") != "1" {
		t.Error("Expected X-Offline marker")
	}
}

// TestAuthInterruptionPreservesQueue covers the session-expiry flow: a
// 401 mid-replay stops the run, drops only the failing operation, and
// the remainder drains after re-authentication.
func TestAuthInterruptionPreservesQueue(t *testing.T) {
	remote := newFakeRemote(t)
	ctx := context.Background()

	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	q := queue.New(s, 100, 5)
	e := syncpkg.NewEngine(remote.srv.URL, testRoutes(), nil, q, syncpkg.NewReconciler(s))

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "create_sale", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	remote.setAuthOK(false)
	result, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if !result.AuthRequired {
		t.Fatal("Expected AuthRequired flag")
	}
	if result.Attempted != 1 {
		t.Errorf("Expected drain to stop at first 401, attempted %d", result.Attempted)
	}
	count, _ := q.Count(ctx)
	if count != 2 {
		t.Fatalf("Expected 2 operations preserved, got %d", count)
	}

	// User re-authenticates; the rest of the queue drains cleanly.
	remote.setAuthOK(true)
	result, err = e.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Succeeded != 2 || result.AuthRequired {
		t.Errorf("Expected clean drain of remainder, got %+v", result)
	}
	count, _ = q.Count(ctx)
	if count != 0 {
		t.Errorf("Expected empty queue, got %d", count)
	}
}
