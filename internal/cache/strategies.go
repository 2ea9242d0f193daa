package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	apperrors "github.com/quinca-app/engine/internal/errors"
	"github.com/quinca-app/engine/internal/logging"
	"github.com/quinca-app/engine/internal/models"
	"github.com/quinca-app/engine/internal/store"
)

// maxCachedBody caps what a single cache entry may hold.
const maxCachedBody = 4 << 20

// Result is the deterministic terminal outcome of a routed read. Every
// strategy produces one within a single network timeout: a live
// response, a cached value, the offline document, or a synthetic 503.
type Result struct {
	Status    int
	Header    http.Header
	Body      []byte
	FromCache bool
	Strategy  Strategy
}

// Do resolves a read using the strategy selected by Classify. It never
// returns a transport error to the caller; failures degrade to cached or
// synthetic responses.
func (r *Router) Do(ctx context.Context, req *http.Request) *Result {
	strategy := r.Classify(req)

	switch strategy {
	case StrategyNetworkOnly:
		return r.networkOnly(ctx, req, strategy)
	case StrategyCacheFirst:
		return r.cacheFirst(ctx, req, strategy)
	case StrategyNetworkFirstNav:
		return r.networkFirst(ctx, req, strategy, true)
	default:
		return r.networkFirst(ctx, req, strategy, false)
	}
}

// networkOnly is a passthrough; failures become a synthetic 503.
func (r *Router) networkOnly(ctx context.Context, req *http.Request, strategy Strategy) *Result {
	if res, err := r.fetch(ctx, req, false); err == nil {
		res.Strategy = strategy
		return res
	}
	return r.synthetic503(req, strategy)
}

// networkFirst attempts the network, storing the response on success.
// On failure it falls back to the cached response for the exact URL,
// then (for navigations) the offline placeholder document, then a
// synthetic 503.
func (r *Router) networkFirst(ctx context.Context, req *http.Request, strategy Strategy, navigation bool) *Result {
	res, err := r.fetch(ctx, req, true)
	if err == nil {
		res.Strategy = strategy
		return res
	}

	logging.Debug("Network-first fetch failed, consulting cache",
		map[string]interface{}{"url": req.URL.String()})

	if cached := r.lookup(ctx, req.URL.String()); cached != nil {
		return cachedResult(cached, strategy)
	}

	if navigation && len(r.offlineDoc) > 0 {
		header := http.Header{}
		header.Set("Content-Type", "text/html; charset=utf-8")
		header.Set("X-Offline", "1")
		return &Result{
			Status:    http.StatusOK,
			Header:    header,
			Body:      r.offlineDoc,
			FromCache: true,
			Strategy:  strategy,
		}
	}

	return r.synthetic503(req, strategy)
}

// cacheFirst serves a cached response immediately and revalidates in the
// background; stale-but-available is the deliberate trade here. On a
// cache miss it fetches synchronously and caches the result.
func (r *Router) cacheFirst(ctx context.Context, req *http.Request, strategy Strategy) *Result {
	url := req.URL.String()

	if cached := r.lookup(ctx, url); cached != nil {
		// Fire-and-forget refresh for next time; errors logged only.
		revalidate := req.Clone(context.WithoutCancel(ctx))
		go r.revalidate(revalidate)
		return cachedResult(cached, strategy)
	}

	res, err := r.fetch(ctx, req, true)
	if err == nil {
		res.Strategy = strategy
		return res
	}

	return r.synthetic503(req, strategy)
}

// fetch performs the network request and, when cache is set, stores a
// successful GET response.
func (r *Router) fetch(ctx context.Context, req *http.Request, cache bool) (*Result, error) {
	resp, err := r.client.Do(req.Clone(ctx))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkFailure, "fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkFailure, "read body failed", err)
	}

	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.ErrNetworkFailure, "server error")
	}

	if cache && req.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		r.storeResponse(ctx, req.URL.String(), resp.StatusCode, resp.Header, body, models.CacheOriginNetwork)
	}

	return &Result{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// revalidate refreshes the cache entry for a request in the background.
func (r *Router) revalidate(req *http.Request) {
	if _, err := r.fetch(req.Context(), req, true); err != nil {
		logging.Debug("Background revalidation failed",
			map[string]interface{}{"url": req.URL.String(), "error": err.Error()})
	}
}

// lookup returns the cached response for a URL, or nil.
func (r *Router) lookup(ctx context.Context, url string) *CachedResponse {
	if r.store == nil {
		return nil
	}
	rec, err := r.store.Get(ctx, store.PartitionResponseCache, cacheKey(url))
	if err != nil {
		logging.Warn("Response cache read failed",
			map[string]interface{}{"url": url, "error": err.Error()})
		return nil
	}
	if rec == nil {
		return nil
	}

	entry := &models.CacheEntry{Key: rec.ID, Payload: rec.Data, StoredAt: rec.CreatedAt}
	cached, err := decodeResponse(entry)
	if err != nil {
		logging.Warn("Corrupt cache entry dropped",
			map[string]interface{}{"url": url, "error": err.Error()})
		r.store.Delete(ctx, store.PartitionResponseCache, cacheKey(url))
		return nil
	}
	return cached
}

// storeResponse writes a cache entry; at most one entry exists per key.
func (r *Router) storeResponse(ctx context.Context, url string, status int, header http.Header, body []byte, origin string) {
	if r.store == nil {
		return
	}
	cached := newCachedResponse(status, header, body, origin)
	payload, err := cached.encode()
	if err != nil {
		logging.Warn("Failed to encode response for cache",
			map[string]interface{}{"url": url, "error": err.Error()})
		return
	}
	if err := r.store.Put(ctx, store.PartitionResponseCache, cacheKey(url), payload); err != nil {
		logging.Warn("Response cache write failed",
			map[string]interface{}{"url": url, "error": err.Error()})
	}
}

// Seed pre-populates the cache for a URL, marked with origin "seed".
func (r *Router) Seed(ctx context.Context, url string, status int, header http.Header, body []byte) error {
	if r.store == nil {
		return apperrors.New(apperrors.ErrStorageUnavailable, "cache router is degraded")
	}
	cached := newCachedResponse(status, header, body, models.CacheOriginSeed)
	payload, err := cached.encode()
	if err != nil {
		return err
	}
	return r.store.Put(ctx, store.PartitionResponseCache, cacheKey(url), payload)
}

// Purge removes the cached response for a URL.
func (r *Router) Purge(ctx context.Context, url string) error {
	if r.store == nil {
		return nil
	}
	return r.store.Delete(ctx, store.PartitionResponseCache, cacheKey(url))
}

func cachedResult(cached *CachedResponse, strategy Strategy) *Result {
	header := cached.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-From-Cache", "1")
	return &Result{
		Status:    cached.Status,
		Header:    header,
		Body:      cached.Body,
		FromCache: true,
		Strategy:  strategy,
	}
}

// synthetic503 is the terminal degraded response. Data reads carry a
// machine-readable offline body.
func (r *Router) synthetic503(req *http.Request, strategy Strategy) *Result {
	header := http.Header{}
	header.Set("X-Offline", "1")

	var body []byte
	if r.isDataRead(req) {
		header.Set("Content-Type", "application/json")
		body, _ = json.Marshal(map[string]interface{}{"offline": true})
	} else {
		header.Set("Content-Type", "text/plain; charset=utf-8")
		body = []byte("offline")
	}

	return &Result{
		Status:   http.StatusServiceUnavailable,
		Header:   header,
		Body:     bytes.Clone(body),
		Strategy: strategy,
	}
}
