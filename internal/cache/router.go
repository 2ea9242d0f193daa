package cache

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/quinca-app/engine/internal/store"
)

// Strategy names a deterministic rule for resolving a read between the
// local response cache and a live network fetch.
type Strategy string

const (
	// StrategyNetworkOnly bypasses the cache entirely.
	StrategyNetworkOnly Strategy = "network-only"
	// StrategyNetworkFirst tries the network, then the cache.
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyNetworkFirstNav is network-first for navigations, with the
	// offline placeholder document as a final fallback.
	StrategyNetworkFirstNav Strategy = "network-first-navigation"
	// StrategyCacheFirst serves the cache immediately and revalidates in
	// the background.
	StrategyCacheFirst Strategy = "cache-first"
)

// Options configures a Router.
type Options struct {
	APIPrefixes      []string
	StaticExtensions []string
	StaticHosts      []string
	OfflineDocument  []byte
	Client           *http.Client
}

// Router classifies outbound reads and executes the selected strategy.
// A nil store puts the router in degraded mode: every read goes
// network-only and nothing is cached.
type Router struct {
	store       *store.Store
	client      *http.Client
	apiPrefixes []string
	staticExts  map[string]bool
	staticHosts map[string]bool
	offlineDoc  []byte
}

// NewRouter creates a Router over the engine store.
func NewRouter(s *store.Store, opts Options) *Router {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	exts := make(map[string]bool, len(opts.StaticExtensions))
	for _, e := range opts.StaticExtensions {
		exts[strings.ToLower(e)] = true
	}
	hosts := make(map[string]bool, len(opts.StaticHosts))
	for _, h := range opts.StaticHosts {
		hosts[strings.ToLower(h)] = true
	}

	return &Router{
		store:       s,
		client:      client,
		apiPrefixes: opts.APIPrefixes,
		staticExts:  exts,
		staticHosts: hosts,
		offlineDoc:  opts.OfflineDocument,
	}
}

// Degraded reports whether the router runs without a local store.
func (r *Router) Degraded() bool {
	return r.store == nil
}

// Classify selects the strategy for a request. Rules are evaluated in
// order; first match wins.
func (r *Router) Classify(req *http.Request) Strategy {
	// Non-idempotent methods never go through the cache.
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return StrategyNetworkOnly
	}

	if r.Degraded() {
		return StrategyNetworkOnly
	}

	// Navigation/document loads.
	if isNavigation(req) {
		return StrategyNetworkFirstNav
	}

	// Data-API reads.
	for _, prefix := range r.apiPrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return StrategyCacheFirst
		}
	}

	// Static subresources by extension or known third-party host.
	if r.staticExts[strings.ToLower(path.Ext(req.URL.Path))] {
		return StrategyCacheFirst
	}
	if r.staticHosts[strings.ToLower(req.URL.Hostname())] {
		return StrategyCacheFirst
	}

	return StrategyNetworkFirst
}

// isNavigation detects document loads the way browsers mark them.
func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	accept := req.Header.Get("Accept")
	return strings.Contains(accept, "text/html")
}

// isDataRead reports whether the request targets the data API.
func (r *Router) isDataRead(req *http.Request) bool {
	for _, prefix := range r.apiPrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return true
		}
	}
	return false
}
