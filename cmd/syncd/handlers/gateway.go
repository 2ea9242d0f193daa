package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/quinca-app/engine/internal/cache"
)

// Gateway forwards UI reads to the remote API through the cache strategy
// router. Every response is deterministic even with a dead network: a
// live body, a cached body, or a synthetic 503.
type Gateway struct {
	router  *cache.Router
	baseURL *url.URL
}

// NewGateway creates a Gateway targeting the remote API base URL.
func NewGateway(router *cache.Router, baseURL string) (*Gateway, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	return &Gateway{router: router, baseURL: parsed}, nil
}

// ServeHTTP routes a read and replays the strategy result.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := *g.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + r.URL.Path
	target.RawQuery = r.URL.RawQuery

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "Bad gateway request", http.StatusBadGateway)
		return
	}
	for _, name := range []string{"Accept", "Accept-Language", "Content-Type", "Sec-Fetch-Mode", "Authorization"} {
		if v := r.Header.Get(name); v != "" {
			outbound.Header.Set(name, v)
		}
	}

	result := g.router.Do(r.Context(), outbound)

	for name, values := range result.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(result.Status)
	w.Write(result.Body)
}
