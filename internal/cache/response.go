// Package cache provides the read-path strategy router and response cache
// of the offline engine.
package cache

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/quinca-app/engine/internal/errors"
	"github.com/quinca-app/engine/internal/models"
)

// CachedResponse is the stored form of a GET response.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt int64       `json:"stored_at"`
	Origin   string      `json:"origin"` // network, seed
}

// cacheKey builds the resource key for a request (method+URL, GET only).
func cacheKey(url string) string {
	return http.MethodGet + " " + url
}

// encode serializes the response into a cache entry payload.
func (c *CachedResponse) encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode cached response", err)
	}
	return data, nil
}

func decodeResponse(entry *models.CacheEntry) (*CachedResponse, error) {
	var cached CachedResponse
	if err := json.Unmarshal(entry.Payload, &cached); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to decode cached response", err)
	}
	return &cached, nil
}

func newCachedResponse(status int, header http.Header, body []byte, origin string) *CachedResponse {
	// Only the headers that matter for replaying the response are kept.
	kept := http.Header{}
	for _, name := range []string{"Content-Type", "Content-Language", "Cache-Control", "ETag"} {
		if v := header.Get(name); v != "" {
			kept.Set(name, v)
		}
	}
	return &CachedResponse{
		Status:   status,
		Header:   kept,
		Body:     body,
		StoredAt: time.Now().Unix(),
		Origin:   origin,
	}
}
