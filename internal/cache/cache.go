// Package cache provides tiered response caching for proxied requests: a
// per-scope in-memory LRU tier in front of an optional shared (redis) tier.
// Only exact-match caching; streams are never cached.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// Response is a cached upstream response.
type Response struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`
	Backend string      `json:"backend"`
}

// Key derives the deterministic cache key for a request: the key id, method,
// canonical path-and-query, body bytes and selected backend group all
// participate so distinct routings never collide.
func Key(keyID, method, pathAndQuery string, body []byte, backendGroup string) string {
	h := sha256.New()
	for _, part := range [...]string{keyID, method, pathAndQuery, backendGroup} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
