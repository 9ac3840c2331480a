package util

import (
	"crypto/sha256"
	"fmt"
	"net/url"
)

// maxInlineKey bounds storage keys; longer list queries are hashed.
const maxInlineKey = 200

// CanonicalQuery encodes params with sorted names so equal sets produce
// equal strings. Empty values are kept.
func CanonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	vs := make(url.Values, len(params))
	for k, v := range params {
		vs.Set(k, v)
	}
	return vs.Encode() // sorted by key
}

// StorageKey joins prefix and the user-facing key. Keys that would exceed
// maxInlineKey are replaced with prefix + first 16 hex chars of their sha256.
func StorageKey(prefix, key string) string {
	if len(prefix)+1+len(key) <= maxInlineKey {
		return prefix + ":" + key
	}
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s:#%x", prefix, sum)[:len(prefix)+2+16]
}
