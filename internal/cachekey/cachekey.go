// Package cachekey derives deterministic cache-key fingerprints from the
// inbound request.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const separator = "\x1f"

// Build produces "cache:<hex>" from the request's identifying fields.
// Query parameters are sorted by name then value before encoding so permuting
// them never changes the output; vary headers are looked up by exact,
// configured name and lower-cased before hashing.
func Build(method, tenantID, routeName, path, rawQuery string, header func(name string) (string, bool), varyHeaders []string) string {
	var b strings.Builder

	b.WriteString(strings.ToUpper(method))
	b.WriteString(separator)
	b.WriteString(tenantID)
	b.WriteString(separator)
	b.WriteString(routeName)
	b.WriteString(separator)
	b.WriteString(strings.TrimSuffix(path, "/"))
	b.WriteString(separator)
	b.WriteString(canonicalQuery(rawQuery))
	for _, name := range varyHeaders {
		b.WriteString(separator)
		b.WriteString(name)
		b.WriteString("=")
		if v, ok := header(name); ok {
			b.WriteString(strings.ToLower(v))
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "cache:" + hex.EncodeToString(sum[:])
}

// canonicalQuery sorts query parameters lexicographically by name then
// value and URL-encodes them, so argument order never affects the key.
func canonicalQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}

	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(values))
	for k, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, pair{k, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, url.QueryEscape(p.k)+"="+url.QueryEscape(p.v))
	}
	return strings.Join(parts, "&")
}

// NegativeKey derives the negative-cache lookup key for a given cache key.
func NegativeKey(cacheKey string) string {
	return "neg:" + strings.TrimPrefix(cacheKey, "cache:")
}

// LockKey and RevalidateKey/DoneTopic derive the single-flight coordination
// keys/topic for a given cache key.
func LockKey(cacheKey string) string { return "lock:" + strings.TrimPrefix(cacheKey, "cache:") }

func RevalidateKey(cacheKey string) string {
	return "revalidate:" + strings.TrimPrefix(cacheKey, "cache:")
}

func DoneTopic(cacheKey string) string {
	return "cache:done:" + strings.TrimPrefix(cacheKey, "cache:")
}
