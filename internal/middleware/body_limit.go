// Package middleware holds small http.Handler wrappers shared across the
// gateway's inbound edge.
package middleware

import (
	"net/http"
	"strconv"
)

// BodyLimit rejects requests whose body exceeds maxBytes. A declared
// Content-Length over the limit is rejected before the body is read at
// all; otherwise the body is wrapped in http.MaxBytesReader so a missing
// or understated Content-Length still gets caught during the actual read.
// maxBytes <= 0 disables the wrapper entirely.
func BodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cl := r.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > maxBytes {
				http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}
