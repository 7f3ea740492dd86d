// Package validate bounds request bodies on the admin API.
package validate

import (
	"net/http"

	"github.com/nhalm/guardkit/wrapper"
)

// MaxBodySize rejects requests whose declared Content-Length exceeds maxBytes
// with 413 and wraps every other body in http.MaxBytesReader, so chunked
// uploads fail when the handler reads past the limit. bind.JSON turns that
// read error into the same 413.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				if wrapper.HasState(r.Context()) {
					wrapper.SetError(r, wrapper.ErrPayloadTooLarge.With("Request body too large"))
					return
				}
				http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
