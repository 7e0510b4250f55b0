package middleware

import (
	"net/http"

	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/httputil"
)

// DefaultMaxBodySize covers every JSON body and presence webhook this server
// accepts.
const DefaultMaxBodySize = 64 << 10

// LimitBody rejects bodies that declare more than maxSize bytes and caps reads
// of the rest. A non-positive maxSize means DefaultMaxBodySize.
func LimitBody(maxSize int64) func(http.Handler) http.Handler {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxSize {
				httputil.WriteErrorWithStatus(w, http.StatusRequestEntityTooLarge, apperrors.ValidationError("Request body too large"))
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}
