package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/onnwee/offline-sync/internal/apierr"
	"github.com/onnwee/offline-sync/internal/errorreporting"
	"github.com/onnwee/offline-sync/internal/logger"
)

// RecoverWithSentry answers a handler panic with SYSTEM_INTERNAL and reports
// it. http.ErrAbortHandler is re-raised so net/http can drop the connection.
func RecoverWithSentry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			reqID := apierr.GetRequestID(r.Context())
			logger.ErrorContext(r.Context(), "Panic recovered",
				"panic", rec,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
			)
			errorreporting.RecoverPanic(rec, map[string]string{
				"component":  "api",
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": reqID,
			})

			apierr.WriteErrorWithContext(w, r, apierr.SystemInternal(""))
		}()

		next.ServeHTTP(w, r)
	})
}
