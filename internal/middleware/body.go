package middleware

import "net/http"

// MaxRequestBodySize bounds cache payloads and queued operations (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// LimitBody caps request bodies on methods that carry one.
func LimitBody(max int64) func(http.Handler) http.Handler {
	if max <= 0 {
		max = MaxRequestBodySize
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
