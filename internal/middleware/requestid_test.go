package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/offline-sync/internal/logger"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := generateRequestID()
	id2 := generateRequestID()

	if id1 == id2 {
		t.Error("generateRequestID should return unique IDs")
	}
	if len(id1) != 32 || strings.Contains(id1, "-") {
		t.Errorf("unexpected request id %q", id1)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"missing", "", false},
		{"caller id kept", "ui-7f3a:42", true},
		{"surrounding whitespace trimmed", "  abc123  ", true},
		{"oversized", strings.Repeat("x", maxRequestIDLength+1), false},
		{"embedded space", "two words", false},
		{"control character", "abc\x1bdef", false},
		{"non ascii", "idé", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = r.Context().Value(logger.RequestIDKey).(string)
				w.WriteHeader(http.StatusNoContent)
			})

			req := httptest.NewRequest("GET", "/api/status", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			RequestID(handler).ServeHTTP(w, req)

			if seen == "" {
				t.Fatal("request id missing from context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("header %q does not match context %q", got, seen)
			}
			if tt.keep {
				if want := strings.TrimSpace(tt.incoming); seen != want {
					t.Errorf("request id = %q, want %q", seen, want)
				}
			} else if len(seen) != 32 {
				t.Errorf("expected a generated id, got %q", seen)
			}
		})
	}
}
