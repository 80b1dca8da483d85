package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/offline-sync/internal/apierr"
)

func TestRecoverWithSentry_NoPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	RecoverWithSentry(handler).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestRecoverWithSentry_WithPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	RequestID(RecoverWithSentry(handler)).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	var resp apierr.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	if resp.Error.Code != apierr.ErrSystemInternal {
		t.Errorf("code = %s, want %s", resp.Error.Code, apierr.ErrSystemInternal)
	}
	if resp.Error.RequestID == "" || resp.Error.RequestID != w.Header().Get(RequestIDHeader) {
		t.Errorf("request id not propagated: body=%q header=%q", resp.Error.RequestID, w.Header().Get(RequestIDHeader))
	}
}

func TestRecoverWithSentry_PanicWithError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("queue snapshot vanished"))
	})

	req := httptest.NewRequest("POST", "/api/queue", nil)
	w := httptest.NewRecorder()
	RecoverWithSentry(handler).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "vanished") {
		t.Errorf("panic value leaked into response: %s", w.Body.String())
	}
}

func TestRecoverWithSentry_AbortHandlerPropagates(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	req := httptest.NewRequest("GET", "/api/events", nil)
	RecoverWithSentry(handler).ServeHTTP(httptest.NewRecorder(), req)
	t.Fatal("handler should not return normally")
}
