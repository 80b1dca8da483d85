package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/onnwee/offline-sync/internal/apierr"
	"github.com/onnwee/offline-sync/internal/lifecycle"
)

// LifecycleSetter is the writable side of a lifecycle provider.
type LifecycleSetter interface {
	Set(lifecycle.State)
	Current() lifecycle.State
}

// PostLifecycle lets the host process report foreground/background moves.
// POST /api/lifecycle/{state}
func PostLifecycle(l LifecycleSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if l == nil {
			apierr.WriteErrorWithContext(w, r, apierr.ResourceNotFound("lifecycle provider"))
			return
		}
		st, err := lifecycle.ParseState(mux.Vars(r)["state"])
		if err != nil {
			apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("state", err.Error()))
			return
		}
		l.Set(st)
		writeJSON(w, http.StatusOK, map[string]string{"state": string(l.Current())})
	}
}
