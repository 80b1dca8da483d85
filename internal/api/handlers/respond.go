package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/onnwee/offline-sync/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody rejects unknown fields and bodies over the LimitBody cap.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierr.WriteErrorWithContext(w, r, apierr.New(apierr.ErrValidationInvalidValue, "Request body too large", http.StatusRequestEntityTooLarge))
			return false
		}
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidJSON().WithDetails(map[string]any{"reason": err.Error()}))
		return false
	}
	return true
}
