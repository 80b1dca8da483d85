package secrets

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// ValidationError represents a validation failure for required secrets.
type ValidationError struct {
	Missing []string
	Empty   []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Empty) > 0 {
		parts = append(parts, fmt.Sprintf("empty values for required environment variables: %s", strings.Join(e.Empty, ", ")))
	}
	return strings.Join(parts, "; ")
}

// ValidateEnv checks that every named environment variable is set and non-blank.
func ValidateEnv(keys ...string) error {
	var missing, empty []string
	for _, key := range keys {
		v, ok := os.LookupEnv(key)
		switch {
		case !ok:
			missing = append(missing, key)
		case strings.TrimSpace(v) == "":
			empty = append(empty, key)
		}
	}
	if len(missing) > 0 || len(empty) > 0 {
		sort.Strings(missing)
		sort.Strings(empty)
		return &ValidationError{Missing: missing, Empty: empty}
	}
	return nil
}

// RequiredForBackend lists the env vars a storage backend cannot start without.
func RequiredForBackend(backend string) []string {
	switch backend {
	case "postgres", "mysql":
		return []string{"STORAGE_DSN"}
	default:
		return nil
	}
}
