package secrets

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateEnv(t *testing.T) {
	t.Setenv("SECRETS_TEST_SET", "value")
	t.Setenv("SECRETS_TEST_BLANK", "   ")

	if err := ValidateEnv("SECRETS_TEST_SET"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	err := ValidateEnv("SECRETS_TEST_SET", "SECRETS_TEST_BLANK", "SECRETS_TEST_UNSET_XYZ")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Missing) != 1 || verr.Missing[0] != "SECRETS_TEST_UNSET_XYZ" {
		t.Errorf("unexpected missing list %v", verr.Missing)
	}
	if len(verr.Empty) != 1 || verr.Empty[0] != "SECRETS_TEST_BLANK" {
		t.Errorf("unexpected empty list %v", verr.Empty)
	}
	if !strings.Contains(err.Error(), "missing required") || !strings.Contains(err.Error(), "empty values") {
		t.Errorf("error message incomplete: %s", err)
	}
}

func TestRequiredForBackend(t *testing.T) {
	if got := RequiredForBackend("sqlite"); len(got) != 0 {
		t.Errorf("sqlite should need nothing, got %v", got)
	}
	if got := RequiredForBackend("postgres"); len(got) != 1 || got[0] != "STORAGE_DSN" {
		t.Errorf("postgres should need STORAGE_DSN, got %v", got)
	}
}
