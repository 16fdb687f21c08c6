package mqerr

import (
	"errors"
	"testing"
)

func TestCategoryRoundTrip(t *testing.T) {
	err := NotFoundf("entry %d", 7)
	if !Is(err, NotFound) {
		t.Fatalf("expected NotFound category, got %v", CategoryOf(err))
	}
	if Is(err, Conflict) {
		t.Fatal("did not expect Conflict category")
	}
}

func TestWrappedCauseUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := IoErrorf(cause, "could not write lock file")
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestValidationErrorCarriesField(t *testing.T) {
	err := ValidationErrorf("workspace", "must start with a letter", "invalid workspace name %q", "9bad")
	if err.Field != "workspace" {
		t.Fatalf("Field = %q", err.Field)
	}
	if err.Category != Validation {
		t.Fatalf("Category = %q", err.Category)
	}
}

func TestIsRetryableMessage(t *testing.T) {
	cases := map[string]bool{
		"database is locked":      true,
		"connection timed out":    true,
		"merge conflict detected": true,
		"temporarily unavailable": true,
		"permission denied":       false,
		"invalid workspace name":  false,
	}
	for msg, want := range cases {
		if got := IsRetryableMessage(msg); got != want {
			t.Errorf("IsRetryableMessage(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestClassifyAttemptForcesTerminalAtBudget(t *testing.T) {
	// attempt_count=2, max_attempts=3: next attempt is the 3rd, 2+1 >= 3 => terminal.
	if ClassifyAttempt(true, 2, 3) {
		t.Fatal("expected attempt budget to force terminal classification")
	}
	if !ClassifyAttempt(true, 0, 3) {
		t.Fatal("expected retryable to remain retryable under budget")
	}
	if ClassifyAttempt(false, 0, 3) {
		t.Fatal("a non-retryable failure must never become retryable")
	}
}
