package mqerr

import "strings"

// retryableSubstrings are matched case-insensitively against an external
// failure's message to decide its retry class when the caller has no more
// specific signal.
var retryableSubstrings = []string{
	"conflict",
	"temporar", // temporary / temporarily
	"timed out",
	"timeout",
	"database is locked",
	"database-locked",
}

// IsRetryableMessage reports whether msg looks like a transient failure:
// a conflict, a temporary error, a timeout, or a locked database. It is the
// fallback used when a caller cannot otherwise classify an external adapter
// failure; failed quality gates do not pass through it (the worker marks
// them retryable directly).
func IsRetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range retryableSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// ClassifyAttempt folds the attempt-budget rule into a retryability verdict:
// a failure that would otherwise be retryable is forced terminal once
// attemptCount+1 reaches maxAttempts, regardless of message content.
func ClassifyAttempt(retryable bool, attemptCount, maxAttempts int) bool {
	if attemptCount+1 >= maxAttempts {
		return false
	}
	return retryable
}
