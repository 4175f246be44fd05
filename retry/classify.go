// Package retry decides whether a failed remote call should be attempted again.
//
// Classification is kept apart from the retry loop: Classify maps an error code and
// message onto a closed set of categories, and Policy turns a category plus the
// attempt index into a Decision. The loop itself lives in the middleware package.
package retry

import "strings"

// Category is the retry class of a failure.
type Category string

const (
	AmbiguousOperation Category = "ambiguous-operation" // Backend could not resolve an overloaded operation name
	Timeout            Category = "timeout"             // Attempt lost the race against its timer
	Network            Category = "network"             // Transport failed before the backend answered
	Other              Category = "other"               // Everything else, never retried
)

// Retryable reports whether failures of this category may be attempted again.
func (c Category) Retryable() bool {
	return c == AmbiguousOperation || c == Timeout || c == Network
}

// DefaultAmbiguousCodes are the backend codes meaning "operation name is ambiguous":
// PGRST203 from the REST gateway, 42725 (ambiguous_function) from Postgres itself.
var DefaultAmbiguousCodes = []string{"PGRST203", "42725"}

var timeoutMarkers = []string{
	"timed out",
	"timeout",
	"deadline exceeded",
}

var networkMarkers = []string{
	"failed to fetch",
	"fetch failed",
	"network",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"failed to connect",
	"unexpected eof",
}

// Classifier maps error codes and messages to categories.
type Classifier struct {
	AmbiguousCodes []string
}

// Classify applies the rules in priority order: ambiguous code, timeout message,
// code-less network message, other.
func (c Classifier) Classify(code, message string) Category {
	codes := c.AmbiguousCodes
	if len(codes) == 0 {
		codes = DefaultAmbiguousCodes
	}
	if code != "" {
		for _, ac := range codes {
			if code == ac {
				return AmbiguousOperation
			}
		}
	}

	msg := strings.ToLower(message)
	if containsAny(msg, timeoutMarkers) {
		return Timeout
	}
	if code == "" && (msg == "eof" || strings.HasSuffix(msg, ": eof") || containsAny(msg, networkMarkers)) {
		return Network
	}
	return Other
}

// Classify uses the default ambiguous codes.
func Classify(code, message string) Category {
	return Classifier{}.Classify(code, message)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
