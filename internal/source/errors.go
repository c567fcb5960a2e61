package source

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a missing operator setting. It fails fast:
// no network call is attempted.
type ConfigurationError struct {
	Setting string // the configuration key that is missing
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration missing for %s: %s", e.Setting, e.Reason)
}

// ExhaustedError aggregates the failures of every mirror or tier that was
// tried before giving up.
type ExhaustedError struct {
	Operation string            // e.g. "search", "fast_download"
	Attempts  map[string]string // mirror/tier -> failure description
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for target, reason := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", target, reason))
	}

	return fmt.Sprintf("all sources exhausted during %s: %s", e.Operation, strings.Join(parts, "; "))
}

// NotFoundError means the source answered but produced zero candidates.
type NotFoundError struct {
	Source string
	Query  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no results found on %s for %q", e.Source, e.Query)
}

// LowConfidenceError means candidates existed but the best one scored below
// the minimum. Callers treat it like NotFoundError for fallback purposes and
// can present Candidates for manual override.
type LowConfidenceError struct {
	Source     string
	BestScore  float64
	MinScore   float64
	Candidates []Candidate
}

func (e *LowConfidenceError) Error() string {
	return fmt.Sprintf("best %s candidate scored %.1f, below minimum %.1f", e.Source, e.BestScore, e.MinScore)
}

// QuotaExceededError is returned when the daily download quota is exhausted.
type QuotaExceededError struct {
	Used  int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily download quota exhausted (%d/%d)", e.Used, e.Limit)
}

// NetworkError wraps a transport-level failure against one upstream target.
type NetworkError struct {
	Operation  string
	Target     string
	StatusCode int // 0 for non-HTTP failures
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s against %s (HTTP %d): %v", e.Operation, e.Target, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("network error during %s against %s: %v", e.Operation, e.Target, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
