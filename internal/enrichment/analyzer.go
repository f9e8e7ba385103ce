// Package enrichment runs threat intelligence lookups against an indicator of
// compromise and normalizes every source into a common result shape.
package enrichment

import (
	"context"
	"time"
)

// Analyzer is a single source-specific enrichment strategy.
//
// Analyze must never panic or return a Go error: every failure is reported
// through Result.Error with Source populated. No retries are performed.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, indicator string) Result
}

// Result is the normalized outcome of one analyzer call.
type Result struct {
	Source  string         `json:"source"`
	Summary *string        `json:"summary"`
	Full    map[string]any `json:"full"`
	Error   *string        `json:"error"`
}

// Success builds a result carrying a summary and the raw payload.
func Success(source, summary string, full map[string]any) Result {
	if full == nil {
		full = map[string]any{}
	}
	return Result{
		Source:  source,
		Summary: &summary,
		Full:    full,
	}
}

// Failure builds an error-tagged result. Full is empty so callers never read
// a partial payload.
func Failure(source string, err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Source: source,
		Full:   map[string]any{},
		Error:  &msg,
	}
}

// Failed reports whether the analyzer call failed.
func (r Result) Failed() bool {
	return r.Error != nil
}

// SummaryText returns the summary or an empty string.
func (r Result) SummaryText() string {
	if r.Summary == nil {
		return ""
	}
	return *r.Summary
}

// ErrorText returns the error message or an empty string.
func (r Result) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// AnalyzerConfig holds common analyzer configuration.
type AnalyzerConfig struct {
	// APIKey is the resolved credential. Empty means the analyzer reports a
	// missing-credential error on every call.
	APIKey string
	// APIKeyEnv names the environment variable the key was read from; it is
	// used in error messages instead of the key itself.
	APIKeyEnv string
	BaseURL   string
	Timeout   time.Duration
}

// DefaultAnalyzerConfig returns sensible defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		Timeout: 30 * time.Second,
	}
}
