package errorreporting

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

// PII patterns to scrub from error messages
var piiPatterns = []*regexp.Regexp{
	// Email addresses
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	// Bearer tokens replayed from queued operation headers
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]{20,}`),
	// API keys and tokens
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret)["\s:=]+[a-zA-Z0-9_-]{16,}`),
	// IP addresses
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	// Credit card numbers (basic pattern)
	regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
}

// Options configures Sentry. An empty DSN leaves reporting disabled.
type Options struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

var enabled atomic.Bool

// Init initializes Sentry error reporting
func Init(opts Options) error {
	if opts.DSN == "" {
		enabled.Store(false)
		return nil
	}
	if err := ValidateDSN(opts.DSN); err != nil {
		return err
	}

	release := opts.Release
	if release == "" {
		release = "dev"
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          release,
		SampleRate:       sampleRate,
		BeforeSend:       beforeSend,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	enabled.Store(true)
	return nil
}

// beforeSend is called before sending events to Sentry
// It scrubs PII and sanitizes sensitive data
func beforeSend(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	for i := range event.Exception {
		event.Exception[i].Value = scrubPII(event.Exception[i].Value)
	}

	if event.Message != "" {
		event.Message = scrubPII(event.Message)
	}

	for key, value := range event.Extra {
		if str, ok := value.(string); ok {
			event.Extra[key] = scrubPII(str)
		}
	}

	if event.Request != nil {
		if event.Request.Headers != nil {
			delete(event.Request.Headers, "Authorization")
			delete(event.Request.Headers, "Cookie")
			delete(event.Request.Headers, "X-Api-Key")
		}
		event.Request.QueryString = ""
	}

	return event
}

// scrubPII removes personally identifiable information from strings
func scrubPII(text string) string {
	result := text
	for _, pattern := range piiPatterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// CaptureError captures an error and sends it to Sentry
func CaptureError(err error) {
	if err == nil || !enabled.Load() {
		return
	}
	sentry.CaptureException(err)
}

// CaptureErrorWithContext captures an error with additional context
func CaptureErrorWithContext(err error, tags map[string]string, extras map[string]any) {
	if err == nil || !enabled.Load() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		// extras are scrubbed by beforeSend
		for k, v := range extras {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// PermanentFailure describes a queued operation dropped after exhausting its retries.
type PermanentFailure struct {
	OperationID string
	Method      string
	URL         string
	Attempts    int
	LastError   string
}

// ErrPermanentFailure is the error class reported for dropped operations.
var ErrPermanentFailure = errors.New("queued operation dropped after max retries")

// ReportPermanentFailure sends a dropped operation to Sentry, tagged for grouping.
func ReportPermanentFailure(f PermanentFailure) {
	CaptureErrorWithContext(
		fmt.Errorf("%w: %s %s", ErrPermanentFailure, f.Method, f.URL),
		map[string]string{
			"operation_id": f.OperationID,
			"method":       f.Method,
		},
		map[string]any{
			"attempts":   strconv.Itoa(f.Attempts),
			"last_error": f.LastError,
		},
	)
}

// RecoverPanic reports a recovered panic value. It is a no-op for nil.
func RecoverPanic(recovered any, tags map[string]string) {
	if recovered == nil || !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CurrentHub().Recover(recovered)
	})
}

// Flush waits for all events to be sent to Sentry
func Flush(timeout time.Duration) bool {
	if !enabled.Load() {
		return true
	}
	return sentry.Flush(timeout)
}

// AddBreadcrumb adds a breadcrumb for debugging context
func AddBreadcrumb(category, message string, level sentry.Level) {
	if !enabled.Load() {
		return
	}
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   scrubPII(message),
		Level:     level,
		Timestamp: time.Now(),
	})
}

// ScrubPII exposes the PII scrubbing function for external use
func ScrubPII(text string) string {
	return scrubPII(text)
}

// IsSentryEnabled returns true once Init succeeded with a DSN
func IsSentryEnabled() bool {
	return enabled.Load()
}

// ValidateDSN checks if the provided DSN is valid
func ValidateDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "https://") && !strings.HasPrefix(dsn, "http://") {
		return fmt.Errorf("invalid Sentry DSN format")
	}
	return nil
}
