// Package sentryx wraps the Sentry SDK behind an env-gated setup: without
// COMFYGO_SENTRY_DSN every function is a no-op.
package sentryx

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// Initialize sets up Sentry if a DSN is provided.
func Initialize(release string) error {
	dsn := os.Getenv("COMFYGO_SENTRY_DSN")
	if dsn == "" {
		return nil
	}

	environment := os.Getenv("COMFYGO_SENTRY_ENVIRONMENT")
	if environment == "" {
		environment = "production"
	}

	sampleRate := 1.0
	if rate := os.Getenv("COMFYGO_SENTRY_TRACES_SAMPLE_RATE"); rate != "" {
		fmt.Sscanf(rate, "%f", &sampleRate)
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		TracesSampleRate: sampleRate,
		Debug:            os.Getenv("COMFYGO_SENTRY_DEBUG") == "true",
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return nil
}

// Flush waits for all pending events to be sent.
func Flush(timeout time.Duration) {
	if sentry.CurrentHub().Client() != nil {
		sentry.Flush(timeout)
	}
}

// CaptureError reports an error with optional tags.
func CaptureError(err error, tags map[string]string) {
	if sentry.CurrentHub().Client() == nil || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Recover reports a panic and re-panics so the process still crashes.
func Recover() {
	if r := recover(); r != nil {
		if sentry.CurrentHub().Client() != nil {
			sentry.CurrentHub().Recover(r)
			sentry.Flush(2 * time.Second)
		}
		panic(r)
	}
}
