package internal

import (
	"time"

	sentry "github.com/getsentry/sentry-go"
)

var sentryEnabled = false

// SetupSentry enables error reporting when a DSN is configured.
func SetupSentry(dsn, environment string) {
	if dsn == "" {
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		Logger.WithError(err).Fatal("sentry.Init")
	}
	sentryEnabled = true
}

// HandleError logs an error and reports it to sentry if enabled.
func HandleError(err error) {
	entry := Logger.WithError(err)

	if sentryEnabled {
		if eventID := sentry.CaptureException(err); eventID != nil {
			entry = entry.WithField("sentry eventID", *eventID)
		}
	}

	entry.Error("Error")
}

// FlushError flushes buffered sentry events before exit.
func FlushError() {
	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
}
