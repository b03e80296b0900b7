package retry

import (
	"math"
	"net"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/pkg/errors"

	"github.com/glaciate/snowfall/pkg/models"
)

// ErrLimitExceeded indicates the attempt limit was hit with only transient
// failures observed.
var ErrLimitExceeded = errors.New("retry limit exceeded")

// sleep is swapped in tests to keep backoff out of the test clock.
var sleep = time.Sleep

// Do runs fn up to limit times, backing off exponentially between attempts.
// Only transient failures are retried; any other error returns immediately.
func Do(limit int, fn func(attempt int) error) error {
	var lastErr error

	for i := 0; i < limit; i++ {
		lastErr = fn(i)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		sleep(waitTime(i))
	}

	return errors.Wrap(lastErr, ErrLimitExceeded.Error())
}

func waitTime(attempt int) time.Duration {
	wait := math.Pow(2.0, float64(attempt)) / 8
	if wait > 10 {
		wait = 10
	}
	return time.Duration(wait*1000) * time.Millisecond
}

// IsTransient classifies an error as retryable. Throttling, timeouts and
// 5xx-class responses are transient; auth and permission failures are not.
func IsTransient(err error) bool {
	cause := errors.Cause(err)

	var te *models.TransientError
	if errors.As(cause, &te) {
		return true
	}

	if reqErr, ok := cause.(awserr.RequestFailure); ok {
		return reqErr.StatusCode() >= 500 || reqErr.StatusCode() == 429
	}
	if aerr, ok := cause.(awserr.Error); ok {
		switch aerr.Code() {
		case "RequestTimeout", "RequestError", "Throttling", "ThrottlingException", "SlowDown":
			return true
		}
		return false
	}

	var nerr net.Error
	if errors.As(cause, &nerr) {
		return nerr.Timeout()
	}

	return false
}
