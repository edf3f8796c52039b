package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// MaxBackoff caps the delay between two attempts.
const MaxBackoff = time.Hour

// Policy holds the retry bounds applied by the worker.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Backoff returns base * 2^(attempts-1), capped at MaxBackoff. attempts is the
// count after the failed attempt was recorded, so the first retry waits base.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base >= MaxBackoff {
		return MaxBackoff
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

// IsRetryable classifies a failed call by its HTTP status. Zero means the call
// never got a response (network failure).
func IsRetryable(httpStatus int) bool {
	return httpStatus == 0 || httpStatus == 429 || httpStatus >= 500
}

// Decision is the transition the worker applies after a failed attempt.
type Decision struct {
	Status   Status
	Attempts int
	RetryAt  time.Time // zero unless Status is retrying
}

// DeadLetter reports whether the decision ends in the dead-letter list.
func (d Decision) DeadLetter() bool {
	return d.Status == StatusFailed
}

// OnFailure decides the next state of a log that had prevAttempts recorded
// attempts before the failure just observed.
func (p Policy) OnFailure(prevAttempts int, retryable bool, now time.Time) Decision {
	attempts := prevAttempts + 1
	if !retryable || attempts >= p.MaxAttempts {
		return Decision{Status: StatusFailed, Attempts: attempts}
	}
	return Decision{
		Status:   StatusRetrying,
		Attempts: attempts,
		RetryAt:  now.Add(Backoff(p.BaseDelay, attempts)),
	}
}

// ClassifyReason maps a failed call to a short, low-cardinality reason used
// for error_code and metric labels.
func ClassifyReason(err error, status int) string {
	if status == 0 && err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
