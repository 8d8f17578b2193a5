package certrefresh

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimedOut                = errors.New("certificate refresh timed out")
	ErrCancelled               = errors.New("certificate refresh cancelled")
	ErrNeedNewKeys             = errors.New("certificate key pair rejected")
	ErrSessionExpiredOrMissing = errors.New("session expired or missing")
	ErrInternal                = errors.New("certificate refresh failed")
)

// TooManyRequestsError is returned by the fetcher when the API rate limits
// certificate requests. A zero RetryAfter falls back to the backoff interval.
type TooManyRequestsError struct {
	RetryAfter time.Duration
}

func (e *TooManyRequestsError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("too many certificate requests, retry after %v", e.RetryAfter)
	}
	return "too many certificate requests"
}
