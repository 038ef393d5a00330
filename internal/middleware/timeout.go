package middleware

import (
	"net/http"
	"time"
)

// DefaultRequestTimeout leaves room for three upstream chat attempts with capped backoff
const DefaultRequestTimeout = 100 * time.Second

const timeoutBody = `{"error":"Request Timeout","details":"The request took too long to complete"}`

// Timeout bounds handler time. http.TimeoutHandler cancels the request context when the
// deadline passes, so upstream calls stop as well.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, timeoutBody)
	}
}
