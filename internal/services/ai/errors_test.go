package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Unwrap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *APIError
		want error
	}{
		{"quota code", &APIError{StatusCode: 429, Code: "insufficient_quota"}, ErrQuotaExceeded},
		{"permanent", &APIError{StatusCode: 403, IsPermanent: true}, ErrQuotaExceeded},
		{"rate limit", &APIError{StatusCode: 429}, ErrRateLimited},
		{"unauthorized", &APIError{StatusCode: 401}, ErrAuthentication},
		{"forbidden", &APIError{StatusCode: 403}, ErrAuthentication},
		{"bad request", &APIError{StatusCode: 400}, ErrValidation},
		{"unprocessable", &APIError{StatusCode: 422}, ErrValidation},
		{"gateway timeout", &APIError{StatusCode: 504}, ErrUpstreamTimeout},
		{"server error", &APIError{StatusCode: 502}, ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.err, tt.want)
		})
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ClassifyError(nil))
	assert.ErrorIs(t, ClassifyError(context.DeadlineExceeded), ErrUpstreamTimeout)
	assert.ErrorIs(t, ClassifyError(errors.New("connection reset")), ErrUpstream)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"quota", &APIError{StatusCode: 429, Code: "insufficient_quota"}, false},
		{"auth", &APIError{StatusCode: 401}, false},
		{"validation", fmt.Errorf("%w: bad", ErrValidation), false},
		{"rate limit", &APIError{StatusCode: 429}, true},
		{"timeout", fmt.Errorf("%w: slow", ErrUpstreamTimeout), true},
		{"upstream", &APIError{StatusCode: 503}, true},
		{"persistence", fmt.Errorf("%w: db", ErrPersistence), true},
		{"unclassified", errors.New("mystery"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	t.Parallel()
	quota := &APIError{StatusCode: 429, Code: "insufficient_quota"}
	rateLimit := &APIError{StatusCode: 429}
	longWait := 20 * time.Minute
	rateLimitWithHeader := &APIError{StatusCode: 429, RetryAfter: &longWait}
	upstream := &APIError{StatusCode: 500}

	tests := []struct {
		name    string
		err     error
		attempt int
		want    time.Duration
	}{
		{"quota first", quota, 0, time.Hour},
		{"quota third", quota, 2, 4 * time.Hour},
		{"quota capped", quota, 8, 24 * time.Hour},
		{"rate limit first", rateLimit, 0, time.Minute},
		{"rate limit second", rateLimit, 1, 2 * time.Minute},
		{"rate limit capped", rateLimit, 6, 15 * time.Minute},
		{"retry-after wins", rateLimitWithHeader, 0, 20 * time.Minute},
		{"default first", upstream, 0, 5 * time.Second},
		{"default second", upstream, 1, 10 * time.Second},
		{"default capped", upstream, 9, 5 * time.Minute},
		{"negative attempt", upstream, -3, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, GetRetryDelay(tt.err, tt.attempt))
		})
	}
}
