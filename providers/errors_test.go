package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Classify
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"rate limited", NewError(ErrRateLimited, "slow down"), ClassRateLimit},
		{"quota exceeded", NewError(ErrQuotaExceeded, "quota"), ClassRateLimit},
		{"unauthorized", NewError(ErrUnauthorized, "bad key"), ClassFatal},
		{"forbidden", NewError(ErrForbidden, "nope"), ClassFatal},
		{"model not found", NewError(ErrModelNotFound, "gone"), ClassFatal},
		{"parse failure", NewError(ErrParseFailure, "empty"), ClassParse},
		{"upstream error", NewError(ErrUpstreamError, "500"), ClassTransient},
		{"timeout", NewError(ErrTimeout, "deadline"), ClassTransient},
		{"wrapped structured error", fmt.Errorf("call failed: %w", NewError(ErrRateLimited, "429")), ClassRateLimit},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"plain error", errors.New("socket reset"), ClassTransient},
		{"rate limit in text", errors.New("upstream said rate_limit hit"), ClassRateLimit},
		{"quota in text", errors.New("monthly quota exhausted"), ClassRateLimit},
		{"model_not_found in text", errors.New("model_not_found: x"), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// ---------------------------------------------------------------------------
// MapHTTPError
// ---------------------------------------------------------------------------

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  ErrorCode
		retryable bool
	}{
		{"401", 401, `{"error":{"message":"invalid api key"}}`, ErrUnauthorized, false},
		{"403", 403, `{}`, ErrForbidden, false},
		{"404", 404, `{"error":{"message":"model not found"}}`, ErrModelNotFound, false},
		{"429", 429, `{"error":{"message":"rate limited"}}`, ErrRateLimited, true},
		{"400 quota text", 400, `{"error":{"message":"quota exceeded"}}`, ErrQuotaExceeded, false},
		{"400 model text", 400, `{"message":"model_not_found"}`, ErrModelNotFound, false},
		{"400 generic", 400, `{"error":{"message":"bad request"}}`, ErrInvalidRequest, false},
		{"500", 500, `oops`, ErrUpstreamError, true},
		{"502", 502, ``, ErrUpstreamError, true},
		{"504", 504, ``, ErrTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := MapHTTPError("p1", tt.status, []byte(tt.body))
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, "p1", e.Provider)
			assert.Equal(t, tt.status, e.HTTPStatus)
		})
	}
}

func TestMapHTTPError_MessageExtraction(t *testing.T) {
	e := MapHTTPError("p1", 500, []byte(`{"error":{"message":"boom"}}`))
	assert.Equal(t, "boom", e.Message)

	e = MapHTTPError("p1", 500, []byte(`{"message":"flat"}`))
	assert.Equal(t, "flat", e.Message)

	e = MapHTTPError("p1", 500, []byte(`  raw text  `))
	assert.Equal(t, "raw text", e.Message)
}

// ---------------------------------------------------------------------------
// Error wrapping
// ---------------------------------------------------------------------------

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := NewError(ErrUpstreamError, "wrapped").WithCause(cause).WithProvider("p1")

	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "UPSTREAM_ERROR")
	assert.Contains(t, e.Error(), "root cause")

	var pe *Error
	require.True(t, errors.As(fmt.Errorf("outer: %w", e), &pe))
	assert.Equal(t, "p1", pe.Provider)
}
