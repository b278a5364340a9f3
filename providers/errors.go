package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode 统一错误码
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	ErrModelNotFound  ErrorCode = "MODEL_NOT_FOUND"
	ErrUpstreamError  ErrorCode = "UPSTREAM_ERROR"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrParseFailure   ErrorCode = "PARSE_FAILURE"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
)

// Error 结构化错误，携带错误码与重试提示
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 创建指定错误码的 Error
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// =============================================================================
// 错误分类
// =============================================================================

// Class 错误分类，驱动重试与熔断策略
type Class int

const (
	// ClassRateLimit 限流类：延迟 Key 并重试，不计入熔断
	ClassRateLimit Class = iota
	// ClassTransient 瞬态类：退避重试，计入熔断失败
	ClassTransient
	// ClassFatal 致命类：认证失败或模型不存在，该 (provider, model) 在本进程内永久停用
	ClassFatal
	// ClassParse 解析类：响应缺失文本，按瞬态处理但只重试一次
	ClassParse
)

func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Classify 对调用错误分类
// 未知错误一律按瞬态处理
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case ErrRateLimited, ErrQuotaExceeded:
			return ClassRateLimit
		case ErrUnauthorized, ErrForbidden, ErrModelNotFound:
			return ClassFatal
		case ErrParseFailure:
			return ClassParse
		}
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	// 文本兜底：部分上游把限流信息塞进 200/400 响应体
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate_limit") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") {
		return ClassRateLimit
	}
	if strings.Contains(msg, "model_not_found") {
		return ClassFatal
	}

	return ClassTransient
}

// MapHTTPError 将上游 HTTP 错误映射为结构化 Error
// 各家族的错误响应体均带有 message 字段，统一提取
func MapHTTPError(provider string, status int, body []byte) *Error {
	msg := extractErrMessage(body)

	switch status {
	case http.StatusUnauthorized:
		return &Error{Code: ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &Error{Code: ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusNotFound:
		return &Error{Code: ErrModelNotFound, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "rate_limit") {
			return &Error{Code: ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		if strings.Contains(lower, "model_not_found") || strings.Contains(lower, "model not found") {
			return &Error{Code: ErrModelNotFound, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &Error{Code: ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &Error{Code: ErrTimeout, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &Error{Code: ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}
