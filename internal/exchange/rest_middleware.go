package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind REST/流错误分类。
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindAuth                // 凭证或签名无效，终态，不自动重试
	ErrorKindValidation          // 请求格式错误，直接上抛
	ErrorKindRateLimit           // 远端限流，附带 retry 提示
	ErrorKindTransient           // 网络/服务端瞬时故障，驱动重试或重连
	ErrorKindDecode              // 响应解析失败
	ErrorKindState               // 在错误连接状态下调用
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindAuth:
		return "auth"
	case ErrorKindValidation:
		return "validation"
	case ErrorKindRateLimit:
		return "rate_limit"
	case ErrorKindTransient:
		return "transient"
	case ErrorKindDecode:
		return "decode"
	case ErrorKindState:
		return "state"
	default:
		return "unknown"
	}
}

// IsRetriable 是否值得重试。
func (k ErrorKind) IsRetriable() bool {
	switch k {
	case ErrorKindRateLimit, ErrorKindTransient:
		return true
	default:
		return false
	}
}

// APIError HTTP 状态映射后的调用错误。
type APIError struct {
	Kind       ErrorKind
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration // 限流时远端给出的建议等待，可为 0
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s): %s", e.Kind, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// venueErrorBody 远端错误响应体。
type venueErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ClassifyStatus 把 HTTP 状态码归入错误分类。
func ClassifyStatus(status int, body []byte, retryAfter time.Duration) *APIError {
	apiErr := &APIError{Status: status, RetryAfter: retryAfter}
	var ve venueErrorBody
	if err := json.Unmarshal(body, &ve); err == nil {
		apiErr.Code = ve.Error.Code
		apiErr.Message = ve.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		apiErr.Kind = ErrorKindAuth
	case status == http.StatusTooManyRequests:
		apiErr.Kind = ErrorKindRateLimit
	case status >= 500 || status == http.StatusRequestTimeout:
		apiErr.Kind = ErrorKindTransient
	case status >= 400:
		apiErr.Kind = ErrorKindValidation
	default:
		apiErr.Kind = ErrorKindUnknown
	}
	return apiErr
}

// RetryLogic REST 重试策略。
type RetryLogic struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus map[int]bool
}

// DefaultRetryLogic 默认重试策略。
func DefaultRetryLogic() RetryLogic {
	return RetryLogic{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		RetryableStatus: map[int]bool{
			http.StatusRequestTimeout:      true,
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
	}
}

// shouldRetry 判断状态码是否可重试。
func (r RetryLogic) shouldRetry(status int) bool {
	return r.RetryableStatus[status]
}

// nextDelay 指数退避的下一档延迟。
func (r RetryLogic) nextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * r.BackoffFactor)
	if next > r.MaxDelay {
		return r.MaxDelay
	}
	return next
}

// retryAfterHint 从响应头解析 Retry-After（秒数或 HTTP-date）。
func retryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
