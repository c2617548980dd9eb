package query

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AuthError API Key 无效或无权限，整个任务需要终止
type AuthError struct {
	Platform string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s 认证失败: %s", e.Platform, e.Message)
}

// TransportError 网络或服务端临时错误，可重试
type TransportError struct {
	Platform string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s 请求失败: %v", e.Platform, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError 响应无法解析，可重试
type DecodeError struct {
	Platform string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s 响应解析失败: %v", e.Platform, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// APIError 接口返回非零状态码（额度不足、语法错误等），本次查询终止
type APIError struct {
	Platform string
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s 接口错误 [%s]: %s", e.Platform, e.Code, e.Message)
}

// PartialError 部分平台失败，其余平台的结果仍然有效
type PartialError struct {
	Errs []error
}

func (e *PartialError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "部分平台查询失败: " + strings.Join(msgs, "; ")
}

// IsAuthError 判断是否需要终止整个任务
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsUnavailable 判断是否为重试耗尽后的网络错误
func IsUnavailable(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// isRetryableError 判断是否为可重试的错误
func isRetryableError(err error) bool {
	var transportErr *TransportError
	var decodeErr *DecodeError
	return errors.As(err, &transportErr) || errors.As(err, &decodeErr)
}

// 平台返回这些内容时属于限流，按网络错误重试
var rateLimitMessages = []string{
	"请求太多",
	"稍后再试",
	"rate limit",
	"too many requests",
	"请求频率过高",
	"请求过于频繁",
}

// 平台返回这些内容时属于 Key 错误
var authMessages = []string{
	"token",
	"api key",
	"apikey",
	"api-key",
	"unauthorized",
	"密钥",
	"认证",
	"未授权",
	"未登录",
}

func containsAny(msg string, keywords []string) bool {
	msg = strings.ToLower(msg)
	for _, k := range keywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

// classifyHTTPStatus 将非 200 的 HTTP 响应转换为对应错误
func classifyHTTPStatus(platform string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Platform: platform, Message: fmt.Sprintf("HTTP %d %s", status, msg)}
	case status == http.StatusTooManyRequests || status >= 500 || containsAny(msg, rateLimitMessages):
		return &TransportError{Platform: platform, Err: fmt.Errorf("HTTP %d", status)}
	default:
		return &APIError{Platform: platform, Code: fmt.Sprintf("HTTP %d", status), Message: msg}
	}
}

// classifyAPIMessage 将响应体中的错误码转换为对应错误
func classifyAPIMessage(platform, code, msg string) error {
	if containsAny(msg, authMessages) {
		return &AuthError{Platform: platform, Message: fmt.Sprintf("[%s] %s", code, msg)}
	}
	return &APIError{Platform: platform, Code: code, Message: msg}
}
