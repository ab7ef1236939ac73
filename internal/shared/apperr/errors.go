// Package apperr 定义 keeper 的领域错误分类
//
// 协作方（账本、资源池、VM 驱动、仓库主机客户端）返回这些哨兵错误或其包装，
// HTTP 层通过 HTTPStatus 统一映射为状态码。
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"ci-keeper/internal/shared/storage"
)

var (
	// ErrNotFound 引用的项目/用户/Runner/IP/模板不存在
	ErrNotFound = errors.New("not found")

	// ErrConflict 重复预留、重复注册
	ErrConflict = errors.New("conflict")

	// ErrUpstream 仓库主机或扫描器返回错误
	ErrUpstream = errors.New("upstream failure")

	// ErrDriver 远程 VM 命令失败或不可达
	ErrDriver = errors.New("vm driver failure")

	// ErrInvalid 请求参数不合法
	ErrInvalid = errors.New("invalid argument")

	// ErrNoCapacity IP 池耗尽，从资源池视角是 NotFound
	ErrNoCapacity = fmt.Errorf("%w: no available ip provision", ErrNotFound)

	// ErrAlreadyReserved 项目已持有一个活跃预留
	ErrAlreadyReserved = fmt.Errorf("%w: project already holds a reservation", ErrConflict)
)

// UpstreamError 上游 HTTP 调用失败，携带上游状态码
type UpstreamError struct {
	StatusCode int
	Message    string
	Method     string
	URL        string
}

func (e *UpstreamError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("upstream %s: status %d: %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// Upstream 构造上游错误
func Upstream(method, url string, code int, message string) error {
	return &UpstreamError{StatusCode: code, Message: message, Method: method, URL: url}
}

// UpstreamStatus 若 err 是上游错误则返回其状态码
func UpstreamStatus(err error) (int, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode, true
	}
	return 0, false
}

// IsCapacity 容量耗尽或项目已占用，调用方应取消并入队重试
func IsCapacity(err error) bool {
	return errors.Is(err, ErrNoCapacity) || errors.Is(err, ErrAlreadyReserved)
}

// HTTPStatus 错误到 HTTP 状态码的映射
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrUpstream):
		// 上游状态码为错误码时原样透出
		if code, ok := UpstreamStatus(err); ok && code >= 400 && code < 600 {
			return code
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Invalidf 构造参数错误
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// NotFoundf 构造不存在错误
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf 构造冲突错误
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Driverf 构造驱动错误
func Driverf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDriver, fmt.Sprintf(format, args...))
}
