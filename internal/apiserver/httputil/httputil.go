// Package httputil HTTP 处理器共用的响应与参数工具
package httputil

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"ci-keeper/internal/shared/apperr"
)

// maxBody 请求体上限
const maxBody = 1 << 20

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError 写入 {"error": msg}
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteMessage 写入 {"message": msg}
func WriteMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"message": message})
}

// WriteErr 按错误分类写入状态码，5xx 记日志
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[http.error] method=%s path=%s status=%d err=%v", r.Method, r.URL.Path, status, err)
	}
	WriteError(w, status, err.Error())
}

// DecodeJSON 解析请求体，失败时返回 ErrInvalid
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		return apperr.Invalidf("invalid request body: %v", err)
	}
	return nil
}

// RequiredQuery 读取必填查询参数
func RequiredQuery(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", apperr.Invalidf("%s is required", name)
	}
	return v, nil
}

// ParseID 解析正整数 ID
func ParseID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalidf("%s must be a positive integer", name)
	}
	return id, nil
}
