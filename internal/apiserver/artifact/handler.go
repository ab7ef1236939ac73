// Package artifact 作业产物上传 - HTTP 处理
package artifact

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/keeper/artifact"
	"ci-keeper/internal/shared/apperr"
)

const (
	formField = "artifact"
	// 超出部分由 multipart 落到临时文件
	maxMemory = 32 << 20
)

// Saver 产物归档
type Saver interface {
	Save(ctx context.Context, project, jobID, filename string, r io.ReadSeeker, size int64) (*artifact.Result, error)
}

// Handler 产物 HTTP 处理器
type Handler struct {
	saver   Saver // 未配置对象存储时为 nil
	maxSize int64
}

// NewHandler 创建处理器；maxSize 为单次上传的字节上限
func NewHandler(saver Saver, maxSize int64) *Handler {
	return &Handler{saver: saver, maxSize: maxSize}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/artifacts/upload", h.Upload)
}

// Upload 接收 multipart 字段 artifact，归档到对象存储
//
// 路由: POST /api/v1/artifacts/upload?project_name=&job_id=
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.saver == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "object storage is not configured")
		return
	}
	project, err := httputil.RequiredQuery(r, "project_name")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	jobID, err := httputil.RequiredQuery(r, "job_id")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}

	if h.maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxSize)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "artifact is too large")
			return
		}
		httputil.WriteErr(w, r, apperr.Invalidf("invalid multipart body: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(formField)
	if err != nil {
		httputil.WriteErr(w, r, apperr.Invalidf("form field %q is required", formField))
		return
	}
	defer file.Close()

	res, err := h.saver.Save(r.Context(), project, jobID, header.Filename, file, header.Size)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[artifact.uploaded] project=%s job_id=%s key=%s size=%d extracted=%d",
		project, jobID, res.Key, res.Size, res.Extracted)
	httputil.WriteJSON(w, http.StatusCreated, res)
}
