// Package artifact 把作业产物归档到对象存储
//
// 原始文件存为 artifacts/{project}/{job}/{filename}；tar 包（.tar、.tar.gz、.tgz、.tar.zst）
// 同时逐个展开到 artifacts/{project}/{job}/files/ 下。
package artifact

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"ci-keeper/internal/shared/apperr"
	"ci-keeper/pkg/logging"
)

const (
	keyRoot = "artifacts"

	// DefaultMaxFiles 单个 tar 包最多展开的文件数
	DefaultMaxFiles = 10000
)

// Uploader 对象存储写入
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Result 归档结果
type Result struct {
	Key       string   `json:"key"`
	Size      int64    `json:"size"`
	Extracted int      `json:"extracted"`
	Files     []string `json:"files,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Store 产物归档
type Store struct {
	uploader Uploader
	maxFiles int
	log      *logging.Logger
}

// New 创建归档器，maxFiles <= 0 时使用 DefaultMaxFiles
func New(uploader Uploader, maxFiles int, log *logging.Logger) *Store {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Store{uploader: uploader, maxFiles: maxFiles, log: log.Named("artifact")}
}

// Prefix 作业产物的对象键前缀
func Prefix(project, jobID string) string {
	return path.Join(keyRoot, project, jobID)
}

// Save 上传产物；tar 包再展开一份，r 需要能回到开头重读
func (s *Store) Save(ctx context.Context, project, jobID, filename string, r io.ReadSeeker, size int64) (*Result, error) {
	if err := checkSegment("project_name", project, true); err != nil {
		return nil, err
	}
	if err := checkSegment("job_id", jobID, false); err != nil {
		return nil, err
	}
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if filename == "." || filename == "/" || filename == ".." {
		return nil, apperr.Invalidf("artifact filename is required")
	}

	prefix := Prefix(project, jobID)
	res := &Result{Key: path.Join(prefix, filename), Size: size}
	if err := s.uploader.Upload(ctx, res.Key, r, size, contentType(filename)); err != nil {
		return nil, err
	}

	open := decompressor(filename)
	if open == nil {
		res.Message = "stored as is, not a tar archive"
		s.log.Info("artifact stored", "key", res.Key, "size", size)
		return res, nil
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", filename, err)
	}
	rc, err := open(r)
	if err != nil {
		return nil, apperr.Invalidf("open archive %s: %v", filename, err)
	}
	defer rc.Close()

	if err := s.extract(ctx, tar.NewReader(rc), path.Join(prefix, "files"), res); err != nil {
		return res, err
	}
	s.log.Info("artifact extracted", "key", res.Key, "size", size, "files", res.Extracted)
	return res, nil
}

func (s *Store) extract(ctx context.Context, tr *tar.Reader, prefix string, res *Result) error {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return apperr.Invalidf("read archive: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, ok := entryName(hdr.Name)
		if !ok {
			s.log.Warn("archive entry skipped", "name", hdr.Name)
			continue
		}
		if res.Extracted >= s.maxFiles {
			return apperr.Invalidf("archive has more than %d files", s.maxFiles)
		}
		key := path.Join(prefix, name)
		if err := s.uploader.Upload(ctx, key, io.LimitReader(tr, hdr.Size), hdr.Size, contentType(name)); err != nil {
			return err
		}
		res.Extracted++
		res.Files = append(res.Files, name)
	}
}

// entryName 归一化 tar 条目名，拒绝绝对路径和跳出目录的路径
func entryName(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

// checkSegment 校验对象键中的路径段；project 允许 group/name 形式
func checkSegment(field, v string, nested bool) error {
	if v == "" {
		return apperr.Invalidf("%s is required", field)
	}
	if !nested && strings.Contains(v, "/") {
		return apperr.Invalidf("%s must not contain '/'", field)
	}
	for _, seg := range strings.Split(v, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.Contains(seg, "\\") {
			return apperr.Invalidf("invalid %s %q", field, v)
		}
	}
	return nil
}

type openFunc func(io.Reader) (io.ReadCloser, error)

// decompressor 按扩展名选择解压方式，不是 tar 包时返回 nil
func decompressor(filename string) openFunc {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		}
	case strings.HasSuffix(lower, ".tar.zst"):
		return func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		}
	case strings.HasSuffix(lower, ".tar"):
		return func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(r), nil
		}
	}
	return nil
}

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
