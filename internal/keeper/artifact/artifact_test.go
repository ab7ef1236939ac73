package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/shared/apperr"
)

type memUploader struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func newMemUploader() *memUploader {
	return &memUploader{objects: map[string]string{}, types: map[string]string{}}
}

func (u *memUploader) Upload(_ context.Context, key string, r io.Reader, size int64, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(b)) != size {
		return io.ErrUnexpectedEOF
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[key] = string(b)
	u.types[key] = contentType
	return nil
}

type entry struct {
	name, body string
	dir        bool
}

func tarball(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.dir {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

var reportEntries = []entry{
	{name: "report/", dir: true},
	{name: "report/junit.xml", body: "<testsuite/>"},
	{name: "./coverage.txt", body: "mode: set"},
	{name: "../escape.sh", body: "rm -rf /"},
	{name: "/etc/passwd", body: "root"},
}

func TestSaveExtractsTarGz(t *testing.T) {
	up := newMemUploader()
	s := New(up, 0, nil)
	data := gzipped(t, tarball(t, reportEntries))

	res, err := s.Save(context.Background(), "group/demo", "812", "build.tar.gz", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, "artifacts/group/demo/812/build.tar.gz", res.Key)
	assert.Equal(t, 2, res.Extracted)
	assert.Equal(t, []string{"report/junit.xml", "coverage.txt"}, res.Files)

	assert.Equal(t, string(data), up.objects["artifacts/group/demo/812/build.tar.gz"])
	assert.Equal(t, "<testsuite/>", up.objects["artifacts/group/demo/812/files/report/junit.xml"])
	assert.Equal(t, "mode: set", up.objects["artifacts/group/demo/812/files/coverage.txt"])
	assert.Len(t, up.objects, 3)
	assert.Contains(t, up.types["artifacts/group/demo/812/files/report/junit.xml"], "xml")
}

func TestSaveExtractsTarZst(t *testing.T) {
	up := newMemUploader()
	s := New(up, 0, nil)
	data := zstded(t, tarball(t, []entry{{name: "bin/keeper", body: "ELF"}}))

	res, err := s.Save(context.Background(), "demo", "9", "dist.tar.zst", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Extracted)
	assert.Equal(t, "ELF", up.objects["artifacts/demo/9/files/bin/keeper"])
}

func TestSavePlainFile(t *testing.T) {
	up := newMemUploader()
	s := New(up, 0, nil)

	res, err := s.Save(context.Background(), "demo", "9", `C:\out\log.txt`, bytes.NewReader([]byte("ok")), 2)
	require.NoError(t, err)
	assert.Equal(t, "artifacts/demo/9/log.txt", res.Key)
	assert.Zero(t, res.Extracted)
	assert.NotEmpty(t, res.Message)
	assert.Len(t, up.objects, 1)
}

func TestSaveLimitsFileCount(t *testing.T) {
	up := newMemUploader()
	s := New(up, 1, nil)
	data := tarball(t, []entry{{name: "a", body: "1"}, {name: "b", body: "2"}})

	res, err := s.Save(context.Background(), "demo", "9", "x.tar", bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Equal(t, 1, res.Extracted)
}

func TestSaveRejectsBadInput(t *testing.T) {
	s := New(newMemUploader(), 0, nil)
	ctx := context.Background()
	body := bytes.NewReader([]byte("x"))

	for _, tc := range []struct{ project, job, file string }{
		{"", "1", "a.txt"},
		{"../etc", "1", "a.txt"},
		{"group//demo", "1", "a.txt"},
		{"demo", "", "a.txt"},
		{"demo", "1/2", "a.txt"},
		{"demo", "1", ""},
	} {
		_, err := s.Save(ctx, tc.project, tc.job, tc.file, body, 1)
		assert.ErrorIs(t, err, apperr.ErrInvalid, "%+v", tc)
	}

	_, err := s.Save(ctx, "demo", "1", "broken.tgz", bytes.NewReader([]byte("not gzip")), 8)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}
