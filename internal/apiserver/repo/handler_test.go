package repo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/keeper/notes"
	"ci-keeper/internal/shared/apperr"
)

type fakeHost struct {
	triggered map[int64]string
	vars      map[string]githost.Variable
}

func newFakeHost() *fakeHost {
	return &fakeHost{triggered: map[int64]string{}, vars: map[string]githost.Variable{}}
}

func (f *fakeHost) TriggerPipeline(_ context.Context, projectID int64, ref string) (*githost.Pipeline, error) {
	f.triggered[projectID] = ref
	return &githost.Pipeline{ID: 900, ProjectID: projectID, Ref: ref, Status: "created"}, nil
}

func (f *fakeHost) GetCommitStatuses(_ context.Context, _ int64, sha string) ([]githost.CommitStatus, error) {
	if sha == "unknown" {
		return nil, nil
	}
	return []githost.CommitStatus{{ID: 1, SHA: sha, Name: "test", Status: "success"}}, nil
}

func (f *fakeHost) ListVariables(context.Context, int64) ([]githost.Variable, error) {
	out := make([]githost.Variable, 0, len(f.vars))
	for _, v := range f.vars {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeHost) AddVariable(_ context.Context, _ int64, v githost.Variable) (*githost.Variable, error) {
	if _, ok := f.vars[v.Key]; ok {
		return nil, apperr.Upstream(http.MethodPost, "/variables", http.StatusBadRequest, "key has already been taken")
	}
	f.vars[v.Key] = v
	return &v, nil
}

func (f *fakeHost) UpdateVariable(_ context.Context, _ int64, v githost.Variable) (*githost.Variable, error) {
	if _, ok := f.vars[v.Key]; !ok {
		return nil, apperr.Upstream(http.MethodPut, "/variables/"+v.Key, http.StatusNotFound, "404 Variable Not Found")
	}
	f.vars[v.Key] = v
	return &v, nil
}

func (f *fakeHost) DeleteVariable(_ context.Context, _ int64, key string) error {
	delete(f.vars, key)
	return nil
}

type fakeFiles struct {
	projectID int64
	req       notes.FileRequest
}

func (f *fakeFiles) WriteFile(_ context.Context, projectID int64, req notes.FileRequest) error {
	if req.Template == "" {
		return apperr.Invalidf("path, branch and template are required")
	}
	f.projectID, f.req = projectID, req
	return nil
}

func serve(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestTriggerPipeline(t *testing.T) {
	host := newFakeHost()
	h := NewHandler(host, &fakeFiles{})

	rec := serve(h, http.MethodPost, "/api/v1/projects/42/pipelines?ref=main", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "main", host.triggered[42])
	assert.Contains(t, rec.Body.String(), `"id":900`)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/v1/projects/42/pipelines", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/v1/projects/x/pipelines?ref=main", "").Code)
}

func TestCommitStatuses(t *testing.T) {
	h := NewHandler(newFakeHost(), &fakeFiles{})

	rec := serve(h, http.MethodGet, "/api/v1/projects/42/commits/abc/statuses", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = serve(h, http.MethodGet, "/api/v1/projects/42/commits/unknown/statuses", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"statuses":[]`)
}

func TestVariableLifecycle(t *testing.T) {
	host := newFakeHost()
	h := NewHandler(host, &fakeFiles{})

	rec := serve(h, http.MethodPost, "/api/v1/projects/42/variables", `{"key":"DEPLOY_ENV","value":"staging"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest,
		serve(h, http.MethodPost, "/api/v1/projects/42/variables", `{"key":"DEPLOY_ENV","value":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		serve(h, http.MethodPost, "/api/v1/projects/42/variables", `{"value":"x"}`).Code)

	rec = serve(h, http.MethodPut, "/api/v1/projects/42/variables/DEPLOY_ENV", `{"key":"IGNORED","value":"prod","masked":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, githost.Variable{Key: "DEPLOY_ENV", Value: "prod", Masked: true}, host.vars["DEPLOY_ENV"])
	assert.NotContains(t, host.vars, "IGNORED")

	assert.Equal(t, http.StatusNotFound,
		serve(h, http.MethodPut, "/api/v1/projects/42/variables/MISSING", `{"value":"x"}`).Code)

	rec = serve(h, http.MethodGet, "/api/v1/projects/42/variables", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodDelete, "/api/v1/projects/42/variables/DEPLOY_ENV", "").Code)
	assert.Empty(t, host.vars)
}

func TestWriteFile(t *testing.T) {
	files := &fakeFiles{}
	h := NewHandler(newFakeHost(), files)

	rec := serve(h, http.MethodPost, "/api/v1/projects/42/files",
		`{"path":"CHANGELOG.md","branch":"main","template":"changelog","entries":{"version":"1.2.0"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(42), files.projectID)
	assert.Equal(t, "CHANGELOG.md", files.req.Path)
	assert.Equal(t, "1.2.0", files.req.Entries["version"])

	assert.Equal(t, http.StatusBadRequest,
		serve(h, http.MethodPost, "/api/v1/projects/42/files", `{"path":"a","branch":"main"}`).Code)
}
