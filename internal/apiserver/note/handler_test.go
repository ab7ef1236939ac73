package note

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/keeper/notes"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

type fakeNotes struct {
	project, name string
	target        notes.Target
	entries       map[string]any
	templates     map[string]string
}

func (f *fakeNotes) Comment(_ context.Context, project, name string, target notes.Target, entries map[string]any) (*notes.Posted, error) {
	f.project, f.name, f.target, f.entries = project, name, target, entries
	if _, ok := f.templates[name]; !ok {
		return nil, apperr.NotFoundf("template note/%s", name)
	}
	return &notes.Posted{Project: project, Target: target.String(), Body: "ok"}, nil
}

func (f *fakeNotes) GetTemplate(_ context.Context, name string) (*model.TemplateItem, error) {
	content, ok := f.templates[name]
	if !ok {
		return nil, apperr.NotFoundf("template note/%s", name)
	}
	return &model.TemplateItem{Category: notes.CategoryNote, Name: name, Content: content}, nil
}

func (f *fakeNotes) SaveTemplate(_ context.Context, name, content string) (*model.TemplateItem, error) {
	if strings.Contains(content, "{{") && !strings.Contains(content, "}}") {
		return nil, apperr.Invalidf("parse template %s", name)
	}
	f.templates[name] = content
	return &model.TemplateItem{Category: notes.CategoryNote, Name: name, Content: content}, nil
}

func serve(f *fakeNotes, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	NewHandler(f).RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestCommentOnNestedProject(t *testing.T) {
	f := &fakeNotes{templates: map[string]string{"release": "x"}}
	rec := serve(f, http.MethodPost, "/api/v1/notes/group/sub/demo?name=release&sha=abc&issuer=alice",
		`{"entries":{"version":"1.2.0"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "group/sub/demo", f.project)
	assert.Equal(t, "release", f.name)
	assert.Equal(t, notes.Target{SHA: "abc"}, f.target)
	assert.Equal(t, map[string]any{"version": "1.2.0", "issuer": "alice"}, f.entries)
	assert.Contains(t, rec.Body.String(), `"target":"commit abc"`)
}

func TestCommentTargetsAndErrors(t *testing.T) {
	f := &fakeNotes{templates: map[string]string{"release": "x"}}

	rec := serve(f, http.MethodPost, "/api/v1/notes/demo?name=release&mr_iid=8", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, notes.Target{MergeRequestIID: 8}, f.target)

	assert.Equal(t, http.StatusBadRequest, serve(f, http.MethodPost, "/api/v1/notes/demo?sha=a", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(f, http.MethodPost, "/api/v1/notes/demo?name=release&issue_iid=x", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, serve(f, http.MethodPost, "/api/v1/notes/demo?name=nope&sha=a", `{}`).Code)
}

func TestTemplateRoutes(t *testing.T) {
	f := &fakeNotes{templates: map[string]string{}}

	rec := serve(f, http.MethodPost, "/api/v1/notes/template/deploy", `{"content":"deployed {{.env}}"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, f.project, "template route must not fall through to the comment route")

	rec = serve(f, http.MethodGet, "/api/v1/notes/template/deploy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"deployed {{.env}}"`)

	assert.Equal(t, http.StatusBadRequest, serve(f, http.MethodPost, "/api/v1/notes/template/bad", `{"content":"{{.env"}`).Code)
	assert.Equal(t, http.StatusNotFound, serve(f, http.MethodGet, "/api/v1/notes/template/missing", "").Code)
}
