package project

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/storage/dbutil"
	"ci-keeper/internal/shared/storage/repository"
)

type fakeHost struct{}

func (fakeHost) FindUser(_ context.Context, token, username string) (*githost.User, error) {
	if token != "user-token" {
		return nil, apperr.Upstream(http.MethodGet, "/users", http.StatusUnauthorized, "401 Unauthorized")
	}
	if username != "alice" {
		return nil, apperr.NotFoundf("user %q", username)
	}
	return &githost.User{ID: 5, Username: "alice"}, nil
}

func (fakeHost) FindProject(_ context.Context, _ string, path string) (*githost.Project, error) {
	if path != "group/demo" {
		return nil, apperr.NotFoundf("project %q", path)
	}
	return &githost.Project{ID: 1, Name: "demo", PathWithNamespace: path}, nil
}

func newEnv(t *testing.T) (*http.ServeMux, *repository.Store) {
	t.Helper()
	store, err := repository.Open(dbutil.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mux := http.NewServeMux()
	NewHandler(fakeHost{}, store, 10).RegisterRoutes(mux)
	return mux, store
}

func serve(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestAddUserProject(t *testing.T) {
	mux, store := newEnv(t)
	target := "/api/v1/user_project?username=alice&token=user-token&project_name=group/demo"

	rec := serve(mux, http.MethodPost, target, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "user-token")

	u, err := store.GetUserByName(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "user-token", u.Token)

	token, err := store.GetProjectToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "user-token", token)

	assert.Equal(t, http.StatusConflict, serve(mux, http.MethodPost, target, "").Code)
}

func TestAddUserProjectErrors(t *testing.T) {
	mux, _ := newEnv(t)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing username", "/api/v1/user_project?token=user-token&project_name=group/demo", http.StatusBadRequest},
		{"missing token", "/api/v1/user_project?username=alice&project_name=group/demo", http.StatusBadRequest},
		{"missing project", "/api/v1/user_project?username=alice&token=user-token", http.StatusBadRequest},
		{"bad token", "/api/v1/user_project?username=alice&token=nope&project_name=group/demo", http.StatusUnauthorized},
		{"unknown user", "/api/v1/user_project?username=bob&token=user-token&project_name=group/demo", http.StatusNotFound},
		{"unknown project", "/api/v1/user_project?username=alice&token=user-token&project_name=group/none", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serve(mux, http.MethodPost, tt.target, "").Code)
		})
	}
}

func TestListAndPriority(t *testing.T) {
	mux, store := newEnv(t)

	rec := serve(mux, http.MethodGet, "/api/v1/projects", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"projects":[],"count":0}`, rec.Body.String())

	require.Equal(t, http.StatusCreated,
		serve(mux, http.MethodPost, "/api/v1/user_project?username=alice&token=user-token&project_name=group/demo", "").Code)

	rec = serve(mux, http.MethodPut, "/api/v1/projects/1/priority", `{"priority":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p, err := store.GetProject(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Priority)

	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodPut, "/api/v1/projects/1/priority", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodPut, "/api/v1/projects/x/priority", `{"priority":1}`).Code)
	assert.Equal(t, http.StatusNotFound, serve(mux, http.MethodPut, "/api/v1/projects/99/priority", `{"priority":1}`).Code)

	rec = serve(mux, http.MethodGet, "/api/v1/projects", "")
	assert.Contains(t, rec.Body.String(), `"project_name":"group/demo"`)
}
