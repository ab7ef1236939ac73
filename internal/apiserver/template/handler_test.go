package template

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/shared/storage/dbutil"
	"ci-keeper/internal/shared/storage/repository"
)

func newMux(t *testing.T) *http.ServeMux {
	t.Helper()
	store, err := repository.Open(dbutil.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mux := http.NewServeMux()
	NewHandler(store).RegisterRoutes(mux)
	return mux
}

func serve(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestTemplateCRUD(t *testing.T) {
	mux := newMux(t)

	rec := serve(mux, http.MethodPost, "/api/v1/store?category=release", `{"name":"b","content":"second","priority":2}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = serve(mux, http.MethodPost, "/api/v1/store?category=release", `{"name":"a","content":"first","priority":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(mux, http.MethodGet, "/api/v1/store?category=release", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "a", list.Items[0].Name)

	// 同名写入覆盖
	rec = serve(mux, http.MethodPost, "/api/v1/store?category=release", `{"name":"a","content":"updated","priority":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = serve(mux, http.MethodGet, "/api/v1/store/release/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"updated"`)

	rec = serve(mux, http.MethodDelete, "/api/v1/store/release/a", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, serve(mux, http.MethodGet, "/api/v1/store/release/a", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(mux, http.MethodDelete, "/api/v1/store/release/a", "").Code)
}

func TestTemplateValidation(t *testing.T) {
	mux := newMux(t)

	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodGet, "/api/v1/store", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodPost, "/api/v1/store", `{"name":"a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodPost, "/api/v1/store?category=x", `{"content":"c"}`).Code)

	rec := serve(mux, http.MethodGet, "/api/v1/store?category=empty", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[],"count":0}`, rec.Body.String())
}
