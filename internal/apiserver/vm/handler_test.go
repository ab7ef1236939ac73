package vm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

type fakeRegistry map[string]*model.VM

func (r fakeRegistry) GetVM(_ context.Context, name string) (*model.VM, error) {
	return r[name], nil
}

type fakeLifecycle struct {
	statuses  map[string]*model.VMStatus
	destroyed []string
}

func (l *fakeLifecycle) VMStatus(_ context.Context, name string) (*model.VMStatus, error) {
	st, ok := l.statuses[name]
	if !ok {
		return nil, apperr.NotFoundf("vm %q", name)
	}
	return st, nil
}

func (l *fakeLifecycle) DestroyVM(name string) error {
	if name == "" {
		return apperr.Invalidf("vm name is required")
	}
	l.destroyed = append(l.destroyed, name)
	return nil
}

func TestVMRoutes(t *testing.T) {
	lc := &fakeLifecycle{statuses: map[string]*model.VMStatus{"demo-runner-base-1": {Name: "demo-runner-base-1", ID: "abc", Status: "running"}}}
	reg := fakeRegistry{"demo-runner-base-1": {VMID: "abc", VMName: "demo-runner-base-1", Target: "vagrant"}}
	mux := http.NewServeMux()
	NewHandler(reg, lc).RegisterRoutes(mux)

	serve := func(method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	rec := serve(http.MethodGet, "/api/v1/vm?name=demo-runner-base-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"target":"vagrant"`)
	assert.Equal(t, http.StatusNotFound, serve(http.MethodGet, "/api/v1/vm?name=missing").Code)
	assert.Equal(t, http.StatusBadRequest, serve(http.MethodGet, "/api/v1/vm").Code)

	rec = serve(http.MethodGet, "/api/v1/vms/demo-runner-base-1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running"`)
	assert.Equal(t, http.StatusNotFound, serve(http.MethodGet, "/api/v1/vms/missing/status").Code)

	assert.Equal(t, http.StatusAccepted, serve(http.MethodDelete, "/api/v1/vms/demo-runner-base-1").Code)
	assert.Equal(t, []string{"demo-runner-base-1"}, lc.destroyed)
}
