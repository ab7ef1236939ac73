package issue

import (
	"context"
	"net/http"
	"strings"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/keeper/scanner"
	"ci-keeper/internal/keeper/tracker"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

type fakeDispatcher struct {
	project, severities, createdInLast string
	err                                error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, project, severities, createdInLast string) (*scanner.DispatchResult, error) {
	d.project, d.severities, d.createdInLast = project, severities, createdInLast
	if d.err != nil {
		return nil, d.err
	}
	return &scanner.DispatchResult{Project: project, Total: 3, Created: 2, Duplicated: 1}, nil
}

func serve(d Dispatcher, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	NewHandler(d, nil).RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
	return rec
}

func TestPerSonarQubeDefaults(t *testing.T) {
	d := &fakeDispatcher{}
	rec := serve(d, "/api/v1/issues/per-sonarqube?sonarqube_project_name=demo")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "demo", d.project)
	assert.Equal(t, defaultSeverities, d.severities)
	assert.Equal(t, defaultCreatedInLast, d.createdInLast)
	assert.Contains(t, rec.Body.String(), `"created":2`)
}

func TestPerSonarQubeOverrides(t *testing.T) {
	d := &fakeDispatcher{}
	rec := serve(d, "/api/v1/issues/per-sonarqube?sonarqube_project_name=demo&severities=MAJOR&created_in_last=1d")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MAJOR", d.severities)
	assert.Equal(t, "1d", d.createdInLast)
}

func TestPerSonarQubeErrors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, serve(&fakeDispatcher{}, "/api/v1/issues/per-sonarqube").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(nil, "/api/v1/issues/per-sonarqube?sonarqube_project_name=demo").Code)

	upstream := &fakeDispatcher{err: apperr.Upstream(http.MethodGet, "http://sonar/api/issues/search", http.StatusInternalServerError, "sonar down")}
	assert.Equal(t, http.StatusInternalServerError, serve(upstream, "/api/v1/issues/per-sonarqube?sonarqube_project_name=demo").Code)
}

type fakeTracker struct {
	username, project string
	assign            tracker.AssignRequest
	event             *model.IssueEvent
	opts              tracker.PeerOptions
	err               error
}

func (f *fakeTracker) Assign(_ context.Context, username, projectName string, req tracker.AssignRequest) (*githost.Issue, error) {
	f.username, f.project, f.assign = username, projectName, req
	if f.err != nil {
		return nil, f.err
	}
	return &githost.Issue{IID: 12, Title: req.Title}, nil
}

func (f *fakeTracker) OpenPeer(_ context.Context, ev *model.IssueEvent, opts tracker.PeerOptions) (*tracker.PeerResult, error) {
	f.event, f.opts = ev, opts
	if f.err != nil {
		return nil, f.err
	}
	return &tracker.PeerResult{Action: "branched", Branch: "3-issue-as-branch", BranchCreated: true}, nil
}

func serveTracker(tr Tracker, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	NewHandler(nil, tr).RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	return rec
}

func TestAssign(t *testing.T) {
	tr := &fakeTracker{}
	rec := serveTracker(tr, "/api/v1/issues/assign?username=alice&project_name=group/demo",
		`{"title":"fix flaky test","assignee":"bob"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", tr.username)
	assert.Equal(t, "group/demo", tr.project)
	assert.Equal(t, tracker.AssignRequest{Title: "fix flaky test", Assignee: "bob"}, tr.assign)
	assert.Contains(t, rec.Body.String(), `"iid":12`)
}

func TestAssignErrors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest,
		serveTracker(&fakeTracker{}, "/api/v1/issues/assign?project_name=demo", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		serveTracker(&fakeTracker{}, "/api/v1/issues/assign?username=alice&project_name=demo", `{`).Code)

	missing := &fakeTracker{err: apperr.NotFoundf("user %q is not registered", "alice")}
	assert.Equal(t, http.StatusNotFound,
		serveTracker(missing, "/api/v1/issues/assign?username=alice&project_name=demo", `{"title":"t","assignee":"b"}`).Code)
}

func TestOpenPeer(t *testing.T) {
	tr := &fakeTracker{}
	body := `{"object_kind":"issue","project":{"id":42},
		"object_attributes":{"iid":3,"title":"t","action":"open","created_at":"2026-03-02 08:00:00 UTC"},
		"labels":[{"title":"due::3d"}]}`
	rec := serveTracker(tr, "/api/v1/issues/open-peer?ref=main&default_assignee=bob", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, tr.event)
	assert.Equal(t, int64(42), tr.event.Project.ID)
	assert.Equal(t, int64(3), tr.event.ObjectAttributes.IID)
	assert.Equal(t, "due::3d", tr.event.Labels[0].Title)
	assert.Equal(t, tracker.PeerOptions{Ref: "main", DefaultAssignee: "bob"}, tr.opts)
	assert.Contains(t, rec.Body.String(), `"branch":"3-issue-as-branch"`)

	assert.Equal(t, http.StatusBadRequest, serveTracker(tr, "/api/v1/issues/open-peer", body).Code)
}
