package notes

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage/dbutil"
	"ci-keeper/internal/shared/storage/repository"
)

type comment struct {
	Kind   string
	Target string
	Body   string
}

type fakeHost struct {
	mu       sync.Mutex
	comments []comment
	files    []*githost.FileChange
}

func (h *fakeHost) add(c comment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.comments = append(h.comments, c)
}

func (h *fakeHost) CommentOnCommit(_ context.Context, _ int64, sha, note string) error {
	h.add(comment{"commit", sha, note})
	return nil
}

func (h *fakeHost) CommentOnIssue(_ context.Context, _, iid int64, body string) error {
	h.add(comment{"issue", "#" + strconv.FormatInt(iid, 10), body})
	return nil
}

func (h *fakeHost) CommentOnMergeRequest(_ context.Context, _, iid int64, body string) error {
	h.add(comment{"mr", "!" + strconv.FormatInt(iid, 10), body})
	return nil
}

func (h *fakeHost) CreateOrUpdateFile(_ context.Context, _ int64, f *githost.FileChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files = append(h.files, f)
	return nil
}

func newService(t *testing.T) (*Service, *fakeHost) {
	t.Helper()
	s, err := repository.Open(dbutil.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.CreateUserProject(ctx,
		&model.User{UserID: 5, Username: "alice", Token: "t"},
		&model.Project{ProjectID: 42, ProjectName: "group/demo", Priority: 10}))
	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{
		Category: CategoryNote, Name: "release",
		Content: "Released {{.version}} by {{.issuer}}",
	}))
	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{
		Category: CategoryFile, Name: "changelog",
		Content: "# {{.version}}\n{{range .changes}}- {{.}}\n{{end}}",
	}))

	host := &fakeHost{}
	return New(s, host, s, nil), host
}

func TestCommentTargets(t *testing.T) {
	svc, host := newService(t)
	ctx := context.Background()
	entries := map[string]any{"version": "1.2.0", "issuer": "alice"}

	posted, err := svc.Comment(ctx, "group/demo", "release", Target{SHA: "abc123"}, entries)
	require.NoError(t, err)
	assert.Equal(t, &Posted{Project: "group/demo", Target: "commit abc123", Body: "Released 1.2.0 by alice"}, posted)

	_, err = svc.Comment(ctx, "group/demo", "release", Target{IssueIID: 3}, entries)
	require.NoError(t, err)
	_, err = svc.Comment(ctx, "group/demo", "release", Target{MergeRequestIID: 8}, entries)
	require.NoError(t, err)

	assert.Equal(t, []comment{
		{"commit", "abc123", "Released 1.2.0 by alice"},
		{"issue", "#3", "Released 1.2.0 by alice"},
		{"mr", "!8", "Released 1.2.0 by alice"},
	}, host.comments)
}

func TestCommentErrors(t *testing.T) {
	svc, host := newService(t)
	ctx := context.Background()
	entries := map[string]any{"version": "1"}

	_, err := svc.Comment(ctx, "group/demo", "release", Target{}, entries)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = svc.Comment(ctx, "group/demo", "release", Target{SHA: "a", IssueIID: 1}, entries)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = svc.Comment(ctx, "group/missing", "release", Target{SHA: "a"}, entries)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.Comment(ctx, "group/demo", "nope", Target{SHA: "a"}, entries)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// issuer 缺失
	_, err = svc.Comment(ctx, "group/demo", "release", Target{SHA: "a"}, entries)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	assert.Empty(t, host.comments)
}

func TestWriteFile(t *testing.T) {
	svc, host := newService(t)

	err := svc.WriteFile(context.Background(), 42, FileRequest{
		Path:     "CHANGELOG.md",
		Branch:   "main",
		Template: "changelog",
		Entries:  map[string]any{"version": "1.2.0", "changes": []any{"retry queue", "ip pool"}},
	})
	require.NoError(t, err)
	require.Len(t, host.files, 1)
	f := host.files[0]
	assert.Equal(t, "CHANGELOG.md", f.Path)
	assert.Equal(t, "main", f.Branch)
	assert.Equal(t, "Update CHANGELOG.md", f.CommitMessage)
	assert.Equal(t, "# 1.2.0\n- retry queue\n- ip pool\n", f.Content)

	err = svc.WriteFile(context.Background(), 42, FileRequest{Path: "a", Branch: "main"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestSaveTemplateValidatesSyntax(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.SaveTemplate(ctx, "broken", "{{.version")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = svc.GetTemplate(ctx, "broken")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	saved, err := svc.SaveTemplate(ctx, "deploy", "deployed {{.env}}")
	require.NoError(t, err)
	assert.Equal(t, CategoryNote, saved.Category)

	got, err := svc.GetTemplate(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, "deployed {{.env}}", got.Content)
}
