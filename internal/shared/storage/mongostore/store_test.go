package mongostore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
)

// testStore 创建测试用 Store，使用独立数据库避免污染
func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	s, err := NewStore(uri, "ci_keeper_test")
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	ctx := context.Background()
	require.NoError(t, s.db.Drop(ctx))
	require.NoError(t, s.ensureIndexes(ctx))

	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})
	return s
}

var _ storage.TemplateStore = (*Store)(nil)

func TestTemplateCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{Category: "release", Name: "footer", Content: "v1", Priority: 2}))
	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{Category: "release", Name: "header", Content: "h", Priority: 1}))
	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{Category: "install", Name: "script", Content: "s"}))

	// 覆盖写
	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{Category: "release", Name: "footer", Content: "v2", Priority: 2}))

	got, err := s.GetTemplate(ctx, "release", "footer")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Content)

	items, err := s.ListTemplates(ctx, "release")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "header", items[0].Name)
	assert.Equal(t, "footer", items[1].Name)

	require.NoError(t, s.DeleteTemplate(ctx, "release", "footer"))
	got, err = s.GetTemplate(ctx, "release", "footer")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = s.DeleteTemplate(ctx, "release", "footer")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
