package mongostore

import (
	"context"
	"fmt"
	"time"

	"ci-keeper/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func templateFilter(category, name string) bson.D {
	return bson.D{{Key: "category", Value: category}, {Key: "name", Value: name}}
}

// PutTemplate 写入或覆盖模板
func (s *Store) PutTemplate(ctx context.Context, item *model.TemplateItem) error {
	item.UpdatedAt = time.Now().UTC()
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "content", Value: item.Content},
		{Key: "priority", Value: item.Priority},
		{Key: "updated_at", Value: item.UpdatedAt},
	}}}
	_, err := s.col(ColTemplates).UpdateOne(ctx, templateFilter(item.Category, item.Name), update,
		options.UpdateOne().SetUpsert(true))
	return wrapError(err)
}

func (s *Store) GetTemplate(ctx context.Context, category, name string) (*model.TemplateItem, error) {
	return findOne[model.TemplateItem](ctx, s.col(ColTemplates), templateFilter(category, name))
}

// ListTemplates 按 priority、name 升序
func (s *Store) ListTemplates(ctx context.Context, category string) ([]*model.TemplateItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "name", Value: 1}})
	return findMany[model.TemplateItem](ctx, s.col(ColTemplates), bson.D{{Key: "category", Value: category}}, opts)
}

func (s *Store) DeleteTemplate(ctx context.Context, category, name string) error {
	if err := deleteOne(ctx, s.col(ColTemplates), templateFilter(category, name)); err != nil {
		return fmt.Errorf("template %s/%s: %w", category, name, err)
	}
	return nil
}
