package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/config"
	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/queue"
)

func TestNewRetryQueueWithoutRedis(t *testing.T) {
	q, err := NewRetryQueue("", "")
	require.NoError(t, err)
	_, ok := q.(*queue.MemoryRetryQueue)
	assert.True(t, ok)
}

func TestNewRetryQueueBadURL(t *testing.T) {
	_, err := NewRetryQueue("not-a-url", "")
	assert.Error(t, err)
}

func TestNewInMemory(t *testing.T) {
	i, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { i.Close() })

	ctx := context.Background()
	ip, err := i.Storage.AddIP(ctx, "10.1.0.1")
	require.NoError(t, err)
	assert.False(t, ip.IsAllocated)

	added, err := i.Queue.Enqueue(ctx, &model.RetryTask{PipelineID: 1, ProjectID: 2})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Same(t, i.Storage, i.Templates)
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{
		DatabaseDriver: "sqlite",
		DatabaseURL:    ":memory:",
		Templates:      config.TemplatesConfig{Driver: "sql"},
	}
	i, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { i.Close() })

	assert.NotNil(t, i.Storage)
	assert.NotNil(t, i.Queue)
	assert.Nil(t, i.Etcd)
	assert.Nil(t, i.Archive)
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(&config.Config{DatabaseDriver: "oracle"})
	assert.Error(t, err)
}
