package objstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/config"
)

func TestLogKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "vm-logs/demo-runner-base-42/create-1700000000.log", LogKey("demo-runner-base-42", "create", at))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(config.MinIOConfig{})
	assert.ErrorContains(t, err, "endpoint")

	_, err = NewClient(config.MinIOConfig{Endpoint: "localhost:9000"})
	assert.ErrorContains(t, err, "access_key")

	c, err := NewClient(config.MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "ci-keeper", c.bucket)
}
