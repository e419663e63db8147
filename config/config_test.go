package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultClientConfig(t *testing.T) {
	var cfg = DefaultClientConfig("client-1", "my-component")

	assert.Equal(t, "client-1", cfg.ClientId)
	assert.Equal(t, "my-component", cfg.ComponentName)
	assert.Equal(t, 5*time.Second, cfg.Reconnect.Backoff)
	assert.Equal(t, FlowControlConfig{Permits: 64, Batch: 64}, cfg.CommandFlow)
	assert.Equal(t, FlowControlConfig{Permits: 64, Batch: 64}, cfg.QueryFlow)
}

func TestDefaultClientConfigLeavesTagsNil(t *testing.T) {
	var cfg = DefaultClientConfig("client-1", "my-component")
	assert.Nil(t, cfg.Tags)
}
