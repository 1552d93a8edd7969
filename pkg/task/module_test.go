package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mlm-backoffice/pkg/config"
)

func TestServerConfig(t *testing.T) {
	c := serverConfig()
	require.Equal(t, 4, c.Concurrency)
	require.Contains(t, c.Queues, QueueCritical)
	require.Greater(t, c.Queues[QueueCritical], c.Queues[QueueDefault])
}

func TestRedisOpt(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Addr = "localhost:6380"
	cfg.Redis.DB = 3

	opt := redisOpt(cfg)
	require.Equal(t, "localhost:6380", opt.Addr)
	require.Equal(t, 3, opt.DB)
}
