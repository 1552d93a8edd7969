package profiling

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"

	"mlm-backoffice/pkg/config"
)

func TestProfilerConfig(t *testing.T) {
	cfg := &config.Config{AppName: "compensation", AppEnv: "staging"}
	cfg.Pyroscope.Addr = "http://pyroscope:4040"

	pc := profilerConfig(cfg)
	require.Equal(t, "compensation", pc.ApplicationName)
	require.Equal(t, "http://pyroscope:4040", pc.ServerAddress)
	require.Equal(t, "staging", pc.Tags["env"])
	require.NotEmpty(t, pc.ProfileTypes)
}

func TestProvideProfiling_Disabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	require.NoError(t, ProvideProfiling(lc, &config.Config{}))
}
