package gen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mlm-backoffice/pkg/config"
)

func TestNewSnowflakeNode(t *testing.T) {
	node, err := NewSnowflakeNode(&config.Config{NodeID: 7})
	require.NoError(t, err)
	require.Equal(t, int64(7), node.Generate().Node())

	_, err = NewSnowflakeNode(&config.Config{NodeID: 4096})
	require.Error(t, err)
}
