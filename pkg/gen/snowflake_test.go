package gen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"keyserver/pkg/config"
)

func TestNewSnowflakeNode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Snowflake.Node = 3

	node, err := NewSnowflakeNode(cfg)
	require.NoError(t, err)
	require.Equal(t, int64(3), node.Generate().Node())

	cfg.Snowflake.Node = 5000
	_, err = NewSnowflakeNode(cfg)
	require.Error(t, err)
}
