package gen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"mlm-backoffice/pkg/config"
)

// Module provides the process-wide snowflake node used for every row id.
var Module = fx.Module("snowflake",
	fx.Provide(NewSnowflakeNode),
)

func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
