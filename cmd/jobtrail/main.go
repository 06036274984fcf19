package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	"github.com/jobtrail/jobtrail/internal/logger"
	"github.com/jobtrail/jobtrail/internal/migration"
	"github.com/jobtrail/jobtrail/internal/server"
	"github.com/jobtrail/jobtrail/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	return snowflake.NewNode(nodeID)
}
