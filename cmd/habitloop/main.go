package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/habitloop/habitloop/internal/clock"
	"github.com/habitloop/habitloop/internal/config"
	"github.com/habitloop/habitloop/internal/migration"
	"github.com/habitloop/habitloop/internal/observability"
	"github.com/habitloop/habitloop/internal/scheduler"
	"github.com/habitloop/habitloop/internal/server"
	"github.com/habitloop/habitloop/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
