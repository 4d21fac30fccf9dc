package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/stop-usage/pkg/gis"
	"github.com/vllry/stop-usage/pkg/gis/postgis"
	"github.com/vllry/stop-usage/pkg/gis/sqlite"
	"github.com/vllry/stop-usage/pkg/schema"
)

// OpenToolkit opens the configured workspace. PostGIS workspaces are migrated first.
func OpenToolkit(ctx context.Context, conf WorkspaceConfig, logger *zap.Logger) (gis.Toolkit, error) {
	switch conf.Engine {
	case "sqlite":
		return sqlite.Open(ctx, conf.DSN, logger)
	case "postgis":
		if err := schema.RunMigrations(conf.DSN, logger); err != nil {
			return nil, errors.Wrap(err, "failed to migrate workspace")
		}
		return postgis.Open(ctx, conf.DSN, logger)
	default:
		return nil, errors.Errorf("unknown workspace engine %q", conf.Engine)
	}
}
