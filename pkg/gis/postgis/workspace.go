// Package postgis implements gis.Toolkit on a PostgreSQL database with PostGIS.
// Feature datasets are schemas registered in feature_datasets, feature classes are tables
// with a bigint fid and a geom column.
package postgis

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vllry/stop-usage/pkg/gis"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Workspace struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ gis.Toolkit = (*Workspace)(nil)

// Open connects to the workspace database. The schema must already be migrated.
func Open(ctx context.Context, connString string, logger *zap.Logger) (*Workspace, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse postgres connection string")
	}
	poolConfig.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}

	logger.Info("postgis workspace opened", zap.String("host", poolConfig.ConnConfig.Host), zap.String("database", poolConfig.ConnConfig.Database))

	return New(pool, logger), nil
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Workspace {
	return &Workspace{
		pool:   pool,
		logger: logger,
	}
}

func (w *Workspace) Close() error {
	w.pool.Close()
	return nil
}

func (w *Workspace) Exists(ctx context.Context, name string) (bool, error) {
	dataset, class, err := gis.SplitPath(name)
	if err != nil {
		return false, err
	}

	if class == "" {
		return datasetExists(ctx, w.pool, dataset)
	}
	return classExists(ctx, w.pool, name)
}

func datasetExists(ctx context.Context, q querier, dataset string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM feature_datasets WHERE name = $1)", dataset).Scan(&exists)
	return exists, errors.Wrapf(err, "failed to look up dataset %s", dataset)
}

func classExists(ctx context.Context, q querier, name string) (bool, error) {
	ident, err := identifier(name)
	if err != nil {
		return false, err
	}

	var exists bool
	err = q.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", ident).Scan(&exists)
	return exists, errors.Wrapf(err, "failed to look up class %s", name)
}

func (w *Workspace) CreateFeatureDataset(ctx context.Context, name string, srid int) error {
	_, class, err := gis.SplitPath(name)
	if err != nil {
		return err
	}
	if class != "" {
		return errors.Wrapf(gis.ErrInvalidName, "%s is not a dataset name", name)
	}

	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "INSERT INTO feature_datasets (name, srid) VALUES ($1, $2)", name, srid)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.Wrap(gis.ErrAlreadyExists, name)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to register dataset %s", name)
		}

		_, err = tx.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{name}.Sanitize())
		return errors.Wrapf(err, "failed to create schema for %s", name)
	})
}

func (w *Workspace) Delete(ctx context.Context, name string) error {
	dataset, class, err := gis.SplitPath(name)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		if class != "" {
			exists, err := classExists(ctx, tx, name)
			if err != nil {
				return err
			}
			if !exists {
				return errors.Wrap(gis.ErrNotFound, name)
			}
			_, err = tx.Exec(ctx, "DROP TABLE "+pgx.Identifier{dataset, class}.Sanitize())
			return errors.Wrapf(err, "failed to drop %s", name)
		}

		tag, err := tx.Exec(ctx, "DELETE FROM feature_datasets WHERE name = $1", dataset)
		if err != nil {
			return errors.Wrapf(err, "failed to unregister dataset %s", dataset)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrap(gis.ErrNotFound, dataset)
		}
		_, err = tx.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{dataset}.Sanitize()+" CASCADE")
		return errors.Wrapf(err, "failed to drop schema %s", dataset)
	})
}

// Scratch creates a uniquely named schema for intermediate layers.
func (w *Workspace) Scratch(ctx context.Context) (gis.Scratch, error) {
	name := "scratch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := w.CreateFeatureDataset(ctx, name, gis.WGS84); err != nil {
		return nil, err
	}
	return &scratch{workspace: w, dataset: name}, nil
}

type scratch struct {
	workspace *Workspace
	dataset   string
}

func (s *scratch) Path(class string) string {
	return gis.Path(s.dataset, class)
}

func (s *scratch) Close(ctx context.Context) error {
	return s.workspace.Delete(ctx, s.dataset)
}

// identifier returns the quoted, schema qualified table name of a feature class.
func identifier(name string) (string, error) {
	dataset, class, err := gis.SplitPath(name)
	if err != nil {
		return "", err
	}
	if class == "" {
		return "", errors.Wrapf(gis.ErrInvalidName, "%s is not a feature class name", name)
	}
	return pgx.Identifier{dataset, class}.Sanitize(), nil
}
