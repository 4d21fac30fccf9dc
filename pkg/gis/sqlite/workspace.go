// Package sqlite implements gis.Toolkit on a single-file SQLite workspace.
// Geometry is stored as WKB and all geoprocessing runs in Go on planar lon/lat coordinates.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/vllry/stop-usage/pkg/gis"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS gis_datasets (
	name TEXT PRIMARY KEY,
	srid INTEGER NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS gis_classes (
	name TEXT PRIMARY KEY,
	dataset TEXT NOT NULL,
	geometry_type TEXT NOT NULL,
	srid INTEGER NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS gis_fields (
	class TEXT NOT NULL,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	length INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (class, name)
);
`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Workspace is a gis.Toolkit backed by a SQLite database file.
type Workspace struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ gis.Toolkit = (*Workspace)(nil)

// Open opens (or creates) the workspace at path. ":memory:" gives a private in-memory workspace.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Workspace, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite workspace")
	}

	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to enable WAL")
		}
	}

	if _, err := db.ExecContext(ctx, catalogSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create workspace catalog")
	}

	logger.Info("sqlite workspace opened", zap.String("path", path))

	return &Workspace{
		db:     db,
		logger: logger,
	}, nil
}

func (w *Workspace) Close() error {
	return w.db.Close()
}

// transaction executes fn within a database transaction.
func (w *Workspace) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func (w *Workspace) Exists(ctx context.Context, name string) (bool, error) {
	dataset, class, err := gis.SplitPath(name)
	if err != nil {
		return false, err
	}

	var n int
	if class == "" {
		err = w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gis_datasets WHERE name = ?", dataset).Scan(&n)
	} else {
		err = w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gis_classes WHERE name = ?", name).Scan(&n)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up %s", name)
	}

	return n > 0, nil
}

func (w *Workspace) CreateFeatureDataset(ctx context.Context, name string, srid int) error {
	_, class, err := gis.SplitPath(name)
	if err != nil {
		return err
	}
	if class != "" {
		return errors.Wrapf(gis.ErrInvalidName, "%s is not a dataset name", name)
	}

	_, err = w.db.ExecContext(ctx, "INSERT INTO gis_datasets (name, srid) VALUES (?, ?)", name, srid)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return errors.Wrap(gis.ErrAlreadyExists, name)
		}
		return errors.Wrapf(err, "failed to create feature dataset %s", name)
	}

	w.logger.Debug("feature dataset created", zap.String("name", name), zap.Int("srid", srid))
	return nil
}

func (w *Workspace) Delete(ctx context.Context, name string) error {
	dataset, class, err := gis.SplitPath(name)
	if err != nil {
		return err
	}

	return w.transaction(ctx, func(tx *sql.Tx) error {
		if class != "" {
			return dropClass(ctx, tx, name)
		}

		rows, err := tx.QueryContext(ctx, "SELECT name FROM gis_classes WHERE dataset = ?", dataset)
		if err != nil {
			return errors.Wrapf(err, "failed to list classes of %s", dataset)
		}
		var classes []string
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				rows.Close()
				return err
			}
			classes = append(classes, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range classes {
			if err := dropClass(ctx, tx, c); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM gis_datasets WHERE name = ?", dataset)
		if err != nil {
			return errors.Wrapf(err, "failed to delete dataset %s", dataset)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrap(gis.ErrNotFound, dataset)
		}
		return nil
	})
}

// Scratch creates a uniquely named dataset for intermediate layers.
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

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
