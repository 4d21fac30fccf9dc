package schema

import (
	"embed"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// RunMigrations brings the workspace catalog up to date.
// MIGRATIONS_FILE_DIR, when set, replaces the embedded migrations.
func RunMigrations(connString string, logger *zap.Logger) error {
	m, err := newMigrate(connString, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("workspace schema up to date")
		return nil
	}
	return errors.Wrap(err, "failed to migrate workspace schema")
}

func newMigrate(connString string, logger *zap.Logger) (*migrate.Migrate, error) {
	if dirPath := os.Getenv("MIGRATIONS_FILE_DIR"); len(dirPath) > 0 {
		logger.Info("using migrations from directory", zap.String("dir", dirPath))
		m, err := migrate.New(fmt.Sprintf("file://%s", dirPath), connString)
		return m, errors.Wrap(err, "failed to load migrations")
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, connString)
	return m, errors.Wrap(err, "failed to load migrations")
}
