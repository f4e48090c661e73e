package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/pimsync/internal/catalog"
	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database driver and its location.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes the connection and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		db, err = OpenSQLite(cfg.Path, logger)
	case DriverPostgres:
		db, err = OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", db.Dialector.Name()))
	}
	return db, nil
}

// OpenSQLite opens a single-connection SQLite database.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenPostgres opens a PostgreSQL database through pgx.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger(logger)})
}

// Migrate creates the queue and catalog tables, then applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(events.Models(), catalog.Models()...)
	models = append(models, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
