package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// registryTables are the tables behind the experiment registry, in
// dependency order.
var registryTables = []interface{}{
	&domain.Experiment{},
	&domain.Run{},
	&domain.TaskRun{},
}

// InitDB opens the registry that records experiments, training runs and
// their task states.
// Parameters:
//   - cfg: driver (postgres or sqlite), DSN parts and pool limits.
// Returns:
//   - *gorm.DB: registry handle shared by the run and task repositories.
//   - error: non-nil if the registry cannot be opened or migrated.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	db, err := openRegistry(cfg, gormConfig)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("registry connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func openRegistry(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	logger.Info("Opening run registry on %s", cfg.Driver)

	switch cfg.Driver {
	case "postgres":
		return openPostgres(cfg, gormConfig)
	case "sqlite":
		return openSQLite(cfg, gormConfig)
	default:
		logger.Warn("Registry driver %q is not supported, using sqlite at %s", cfg.Driver, cfg.Path)
		return openSQLite(cfg, gormConfig)
	}
}

// Migrate creates or updates the registry tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(registryTables...); err != nil {
		return fmt.Errorf("migrate run registry: %w", err)
	}
	return nil
}

// openPostgres is used by shared deployments where several trainers report
// to one registry.
func openPostgres(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// simple protocol keeps transaction poolers working
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("open postgres registry: %w", err)
	}
	return db, nil
}

func openSQLite(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("open sqlite registry: %w", err)
	}

	// WAL lets the API read runs while a flow writes task state
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	return db, nil
}
