package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MarcoPoloResearchLab/pimsync/internal/catalog"
	"github.com/MarcoPoloResearchLab/pimsync/internal/config"
	"github.com/MarcoPoloResearchLab/pimsync/internal/database"
	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"github.com/MarcoPoloResearchLab/pimsync/internal/logging"
	"github.com/MarcoPoloResearchLab/pimsync/internal/mapping"
	"github.com/MarcoPoloResearchLab/pimsync/internal/scheduler"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// application bundles the wired services shared by the commands.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	sqlDB    *sql.DB
	queue    *events.Service
	registry *mapping.Registry
	redis    *redis.Client
}

func loadConfig() (config.AppConfig, error) {
	return config.Load(viper.GetViper())
}

func openApplication(ctx context.Context) (*application, error) {
	appConfig, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	queue, err := events.NewService(events.ServiceConfig{
		Database:   db,
		DeferDelay: appConfig.DeferDelay,
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	registry := mapping.NewRegistry(mapping.RegistryConfig{Logger: logger})
	if err := catalog.Register(registry); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if appConfig.MappingDefinitionsPath != "" {
		definitions, err := mapping.LoadDefinitions(appConfig.MappingDefinitionsPath)
		if err == nil {
			err = registry.ApplyDefinitions(definitions)
		}
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("mapping definitions: %w", err)
		}
	}

	app := &application{
		config:   appConfig,
		logger:   logger,
		sqlDB:    sqlDB,
		queue:    queue,
		registry: registry,
	}
	if appConfig.LockRedisURL != "" {
		client, err := scheduler.NewRedisClient(ctx, appConfig.LockRedisURL)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.redis = client
	}
	return app, nil
}

func (a *application) newScheduler(observer scheduler.Observer) (*scheduler.Scheduler, error) {
	var locker scheduler.Locker = scheduler.NewMemoryLocker()
	if a.redis != nil {
		locker = scheduler.NewRedisLocker(a.redis)
	}
	return scheduler.New(scheduler.Config{
		Queue:         a.queue,
		Registry:      a.registry,
		ClientFactory: scheduler.PIMClientFactory(a.config.RemoteTimeout, a.logger),
		Locker:        locker,
		LockTTL:       a.config.LockTTL,
		BatchSize:     a.config.BatchSize,
		Observer:      observer,
		Logger:        a.logger,
	})
}

func (a *application) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
	_ = a.logger.Sync()
}
