package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "migration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(events.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsRepairsModuleWatermarks(testContext *testing.T) {
	database := openTestDatabase(testContext)

	server := events.Server{Name: "main", BaseURL: "https://pim.example.com", Username: "u", Active: true}
	if err := database.Create(&server).Error; err != nil {
		testContext.Fatalf("failed to insert server: %v", err)
	}
	lagging := events.Module{ServerID: server.ID, ConnectorName: "products", LastEventID: 2}
	current := events.Module{ServerID: server.ID, ConnectorName: "brands", LastEventID: 9}
	empty := events.Module{ServerID: server.ID, ConnectorName: "categories", LastEventID: 4}
	for _, module := range []*events.Module{&lagging, &current, &empty} {
		if err := database.Create(module).Error; err != nil {
			testContext.Fatalf("failed to insert module: %v", err)
		}
	}
	rows := []events.Event{
		{ModuleID: lagging.ID, EventID: 5, EventType: events.EventTypeUpdate, ObjectID: "P1", Status: events.StatusClaimed},
		{ModuleID: lagging.ID, EventID: 7, EventType: events.EventTypeUpdate, ObjectID: "P2", Status: events.StatusClaimed},
		{ModuleID: lagging.ID, EventID: 8, EventType: events.EventTypeUpdate, ObjectID: "P3", Status: events.StatusFailed},
		{ModuleID: current.ID, EventID: 3, EventType: events.EventTypeCreate, ObjectID: "B1", Status: events.StatusClaimed},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert events: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[uint]int64{lagging.ID: 7, current.ID: 9, empty.ID: 4}
	for id, want := range expected {
		var stored events.Module
		if err := database.Where("id = ?", id).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload module %d: %v", id, err)
		}
		if stored.LastEventID != want {
			testContext.Fatalf("module %d: expected watermark %d, got %d", id, want, stored.LastEventID)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRepairModuleWatermarks).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenMigratesAllTables(testContext *testing.T) {
	database, err := Open(Config{Driver: DriverSQLite, Path: filepath.Join(testContext.TempDir(), "open.db")}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, table := range []string{"pim_servers", "pim_modules", "pim_events", "pim_dimension_mappings", "catalog_products", "catalog_product_categories", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := Open(Config{Driver: "oracle"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
