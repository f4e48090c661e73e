package events

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "events.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Server{}, &DimensionMapping{}, &Module{}, &Event{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, now time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return now },
		DeferDelay: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustCreateModule(t *testing.T, db *gorm.DB, connector string) *Module {
	t.Helper()
	server := Server{Name: "server-" + connector, BaseURL: "https://pim.example.com", Username: "u", Password: "p", Active: true}
	if err := db.Create(&server).Error; err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	module := Module{ServerID: server.ID, ConnectorName: connector, EntityType: connector}
	if err := db.Create(&module).Error; err != nil {
		t.Fatalf("failed to create module: %v", err)
	}
	module.Server = &server
	return &module
}

func mustEnqueue(t *testing.T, service *Service, module *Module, eventID int64, objectID string, code int) *Event {
	t.Helper()
	event, inserted, err := service.Enqueue(t.Context(), module, RemoteEvent{EventID: eventID, ObjectID: objectID, EventType: code}, "pass-1")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if !inserted {
		t.Fatalf("expected event %d to be inserted", eventID)
	}
	return event
}

func reloadModule(t *testing.T, db *gorm.DB, id uint) Module {
	t.Helper()
	var module Module
	if err := db.Where("id = ?", id).Take(&module).Error; err != nil {
		t.Fatalf("failed to reload module: %v", err)
	}
	return module
}
