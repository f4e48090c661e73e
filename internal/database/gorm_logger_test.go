package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestGormLoggerIgnoresRecordNotFound(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	database, err := Open(Config{Driver: DriverSQLite, Path: filepath.Join(testContext.TempDir(), "logger.db")}, zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	var module events.Module
	err = database.Where("connector_name = ?", "missing").First(&module).Error
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		testContext.Fatalf("expected record not found, got %v", err)
	}
	if failures := logs.FilterLevelExact(zapcore.ErrorLevel).Len(); failures != 0 {
		testContext.Fatalf("expected no error logs for a missing record, got %d", failures)
	}

	if err := database.Exec("SELECT * FROM no_such_table").Error; err == nil {
		testContext.Fatalf("expected query against a missing table to fail")
	}
	failures := logs.FilterMessage("database statement failed").FilterLevelExact(zapcore.ErrorLevel).All()
	if len(failures) != 1 {
		testContext.Fatalf("expected one logged statement failure, got %d", len(failures))
	}
	if failures[0].LoggerName != "gorm" {
		testContext.Fatalf("expected gorm logger name, got %q", failures[0].LoggerName)
	}
}
