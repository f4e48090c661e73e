package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingModule   = errors.New("module is required")
	errMissingEvent    = errors.New("event is required")
	// ErrEventNotFound indicates the requested event does not exist.
	ErrEventNotFound = errors.New("events: event not found")
	// ErrModuleNotFound indicates the requested module does not exist.
	ErrModuleNotFound = errors.New("events: module not found")
	// ErrEventNotFailed indicates a requeue was requested for an event that is not failed.
	ErrEventNotFailed = errors.New("events: only failed events can be requeued")
	noOpLogger        = zap.NewNop()
)

// ServiceError carries a dotted operation code and the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "events.service.new"
	opEnqueue         = "events.enqueue"
	opRecordRejected  = "events.record_rejected"
	opSaveModule      = "events.save_module"
	opDrainPending    = "events.drain_pending"
	opComplete        = "events.complete"
	opFail            = "events.fail"
	opDefer           = "events.defer"
	opRequeue         = "events.requeue"
	opListEvents      = "events.list_events"
	opListModules     = "events.list_modules"
	opLoadModule      = "events.load_module"
	opActiveServers   = "events.active_servers"
	fieldModuleID     = "module_id"
	fieldEventID      = "event_id"
	fieldObjectID     = "object_id"
	fieldEventRowID   = "event_row_id"
	reasonMissingDB   = "missing_database"
	reasonQueryFailed = "query_failed"
	reasonSaveFailed  = "save_failed"

	preloadModuleServerDimensions = "Module.Server.DimensionMappings"
	orderDrain                    = "module_id ASC, event_id ASC, id ASC"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the event queue.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	DeferDelay time.Duration
	Logger     *zap.Logger
}

// Service is the durable event queue and per-module watermark tracker.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	deferDelay time.Duration
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the queue.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		deferDelay: cfg.DeferDelay,
		logger:     logger,
	}, nil
}

// Enqueue records a pending event for the module. The returned flag is false when the
// (module, event id) pair was already queued by an earlier poll.
func (s *Service) Enqueue(ctx context.Context, module *Module, item RemoteEvent, passID string) (*Event, bool, error) {
	if module == nil {
		return nil, false, newServiceError(opEnqueue, "missing_module", errMissingModule)
	}
	eventType, err := DecodeEventType(item.EventType)
	if err != nil {
		return nil, false, newServiceError(opEnqueue, "unknown_event_type", err)
	}

	event := &Event{
		ModuleID:  module.ID,
		EventID:   item.EventID,
		EventType: eventType,
		ObjectID:  strings.TrimSpace(item.ObjectID),
		Status:    StatusPending,
		PassID:    passID,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if result.Error != nil {
		s.logError(opEnqueue, "insert_failed", result.Error,
			zap.Uint(fieldModuleID, module.ID),
			zap.Int64(fieldEventID, item.EventID))
		return nil, false, newServiceError(opEnqueue, "insert_failed", result.Error)
	}
	return event, result.RowsAffected > 0, nil
}

// RecordRejected stores an item that could not be enqueued as a failed event so the
// protocol error stays visible in the audit log.
func (s *Service) RecordRejected(ctx context.Context, module *Module, item RemoteEvent, passID string, cause error) (*Event, error) {
	if module == nil {
		return nil, newServiceError(opRecordRejected, "missing_module", errMissingModule)
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	event := &Event{
		ModuleID:  module.ID,
		EventID:   item.EventID,
		EventType: EventTypeUnknown,
		ObjectID:  strings.TrimSpace(item.ObjectID),
		Status:    StatusFailed,
		PassID:    passID,
		Message:   message,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event).Error; err != nil {
		s.logError(opRecordRejected, "insert_failed", err,
			zap.Uint(fieldModuleID, module.ID),
			zap.Int64(fieldEventID, item.EventID))
		return nil, newServiceError(opRecordRejected, "insert_failed", err)
	}
	return event, nil
}

// SaveModule persists the poll-owned module state. The watermark is never written here.
func (s *Service) SaveModule(ctx context.Context, module *Module) error {
	if module == nil {
		return newServiceError(opSaveModule, "missing_module", errMissingModule)
	}
	err := s.db.WithContext(ctx).Model(&Module{}).
		Where("id = ?", module.ID).
		Updates(map[string]interface{}{
			"field_configuration": module.FieldConfiguration,
			"updated_at":          s.clock().UTC(),
		}).Error
	if err != nil {
		s.logError(opSaveModule, reasonSaveFailed, err, zap.Uint(fieldModuleID, module.ID))
		return newServiceError(opSaveModule, reasonSaveFailed, err)
	}
	return nil
}

// DrainFilter narrows DrainPending.
type DrainFilter struct {
	ModuleIDs []uint
	Limit     int
}

// DrainPending returns pending events ordered by module then remote event id. Events
// deferred into the future are skipped. A nil ModuleIDs slice means every module.
func (s *Service) DrainPending(ctx context.Context, filter DrainFilter) ([]Event, error) {
	if filter.ModuleIDs != nil && len(filter.ModuleIDs) == 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Preload(preloadModuleServerDimensions).
		Where("status = ? AND skip_until <= ?", StatusPending, s.clock().UTC().Unix())
	if filter.ModuleIDs != nil {
		query = query.Where("module_id IN ?", filter.ModuleIDs)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var pending []Event
	if err := query.Order(orderDrain).Find(&pending).Error; err != nil {
		s.logError(opDrainPending, reasonQueryFailed, err)
		return nil, newServiceError(opDrainPending, reasonQueryFailed, err)
	}
	return pending, nil
}

// Complete runs apply and, when it succeeds, claims the event and advances the module
// watermark inside the same transaction. Nothing is persisted when apply fails.
func (s *Service) Complete(ctx context.Context, event *Event, apply func(tx *gorm.DB) error) error {
	if event == nil {
		return newServiceError(opComplete, "missing_event", errMissingEvent)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if apply != nil {
			if err := apply(tx); err != nil {
				return err
			}
		}
		event.Status = StatusClaimed
		event.Message = ""
		event.Attempts++
		if err := s.saveEventState(tx, event); err != nil {
			s.logError(opComplete, reasonSaveFailed, err, eventFields(event)...)
			return newServiceError(opComplete, reasonSaveFailed, err)
		}
		if err := s.advanceWatermark(tx, event.ModuleID, event.EventID); err != nil {
			s.logError(opComplete, "watermark_failed", err, eventFields(event)...)
			return newServiceError(opComplete, "watermark_failed", err)
		}
		if event.Module != nil {
			event.Module.AdvanceWatermark(event.EventID)
		}
		return nil
	})
}

// AdvanceWatermark raises the module's last event id to eventID; lower values are ignored.
func (s *Service) AdvanceWatermark(ctx context.Context, module *Module, eventID int64) error {
	if module == nil {
		return newServiceError(opComplete, "missing_module", errMissingModule)
	}
	if err := s.advanceWatermark(s.db.WithContext(ctx), module.ID, eventID); err != nil {
		return newServiceError(opComplete, "watermark_failed", err)
	}
	module.AdvanceWatermark(eventID)
	return nil
}

func (s *Service) advanceWatermark(tx *gorm.DB, moduleID uint, eventID int64) error {
	return tx.Model(&Module{}).
		Where("id = ? AND last_event_id < ?", moduleID, eventID).
		Updates(map[string]interface{}{
			"last_event_id": eventID,
			"updated_at":    s.clock().UTC(),
		}).Error
}

// Fail marks the event failed. The watermark is not touched.
func (s *Service) Fail(ctx context.Context, event *Event, cause error) error {
	if event == nil {
		return newServiceError(opFail, "missing_event", errMissingEvent)
	}
	event.Status = StatusFailed
	event.Attempts++
	if cause != nil {
		event.Message = cause.Error()
	}
	if err := s.saveEventState(s.db.WithContext(ctx), event); err != nil {
		s.logError(opFail, reasonSaveFailed, err, eventFields(event)...)
		return newServiceError(opFail, reasonSaveFailed, err)
	}
	return nil
}

// Defer keeps the event pending but hides it from DrainPending until the defer delay elapses.
func (s *Service) Defer(ctx context.Context, event *Event, cause error) error {
	if event == nil {
		return newServiceError(opDefer, "missing_event", errMissingEvent)
	}
	event.Status = StatusPending
	event.Attempts++
	event.SkipUntil = s.clock().UTC().Add(s.deferDelay).Unix()
	if cause != nil {
		event.Message = cause.Error()
	}
	if err := s.saveEventState(s.db.WithContext(ctx), event); err != nil {
		s.logError(opDefer, reasonSaveFailed, err, eventFields(event)...)
		return newServiceError(opDefer, reasonSaveFailed, err)
	}
	return nil
}

// Requeue moves a failed event back to pending for manual replay.
func (s *Service) Requeue(ctx context.Context, id uint) (*Event, error) {
	var event Event
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).Take(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRequeue, "not_found", ErrEventNotFound)
		}
		if err != nil {
			s.logError(opRequeue, reasonQueryFailed, err, zap.Uint(fieldEventRowID, id))
			return newServiceError(opRequeue, reasonQueryFailed, err)
		}
		if event.Status != StatusFailed {
			return newServiceError(opRequeue, "not_failed", ErrEventNotFailed)
		}
		if event.EventType == EventTypeUnknown {
			return newServiceError(opRequeue, "unknown_event_type", ErrUnknownEventType)
		}
		event.Status = StatusPending
		event.SkipUntil = 0
		event.Message = ""
		if err := s.saveEventState(tx, &event); err != nil {
			s.logError(opRequeue, reasonSaveFailed, err, zap.Uint(fieldEventRowID, id))
			return newServiceError(opRequeue, reasonSaveFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &event, nil
}

// ListFilter narrows ListEvents.
type ListFilter struct {
	Status   EventStatus
	ModuleID uint
	Limit    int
}

// ListEvents returns audit log entries, newest first.
func (s *Service) ListEvents(ctx context.Context, filter ListFilter) ([]Event, error) {
	query := s.db.WithContext(ctx)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ModuleID != 0 {
		query = query.Where("module_id = ?", filter.ModuleID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var found []Event
	if err := query.Order("id DESC").Find(&found).Error; err != nil {
		s.logError(opListEvents, reasonQueryFailed, err)
		return nil, newServiceError(opListEvents, reasonQueryFailed, err)
	}
	return found, nil
}

// ListModules returns every configured module with its server.
func (s *Service) ListModules(ctx context.Context) ([]Module, error) {
	var modules []Module
	if err := s.db.WithContext(ctx).Preload("Server").Order("id ASC").Find(&modules).Error; err != nil {
		s.logError(opListModules, reasonQueryFailed, err)
		return nil, newServiceError(opListModules, reasonQueryFailed, err)
	}
	return modules, nil
}

// LoadModule returns one module with its server and dimension mappings.
func (s *Service) LoadModule(ctx context.Context, id uint) (*Module, error) {
	var module Module
	err := s.db.WithContext(ctx).Preload("Server.DimensionMappings").Where("id = ?", id).Take(&module).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opLoadModule, "not_found", ErrModuleNotFound)
	}
	if err != nil {
		s.logError(opLoadModule, reasonQueryFailed, err, zap.Uint(fieldModuleID, id))
		return nil, newServiceError(opLoadModule, reasonQueryFailed, err)
	}
	return &module, nil
}

// ActiveServers returns the active servers with their modules and dimension mappings.
func (s *Service) ActiveServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	err := s.db.WithContext(ctx).
		Preload("DimensionMappings", func(db *gorm.DB) *gorm.DB { return db.Order("language ASC") }).
		Preload("Modules", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("active = ?", true).
		Order("id ASC").
		Find(&servers).Error
	if err != nil {
		s.logError(opActiveServers, reasonQueryFailed, err)
		return nil, newServiceError(opActiveServers, reasonQueryFailed, err)
	}
	return servers, nil
}

func (s *Service) saveEventState(tx *gorm.DB, event *Event) error {
	return tx.Model(&Event{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":     event.Status,
			"skip_until": event.SkipUntil,
			"attempts":   event.Attempts,
			"url":        event.URL,
			"headers":    event.Headers,
			"payload":    event.Payload,
			"response":   event.Response,
			"message":    event.Message,
			"updated_at": s.clock().UTC(),
		}).Error
}

func eventFields(event *Event) []zap.Field {
	return []zap.Field{
		zap.Uint(fieldModuleID, event.ModuleID),
		zap.Int64(fieldEventID, event.EventID),
		zap.String(fieldObjectID, event.ObjectID),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("event queue error", attrs...)
}
