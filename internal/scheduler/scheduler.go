package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"github.com/MarcoPoloResearchLab/pimsync/internal/mapping"
	"github.com/MarcoPoloResearchLab/pimsync/internal/pim"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingQueue    = errors.New("scheduler: event queue is required")
	errMissingRegistry = errors.New("scheduler: mapping registry is required")
	errMissingFactory  = errors.New("scheduler: client factory is required")
	errNoRemoteObject  = errors.New("scheduler: remote returned no object")
	errNoSession       = errors.New("scheduler: no session for server")
)

const (
	defaultLockTTL = 15 * time.Minute

	fieldPassID    = "pass_id"
	fieldServerID  = "server_id"
	fieldModuleID  = "module_id"
	fieldConnector = "connector"
	fieldEventID   = "event_id"
	fieldObjectID  = "object_id"
)

// RemoteClient is the remote API surface a pass consumes for one server.
type RemoteClient interface {
	Login(ctx context.Context) error
	Synchronize(ctx context.Context, connector string) ([]events.RemoteEvent, error)
	GetEvents(ctx context.Context, connector string, since int64) ([]events.RemoteEvent, error)
	GetBeans(ctx context.Context, ids []string, connector string) (pim.Beans, error)
	GetModuleConfig(ctx context.Context, connector string) ([]events.FieldConfig, error)
}

// ClientFactory builds a fresh client for one server. Clients are never shared between passes.
type ClientFactory func(server events.Server) (RemoteClient, error)

// PIMClientFactory returns a ClientFactory backed by the HTTP client.
func PIMClientFactory(timeout time.Duration, logger *zap.Logger) ClientFactory {
	return func(server events.Server) (RemoteClient, error) {
		return pim.NewClient(pim.ClientConfig{
			BaseURL:  server.BaseURL,
			Username: server.Username,
			Password: server.Password,
			Timeout:  timeout,
			Logger:   logger,
		})
	}
}

// Config describes the scheduler dependencies.
type Config struct {
	Queue         *events.Service
	Registry      *mapping.Registry
	ClientFactory ClientFactory
	Locker        Locker
	LockTTL       time.Duration
	BatchSize     int
	Observer      Observer
	Logger        *zap.Logger
	Clock         func() time.Time
	NewPassID     func() string
}

// Scheduler runs sync passes: poll and enqueue every module, then drain the queue.
type Scheduler struct {
	queue     *events.Service
	registry  *mapping.Registry
	factory   ClientFactory
	locker    Locker
	lockTTL   time.Duration
	batchSize int
	observer  Observer
	logger    *zap.Logger
	clock     func() time.Time
	newPassID func() string
}

// New validates the configuration and constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.ClientFactory == nil {
		return nil, errMissingFactory
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newPassID := cfg.NewPassID
	if newPassID == nil {
		newPassID = newUUIDv7
	}
	return &Scheduler{
		queue:     cfg.Queue,
		registry:  cfg.Registry,
		factory:   cfg.ClientFactory,
		locker:    locker,
		lockTTL:   lockTTL,
		batchSize: cfg.BatchSize,
		observer:  cfg.Observer,
		logger:    logger,
		clock:     clock,
		newPassID: newPassID,
	}, nil
}

func newUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// PassOptions tunes one pass. A zero BatchSize falls back to the configured size; a
// negative one drains every pending event.
type PassOptions struct {
	BatchSize int
}

// PassReport summarises one pass.
type PassReport struct {
	PassID         string    `json:"pass_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Servers        []uint    `json:"servers"`
	SkippedServers []uint    `json:"skipped_servers"`
	Polled         int       `json:"polled"`
	Enqueued       int       `json:"enqueued"`
	Rejected       int       `json:"rejected"`
	Claimed        int       `json:"claimed"`
	Failed         int       `json:"failed"`
	Deferred       int       `json:"deferred"`
	Errors         []string  `json:"errors,omitempty"`
	Cancelled      bool      `json:"cancelled"`
}

// pass holds the per-pass state: one authenticated client and one lease per locked server.
type pass struct {
	id        string
	report    *PassReport
	sessions  map[uint]RemoteClient
	leases    map[uint]Lease
	lost      map[uint]bool
	renewedAt time.Time
	modules   []uint
}

// RunPass polls every active server, then drains pending events of the servers this pass
// locked. Cancellation is honoured between modules and between whole events.
func (s *Scheduler) RunPass(ctx context.Context, opts PassOptions) (PassReport, error) {
	report := PassReport{PassID: s.newPassID(), StartedAt: s.clock().UTC()}
	current := &pass{
		id:        report.PassID,
		report:    &report,
		sessions:  make(map[uint]RemoteClient),
		leases:    make(map[uint]Lease),
		lost:      make(map[uint]bool),
		renewedAt: s.clock(),
	}
	logger := s.logger.With(zap.String(fieldPassID, current.id))
	defer s.releaseLeases(current, logger)

	servers, err := s.queue.ActiveServers(ctx)
	if err != nil {
		report.Cancelled = isCancellation(ctx, err)
		return s.finish(report), err
	}

	for index := range servers {
		if ctx.Err() != nil {
			report.Cancelled = true
			return s.finish(report), ctx.Err()
		}
		s.pollServer(ctx, current, &servers[index], logger)
	}

	if err := s.drain(ctx, current, s.effectiveBatchSize(opts), logger); err != nil {
		report.Cancelled = isCancellation(ctx, err)
		return s.finish(report), err
	}
	logger.Info("sync pass finished",
		zap.Int("enqueued", report.Enqueued),
		zap.Int("claimed", report.Claimed),
		zap.Int("failed", report.Failed),
		zap.Int("deferred", report.Deferred))
	return s.finish(report), nil
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Scheduler) finish(report PassReport) PassReport {
	report.FinishedAt = s.clock().UTC()
	return report
}

func (s *Scheduler) effectiveBatchSize(opts PassOptions) int {
	switch {
	case opts.BatchSize > 0:
		return opts.BatchSize
	case opts.BatchSize < 0:
		return 0
	default:
		return s.batchSize
	}
}

func (s *Scheduler) pollServer(ctx context.Context, current *pass, server *events.Server, logger *zap.Logger) {
	serverLogger := logger.With(zap.Uint(fieldServerID, server.ID))
	lease, err := s.locker.TryAcquire(ctx, serverLockKey(server.ID), s.lockTTL)
	if err != nil {
		if !errors.Is(err, ErrLocked) {
			serverLogger.Error("pass lock failed", zap.Error(err))
			current.report.Errors = append(current.report.Errors, fmt.Sprintf("server %d: %v", server.ID, err))
		} else {
			serverLogger.Info("server locked by another pass")
		}
		current.report.SkippedServers = append(current.report.SkippedServers, server.ID)
		return
	}
	current.leases[server.ID] = lease

	client, err := s.factory(*server)
	if err == nil {
		err = client.Login(ctx)
	}
	if err != nil {
		serverLogger.Error("remote login failed", zap.Error(err))
		current.report.Errors = append(current.report.Errors, fmt.Sprintf("server %d: %v", server.ID, err))
		current.report.SkippedServers = append(current.report.SkippedServers, server.ID)
		return
	}
	current.sessions[server.ID] = client
	current.report.Servers = append(current.report.Servers, server.ID)

	for index := range server.Modules {
		if ctx.Err() != nil {
			return
		}
		s.renewLeases(ctx, current, logger)
		if current.lost[server.ID] {
			return
		}
		module := &server.Modules[index]
		current.modules = append(current.modules, module.ID)
		if err := s.pollModule(ctx, current, client, module, serverLogger); err != nil {
			current.report.Errors = append(current.report.Errors, fmt.Sprintf("module %d: %v", module.ID, err))
		}
	}
}

func (s *Scheduler) pollModule(ctx context.Context, current *pass, client RemoteClient, module *events.Module, logger *zap.Logger) error {
	moduleLogger := logger.With(zap.Uint(fieldModuleID, module.ID), zap.String(fieldConnector, module.ConnectorName))

	var (
		items []events.RemoteEvent
		err   error
	)
	if module.LastEventID > 0 {
		items, err = client.GetEvents(ctx, module.ConnectorName, module.LastEventID)
	} else {
		items, err = client.Synchronize(ctx, module.ConnectorName)
	}
	if err != nil {
		moduleLogger.Error("remote poll failed", zap.Error(err))
		return err
	}
	current.report.Polled += len(items)

	for _, item := range items {
		_, inserted, err := s.queue.Enqueue(ctx, module, item, current.id)
		if errors.Is(err, events.ErrUnknownEventType) {
			moduleLogger.Error("rejected remote event", zap.Int64(fieldEventID, item.EventID), zap.Int("event_type", item.EventType), zap.Error(err))
			if _, recordErr := s.queue.RecordRejected(ctx, module, item, current.id, err); recordErr != nil {
				return recordErr
			}
			current.report.Rejected++
			continue
		}
		if err != nil {
			return err
		}
		if inserted {
			current.report.Enqueued++
		}
	}

	if !module.HasFieldConfiguration() {
		fields, err := client.GetModuleConfig(ctx, module.ConnectorName)
		if err != nil {
			moduleLogger.Warn("field configuration fetch failed", zap.Error(err))
			return nil
		}
		if err := module.SetFields(fields); err != nil {
			return err
		}
	}
	return s.queue.SaveModule(ctx, module)
}

func (s *Scheduler) drain(ctx context.Context, current *pass, batchSize int, logger *zap.Logger) error {
	if len(current.modules) == 0 {
		return nil
	}
	pending, err := s.queue.DrainPending(ctx, events.DrainFilter{ModuleIDs: current.modules, Limit: batchSize})
	if err != nil {
		return err
	}
	for index := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		event := &pending[index]
		s.renewLeases(ctx, current, logger)
		if event.Module != nil && current.lost[event.Module.ServerID] {
			continue
		}
		eventCtx := context.WithoutCancel(ctx)
		status, processErr := s.process(eventCtx, current, event)
		eventLogger := logger.With(
			zap.Uint(fieldModuleID, event.ModuleID),
			zap.Int64(fieldEventID, event.EventID),
			zap.String(fieldObjectID, event.ObjectID))
		switch status {
		case events.StatusClaimed:
			current.report.Claimed++
			eventLogger.Debug("event claimed")
		case events.StatusPending:
			current.report.Deferred++
			eventLogger.Info("event deferred", zap.Error(processErr))
		default:
			current.report.Failed++
			eventLogger.Error("event failed", zap.String("event_type", string(event.EventType)), zap.Error(processErr))
		}
		s.notify(current, event, processErr)
	}
	return nil
}

// process runs one event to a terminal (or deferred) state and returns that state. The
// returned error is the processing failure, already persisted on the event.
func (s *Scheduler) process(ctx context.Context, current *pass, event *events.Event) (events.EventStatus, error) {
	processErr := s.importEvent(ctx, current, event)
	if processErr == nil {
		return events.StatusClaimed, nil
	}
	if errors.Is(processErr, mapping.ErrObjectNotFound) {
		if err := s.queue.Defer(ctx, event, processErr); err != nil {
			return events.StatusFailed, err
		}
		return events.StatusPending, processErr
	}
	if err := s.queue.Fail(ctx, event, processErr); err != nil {
		return events.StatusFailed, errors.Join(processErr, err)
	}
	return events.StatusFailed, processErr
}

func (s *Scheduler) importEvent(ctx context.Context, current *pass, event *events.Event) error {
	if event.Module == nil {
		return fmt.Errorf("event %d has no module", event.ID)
	}
	mapper, err := s.registry.MapperFor(event.Module)
	if err != nil {
		return err
	}
	client, ok := current.sessions[event.Module.ServerID]
	if !ok {
		return fmt.Errorf("%w %d", errNoSession, event.Module.ServerID)
	}

	var data mapping.RemoteData
	if event.EventType != events.EventTypeDelete {
		beans, err := client.GetBeans(ctx, []string{event.ObjectID}, event.Module.ConnectorName)
		event.RecordExchange(beans.Exchange)
		if err != nil {
			return err
		}
		if len(beans.Result) == 0 {
			return fmt.Errorf("%w: %s", errNoRemoteObject, event.ObjectID)
		}
		data.Result = make([]mapping.RemoteObject, 0, len(beans.Result))
		for _, bean := range beans.Result {
			data.Result = append(data.Result, mapping.RemoteObject{Properties: bean.Properties})
		}
	}

	return s.queue.Complete(ctx, event, func(tx *gorm.DB) error {
		return mapper.Import(ctx, mapping.NewGormStore(tx), data, event)
	})
}

func (s *Scheduler) notify(current *pass, event *events.Event, cause error) {
	if s.observer == nil {
		return
	}
	progress := Progress{
		PassID:     current.id,
		ModuleID:   event.ModuleID,
		EventRowID: event.ID,
		EventID:    event.EventID,
		ObjectID:   event.ObjectID,
		EventType:  string(event.EventType),
		Status:     string(event.Status),
		Timestamp:  s.clock().UTC(),
	}
	if event.Module != nil {
		progress.ServerID = event.Module.ServerID
		progress.Connector = event.Module.ConnectorName
	}
	if cause != nil {
		progress.Message = cause.Error()
	}
	s.observer.EventProcessed(progress)
}

// renewLeases extends every held lease once a third of the TTL has elapsed since the last
// renewal. A server whose lease was lost gets no further work in this pass.
func (s *Scheduler) renewLeases(ctx context.Context, current *pass, logger *zap.Logger) {
	now := s.clock()
	if now.Sub(current.renewedAt) < s.lockTTL/3 {
		return
	}
	current.renewedAt = now
	for serverID, lease := range current.leases {
		if current.lost[serverID] {
			continue
		}
		if err := lease.Extend(ctx, s.lockTTL); err != nil {
			current.lost[serverID] = true
			logger.Error("pass lock lost", zap.Uint(fieldServerID, serverID), zap.Error(err))
			current.report.Errors = append(current.report.Errors, fmt.Sprintf("server %d: %v", serverID, err))
		}
	}
}

func (s *Scheduler) releaseLeases(current *pass, logger *zap.Logger) {
	ctx := context.Background()
	for _, lease := range current.leases {
		if err := lease.Release(ctx); err != nil {
			logger.Warn("pass lock release failed", zap.Error(err))
		}
	}
}

// RunEvery runs a pass immediately and then on every tick until ctx is done. Pass errors
// are logged and do not stop the loop.
func (s *Scheduler) RunEvery(ctx context.Context, interval time.Duration, opts PassOptions) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunPass(ctx, opts); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled sync pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Progress describes one event transition within a pass.
type Progress struct {
	PassID     string    `json:"pass_id"`
	ServerID   uint      `json:"server_id"`
	ModuleID   uint      `json:"module_id"`
	Connector  string    `json:"connector"`
	EventRowID uint      `json:"id"`
	EventID    int64     `json:"event_id"`
	ObjectID   string    `json:"object_id"`
	EventType  string    `json:"event_type"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Observer receives progress notifications. Implementations must not block.
type Observer interface {
	EventProcessed(progress Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(progress Progress)

func (f ObserverFunc) EventProcessed(progress Progress) {
	f(progress)
}

// Recorder is an Observer that keeps every notification; used by the CLI to print a summary.
type Recorder struct {
	mu      sync.Mutex
	entries []Progress
}

func (r *Recorder) EventProcessed(progress Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, progress)
}

// Entries returns a copy of the recorded notifications.
func (r *Recorder) Entries() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.entries...)
}
