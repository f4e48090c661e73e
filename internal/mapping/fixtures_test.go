package mapping

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type testTag struct {
	Record
	Label string `gorm:"column:label"`
}

func (testTag) TableName() string { return "test_tags" }

type testMeta struct {
	Title string `gorm:"column:title"`
}

type testWidget struct {
	Record
	Name       string     `gorm:"column:name"`
	Price      float64    `gorm:"column:price"`
	Count      int        `gorm:"column:count"`
	Active     bool       `gorm:"column:active"`
	ReleasedAt *time.Time `gorm:"column:released_at"`
	Notes      string     `gorm:"column:notes"`
	Meta       testMeta   `gorm:"embedded;embeddedPrefix:meta_"`
	OwnerID    *uint      `gorm:"column:owner_id"`
	Owner      *testTag   `gorm:"foreignKey:OwnerID"`
	Tags       []*testTag `gorm:"many2many:test_widget_tags"`
}

func (testWidget) TableName() string { return "test_widgets" }

func tagSchema() *Schema {
	return NewSchema("tag",
		Scalar[testTag]("label", func(t *testTag) *string { return &t.Label }),
	)
}

func widgetSchema() *Schema {
	meta := NewSchema("meta",
		Scalar[testMeta]("title", func(m *testMeta) *string { return &m.Title }),
	)
	return NewSchema("widget",
		Scalar[testWidget]("name", func(w *testWidget) *string { return &w.Name }),
		Scalar[testWidget]("price", func(w *testWidget) *float64 { return &w.Price }),
		Scalar[testWidget]("count", func(w *testWidget) *int { return &w.Count }),
		Scalar[testWidget]("active", func(w *testWidget) *bool { return &w.Active }),
		NullableScalar[testWidget]("releasedAt", func(w *testWidget) **time.Time { return &w.ReleasedAt }),
		Scalar[testWidget]("notes", func(w *testWidget) *string { return &w.Notes }),
		Nested[testWidget]("meta", meta, func(w *testWidget) *testMeta { return &w.Meta }),
		Reference[testWidget]("owner", "tag", "Owner", false,
			func(w *testWidget) *testTag { return w.Owner },
			func(w *testWidget, owner *testTag) {
				w.Owner = owner
				if owner == nil {
					w.OwnerID = nil
					return
				}
				id := owner.ID
				w.OwnerID = &id
			}),
		Collection[testWidget]("tags", "tag", "Tags", func(w *testWidget) *[]*testTag { return &w.Tags }),
	)
}

func keywordSetter(_ context.Context, input SetterInput) error {
	widget, ok := input.Object.(*testWidget)
	if !ok {
		return fmt.Errorf("unexpected object %T", input.Object)
	}
	var words []string
	for _, item := range Identifiers(input.Value) {
		words = append(words, strings.ToLower(item))
	}
	widget.Notes = strings.Join(words, ",")
	return nil
}

type mappingHarness struct {
	db       *gorm.DB
	store    *GormStore
	registry *Registry
	logs     *observer.ObservedLogs
	module   *events.Module
}

func newMappingHarness(t *testing.T, dimensions ...events.DimensionMapping) *mappingHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "mapping.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&testTag{}, &testWidget{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zap.DebugLevel)
	registry := NewRegistry(RegistryConfig{Logger: zap.New(core)})
	if err := registry.Register(Definition{
		EntityType: "tag",
		Schema:     tagSchema(),
		New:        func() Entity { return &testTag{} },
	}); err != nil {
		t.Fatalf("failed to register tag: %v", err)
	}
	if err := registry.Register(Definition{
		EntityType: "widget",
		Schema:     widgetSchema(),
		New:        func() Entity { return &testWidget{} },
		PropertyMap: map[string]string{
			"title":    "meta.title",
			"secret":   Ignore,
			"tag_ids":  "tags",
			"owner_id": "owner",
			"ghost":    "doesNotExist",
		},
		Setters: map[string]Setter{"keywords": keywordSetter},
	}); err != nil {
		t.Fatalf("failed to register widget: %v", err)
	}

	module := &events.Module{
		ID:            1,
		ConnectorName: "widgets",
		EntityType:    "widget",
		StoragePID:    9,
		Server:        &events.Server{ID: 1, Name: "main", DimensionMappings: dimensions},
	}
	return &mappingHarness{db: db, store: NewGormStore(db), registry: registry, logs: logs, module: module}
}

func (h *mappingHarness) mustCreateTag(t *testing.T, remoteID string) *testTag {
	t.Helper()
	tag := &testTag{Record: Record{RemoteID: remoteID}, Label: "tag " + remoteID}
	if err := h.db.Create(tag).Error; err != nil {
		t.Fatalf("failed to create tag: %v", err)
	}
	return tag
}

func (h *mappingHarness) importObject(t *testing.T, eventType events.EventType, objectID string, properties map[string]any) error {
	t.Helper()
	mapper, err := h.registry.MapperFor(h.module)
	if err != nil {
		t.Fatalf("failed to resolve mapper: %v", err)
	}
	event := &events.Event{EventType: eventType, ObjectID: objectID, Module: h.module}
	data := RemoteData{}
	if properties != nil {
		data.Result = []RemoteObject{{Properties: properties}}
	}
	return mapper.Import(t.Context(), h.store, data, event)
}

func (h *mappingHarness) widgets(t *testing.T, remoteID string) []testWidget {
	t.Helper()
	var found []testWidget
	if err := h.db.Preload("Tags").Preload("Owner").Where("remote_id = ?", remoteID).Order("language ASC").Find(&found).Error; err != nil {
		t.Fatalf("failed to load widgets: %v", err)
	}
	return found
}
