package catalog

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"github.com/MarcoPoloResearchLab/pimsync/internal/mapping"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type catalogHarness struct {
	db       *gorm.DB
	registry *mapping.Registry
	server   *events.Server
}

func newCatalogHarness(t *testing.T) *catalogHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "catalog.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate catalog: %v", err)
	}
	registry := mapping.NewRegistry(mapping.RegistryConfig{})
	if err := Register(registry); err != nil {
		t.Fatalf("failed to register catalog: %v", err)
	}
	return &catalogHarness{
		db:       db,
		registry: registry,
		server:   &events.Server{ID: 1, Name: "main"},
	}
}

func (h *catalogHarness) mustImport(t *testing.T, connector, objectID string, properties map[string]any) {
	t.Helper()
	module := &events.Module{ID: 1, ConnectorName: connector, StoragePID: 3, Server: h.server}
	mapper, err := h.registry.MapperFor(module)
	if err != nil {
		t.Fatalf("failed to resolve mapper for %s: %v", connector, err)
	}
	event := &events.Event{EventType: events.EventTypeCreate, ObjectID: objectID, Module: module}
	data := mapping.RemoteData{Result: []mapping.RemoteObject{{Properties: properties}}}
	if err := mapper.Import(t.Context(), mapping.NewGormStore(h.db), data, event); err != nil {
		t.Fatalf("import of %s %s failed: %v", connector, objectID, err)
	}
}

func (h *catalogHarness) mustLoadProduct(t *testing.T, remoteID string) Product {
	t.Helper()
	var product Product
	err := h.db.Preload("Brand").Preload("Categories").Where("remote_id = ? AND language = 0", remoteID).Take(&product).Error
	if err != nil {
		t.Fatalf("failed to load product %s: %v", remoteID, err)
	}
	return product
}

func TestProductImportMapsCatalogFields(t *testing.T) {
	h := newCatalogHarness(t)
	h.mustImport(t, "brands", "B1", map[string]any{"name": "Acme", "url": "https://acme.example.com"})
	h.mustImport(t, "categories", "C1", map[string]any{"name": "Chairs"})
	h.mustImport(t, "products", "P1", map[string]any{
		"article_number": "SKU-1",
		"name":           "Office Chair",
		"price":          "12,50",
		"stock_level":    7.0,
		"active":         true,
		"released_at":    "2024-01-15T08:00:00Z",
		"keywords":       "Ergonomic, office,ergonomic",
		"attributes":     []any{map[string]any{"color": "black"}},
		"seo_title":      "Best chair",
		"internal_note":  "never imported",
		"brand_id":       "B1",
		"category_ids":   []any{"C1", "C404"},
	})

	product := h.mustLoadProduct(t, "P1")
	require.Equal(t, "SKU-1", product.SKU)
	require.Equal(t, 12.5, product.Price)
	require.Equal(t, 7, product.Stock)
	require.True(t, product.Active)
	require.NotNil(t, product.ReleasedAt)
	require.Equal(t, "ergonomic,office", product.Keywords)
	require.JSONEq(t, `[{"color":"black"}]`, product.Attributes)
	require.Equal(t, "Best chair", product.Seo.Title)
	require.EqualValues(t, 3, product.StoragePID)
	require.NotNil(t, product.Brand)
	require.Equal(t, "Acme", product.Brand.Name)
	require.Len(t, product.Categories, 1)
	require.Equal(t, "C1", product.Categories[0].RemoteID)

	var brand Brand
	require.NoError(t, h.db.Where("remote_id = ?", "B1").Take(&brand).Error)
	require.Equal(t, "https://acme.example.com", brand.Website)
}

func TestCategoryImportAttachesListedProducts(t *testing.T) {
	h := newCatalogHarness(t)
	h.mustImport(t, "products", "P1", map[string]any{"name": "Desk"})
	h.mustImport(t, "products", "P2", map[string]any{"name": "Lamp"})
	h.mustImport(t, "categories", "ROOT", map[string]any{"name": "Furniture"})
	h.mustImport(t, "categories", "C1", map[string]any{
		"name":      "Office",
		"parent_id": "ROOT",
		"products":  []any{"P1", "P2", "P404"},
	})
	h.mustImport(t, "categories", "C1", map[string]any{
		"name":      "Office",
		"parent_id": "ROOT",
		"products":  []any{"P1"},
	})

	for _, remoteID := range []string{"P1", "P2"} {
		product := h.mustLoadProduct(t, remoteID)
		require.Len(t, product.Categories, 1, "product %s", remoteID)
		require.Equal(t, "C1", product.Categories[0].RemoteID)
	}

	var joins int64
	require.NoError(t, h.db.Table(productCategoriesTable).Count(&joins).Error)
	require.EqualValues(t, 2, joins)

	var category Category
	require.NoError(t, h.db.Preload("ParentCategory").Where("remote_id = ?", "C1").Take(&category).Error)
	require.NotNil(t, category.ParentCategory)
	require.Equal(t, "ROOT", category.ParentCategory.RemoteID)
}

func TestCatalogCheckReportsCleanMappings(t *testing.T) {
	h := newCatalogHarness(t)
	module := &events.Module{ConnectorName: "products"}
	require.NoError(t, module.SetFields([]events.FieldConfig{
		{Name: "article_number", Type: "CEVarchar"},
		{Name: "keywords", Type: "CEVarcharList"},
		{Name: "category_ids", Type: "MANY_TO_MANY"},
	}))
	mapper, err := h.registry.MapperFor(module)
	require.NoError(t, err)

	report, err := mapper.Check(module)
	require.NoError(t, err)
	require.Equal(t, mapping.CheckOK, report.Status)
	require.Equal(t, EntityProduct, report.EntityType)
	require.Contains(t, report.Unmapped, "description")
	require.NotContains(t, report.Unmapped, "sku")
}

func TestDecimalConverter(t *testing.T) {
	value, err := decimalConverter("12,50")
	require.NoError(t, err)
	require.Equal(t, 12.5, value)

	value, err = decimalConverter(int64(3))
	require.NoError(t, err)
	require.Equal(t, 3.0, value)

	_, err = decimalConverter("1,000,5")
	require.ErrorIs(t, err, mapping.ErrConversion)
}
