package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/mapping"
	"go.uber.org/zap"
)

// Register adds the catalog entity types to registry and binds their default connectors.
func Register(registry *mapping.Registry) error {
	definitions := []mapping.Definition{
		brandDefinition(),
		categoryDefinition(),
		productDefinition(),
	}
	for _, definition := range definitions {
		if err := registry.Register(definition); err != nil {
			return err
		}
	}
	bindings := map[string]string{
		"brands":     EntityBrand,
		"categories": EntityCategory,
		"products":   EntityProduct,
	}
	for connector, entityType := range bindings {
		if err := registry.BindConnector(connector, entityType); err != nil {
			return err
		}
	}
	registry.RegisterConverter(mapping.TypeFloat, decimalConverter)
	return nil
}

func brandDefinition() mapping.Definition {
	return mapping.Definition{
		EntityType: EntityBrand,
		New:        func() mapping.Entity { return &Brand{} },
		Schema: mapping.NewSchema(EntityBrand,
			mapping.Scalar[Brand]("name", func(b *Brand) *string { return &b.Name }),
			mapping.Scalar[Brand]("website", func(b *Brand) *string { return &b.Website }),
		),
		PropertyMap: map[string]string{
			"url": "website",
		},
	}
}

func categoryDefinition() mapping.Definition {
	return mapping.Definition{
		EntityType: EntityCategory,
		New:        func() mapping.Entity { return &Category{} },
		Schema: mapping.NewSchema(EntityCategory,
			mapping.Scalar[Category]("name", func(c *Category) *string { return &c.Name }),
			mapping.Scalar[Category]("description", func(c *Category) *string { return &c.Description }),
			mapping.Reference[Category]("parentCategory", EntityCategory, "ParentCategory", true,
				func(c *Category) *Category { return c.ParentCategory },
				func(c *Category, parent *Category) {
					c.ParentCategory = parent
					if parent == nil {
						c.ParentCategoryID = nil
						return
					}
					id := parent.ID
					c.ParentCategoryID = &id
				}),
		),
		PropertyMap: map[string]string{
			"parent_id": "parentCategory",
			"products":  mapping.Ignore,
		},
		AfterImport: attachListedProducts,
	}
}

func productDefinition() mapping.Definition {
	seo := mapping.NewSchema("seo",
		mapping.Scalar[SeoMeta]("title", func(s *SeoMeta) *string { return &s.Title }),
		mapping.Scalar[SeoMeta]("description", func(s *SeoMeta) *string { return &s.Description }),
	)
	return mapping.Definition{
		EntityType: EntityProduct,
		New:        func() mapping.Entity { return &Product{} },
		Schema: mapping.NewSchema(EntityProduct,
			mapping.Scalar[Product]("sku", func(p *Product) *string { return &p.SKU }),
			mapping.Scalar[Product]("name", func(p *Product) *string { return &p.Name }),
			mapping.Scalar[Product]("description", func(p *Product) *string { return &p.Description }),
			mapping.Scalar[Product]("price", func(p *Product) *float64 { return &p.Price }),
			mapping.Scalar[Product]("stock", func(p *Product) *int { return &p.Stock }),
			mapping.Scalar[Product]("active", func(p *Product) *bool { return &p.Active }),
			mapping.NullableScalar[Product]("releasedAt", func(p *Product) **time.Time { return &p.ReleasedAt }),
			mapping.Scalar[Product]("keywords", func(p *Product) *string { return &p.Keywords }),
			mapping.Scalar[Product]("attributes", func(p *Product) *string { return &p.Attributes }),
			mapping.Nested[Product]("seo", seo, func(p *Product) *SeoMeta { return &p.Seo }),
			mapping.Reference[Product]("brand", EntityBrand, "Brand", true,
				func(p *Product) *Brand { return p.Brand },
				func(p *Product, brand *Brand) {
					p.Brand = brand
					if brand == nil {
						p.BrandID = nil
						return
					}
					id := brand.ID
					p.BrandID = &id
				}),
			mapping.Collection[Product]("categories", EntityCategory, "Categories", func(p *Product) *[]*Category { return &p.Categories }),
		),
		PropertyMap: map[string]string{
			"article_number":  "sku",
			"stock_level":     "stock",
			"seo_title":       "seo.title",
			"seo_description": "seo.description",
			"brand_id":        "brand",
			"category_ids":    "categories",
			"internal_note":   mapping.Ignore,
		},
		Setters: map[string]mapping.Setter{
			"keywords": setKeywords,
		},
	}
}

// setKeywords accepts a list or a comma separated string and stores a normalised,
// de-duplicated comma separated list.
func setKeywords(_ context.Context, input mapping.SetterInput) error {
	product, ok := input.Object.(*Product)
	if !ok {
		return fmt.Errorf("keywords setter applied to %T", input.Object)
	}
	var raw []string
	switch value := input.Value.(type) {
	case string:
		raw = strings.Split(value, ",")
	default:
		raw = mapping.Identifiers(value)
	}
	seen := make(map[string]struct{}, len(raw))
	keywords := make([]string, 0, len(raw))
	for _, keyword := range raw {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if _, duplicate := seen[normalized]; duplicate {
			continue
		}
		seen[normalized] = struct{}{}
		keywords = append(keywords, normalized)
	}
	product.Keywords = strings.Join(keywords, ",")
	return nil
}

// attachListedProducts adds the imported category to every product listed in its
// "products" field. Products that are not imported yet are skipped.
func attachListedProducts(ctx context.Context, input mapping.RelationInput) error {
	category, ok := input.Object.(*Category)
	if !ok || category.Language != 0 {
		return nil
	}
	ids := mapping.Identifiers(input.Properties["products"])
	if len(ids) == 0 {
		return nil
	}
	products, ok := input.Registry.Definition(EntityProduct)
	if !ok {
		return fmt.Errorf("%w: %s", mapping.ErrUnknownEntityType, EntityProduct)
	}
	for _, id := range ids {
		found, err := input.Store.FindByRemoteID(ctx, products, id)
		if err != nil {
			return err
		}
		if found == nil {
			if input.Logger != nil {
				input.Logger.Warn("related object not found",
					zap.String("entity_type", EntityCategory),
					zap.String("remote_id", category.RemoteID),
					zap.String("property", "products"),
					zap.String("related_id", id))
			}
			continue
		}
		if err := input.Store.AppendAssociation(ctx, found, "Categories", category); err != nil {
			return err
		}
	}
	return nil
}

// decimalConverter accepts decimal strings with a comma separator ("12,50") on top of the
// built-in float conversion.
func decimalConverter(value any) (any, error) {
	if text, ok := value.(string); ok && strings.Count(text, ",") == 1 && !strings.Contains(text, ".") {
		value = strings.Replace(text, ",", ".", 1)
	}
	return mapping.Coerce(value, mapping.TypeFloat, nil)
}
