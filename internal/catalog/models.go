package catalog

import (
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/mapping"
)

const (
	// EntityProduct is the entity type of Product.
	EntityProduct = "product"
	// EntityCategory is the entity type of Category.
	EntityCategory = "category"
	// EntityBrand is the entity type of Brand.
	EntityBrand = "brand"

	productCategoriesTable = "catalog_product_categories"
)

// Brand is a manufacturer referenced by products.
type Brand struct {
	mapping.Record
	Name    string `gorm:"column:name;size:255;not null;default:''" json:"name"`
	Website string `gorm:"column:website;size:512;not null;default:''" json:"website"`
}

// TableName provides the explicit table binding for GORM.
func (Brand) TableName() string {
	return "catalog_brands"
}

// Category groups products and may nest under a parent category.
type Category struct {
	mapping.Record
	Name             string     `gorm:"column:name;size:255;not null;default:''" json:"name"`
	Description      string     `gorm:"column:description;type:text" json:"description"`
	ParentCategoryID *uint      `gorm:"column:parent_category_id;index" json:"parent_category_id,omitempty"`
	ParentCategory   *Category  `gorm:"foreignKey:ParentCategoryID" json:"-"`
	Products         []*Product `gorm:"many2many:catalog_product_categories" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Category) TableName() string {
	return "catalog_categories"
}

// SeoMeta is embedded into Product with the seo_ column prefix.
type SeoMeta struct {
	Title       string `gorm:"column:title;size:255;not null;default:''" json:"title"`
	Description string `gorm:"column:description;type:text" json:"description"`
}

// Product is the main catalog entity.
type Product struct {
	mapping.Record
	SKU         string      `gorm:"column:sku;size:190;not null;default:''" json:"sku"`
	Name        string      `gorm:"column:name;size:255;not null;default:''" json:"name"`
	Description string      `gorm:"column:description;type:text" json:"description"`
	Price       float64     `gorm:"column:price;not null;default:0" json:"price"`
	Stock       int         `gorm:"column:stock;not null;default:0" json:"stock"`
	Active      bool        `gorm:"column:active;not null;default:false" json:"active"`
	ReleasedAt  *time.Time  `gorm:"column:released_at" json:"released_at,omitempty"`
	Keywords    string      `gorm:"column:keywords;type:text" json:"keywords"`
	Attributes  string      `gorm:"column:attributes;type:text" json:"attributes"`
	Seo         SeoMeta     `gorm:"embedded;embeddedPrefix:seo_" json:"seo"`
	BrandID     *uint       `gorm:"column:brand_id;index" json:"brand_id,omitempty"`
	Brand       *Brand      `gorm:"foreignKey:BrandID" json:"brand,omitempty"`
	Categories  []*Category `gorm:"many2many:catalog_product_categories" json:"categories,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Product) TableName() string {
	return "catalog_products"
}

// Models lists the catalog tables for migration.
func Models() []interface{} {
	return []interface{}{&Brand{}, &Category{}, &Product{}}
}
