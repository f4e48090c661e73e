package mapping

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the persistence collaborator used by the mapping engine.
type Store interface {
	// FindByRemoteID returns the default-language instance, or nil when none exists.
	FindByRemoteID(ctx context.Context, definition *Definition, remoteID string) (Entity, error)
	// FindTranslation returns the translation of parentID for language, or nil.
	FindTranslation(ctx context.Context, definition *Definition, parentID uint, language int) (Entity, error)
	// Save inserts or updates the entity and replaces its collection memberships.
	Save(ctx context.Context, definition *Definition, entity Entity) error
	// Delete removes the entity and its collection memberships.
	Delete(ctx context.Context, definition *Definition, entity Entity) error
	// PruneTranslations deletes translations of parentID whose language is not in keep.
	PruneTranslations(ctx context.Context, definition *Definition, parentID uint, keep []int) (int, error)
	// AppendAssociation adds member to the named association of owner if missing.
	AppendAssociation(ctx context.Context, owner Entity, association string, member Entity) error
}

// GormStore implements Store on a gorm handle, typically a transaction.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FindByRemoteID(ctx context.Context, definition *Definition, remoteID string) (Entity, error) {
	entity := definition.New()
	err := preloadRelations(s.db.WithContext(ctx), definition).
		Where("remote_id = ? AND language = ?", remoteID, 0).
		Order("id ASC").
		Take(entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %s: %w", definition.EntityType, remoteID, err)
	}
	return entity, nil
}

func (s *GormStore) FindTranslation(ctx context.Context, definition *Definition, parentID uint, language int) (Entity, error) {
	entity := definition.New()
	err := preloadRelations(s.db.WithContext(ctx), definition).
		Where("parent_id = ? AND language = ?", parentID, language).
		Order("id ASC").
		Take(entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s translation %d/%d: %w", definition.EntityType, parentID, language, err)
	}
	return entity, nil
}

func (s *GormStore) Save(ctx context.Context, definition *Definition, entity Entity) error {
	db := s.db.WithContext(ctx)
	var err error
	if entity.Base().ID == 0 {
		err = db.Omit(clause.Associations).Create(entity).Error
	} else {
		err = db.Omit(clause.Associations).Save(entity).Error
	}
	if err != nil {
		return fmt.Errorf("save %s %s: %w", definition.EntityType, entity.Base().RemoteID, err)
	}
	for _, property := range definition.Schema.Properties() {
		if property.Kind != KindCollection || property.Association == "" {
			continue
		}
		members, err := property.Members(entity)
		if err != nil {
			return err
		}
		association := db.Model(entity).Association(property.Association)
		if len(members) == 0 {
			err = association.Clear()
		} else {
			err = association.Replace(members...)
		}
		if err != nil {
			return fmt.Errorf("replace %s.%s: %w", definition.EntityType, property.Name, err)
		}
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, definition *Definition, entity Entity) error {
	if err := s.db.WithContext(ctx).Select(clause.Associations).Delete(entity).Error; err != nil {
		return fmt.Errorf("delete %s %s: %w", definition.EntityType, entity.Base().RemoteID, err)
	}
	return nil
}

func (s *GormStore) PruneTranslations(ctx context.Context, definition *Definition, parentID uint, keep []int) (int, error) {
	if parentID == 0 {
		return 0, nil
	}
	query := s.db.WithContext(ctx).Model(definition.New()).Where("parent_id = ? AND language <> ?", parentID, 0)
	if len(keep) > 0 {
		query = query.Where("language NOT IN ?", keep)
	}
	var ids []uint
	if err := query.Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("list %s translations: %w", definition.EntityType, err)
	}
	for _, id := range ids {
		stale := definition.New()
		stale.Base().ID = id
		if err := s.db.WithContext(ctx).Select(clause.Associations).Delete(stale).Error; err != nil {
			return 0, fmt.Errorf("prune %s translation %d: %w", definition.EntityType, id, err)
		}
	}
	return len(ids), nil
}

// AppendAssociation relies on gorm inserting join rows with ON CONFLICT DO NOTHING.
func (s *GormStore) AppendAssociation(ctx context.Context, owner Entity, association string, member Entity) error {
	if err := s.db.WithContext(ctx).Model(owner).Association(association).Append(member); err != nil {
		return fmt.Errorf("append %s: %w", association, err)
	}
	return nil
}

// preloadRelations loads only the associations the schema writes, so related instances
// resolved for a collection do not drag their own graphs along.
func preloadRelations(db *gorm.DB, definition *Definition) *gorm.DB {
	for _, property := range definition.Schema.Properties() {
		if property.Association == "" {
			continue
		}
		if property.Kind == KindReference || property.Kind == KindCollection {
			db = db.Preload(property.Association)
		}
	}
	return db
}
