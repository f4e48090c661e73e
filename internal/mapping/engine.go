package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"go.uber.org/zap"
)

var (
	// ErrObjectNotFound indicates a delete arrived for an object that does not exist locally.
	// The event must stay pending for re-delivery.
	ErrObjectNotFound = errors.New("mapping: object not found")
	// ErrUnsupportedEventType indicates an event kind the engine cannot import.
	ErrUnsupportedEventType = errors.New("mapping: unsupported event type")
	errMissingEvent         = errors.New("mapping: event with module is required")
)

// RemoteObject is one fetched remote object.
type RemoteObject struct {
	Properties map[string]any `json:"properties"`
}

// RemoteData is the payload fetched for an event.
type RemoteData struct {
	Result []RemoteObject `json:"result"`
}

// Properties returns the property bag of the first result, or nil.
func (d RemoteData) Properties() map[string]any {
	if len(d.Result) == 0 {
		return nil
	}
	return d.Result[0].Properties
}

// Mapper imports remote objects of one entity type.
type Mapper interface {
	EntityType() string
	Import(ctx context.Context, store Store, data RemoteData, event *events.Event) error
	Check(module *events.Module) (CheckReport, error)
}

// GenericMapper drives imports from a Definition.
type GenericMapper struct {
	definition *Definition
	registry   *Registry
	logger     *zap.Logger
}

func (m *GenericMapper) EntityType() string {
	return m.definition.EntityType
}

// Import replays one event. Deletes of unknown objects return ErrObjectNotFound.
func (m *GenericMapper) Import(ctx context.Context, store Store, data RemoteData, event *events.Event) error {
	if event == nil || event.Module == nil {
		return errMissingEvent
	}
	existing, err := store.FindByRemoteID(ctx, m.definition, event.ObjectID)
	if err != nil {
		return err
	}

	switch event.EventType {
	case events.EventTypeDelete:
		if existing == nil {
			return fmt.Errorf("%w: %s %s", ErrObjectNotFound, m.definition.EntityType, event.ObjectID)
		}
		if _, err := store.PruneTranslations(ctx, m.definition, existing.Base().ID, nil); err != nil {
			return err
		}
		return store.Delete(ctx, m.definition, existing)
	case events.EventTypeCreate, events.EventTypeUpdate:
		object, err := m.importWithDimensions(ctx, store, data, event, existing)
		if err != nil {
			return err
		}
		if m.definition.AfterImport == nil {
			return nil
		}
		return m.definition.AfterImport(ctx, RelationInput{
			Object:     object,
			Properties: data.Properties(),
			Event:      event,
			Store:      store,
			Registry:   m.registry,
			Logger:     m.logger,
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEventType, event.EventType)
	}
}

func (m *GenericMapper) importWithDimensions(ctx context.Context, store Store, data RemoteData, event *events.Event, object Entity) (Entity, error) {
	module := event.Module
	var dimensions events.DimensionSet
	if module.Server != nil {
		set, err := module.Server.Dimensions()
		if err != nil {
			return nil, err
		}
		dimensions = set
	}
	fields, err := module.Fields()
	if err != nil {
		return nil, err
	}

	if object == nil {
		object = m.newObject(event.ObjectID, module.StoragePID)
	}
	properties := data.Properties()
	if err := m.copyProperties(ctx, store, object, properties, fields, dimensions.Default, module); err != nil {
		return nil, err
	}
	if err := store.Save(ctx, m.definition, object); err != nil {
		return nil, err
	}
	if dimensions.Default == nil {
		return object, nil
	}

	parent := object.Base()
	for index := range dimensions.Translations {
		translation := dimensions.Translations[index]
		translated, err := store.FindTranslation(ctx, m.definition, parent.ID, translation.Language)
		if err != nil {
			return nil, err
		}
		if translated == nil {
			translated = m.newObject(parent.RemoteID, module.StoragePID)
		}
		base := translated.Base()
		base.Language = translation.Language
		base.ParentID = parent.ID
		if err := m.copyProperties(ctx, store, translated, properties, fields, &translation, module); err != nil {
			return nil, err
		}
		if err := store.Save(ctx, m.definition, translated); err != nil {
			return nil, err
		}
	}

	pruned, err := store.PruneTranslations(ctx, m.definition, parent.ID, dimensions.Languages())
	if err != nil {
		return nil, err
	}
	if pruned > 0 {
		m.logger.Info("pruned stale translations",
			zap.String("entity_type", m.definition.EntityType),
			zap.String("remote_id", parent.RemoteID),
			zap.Int("count", pruned))
	}
	return object, nil
}

func (m *GenericMapper) newObject(remoteID string, storagePID int64) Entity {
	object := m.definition.New()
	base := object.Base()
	base.RemoteID = remoteID
	base.StoragePID = storagePID
	return object
}

// copyProperties applies the generic property copy for one dimension. Data errors are
// logged and the field skipped; only storage failures abort.
func (m *GenericMapper) copyProperties(ctx context.Context, store Store, object Entity, properties map[string]any, fields []events.FieldConfig, dimension *events.DimensionMapping, module *events.Module) error {
	if properties == nil {
		return nil
	}
	filled := BackfillDefaults(properties, fields)
	var matcher DimensionMatcher
	if dimension != nil {
		matcher = dimension
	}

	names := make([]string, 0, len(filled))
	for name := range filled {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		target, mapped := m.definition.TargetFor(name)
		if mapped && target == Ignore {
			continue
		}
		value, structured, ok := ResolveDimensionValue(filled[name], matcher)
		if structured && !ok {
			m.warn(object, name, "no value for dimension", nil)
			continue
		}
		if setter, ok := m.definition.Setters[name]; ok && setter != nil {
			err := setter(ctx, SetterInput{
				Field:      name,
				Value:      value,
				Properties: filled,
				Object:     object,
				Module:     module,
				Store:      store,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.warn(object, name, "custom setter failed", err)
			}
			continue
		}
		if err := m.assign(ctx, store, object, target, value); err != nil {
			return err
		}
	}
	return nil
}

// assign writes one value onto the property at path. It returns an error only when the
// store fails or the relation target is not registered.
func (m *GenericMapper) assign(ctx context.Context, store Store, object Entity, path string, value any) error {
	owner, property, err := ResolvePath(m.definition.Schema, object, path)
	if err != nil {
		if errors.Is(err, ErrUnknownProperty) {
			m.logger.Debug("skipping unmapped property",
				zap.String("entity_type", m.definition.EntityType),
				zap.String("property", path))
			return nil
		}
		m.warn(object, path, "property path not traversable", err)
		return nil
	}

	switch property.Kind {
	case KindCollection:
		resolve, err := m.resolverFor(ctx, store, property.Target)
		if err != nil {
			return err
		}
		change, err := property.reconcile(owner, Identifiers(value), resolve)
		if err != nil {
			return err
		}
		for _, id := range change.Unresolved {
			m.logger.Warn("related object not found",
				zap.String("entity_type", m.definition.EntityType),
				zap.String("remote_id", object.Base().RemoteID),
				zap.String("property", path),
				zap.String("target", property.Target),
				zap.String("related_id", id))
		}
		return nil
	case KindReference:
		id := identifierString(value)
		if id == "" {
			if !property.Nullable {
				m.warn(object, path, "refusing to clear non-nullable reference", nil)
				return nil
			}
			return m.set(object, owner, property, path, nil)
		}
		resolve, err := m.resolverFor(ctx, store, property.Target)
		if err != nil {
			return err
		}
		related, found, err := resolve(id)
		if err != nil {
			return err
		}
		if !found {
			m.logger.Warn("related object not found",
				zap.String("entity_type", m.definition.EntityType),
				zap.String("remote_id", object.Base().RemoteID),
				zap.String("property", path),
				zap.String("target", property.Target),
				zap.String("related_id", id))
			return nil
		}
		return m.set(object, owner, property, path, related)
	case KindScalar:
		coerced, err := m.registry.coerce(value, property.Type)
		if err != nil {
			m.warn(object, path, "conversion failed", err)
			return nil
		}
		return m.set(object, owner, property, path, coerced)
	default:
		m.warn(object, path, "nested objects are assigned through dotted paths", nil)
		return nil
	}
}

func (m *GenericMapper) set(object Entity, owner any, property *Property, path string, value any) error {
	if err := property.Set(owner, value); err != nil {
		m.warn(object, path, "assignment failed", err)
	}
	return nil
}

func (m *GenericMapper) resolverFor(ctx context.Context, store Store, entityType string) (Resolver, error) {
	definition, ok := m.registry.Definition(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: relation target %q of %s", ErrUnknownEntityType, entityType, m.definition.EntityType)
	}
	return func(id string) (any, bool, error) {
		related, err := store.FindByRemoteID(ctx, definition, id)
		if err != nil {
			return nil, false, err
		}
		if related == nil {
			return nil, false, nil
		}
		return related, true, nil
	}, nil
}

func (m *GenericMapper) warn(object Entity, property, message string, err error) {
	fields := []zap.Field{
		zap.String("entity_type", m.definition.EntityType),
		zap.String("remote_id", object.Base().RemoteID),
		zap.Int("language", object.Base().Language),
		zap.String("property", property),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	m.logger.Warn(message, fields...)
}

// Identifiers normalises a remote relation value (list, single id or id object) into
// remote ids. Empty and zero ids are dropped.
func Identifiers(value any) []string {
	switch typed := value.(type) {
	case nil:
		return nil
	case []string:
		return typed
	case []any:
		ids := make([]string, 0, len(typed))
		for _, item := range typed {
			if id := identifierString(item); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		if id := identifierString(typed); id != "" {
			return []string{id}
		}
		return nil
	}
}

func identifierString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case float64:
		if typed == 0 {
			return ""
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int64:
		if typed == 0 {
			return ""
		}
		return strconv.FormatInt(typed, 10)
	case int:
		if typed == 0 {
			return ""
		}
		return strconv.Itoa(typed)
	case map[string]any:
		for _, key := range []string{"id", "remote_id", "object_id"} {
			if id := identifierString(typed[key]); id != "" {
				return id
			}
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
