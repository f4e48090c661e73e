package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"go.uber.org/zap"
)

// Ignore marks a remote field that must not be imported.
const Ignore = "-"

var (
	// ErrUnknownEntityType indicates no definition is registered for a module.
	ErrUnknownEntityType = errors.New("mapping: unknown entity type")
	// ErrInvalidDefinition indicates a definition failed validation.
	ErrInvalidDefinition = errors.New("mapping: invalid definition")
)

// SetterInput is handed to a custom setter.
type SetterInput struct {
	Field      string
	Value      any
	Properties map[string]any
	Object     Entity
	Module     *events.Module
	Store      Store
}

// Setter writes one remote field onto an object in place of the generic copy.
type Setter func(ctx context.Context, input SetterInput) error

// RelationInput is handed to an AfterImport hook.
type RelationInput struct {
	Object     Entity
	Properties map[string]any
	Event      *events.Event
	Store      Store
	Registry   *Registry
	Logger     *zap.Logger
}

// Definition registers one entity type with the mapping engine.
type Definition struct {
	EntityType string
	Schema     *Schema
	New        func() Entity
	// PropertyMap renames remote fields to local property paths; Ignore skips a field.
	PropertyMap map[string]string
	Setters     map[string]Setter
	// AfterImport fixes up relations that cannot be expressed as plain properties.
	AfterImport func(ctx context.Context, input RelationInput) error
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.EntityType) == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidDefinition)
	}
	if d.Schema == nil {
		return fmt.Errorf("%w: %s has no schema", ErrInvalidDefinition, d.EntityType)
	}
	if d.New == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidDefinition, d.EntityType)
	}
	for field, target := range d.PropertyMap {
		if strings.TrimSpace(field) == "" || strings.TrimSpace(target) == "" {
			return fmt.Errorf("%w: %s has an empty property map entry", ErrInvalidDefinition, d.EntityType)
		}
	}
	return nil
}

// TargetFor resolves the local property path for a remote field and reports whether the
// field is explicitly mapped.
func (d *Definition) TargetFor(field string) (string, bool) {
	if target, ok := d.PropertyMap[field]; ok {
		return target, true
	}
	return SnakeToCamel(field), false
}

// RegistryConfig describes the dependencies of the registry.
type RegistryConfig struct {
	Logger *zap.Logger
}

// Registry holds entity definitions, connector bindings and scalar converters. It is built
// once at startup and passed to the scheduler.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	connectors  map[string]string
	converters  map[ValueType]Converter
	logger      *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		definitions: make(map[string]*Definition),
		connectors:  make(map[string]string),
		converters:  make(map[ValueType]Converter),
		logger:      logger,
	}
}

// Register adds a definition. Registering the same entity type twice is an error.
func (r *Registry) Register(definition Definition) error {
	if err := definition.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[definition.EntityType]; exists {
		return fmt.Errorf("%w: %s registered twice", ErrInvalidDefinition, definition.EntityType)
	}
	stored := definition
	stored.PropertyMap = copyPropertyMap(definition.PropertyMap)
	r.definitions[definition.EntityType] = &stored
	return nil
}

// BindConnector routes modules with the given connector and no explicit entity type.
func (r *Registry) BindConnector(connector, entityType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[entityType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	r.connectors[connector] = entityType
	return nil
}

// RegisterConverter installs a converter used when a remote value does not already have
// the natural type of the declared property type.
func (r *Registry) RegisterConverter(valueType ValueType, converter Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[valueType] = converter
}

// Definition returns the definition of entityType.
func (r *Registry) Definition(entityType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	definition, ok := r.definitions[entityType]
	return definition, ok
}

// EntityTypes lists the registered entity types.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.definitions))
	for entityType := range r.definitions {
		types = append(types, entityType)
	}
	sort.Strings(types)
	return types
}

// MapperFor resolves the mapper of a module: its entity type, else a connector binding,
// else a definition named like the connector.
func (r *Registry) MapperFor(module *events.Module) (Mapper, error) {
	if module == nil {
		return nil, fmt.Errorf("%w: missing module", ErrUnknownEntityType)
	}
	r.mu.RLock()
	entityType := strings.TrimSpace(module.EntityType)
	if entityType == "" {
		entityType = r.connectors[module.ConnectorName]
	}
	if entityType == "" {
		entityType = module.ConnectorName
	}
	definition, ok := r.definitions[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q for connector %q", ErrUnknownEntityType, entityType, module.ConnectorName)
	}
	return &GenericMapper{definition: definition, registry: r, logger: r.logger}, nil
}

func (r *Registry) coerce(value any, declared ValueType) (any, error) {
	r.mu.RLock()
	converter, ok := r.converters[declared]
	r.mu.RUnlock()
	if !ok {
		return Coerce(value, declared, nil)
	}
	return Coerce(value, declared, map[ValueType]Converter{declared: converter})
}

func (r *Registry) overridePropertyMap(entityType string, overrides map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	definition, ok := r.definitions[entityType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	merged := copyPropertyMap(definition.PropertyMap)
	for field, target := range overrides {
		merged[field] = target
	}
	updated := *definition
	updated.PropertyMap = merged
	r.definitions[entityType] = &updated
	return nil
}

func copyPropertyMap(source map[string]string) map[string]string {
	copied := make(map[string]string, len(source))
	for field, target := range source {
		copied[field] = target
	}
	return copied
}
