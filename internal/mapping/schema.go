package mapping

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind classifies how a property is written during import.
type Kind int

const (
	// KindScalar holds a single coerced value.
	KindScalar Kind = iota
	// KindReference points at one related entity resolved by remote id.
	KindReference
	// KindCollection holds a set of related entities resolved by remote id.
	KindCollection
	// KindNested is an embedded value object traversed by dotted paths.
	KindNested
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindReference:
		return "reference"
	case KindCollection:
		return "collection"
	case KindNested:
		return "nested"
	default:
		return "unknown"
	}
}

// ValueType is the declared type of a scalar property.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeBool   ValueType = "bool"
	TypeTime   ValueType = "time"
)

var (
	// ErrUnknownProperty indicates a property path does not exist on the schema.
	ErrUnknownProperty = errors.New("mapping: unknown property")
	errWrongOwner      = errors.New("mapping: property applied to a foreign object")
	errNotNested       = errors.New("mapping: path segment is not a nested property")
)

// Property is one statically declared property of an entity schema.
type Property struct {
	Name     string
	Kind     Kind
	Type     ValueType
	Target   string
	Nullable bool
	// Association is the ORM association backing a reference or collection.
	Association string
	Schema      *Schema

	get       func(owner any) (any, error)
	set       func(owner any, value any) error
	descend   func(owner any) (any, error)
	reconcile func(owner any, ids []string, resolve Resolver) (CollectionChange, error)
	members   func(owner any) ([]any, error)
}

// Get reads the property value from owner.
func (p Property) Get(owner any) (any, error) {
	if p.get == nil {
		return nil, fmt.Errorf("%w: %s is not readable", ErrUnknownProperty, p.Name)
	}
	return p.get(owner)
}

// Set writes an already coerced value onto owner. A nil value clears the property.
func (p Property) Set(owner any, value any) error {
	if p.set == nil {
		return fmt.Errorf("%w: %s is not writable", ErrUnknownProperty, p.Name)
	}
	return p.set(owner, value)
}

// Members returns the current collection members as untyped values.
func (p Property) Members(owner any) ([]any, error) {
	if p.members == nil {
		return nil, fmt.Errorf("%w: %s is not a collection", ErrUnknownProperty, p.Name)
	}
	return p.members(owner)
}

// Schema is the static property table of one entity type.
type Schema struct {
	EntityType string
	properties []Property
	index      map[string]int
}

// NewSchema builds a schema from its properties. Later duplicates replace earlier ones.
func NewSchema(entityType string, properties ...Property) *Schema {
	schema := &Schema{
		EntityType: entityType,
		index:      make(map[string]int, len(properties)),
	}
	for _, property := range properties {
		if position, exists := schema.index[property.Name]; exists {
			schema.properties[position] = property
			continue
		}
		schema.index[property.Name] = len(schema.properties)
		schema.properties = append(schema.properties, property)
	}
	return schema
}

// Properties returns the declared properties in declaration order.
func (s *Schema) Properties() []Property {
	if s == nil {
		return nil
	}
	return append([]Property(nil), s.properties...)
}

// Property finds a top-level property by name.
func (s *Schema) Property(name string) (*Property, bool) {
	if s == nil {
		return nil, false
	}
	position, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return &s.properties[position], true
}

// LookupPath resolves a dotted property path without an object instance.
func (s *Schema) LookupPath(path string) (*Property, error) {
	segments := strings.Split(path, ".")
	current := s
	for index, segment := range segments {
		property, ok := current.Property(segment)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnknownProperty, path, s.entityTypeOrUnknown())
		}
		if index == len(segments)-1 {
			return property, nil
		}
		if property.Kind != KindNested || property.Schema == nil {
			return nil, fmt.Errorf("%w: %s", errNotNested, segment)
		}
		current = property.Schema
	}
	return nil, fmt.Errorf("%w: empty path", ErrUnknownProperty)
}

// Paths lists every addressable leaf path, nested properties expanded with dots.
func (s *Schema) Paths() []string {
	if s == nil {
		return nil
	}
	var paths []string
	for _, property := range s.properties {
		if property.Kind == KindNested && property.Schema != nil {
			for _, nested := range property.Schema.Paths() {
				paths = append(paths, property.Name+"."+nested)
			}
			continue
		}
		paths = append(paths, property.Name)
	}
	return paths
}

func (s *Schema) entityTypeOrUnknown() string {
	if s == nil || s.EntityType == "" {
		return "unknown"
	}
	return s.EntityType
}

// Scalar declares a non-nullable scalar property backed by a struct field.
func Scalar[T any, V any](name string, field func(*T) *V) Property {
	return Property{
		Name: name,
		Kind: KindScalar,
		Type: valueTypeOf[V](),
		get: func(owner any) (any, error) {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return nil, err
			}
			return *field(typed), nil
		},
		set: func(owner any, value any) error {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return err
			}
			converted, err := convertTo[V](value)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*field(typed) = converted
			return nil
		},
	}
}

// NullableScalar declares a scalar property backed by a pointer field.
func NullableScalar[T any, V any](name string, field func(*T) **V) Property {
	return Property{
		Name:     name,
		Kind:     KindScalar,
		Type:     valueTypeOf[V](),
		Nullable: true,
		get: func(owner any) (any, error) {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return nil, err
			}
			current := *field(typed)
			if current == nil {
				return nil, nil
			}
			return *current, nil
		},
		set: func(owner any, value any) error {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return err
			}
			if value == nil {
				*field(typed) = nil
				return nil
			}
			converted, err := convertTo[V](value)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*field(typed) = &converted
			return nil
		},
	}
}

// Reference declares a to-one relation. assign receives nil when the relation is cleared.
func Reference[T any, E any](name, target, association string, nullable bool, get func(*T) *E, assign func(*T, *E)) Property {
	return Property{
		Name:        name,
		Kind:        KindReference,
		Target:      target,
		Association: association,
		Nullable:    nullable,
		get: func(owner any) (any, error) {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return nil, err
			}
			current := get(typed)
			if current == nil {
				return nil, nil
			}
			return current, nil
		},
		set: func(owner any, value any) error {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return err
			}
			if value == nil {
				assign(typed, nil)
				return nil
			}
			related, ok := value.(*E)
			if !ok {
				return fmt.Errorf("%s: %w: got %T", name, errWrongOwner, value)
			}
			assign(typed, related)
			return nil
		},
	}
}

// Collection declares a to-many relation whose membership is replaced on import.
func Collection[T any, E any](name, target, association string, field func(*T) *[]*E) Property {
	return Property{
		Name:        name,
		Kind:        KindCollection,
		Target:      target,
		Association: association,
		get: func(owner any) (any, error) {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return nil, err
			}
			return *field(typed), nil
		},
		members: func(owner any) ([]any, error) {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return nil, err
			}
			current := *field(typed)
			members := make([]any, 0, len(current))
			for _, member := range current {
				members = append(members, member)
			}
			return members, nil
		},
		reconcile: func(owner any, ids []string, resolve Resolver) (CollectionChange, error) {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return CollectionChange{}, err
			}
			diff, err := ReconcileCollection(*field(typed), ids, func(id string) (*E, bool, error) {
				resolved, found, err := resolve(id)
				if err != nil || !found {
					return nil, found, err
				}
				related, ok := resolved.(*E)
				if !ok {
					return nil, false, fmt.Errorf("%s: %w: got %T", name, errWrongOwner, resolved)
				}
				return related, true, nil
			}, remoteIdentityOf[E])
			if err != nil {
				return CollectionChange{}, err
			}
			*field(typed) = diff.Members
			return diff.Change(), nil
		},
	}
}

// Nested declares an embedded value object addressed by dotted paths.
func Nested[T any, N any](name string, schema *Schema, field func(*T) *N) Property {
	return Property{
		Name:   name,
		Kind:   KindNested,
		Schema: schema,
		descend: func(owner any) (any, error) {
			typed, err := ownerAs[T](owner, name)
			if err != nil {
				return nil, err
			}
			return field(typed), nil
		},
	}
}

func ownerAs[T any](owner any, property string) (*T, error) {
	typed, ok := owner.(*T)
	if !ok || typed == nil {
		return nil, fmt.Errorf("%w: %s on %T", errWrongOwner, property, owner)
	}
	return typed, nil
}

func remoteIdentityOf[E any](member *E) string {
	if identifiable, ok := any(member).(Identifiable); ok {
		return identifiable.RemoteIdentity()
	}
	return ""
}

func valueTypeOf[V any]() ValueType {
	var zero V
	switch any(zero).(type) {
	case string:
		return TypeString
	case int, int32, int64, uint, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		return TypeTime
	default:
		return TypeString
	}
}

// convertTo narrows a canonical coerced value (string, int64, float64, bool, time.Time)
// onto the concrete field type V. A nil value yields the zero value.
func convertTo[V any](value any) (V, error) {
	var zero V
	if value == nil {
		return zero, nil
	}
	if typed, ok := value.(V); ok {
		return typed, nil
	}
	result := zero
	switch target := any(&result).(type) {
	case *int:
		n, err := asInt64(value)
		if err != nil {
			return zero, err
		}
		*target = int(n)
	case *int32:
		n, err := asInt64(value)
		if err != nil {
			return zero, err
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return zero, fmt.Errorf("%w: %d overflows int32", ErrConversion, n)
		}
		*target = int32(n)
	case *uint:
		n, err := asInt64(value)
		if err != nil || n < 0 {
			return zero, fmt.Errorf("%w: %v is not an unsigned integer", ErrConversion, value)
		}
		*target = uint(n)
	case *uint32:
		n, err := asInt64(value)
		if err != nil || n < 0 || n > math.MaxUint32 {
			return zero, fmt.Errorf("%w: %v is not a uint32", ErrConversion, value)
		}
		*target = uint32(n)
	case *uint64:
		n, err := asInt64(value)
		if err != nil || n < 0 {
			return zero, fmt.Errorf("%w: %v is not an unsigned integer", ErrConversion, value)
		}
		*target = uint64(n)
	case *float32:
		f, ok := value.(float64)
		if !ok {
			return zero, fmt.Errorf("%w: %T is not a float", ErrConversion, value)
		}
		*target = float32(f)
	default:
		return zero, fmt.Errorf("%w: cannot assign %T to %T", ErrConversion, value, zero)
	}
	return result, nil
}

func asInt64(value any) (int64, error) {
	switch n := value.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrConversion, value)
	}
}
