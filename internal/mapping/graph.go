package mapping

import (
	"fmt"
	"strings"
	"unicode"
)

// Resolver finds a related entity by remote id. found is false when no such entity exists.
type Resolver func(id string) (entity any, found bool, err error)

// CollectionDiff is the outcome of reconciling a collection against a remote id list.
type CollectionDiff[M any] struct {
	Members    []M
	Attached   []string
	Detached   []string
	Unresolved []string
}

// CollectionChange is the untyped summary of a CollectionDiff.
type CollectionChange struct {
	Attached   []string
	Detached   []string
	Unresolved []string
}

// Change drops the typed members.
func (d CollectionDiff[M]) Change() CollectionChange {
	return CollectionChange{Attached: d.Attached, Detached: d.Detached, Unresolved: d.Unresolved}
}

// ReconcileCollection replaces membership with exactly the resolvable ids. Members already
// present keep their instance, others are resolved; ids that do not resolve are reported and
// skipped. Members absent from ids are detached. Result order follows ids.
func ReconcileCollection[M any](current []M, ids []string, resolve func(id string) (M, bool, error), identity func(M) string) (CollectionDiff[M], error) {
	existing := make(map[string]M, len(current))
	for _, member := range current {
		existing[identity(member)] = member
	}

	var diff CollectionDiff[M]
	wanted := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, seen := wanted[id]; seen {
			continue
		}
		if member, ok := existing[id]; ok {
			wanted[id] = struct{}{}
			diff.Members = append(diff.Members, member)
			continue
		}
		resolved, found, err := resolve(id)
		if err != nil {
			return CollectionDiff[M]{}, fmt.Errorf("resolve %s: %w", id, err)
		}
		if !found {
			diff.Unresolved = append(diff.Unresolved, id)
			continue
		}
		wanted[id] = struct{}{}
		diff.Members = append(diff.Members, resolved)
		diff.Attached = append(diff.Attached, id)
	}

	for _, member := range current {
		id := identity(member)
		if _, keep := wanted[id]; !keep {
			diff.Detached = append(diff.Detached, id)
		}
	}
	return diff, nil
}

// ResolvePath walks a dotted property path from obj and returns the object owning the final
// segment together with that segment's property.
func ResolvePath(schema *Schema, obj any, path string) (any, *Property, error) {
	segments := strings.Split(path, ".")
	owner := obj
	current := schema
	for index, segment := range segments {
		property, ok := current.Property(segment)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s on %s", ErrUnknownProperty, path, schema.entityTypeOrUnknown())
		}
		if index == len(segments)-1 {
			return owner, property, nil
		}
		if property.Kind != KindNested || property.descend == nil {
			return nil, nil, fmt.Errorf("%w: %s in %s", errNotNested, segment, path)
		}
		next, err := property.descend(owner)
		if err != nil {
			return nil, nil, err
		}
		owner = next
		current = property.Schema
	}
	return nil, nil, fmt.Errorf("%w: empty path", ErrUnknownProperty)
}

// SnakeToCamel converts remote field names such as released_at into releasedAt.
func SnakeToCamel(name string) string {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(name)), "_")
	var builder strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		if builder.Len() == 0 {
			builder.WriteString(part)
			continue
		}
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		builder.WriteString(string(runes))
	}
	return builder.String()
}

// CamelToSnake converts releasedAt into released_at; dots are kept.
func CamelToSnake(name string) string {
	var builder strings.Builder
	for index, r := range name {
		if unicode.IsUpper(r) {
			if index > 0 {
				builder.WriteByte('_')
			}
			builder.WriteRune(unicode.ToLower(r))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
