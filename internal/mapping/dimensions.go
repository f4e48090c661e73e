package mapping

import (
	"sort"
)

const (
	dimensionsKey = "dimensions"
	valueKey      = "value"
)

// DimensionMatcher selects remote dimension names.
type DimensionMatcher interface {
	Matches(dimensionName string) bool
}

// ResolveDimensionValue unwraps a per-dimension remote value. Two shapes are recognised:
// {"dimensions": {name: value}, "value": fallback} and
// [{"dimensions": {name: value}, "value": fallback}, ...].
//
// structured is false for plain values, which are returned unchanged. With a matcher the
// first matching dimension (by sorted name) wins; without a match the fallback "value" of
// the first entry is used. Without a matcher the first entry's value is used, falling back
// to its first dimension. ok is false when nothing usable was found.
func ResolveDimensionValue(value any, matcher DimensionMatcher) (resolved any, structured bool, ok bool) {
	entries, structured := dimensionEntries(value)
	if !structured {
		return value, false, true
	}
	if matcher != nil {
		for _, entry := range entries {
			for _, name := range sortedDimensionNames(entry) {
				if matcher.Matches(name) {
					return entry.dimensions[name], true, true
				}
			}
		}
	}
	if len(entries) == 0 {
		return nil, true, false
	}
	primary := entries[0]
	if primary.hasValue {
		return primary.value, true, true
	}
	if matcher == nil {
		if names := sortedDimensionNames(primary); len(names) > 0 {
			return primary.dimensions[names[0]], true, true
		}
	}
	return nil, true, false
}

type dimensionEntry struct {
	dimensions map[string]any
	value      any
	hasValue   bool
}

func dimensionEntries(value any) ([]dimensionEntry, bool) {
	switch typed := value.(type) {
	case map[string]any:
		entry, ok := asDimensionEntry(typed)
		if !ok {
			return nil, false
		}
		return []dimensionEntry{entry}, true
	case []any:
		if len(typed) == 0 {
			return nil, false
		}
		first, ok := typed[0].(map[string]any)
		if !ok {
			return nil, false
		}
		if _, ok := asDimensionEntry(first); !ok {
			return nil, false
		}
		entries := make([]dimensionEntry, 0, len(typed))
		for _, item := range typed {
			object, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if entry, ok := asDimensionEntry(object); ok {
				entries = append(entries, entry)
			}
		}
		return entries, true
	default:
		return nil, false
	}
}

func asDimensionEntry(object map[string]any) (dimensionEntry, bool) {
	raw, ok := object[dimensionsKey]
	if !ok {
		return dimensionEntry{}, false
	}
	entry := dimensionEntry{}
	switch dimensions := raw.(type) {
	case map[string]any:
		entry.dimensions = dimensions
	case nil:
	default:
		return dimensionEntry{}, false
	}
	entry.value, entry.hasValue = object[valueKey]
	return entry, true
}

func sortedDimensionNames(entry dimensionEntry) []string {
	names := make([]string, 0, len(entry.dimensions))
	for name := range entry.dimensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
