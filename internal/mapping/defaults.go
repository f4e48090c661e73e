package mapping

import (
	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
)

// DefaultForFieldType returns the value a missing remote field of the given type tag is
// backfilled with. Unknown tags default to an empty string.
func DefaultForFieldType(fieldType string) any {
	switch fieldType {
	case "CEVarchar":
		return ""
	case "MAMDate", "CEDate":
		return nil
	case "MAMBoolean", "CEBoolean":
		return false
	case "CEDouble":
		return 0.0
	case "CETimestamp", "CEInteger", "CELong", "MAMNumber", "XMPNumber":
		return int64(0)
	case "MAMList", "CEVarcharList", "FIELD_LINK", "CEExternalIdList", "CEIdList",
		"MANY_TO_MANY", "ONE_TO_MANY", "MANY_TO_ONE":
		return []any{}
	case "CEId", "CEExternalId", "ONE_TO_ONE":
		return nil
	default:
		return ""
	}
}

// BackfillDefaults returns a copy of properties where every configured field that is absent
// or null carries its default. An explicit DefaultValue wins over the type default.
func BackfillDefaults(properties map[string]any, fields []events.FieldConfig) map[string]any {
	filled := make(map[string]any, len(properties)+len(fields))
	for name, value := range properties {
		filled[name] = value
	}
	for _, field := range fields {
		if field.Name == "" {
			continue
		}
		if current, ok := filled[field.Name]; ok && current != nil {
			continue
		}
		if field.DefaultValue != nil {
			filled[field.Name] = field.DefaultValue
			continue
		}
		filled[field.Name] = DefaultForFieldType(field.Type)
	}
	return filled
}
