package mapping

import (
	"sort"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
)

// CheckStatus summarises a check report.
type CheckStatus string

const (
	CheckOK      CheckStatus = "ok"
	CheckWarning CheckStatus = "warning"
)

// MappingState classifies one property map entry.
type MappingState string

const (
	MappingIgnored MappingState = "ignored"
	MappingOK      MappingState = "mapped"
	MappingMissing MappingState = "missing_property"
)

// MappingCheck reports one explicit property map entry.
type MappingCheck struct {
	Field    string       `json:"field"`
	Property string       `json:"property,omitempty"`
	State    MappingState `json:"state"`
}

// FieldCheck reports where one configured remote field lands.
type FieldCheck struct {
	Field    string `json:"field"`
	Type     string `json:"type"`
	Property string `json:"property,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Ignored  bool   `json:"ignored,omitempty"`
	Custom   bool   `json:"custom_setter,omitempty"`
	Exists   bool   `json:"exists"`
}

// CheckReport is the offline configuration report of one module.
type CheckReport struct {
	EntityType string         `json:"entity_type"`
	Connector  string         `json:"connector"`
	Status     CheckStatus    `json:"status"`
	Messages   []string       `json:"messages,omitempty"`
	Mappings   []MappingCheck `json:"mappings"`
	Fields     []FieldCheck   `json:"fields"`
	// Unmapped lists schema properties no remote field or map entry targets, with the
	// remote field name they would be filled from.
	Unmapped map[string]string `json:"unmapped"`
}

// Check reports the property map, the configured remote fields and the schema coverage
// of module. It never touches storage or the remote API.
func (m *GenericMapper) Check(module *events.Module) (CheckReport, error) {
	report := CheckReport{
		EntityType: m.definition.EntityType,
		Status:     CheckOK,
		Unmapped:   map[string]string{},
	}
	if module != nil {
		report.Connector = module.ConnectorName
	}
	targeted := make(map[string]struct{})

	if len(m.definition.PropertyMap) == 0 {
		report.Messages = append(report.Messages, "no property map: fields map by name onto "+m.definition.EntityType)
	}
	fieldNames := make([]string, 0, len(m.definition.PropertyMap))
	for field := range m.definition.PropertyMap {
		fieldNames = append(fieldNames, field)
	}
	sort.Strings(fieldNames)
	for _, field := range fieldNames {
		target := m.definition.PropertyMap[field]
		if target == Ignore {
			report.Mappings = append(report.Mappings, MappingCheck{Field: field, State: MappingIgnored})
			continue
		}
		check := MappingCheck{Field: field, Property: target, State: MappingOK}
		if _, err := m.definition.Schema.LookupPath(target); err != nil {
			if _, custom := m.definition.Setters[field]; !custom {
				check.State = MappingMissing
				report.Status = CheckWarning
				report.Messages = append(report.Messages, field+" is mapped to missing property "+target)
			}
		}
		targeted[target] = struct{}{}
		report.Mappings = append(report.Mappings, check)
	}

	if module != nil {
		fields, err := module.Fields()
		if err != nil {
			return CheckReport{}, err
		}
		if len(fields) == 0 {
			report.Messages = append(report.Messages, "module has no field configuration yet")
		}
		for _, field := range fields {
			target, mapped := m.definition.TargetFor(field.Name)
			check := FieldCheck{Field: field.Name, Type: field.Type}
			switch {
			case mapped && target == Ignore:
				check.Ignored = true
			case m.definition.Setters[field.Name] != nil:
				check.Custom = true
				check.Exists = true
				check.Property = target
				targeted[target] = struct{}{}
			default:
				check.Property = target
				if property, err := m.definition.Schema.LookupPath(target); err == nil {
					check.Exists = true
					check.Kind = property.Kind.String()
					targeted[target] = struct{}{}
				}
			}
			report.Fields = append(report.Fields, check)
		}
	}

	for _, path := range m.definition.Schema.Paths() {
		if _, ok := targeted[path]; ok {
			continue
		}
		report.Unmapped[path] = CamelToSnake(path)
	}
	return report, nil
}
