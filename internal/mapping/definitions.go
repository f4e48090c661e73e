package mapping

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinitionFile indicates a definitions file failed validation.
var ErrInvalidDefinitionFile = errors.New("mapping: invalid definitions file")

// DefinitionFile holds property-map overrides and connector bindings declared in YAML:
//
//	entities:
//	  product:
//	    connectors: [articles]
//	    properties:
//	      ean: sku
//	      internal_note: "-"
type DefinitionFile struct {
	Entities map[string]EntityOverrides `yaml:"entities"`
}

// EntityOverrides extends one registered entity type.
type EntityOverrides struct {
	Connectors []string          `yaml:"connectors"`
	Properties map[string]string `yaml:"properties"`
}

// LoadDefinitions reads and parses a YAML definitions file.
func LoadDefinitions(path string) (*DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file %s: %w", path, err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses YAML definitions data.
func ParseDefinitions(data []byte) (*DefinitionFile, error) {
	var file DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinitionFile, err)
	}
	normalize(&file)
	for entityType, overrides := range file.Entities {
		for field, target := range overrides.Properties {
			if field == "" || target == "" {
				return nil, fmt.Errorf("%w: %s has an empty property entry", ErrInvalidDefinitionFile, entityType)
			}
		}
	}
	return &file, nil
}

func normalize(file *DefinitionFile) {
	for entityType, overrides := range file.Entities {
		properties := make(map[string]string, len(overrides.Properties))
		for field, target := range overrides.Properties {
			properties[strings.TrimSpace(field)] = strings.TrimSpace(target)
		}
		connectors := make([]string, 0, len(overrides.Connectors))
		for _, connector := range overrides.Connectors {
			if trimmed := strings.TrimSpace(connector); trimmed != "" {
				connectors = append(connectors, trimmed)
			}
		}
		file.Entities[entityType] = EntityOverrides{Connectors: connectors, Properties: properties}
	}
}

// ApplyDefinitions merges the overrides into the registered definitions. Every entity type
// named in the file must already be registered.
func (r *Registry) ApplyDefinitions(file *DefinitionFile) error {
	if file == nil {
		return nil
	}
	entityTypes := make([]string, 0, len(file.Entities))
	for entityType := range file.Entities {
		entityTypes = append(entityTypes, entityType)
	}
	sort.Strings(entityTypes)
	for _, entityType := range entityTypes {
		overrides := file.Entities[entityType]
		if err := r.overridePropertyMap(entityType, overrides.Properties); err != nil {
			return err
		}
		for _, connector := range overrides.Connectors {
			if err := r.BindConnector(connector, entityType); err != nil {
				return err
			}
		}
	}
	return nil
}
