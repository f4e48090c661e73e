package events

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

const opApplyManifest = "events.apply_manifest"

// ErrInvalidManifest indicates the server manifest failed validation.
var ErrInvalidManifest = errors.New("events: invalid manifest")

// Manifest declares servers, their dimension mappings and modules.
type Manifest struct {
	Servers []ServerManifest `yaml:"servers"`
}

// ServerManifest declares one server.
type ServerManifest struct {
	Name       string              `yaml:"name"`
	BaseURL    string              `yaml:"base_url"`
	Username   string              `yaml:"username"`
	Password   string              `yaml:"password"`
	Active     *bool               `yaml:"active"`
	Dimensions []DimensionManifest `yaml:"dimensions"`
	Modules    []ModuleManifest    `yaml:"modules"`
}

// DimensionManifest declares one dimension mapping.
type DimensionManifest struct {
	Language int    `yaml:"language"`
	Match    string `yaml:"match"`
}

// ModuleManifest declares one module.
type ModuleManifest struct {
	Connector  string        `yaml:"connector"`
	EntityType string        `yaml:"entity_type"`
	StoragePID int64         `yaml:"storage_pid"`
	Fields     []FieldConfig `yaml:"fields"`
}

// LoadManifest reads and parses a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest parses and validates YAML manifest data.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := manifest.validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (m Manifest) validate() error {
	names := make(map[string]struct{}, len(m.Servers))
	for _, server := range m.Servers {
		name := strings.TrimSpace(server.Name)
		if name == "" {
			return fmt.Errorf("%w: server name is required", ErrInvalidManifest)
		}
		if _, exists := names[name]; exists {
			return fmt.Errorf("%w: duplicate server %q", ErrInvalidManifest, name)
		}
		names[name] = struct{}{}
		if strings.TrimSpace(server.BaseURL) == "" {
			return fmt.Errorf("%w: server %q base_url is required", ErrInvalidManifest, name)
		}
		defaults := 0
		for _, dimension := range server.Dimensions {
			if dimension.Language == 0 {
				defaults++
			}
			if strings.TrimSpace(dimension.Match) == "" {
				return fmt.Errorf("%w: server %q dimension for language %d needs a match", ErrInvalidManifest, name, dimension.Language)
			}
		}
		if defaults > 1 {
			return fmt.Errorf("%w: server %q: %v", ErrInvalidManifest, name, ErrDuplicateDefaultDimension)
		}
		connectors := make(map[string]struct{}, len(server.Modules))
		for _, module := range server.Modules {
			connector := strings.TrimSpace(module.Connector)
			if connector == "" {
				return fmt.Errorf("%w: server %q module connector is required", ErrInvalidManifest, name)
			}
			if _, exists := connectors[connector]; exists {
				return fmt.Errorf("%w: server %q duplicate connector %q", ErrInvalidManifest, name, connector)
			}
			connectors[connector] = struct{}{}
		}
	}
	return nil
}

// ApplyManifest upserts servers and modules by name and connector, and replaces each
// server's dimension mappings. Module watermarks are left untouched.
func (s *Service) ApplyManifest(ctx context.Context, manifest *Manifest) error {
	if manifest == nil {
		return newServiceError(opApplyManifest, "missing_manifest", ErrInvalidManifest)
	}
	if err := manifest.validate(); err != nil {
		return newServiceError(opApplyManifest, "invalid_manifest", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, declared := range manifest.Servers {
			server, err := upsertServer(tx, declared)
			if err != nil {
				s.logError(opApplyManifest, "server_upsert_failed", err, zap.String("server", declared.Name))
				return newServiceError(opApplyManifest, "server_upsert_failed", err)
			}
			if err := replaceDimensions(tx, server.ID, declared.Dimensions); err != nil {
				s.logError(opApplyManifest, "dimension_replace_failed", err, zap.String("server", declared.Name))
				return newServiceError(opApplyManifest, "dimension_replace_failed", err)
			}
			for _, module := range declared.Modules {
				if err := upsertModule(tx, server.ID, module); err != nil {
					s.logError(opApplyManifest, "module_upsert_failed", err,
						zap.String("server", declared.Name),
						zap.String("connector", module.Connector))
					return newServiceError(opApplyManifest, "module_upsert_failed", err)
				}
			}
		}
		return nil
	})
}

func upsertServer(tx *gorm.DB, declared ServerManifest) (*Server, error) {
	active := true
	if declared.Active != nil {
		active = *declared.Active
	}
	var server Server
	err := tx.Where("name = ?", strings.TrimSpace(declared.Name)).Take(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		server = Server{
			Name:     strings.TrimSpace(declared.Name),
			BaseURL:  strings.TrimSpace(declared.BaseURL),
			Username: declared.Username,
			Password: declared.Password,
			Active:   active,
		}
		if err := tx.Create(&server).Error; err != nil {
			return nil, err
		}
		// gorm skips zero values that carry a default tag on create.
		if !active {
			if err := tx.Model(&server).Update("active", false).Error; err != nil {
				return nil, err
			}
		}
		return &server, nil
	}
	if err != nil {
		return nil, err
	}
	err = tx.Model(&server).Updates(map[string]interface{}{
		"base_url": strings.TrimSpace(declared.BaseURL),
		"username": declared.Username,
		"password": declared.Password,
		"active":   active,
	}).Error
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func replaceDimensions(tx *gorm.DB, serverID uint, declared []DimensionManifest) error {
	if err := tx.Where("server_id = ?", serverID).Delete(&DimensionMapping{}).Error; err != nil {
		return err
	}
	for _, dimension := range declared {
		mapping := DimensionMapping{
			ServerID:   serverID,
			Language:   dimension.Language,
			Dimensions: strings.TrimSpace(dimension.Match),
		}
		if err := tx.Create(&mapping).Error; err != nil {
			return err
		}
	}
	return nil
}

func upsertModule(tx *gorm.DB, serverID uint, declared ModuleManifest) error {
	connector := strings.TrimSpace(declared.Connector)
	var module Module
	err := tx.Where("server_id = ? AND connector_name = ?", serverID, connector).Take(&module).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		module = Module{
			ServerID:      serverID,
			ConnectorName: connector,
			EntityType:    strings.TrimSpace(declared.EntityType),
			StoragePID:    declared.StoragePID,
		}
		if len(declared.Fields) > 0 {
			if err := module.SetFields(declared.Fields); err != nil {
				return err
			}
		}
		return tx.Create(&module).Error
	}
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"entity_type": strings.TrimSpace(declared.EntityType),
		"storage_pid": declared.StoragePID,
	}
	if len(declared.Fields) > 0 {
		if err := module.SetFields(declared.Fields); err != nil {
			return err
		}
		updates["field_configuration"] = module.FieldConfiguration
	}
	return tx.Model(&module).Updates(updates).Error
}
