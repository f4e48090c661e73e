package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// EventType enumerates the remote change kinds replayed locally.
type EventType string

const (
	// EventTypeDelete removes the local object.
	EventTypeDelete EventType = "delete"
	// EventTypeUpdate re-imports an existing object.
	EventTypeUpdate EventType = "update"
	// EventTypeCreate imports a new object.
	EventTypeCreate EventType = "create"
	// EventTypeUnknown marks a rejected item whose type code could not be decoded.
	EventTypeUnknown EventType = "unknown"
)

// EventStatus enumerates the replay states of an Event.
type EventStatus string

const (
	StatusPending EventStatus = "pending"
	StatusClaimed EventStatus = "claimed"
	StatusFailed  EventStatus = "failed"
)

var (
	// ErrUnknownEventType indicates the remote API sent a type code this engine does not understand.
	ErrUnknownEventType = errors.New("events: unknown event type")
	// ErrDuplicateDefaultDimension indicates more than one dimension mapping claims language 0.
	ErrDuplicateDefaultDimension = errors.New("events: more than one default dimension mapping")
	// ErrInvalidFieldConfiguration indicates the stored field configuration could not be decoded.
	ErrInvalidFieldConfiguration = errors.New("events: invalid field configuration")
)

// DecodeEventType maps the remote integer code onto an EventType.
func DecodeEventType(code int) (EventType, error) {
	switch code {
	case 0:
		return EventTypeDelete, nil
	case 1:
		return EventTypeUpdate, nil
	case 2:
		return EventTypeCreate, nil
	default:
		return EventTypeUnknown, fmt.Errorf("%w: code %d", ErrUnknownEventType, code)
	}
}

// Server is one remote PIM endpoint.
type Server struct {
	ID                uint               `gorm:"column:id;primaryKey"`
	Name              string             `gorm:"column:name;size:190;not null;uniqueIndex"`
	BaseURL           string             `gorm:"column:base_url;size:512;not null"`
	Username          string             `gorm:"column:username;size:190;not null"`
	Password          string             `gorm:"column:password;size:190;not null"`
	Active            bool               `gorm:"column:active;not null;default:true;index"`
	DimensionMappings []DimensionMapping `gorm:"foreignKey:ServerID"`
	Modules           []Module           `gorm:"foreignKey:ServerID"`
	CreatedAt         time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Server) TableName() string {
	return "pim_servers"
}

// Dimensions partitions the server's mappings into the default and translation mappings.
func (s Server) Dimensions() (DimensionSet, error) {
	var set DimensionSet
	for index := range s.DimensionMappings {
		mapping := s.DimensionMappings[index]
		if mapping.Language == 0 {
			if set.Default != nil {
				return DimensionSet{}, fmt.Errorf("%w: server %d", ErrDuplicateDefaultDimension, s.ID)
			}
			set.Default = &mapping
			continue
		}
		set.Translations = append(set.Translations, mapping)
	}
	sort.SliceStable(set.Translations, func(i, j int) bool {
		return set.Translations[i].Language < set.Translations[j].Language
	})
	return set, nil
}

// DimensionMapping binds a local language to a remote dimension name matcher.
// Dimensions holds a comma separated list of names or glob patterns.
type DimensionMapping struct {
	ID         uint      `gorm:"column:id;primaryKey"`
	ServerID   uint      `gorm:"column:server_id;not null;index"`
	Language   int       `gorm:"column:language;not null;default:0"`
	Dimensions string    `gorm:"column:dimensions;size:512;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (DimensionMapping) TableName() string {
	return "pim_dimension_mappings"
}

// Matches reports whether the remote dimension name is selected by this mapping.
func (m DimensionMapping) Matches(dimensionName string) bool {
	candidate := strings.ToLower(strings.TrimSpace(dimensionName))
	if candidate == "" {
		return false
	}
	for _, pattern := range strings.Split(m.Dimensions, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if pattern == candidate {
			return true
		}
		if matched, err := path.Match(pattern, candidate); err == nil && matched {
			return true
		}
	}
	return false
}

// DimensionSet is a server's dimension mappings split by role.
type DimensionSet struct {
	Default      *DimensionMapping
	Translations []DimensionMapping
}

// Languages returns the translation languages in ascending order.
func (s DimensionSet) Languages() []int {
	languages := make([]int, 0, len(s.Translations))
	for _, mapping := range s.Translations {
		languages = append(languages, mapping.Language)
	}
	return languages
}

// FieldConfig declares one remote field of a connector.
type FieldConfig struct {
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type" yaml:"type"`
	DefaultValue any    `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
}

// Module binds one remote connector to one local entity type.
type Module struct {
	ID                 uint           `gorm:"column:id;primaryKey"`
	ServerID           uint           `gorm:"column:server_id;not null;uniqueIndex:idx_pim_modules_server_connector,priority:1"`
	Server             *Server        `gorm:"foreignKey:ServerID"`
	ConnectorName      string         `gorm:"column:connector_name;size:190;not null;uniqueIndex:idx_pim_modules_server_connector,priority:2"`
	EntityType         string         `gorm:"column:entity_type;size:190;not null;default:''"`
	StoragePID         int64          `gorm:"column:storage_pid;not null;default:0"`
	LastEventID        int64          `gorm:"column:last_event_id;not null;default:0"`
	FieldConfiguration datatypes.JSON `gorm:"column:field_configuration"`
	CreatedAt          time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Module) TableName() string {
	return "pim_modules"
}

// AdvanceWatermark raises LastEventID to eventID and reports whether it moved.
func (m *Module) AdvanceWatermark(eventID int64) bool {
	if eventID <= m.LastEventID {
		return false
	}
	m.LastEventID = eventID
	return true
}

// HasFieldConfiguration reports whether a field configuration has been loaded.
func (m Module) HasFieldConfiguration() bool {
	trimmed := strings.TrimSpace(string(m.FieldConfiguration))
	return trimmed != "" && trimmed != "null"
}

// Fields decodes the stored field configuration.
func (m Module) Fields() ([]FieldConfig, error) {
	if !m.HasFieldConfiguration() {
		return nil, nil
	}
	var fields []FieldConfig
	if err := json.Unmarshal(m.FieldConfiguration, &fields); err != nil {
		return nil, fmt.Errorf("%w: module %d: %v", ErrInvalidFieldConfiguration, m.ID, err)
	}
	return fields, nil
}

// SetFields replaces the stored field configuration.
func (m *Module) SetFields(fields []FieldConfig) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFieldConfiguration, err)
	}
	m.FieldConfiguration = datatypes.JSON(encoded)
	return nil
}

// Event is one durable record of a remote change to replay.
type Event struct {
	ID        uint           `gorm:"column:id;primaryKey"`
	ModuleID  uint           `gorm:"column:module_id;not null;uniqueIndex:idx_pim_events_module_event,priority:1;index:idx_pim_events_status_order,priority:2"`
	Module    *Module        `gorm:"foreignKey:ModuleID"`
	EventID   int64          `gorm:"column:event_id;not null;uniqueIndex:idx_pim_events_module_event,priority:2;index:idx_pim_events_status_order,priority:3"`
	EventType EventType      `gorm:"column:event_type;size:16;not null"`
	ObjectID  string         `gorm:"column:object_id;size:190;not null"`
	Status    EventStatus    `gorm:"column:status;size:16;not null;default:'pending';index:idx_pim_events_status_order,priority:1"`
	SkipUntil int64          `gorm:"column:skip_until;not null;default:0"`
	Attempts  int            `gorm:"column:attempts;not null;default:0"`
	PassID    string         `gorm:"column:pass_id;size:64;not null;default:''"`
	URL       string         `gorm:"column:url;size:1024;not null;default:''"`
	Headers   datatypes.JSON `gorm:"column:headers"`
	Payload   string         `gorm:"column:payload;type:text"`
	Response  string         `gorm:"column:response;type:text"`
	Message   string         `gorm:"column:message;type:text"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "pim_events"
}

// Exchange captures the remote request/response that fed an event's import.
type Exchange struct {
	URL      string
	Headers  map[string][]string
	Payload  string
	Response string
}

// RecordExchange copies the audit data of a remote exchange onto the event.
func (e *Event) RecordExchange(exchange Exchange) {
	e.URL = exchange.URL
	e.Payload = exchange.Payload
	e.Response = exchange.Response
	if len(exchange.Headers) == 0 {
		e.Headers = nil
		return
	}
	encoded, err := json.Marshal(exchange.Headers)
	if err != nil {
		e.Headers = nil
		return
	}
	e.Headers = datatypes.JSON(encoded)
}

// RemoteEvent is one item of a remote change list.
type RemoteEvent struct {
	EventID   int64
	ObjectID  string
	EventType int
}

// Models lists the persisted types of the event queue for schema migration.
func Models() []interface{} {
	return []interface{}{&Server{}, &DimensionMapping{}, &Module{}, &Event{}}
}
