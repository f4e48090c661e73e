package mapping

import "time"

// Record carries the identity columns shared by every mapped entity. Translations repeat the
// parent's RemoteID with their own Language and point back through ParentID.
type Record struct {
	ID         uint      `gorm:"column:id;primaryKey" json:"id"`
	RemoteID   string    `gorm:"column:remote_id;size:190;not null;index" json:"remote_id"`
	StoragePID int64     `gorm:"column:storage_pid;not null;default:0" json:"storage_pid"`
	Language   int       `gorm:"column:language;not null;default:0;index" json:"language"`
	ParentID   uint      `gorm:"column:parent_id;not null;default:0;index" json:"parent_id"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// Base exposes the identity columns.
func (r *Record) Base() *Record {
	return r
}

// RemoteIdentity returns the PIM object id.
func (r Record) RemoteIdentity() string {
	return r.RemoteID
}

// Entity is a mapped local object.
type Entity interface {
	Base() *Record
}

// Identifiable exposes a stable remote identity.
type Identifiable interface {
	RemoteIdentity() string
}
