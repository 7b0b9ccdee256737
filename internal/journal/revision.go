// Package journal keeps a session-scoped audit trail of annotation changes.
// Every collection broadcast becomes a Revision written to a Backend. The
// journal is write-only from the engine's point of view: sessions never load
// from it, so every session starts empty.
package journal

import (
	"time"

	"gorm.io/datatypes"
)

// Revision is one broadcast of one collection.
type Revision struct {
	ID         uint           `json:"id" gorm:"primarykey;autoIncrement"`
	SessionID  string         `json:"sessionId" gorm:"size:36;index:idx_revision_session"`
	Collection string         `json:"collection" gorm:"size:32"`
	Version    uint64         `json:"version"`
	Count      int            `json:"count"`
	Document   datatypes.JSON `json:"document"`
	Geometry   []byte         `json:"geometry"` // WKB MultiPoint, EPSG:4326
	RecordedAt time.Time      `json:"recordedAt" gorm:"index"`
}

// TableName sets the table name for GORM.
func (*Revision) TableName() string {
	return "revisions"
}

// Backend stores revisions.
type Backend interface {
	Init() error
	Close() error
	Write(revs []Revision) error
	// Revisions returns a session's revisions in write order.
	Revisions(sessionID string) ([]Revision, error)
}
