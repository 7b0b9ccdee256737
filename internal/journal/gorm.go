package journal

import (
	"fmt"

	"gorm.io/gorm"
)

// GormBackend stores revisions through GORM. The sqlite and postgres backends
// embed it and differ only in how the connection is opened and maintained.
type GormBackend struct {
	db *gorm.DB
}

// NewGorm wraps an open connection.
func NewGorm(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// Init migrates the revisions table.
func (b *GormBackend) Init() error {
	if err := b.db.AutoMigrate(&Revision{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Write inserts revs in one batch.
func (b *GormBackend) Write(revs []Revision) error {
	if len(revs) == 0 {
		return nil
	}
	if err := b.db.CreateInBatches(revs, 500).Error; err != nil {
		return fmt.Errorf("writing %d revisions: %w", len(revs), err)
	}
	return nil
}

// Revisions loads a session's revisions ordered by id.
func (b *GormBackend) Revisions(sessionID string) ([]Revision, error) {
	var revs []Revision
	err := b.db.Where("session_id = ?", sessionID).Order("id").Find(&revs).Error
	if err != nil {
		return nil, fmt.Errorf("loading revisions: %w", err)
	}
	return revs, nil
}

// DB exposes the connection.
func (b *GormBackend) DB() *gorm.DB {
	return b.db
}
