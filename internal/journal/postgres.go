package journal

import (
	"fmt"

	"github.com/mapmark/annotator/internal/config"
	"github.com/mapmark/annotator/internal/database"
)

// NewPostgres connects to Postgres and returns a GORM-backed journal.
func NewPostgres(cfg config.DBConfig) (*GormBackend, error) {
	db, err := database.OpenPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewGorm(db), nil
}
