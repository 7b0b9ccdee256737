package journal

import (
	"fmt"

	"github.com/mapmark/annotator/internal/config"
)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NewBackend creates a backend based on configuration. The caller runs Init.
func NewBackend(cfg config.JournalConfig, logger Logger) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(cfg.MemoryLimit), nil
	case "sqlite":
		return NewSQLite(cfg.SQLite, logger)
	case "postgres":
		return NewPostgres(cfg.DB)
	case "none", "":
		return NopBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown journal type: %s", cfg.Type)
	}
}
