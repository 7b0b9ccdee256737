package journal

import (
	"fmt"
	"sync"
	"time"

	"github.com/mapmark/annotator/internal/config"
	"github.com/mapmark/annotator/internal/database"
)

// SQLiteBackend stores revisions in SQLite, in memory unless a path is set.
// With a dump path it periodically snapshots the database to disk and once
// more on Close.
type SQLiteBackend struct {
	*GormBackend
	cfg    config.SQLiteConfig
	logger Logger

	mu      sync.Mutex
	looping bool
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewSQLite opens the SQLite database described by cfg.
func NewSQLite(cfg config.SQLiteConfig, logger Logger) (*SQLiteBackend, error) {
	db, err := database.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite DB: %w", err)
	}
	return &SQLiteBackend{
		GormBackend: NewGorm(db),
		cfg:         cfg,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Init migrates the schema and starts the dump loop when configured.
// Calling it again only re-runs the migration.
func (b *SQLiteBackend) Init() error {
	if err := b.GormBackend.Init(); err != nil {
		return err
	}
	if b.cfg.DumpPath == "" || b.cfg.DumpInterval <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.looping {
		b.looping = true
		go b.dumpLoop()
	}
	return nil
}

// Close stops the dump loop, writes a final dump and closes the database.
// It is safe to call without Init and more than once.
func (b *SQLiteBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		b.mu.Lock()
		looping := b.looping
		b.mu.Unlock()
		if looping {
			<-b.done
		}

		if b.cfg.DumpPath != "" {
			if err := database.DumpToDisk(b.db, b.cfg.DumpPath); err != nil {
				b.logger.Error("final journal dump failed", "path", b.cfg.DumpPath, "error", err)
			}
		}
		b.closeErr = b.GormBackend.Close()
	})
	return b.closeErr
}

func (b *SQLiteBackend) dumpLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			start := time.Now()
			if err := database.DumpToDisk(b.db, b.cfg.DumpPath); err != nil {
				b.logger.Error("journal dump failed", "path", b.cfg.DumpPath, "error", err)
			} else {
				b.logger.Debug("journal dumped to disk", "path", b.cfg.DumpPath, "duration", time.Since(start))
			}
		}
	}
}
