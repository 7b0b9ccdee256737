package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmark/annotator/internal/config"
)

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(config.DBConfig{
		Host:     "db",
		Port:     "5433",
		Username: "u",
		Password: "p",
		Database: "maps",
	})
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=maps sslmode=disable", dsn)

	dsn = PostgresDSN(config.DBConfig{Host: "db", SSLMode: "require"})
	assert.Contains(t, dsn, "sslmode=require")
}

type probe struct {
	ID   uint
	Name string
}

func TestOpenSQLite_FileAndDump(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenSQLite(filepath.Join(dir, "live.db"))
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&probe{}))
	require.NoError(t, db.Create(&probe{Name: "a"}).Error)

	dump := filepath.Join(dir, "dump.db")
	require.NoError(t, DumpToDisk(db, dump))
	// A second dump replaces the first.
	require.NoError(t, DumpToDisk(db, dump))

	info, err := os.Stat(dump)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	copyDB, err := OpenSQLite(dump)
	require.NoError(t, err)
	var count int64
	require.NoError(t, copyDB.Model(&probe{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDumpToDisk_NoPath(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.Error(t, DumpToDisk(db, ""))
}
