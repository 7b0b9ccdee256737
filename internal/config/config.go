// Package config loads annotator settings with viper: defaults, an optional
// JSON config file and ANNOTATOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mapmark/annotator/internal/geo"
	"github.com/mapmark/annotator/pkg/core"
)

// FileName is the config file looked up in the config directory.
const FileName = "annotator.cfg.json"

// MapConfig holds the initial map view handed to the browser.
type MapConfig struct {
	Style       string          `json:"style"`
	Zoom        float64         `json:"zoom"`
	Center      core.Coordinate `json:"-"`
	AccessToken string          `json:"accessToken"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address string
	Port    int
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// DBConfig holds postgres connection settings.
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"sslMode" mapstructure:"sslMode"`
}

// SQLiteConfig holds sqlite journal settings. An empty path means in-memory.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// JournalConfig selects and tunes the revision journal backend.
type JournalConfig struct {
	Type          string        `json:"type" mapstructure:"type"`
	FlushInterval time.Duration `json:"flushInterval" mapstructure:"flushInterval"`
	BufferLimit   int           `json:"bufferLimit" mapstructure:"bufferLimit"`
	MemoryLimit   int           `json:"memoryLimit" mapstructure:"memoryLimit"`
	SQLite        SQLiteConfig  `json:"sqlite" mapstructure:"sqlite"`
	DB            DBConfig      `json:"db" mapstructure:"db"`
}

// GeoIPConfig points at a MaxMind City database. Empty path disables lookups.
// Forwarding headers are only believed from TrustedProxies (IPs or CIDRs).
type GeoIPConfig struct {
	Path           string
	Timeout        time.Duration
	TrustedProxies []string
}

// GraylogConfig holds GELF shipping settings.
type GraylogConfig struct {
	Enabled bool
	Address string
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "")

	viper.SetDefault("server.address", "127.0.0.1")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("map.style", "mapbox://styles/mapbox/streets-v11")
	viper.SetDefault("map.zoom", 13)
	viper.SetDefault("map.center", "37.618423,55.751244")
	viper.SetDefault("map.accessToken", "")

	viper.SetDefault("layers.file", "")

	viper.SetDefault("journal.type", "none")
	viper.SetDefault("journal.flushInterval", "5s")
	viper.SetDefault("journal.bufferLimit", 1000)
	viper.SetDefault("journal.memoryLimit", 10000)
	viper.SetDefault("journal.sqlite.path", "")
	viper.SetDefault("journal.sqlite.dumpPath", "")
	viper.SetDefault("journal.sqlite.dumpInterval", "3m")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "annotator")
	viper.SetDefault("db.sslMode", "disable")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("geoip.path", "")
	viper.SetDefault("geoip.timeout", "2s")
	viper.SetDefault("geoip.trustedProxies", []string{})
}

// Load sets default values and reads FileName from configDir if present.
// Environment variables prefixed ANNOTATOR_ override both, with dots in keys
// replaced by underscores (ANNOTATOR_MAP_ACCESSTOKEN).
func Load(configDir string) error {
	setDefaults()

	viper.SetEnvPrefix("annotator")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// ConfigFile returns the file Load read, or empty when defaults are in use.
func ConfigFile() string {
	return viper.ConfigFileUsed()
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// Set overrides a value, typically from a command-line flag.
func Set(key string, value any) {
	viper.Set(key, value)
}

// GetMapConfig returns the initial map view.
func GetMapConfig() (MapConfig, error) {
	center, err := geo.CoordinateFromString(viper.GetString("map.center"))
	if err != nil {
		return MapConfig{}, fmt.Errorf("map.center: %w", err)
	}
	return MapConfig{
		Style:       viper.GetString("map.style"),
		Zoom:        viper.GetFloat64("map.zoom"),
		Center:      center,
		AccessToken: viper.GetString("map.accessToken"),
	}, nil
}

// GetServerConfig returns the HTTP listener settings.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		Address: viper.GetString("server.address"),
		Port:    viper.GetInt("server.port"),
	}
}

// GetJournalConfig returns journal settings. Postgres settings come from the
// top-level db section.
func GetJournalConfig() JournalConfig {
	return JournalConfig{
		Type:          viper.GetString("journal.type"),
		FlushInterval: viper.GetDuration("journal.flushInterval"),
		BufferLimit:   viper.GetInt("journal.bufferLimit"),
		MemoryLimit:   viper.GetInt("journal.memoryLimit"),
		SQLite: SQLiteConfig{
			Path:         viper.GetString("journal.sqlite.path"),
			DumpPath:     viper.GetString("journal.sqlite.dumpPath"),
			DumpInterval: viper.GetDuration("journal.sqlite.dumpInterval"),
		},
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
			SSLMode:  viper.GetString("db.sslMode"),
		},
	}
}

// GetGeoIPConfig returns the GeoIP lookup settings.
func GetGeoIPConfig() GeoIPConfig {
	return GeoIPConfig{
		Path:           viper.GetString("geoip.path"),
		Timeout:        viper.GetDuration("geoip.timeout"),
		TrustedProxies: viper.GetStringSlice("geoip.trustedProxies"),
	}
}

// GetGraylogConfig returns GELF shipping settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}
