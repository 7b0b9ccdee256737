package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mapmark/annotator/internal/config"
	"github.com/mapmark/annotator/internal/journal"
	"github.com/mapmark/annotator/internal/layers"
	"github.com/mapmark/annotator/internal/locate"
	"github.com/mapmark/annotator/internal/logging"
	"github.com/mapmark/annotator/internal/server"
)

const serviceName = "annotator"

// Options are the command-line flags. Non-empty values override the config file.
type Options struct {
	ConfigDir string `short:"c" long:"config-dir" env:"ANNOTATOR_CONFIG_DIR" description:"Directory containing annotator.cfg.json" default:"."`
	Addr      string `short:"a" long:"addr"       env:"LISTEN_ADDRESS"       description:"Address to listen on"`
	Port      int    `short:"p" long:"port"       env:"LISTEN_PORT"          description:"Port to listen on"`
	LogLevel  string `short:"l" long:"log-level"  env:"LOG_LEVEL"            description:"Log level (debug, info, warn, error)"`
	Export    string `long:"export-session"       description:"Print the journal of a session as JSON and exit (needs a file-backed sqlite or postgres journal)"`
}

func main() {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "reading .env: %v\n", err)
	}

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts Options) error {
	if err := config.Load(opts.ConfigDir); err != nil {
		return err
	}
	applyFlags(opts)

	graylog := config.GetGraylogConfig()
	logOpts := logging.Options{
		Level:       config.GetString("logLevel"),
		LogsDir:     config.GetString("logsDir"),
		ServiceName: serviceName,
		StartedAt:   time.Now(),
	}
	if graylog.Enabled {
		logOpts.Graylog = graylog.Address
	}
	logger, logCloser, err := logging.Setup(logOpts)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if file := config.ConfigFile(); file != "" {
		logger.Info().Str("file", file).Msg("Loaded config")
	} else {
		logger.Info().Msg("No config file found, using defaults")
	}

	journalCfg := config.GetJournalConfig()
	if opts.Export != "" {
		if err := checkExportable(journalCfg); err != nil {
			return err
		}
	}
	backend, err := journal.NewBackend(journalCfg, logging.NewAdapter(logger))
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("initializing %s journal: %w", journalCfg.Type, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error().Err(err).Msg("Closing journal failed")
		}
	}()

	if opts.Export != "" {
		return exportSession(os.Stdout, backend, opts.Export)
	}

	mapCfg, err := config.GetMapConfig()
	if err != nil {
		return err
	}
	set, err := loadLayers(config.GetString("layers.file"))
	if err != nil {
		return err
	}

	geoCfg := config.GetGeoIPConfig()
	proxies, err := locate.NewProxies(geoCfg.TrustedProxies)
	if err != nil {
		return err
	}
	var locator locate.Locator
	if geoCfg.Path != "" {
		geoip, err := locate.Open(geoCfg.Path)
		if err != nil {
			return err
		}
		defer geoip.Close()
		locator = geoip
		logger.Info().Str("path", geoCfg.Path).Msg("GeoIP lookups enabled")
	}

	recorder := journal.RecorderOptions{
		FlushInterval: journalCfg.FlushInterval,
		BufferLimit:   journalCfg.BufferLimit,
	}
	srv, err := server.New(server.Options{
		Map:      mapCfg,
		Layers:   set,
		Journal:  backend,
		Recorder: recorder,
		Locator:  locator,
		Proxies:  proxies,
		Logger:   logger,

		LocateTimeout: geoCfg.Timeout,
	})
	if err != nil {
		return err
	}

	return serve(logger, srv, config.GetServerConfig().Addr())
}

func applyFlags(opts Options) {
	if opts.Addr != "" {
		config.Set("server.address", opts.Addr)
	}
	if opts.Port > 0 {
		config.Set("server.port", opts.Port)
	}
	if opts.LogLevel != "" {
		config.Set("logLevel", opts.LogLevel)
	}
}

func loadLayers(path string) (*layers.Set, error) {
	if path == "" {
		return layers.Default()
	}
	set, err := layers.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading layers from %s: %w", path, err)
	}
	return set, nil
}

func serve(logger zerolog.Logger, srv *server.Server, addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Web server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Closing sessions failed")
	}
	return nil
}

// checkExportable rejects journals that a fresh process cannot read back.
func checkExportable(cfg config.JournalConfig) error {
	switch {
	case cfg.Type == "postgres":
		return nil
	case cfg.Type == "sqlite" && cfg.SQLite.Path != "":
		return nil
	case cfg.Type == "sqlite":
		return errors.New("--export-session needs journal.sqlite.path; an in-memory sqlite journal is empty at startup")
	default:
		return fmt.Errorf("--export-session needs a sqlite or postgres journal, got %q", cfg.Type)
	}
}

func exportSession(w io.Writer, backend journal.Backend, sessionID string) error {
	revs, err := backend.Revisions(sessionID)
	if err != nil {
		return err
	}
	if len(revs) == 0 {
		return fmt.Errorf("no revisions for session %s", sessionID)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(revs)
}
