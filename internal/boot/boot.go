// Package boot assembles a Game with its storage, content, metrics and
// audit trail the same way for every binary.
package boot

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/content"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/game"
	"roverworld.ai/internal/metrics"
	auditlog "roverworld.ai/internal/persistence/log"
	"roverworld.ai/internal/persistence/r2s3"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/tuning"
)

type Config struct {
	ConfigDir  string
	DataDir    string
	TuningPath string // default: <ConfigDir>/tuning.yaml

	DBDriver    string
	DBDSN       string // default: <DataDir>/roverworld.db for sqlite
	QueriesPath string

	// Archive uploads rotated audit files when RW_S3_BUCKET is set.
	Archive bool

	Logger *log.Logger
}

type Runtime struct {
	DB      *store.DB
	Game    *game.Game
	Metrics *metrics.Metrics
	Audit   *auditlog.AuditLogger
	Archive *r2s3.Archive
	Tuning  tuning.Tuning
}

func Open(ctx context.Context, cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[boot] ", log.LstdFlags|log.Lmicroseconds)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	tp := strings.TrimSpace(cfg.TuningPath)
	if tp == "" {
		tp = filepath.Join(cfg.ConfigDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load tuning: %w", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	cats, err := catalogs.Load(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("load catalogs: %w", err)
	}
	reg := events.NewRegistry()
	if err := content.Register(reg, cats); err != nil {
		return nil, fmt.Errorf("register content: %w", err)
	}

	dsn := strings.TrimSpace(cfg.DBDSN)
	if dsn == "" {
		if cfg.DBDriver != "" && cfg.DBDriver != store.DriverSQLite {
			return nil, fmt.Errorf("db dsn is required for driver %s", cfg.DBDriver)
		}
		dsn = filepath.Join(cfg.DataDir, "roverworld.db")
	}
	clk := clock.New(nil)
	db, err := store.Open(store.Options{
		Driver:       cfg.DBDriver,
		DSN:          dsn,
		QueriesPath:  cfg.QueriesPath,
		RefreshEvery: tune.CatalogRefresh(),
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.UpsertCatalogs(ctx, cats.Digests()); err != nil {
		logger.Printf("warn: upsert catalog digests: %v", err)
	}

	rt := &Runtime{DB: db, Metrics: metrics.New(), Tuning: tune}
	rt.Audit = auditlog.NewAuditLogger(cfg.DataDir, clk)
	if cfg.Archive {
		if s3cfg, ok := r2s3.ConfigFromEnv(); ok {
			client, err := r2s3.New(ctx, s3cfg)
			if err != nil {
				rt.Close()
				return nil, fmt.Errorf("archive: %w", err)
			}
			rt.Archive = r2s3.NewArchive(client, r2s3.ArchiveOptions{
				Prefix:      os.Getenv("RW_S3_PREFIX"),
				Queue:       envInt("RW_S3_QUEUE", 256),
				EnqueueWait: 2 * time.Second,
				Backoff: r2s3.Backoff{
					Attempts: envInt("RW_S3_ATTEMPTS", 6),
					Base:     5 * time.Second,
					Max:      10 * time.Minute,
				},
			}, logger)
			rt.Audit.ArchiveTo(rt.Archive)
			rt.Metrics.WatchArchive(rt.Archive.Stats)
		}
	}

	rt.Game = game.New(game.Options{
		DB:       db,
		Catalogs: cats,
		Tuning:   tune,
		Events:   reg,
		Logger:   logger,
		Observer: rt.Metrics,
		Audit:    rt.Audit,
	})
	rt.Game.Queue().SetObserver(rt.Metrics)
	rt.Metrics.WatchChips(rt.Game.Bus())
	return rt, nil
}

// Close flushes the audit file; the audit logger then drains the archive
// so the last hour is uploaded.
func (rt *Runtime) Close() {
	if rt.Audit != nil {
		_ = rt.Audit.Close()
	}
	if rt.DB != nil {
		_ = rt.DB.Close()
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvBool reads a boolean switch, falling back to def when unset or
// unparseable.
func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
