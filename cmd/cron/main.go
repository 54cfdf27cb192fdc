// Command cron processes due deferred actions outside the server process,
// either once or on an interval.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roverworld.ai/internal/boot"
	"roverworld.ai/internal/deferred"
)

func main() {
	var (
		configDir   = flag.String("configs", "./configs", "config directory")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		dbDriver    = flag.String("db_driver", "sqlite", "storage dialect: sqlite or pgx")
		dbDSN       = flag.String("db_dsn", "", "storage dsn (default: <data>/roverworld.db for sqlite)")
		queriesPath = flag.String("queries", "", "override the embedded named-query catalog")
		every       = flag.Duration("every", 0, "run continuously at this interval (0 runs one pass and exits)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[cron] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	rt, err := boot.Open(ctx, boot.Config{
		ConfigDir:   *configDir,
		DataDir:     *dataDir,
		DBDriver:    *dbDriver,
		DBDSN:       *dbDSN,
		QueriesPath: *queriesPath,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("boot: %v", err)
	}
	defer rt.Close()

	runner := deferred.NewRunner(rt.DB, rt.Game.Queue(), rt.Game.ProcessDeferred, *every, logger)
	if *every <= 0 {
		start := time.Now()
		n, err := runner.Tick(ctx)
		if err != nil {
			logger.Printf("error: %v", err)
			rt.Close()
			os.Exit(1)
		}
		logger.Printf("dispatched %d deferred actions in %s", n, time.Since(start).Truncate(time.Millisecond))
		return
	}
	logger.Printf("running every %s", *every)
	if err := runner.Start(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("runner: %v", err)
	}
}
