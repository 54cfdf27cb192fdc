package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"roverworld.ai/internal/boot"
	"roverworld.ai/internal/deferred"
	"roverworld.ai/internal/transport/httpapi"
	"roverworld.ai/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configDir   = flag.String("configs", "./configs", "config directory")
		dataDir     = flag.String("data", "./data", "runtime data directory (sqlite db, audit log)")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dbDriver    = flag.String("db_driver", "sqlite", "storage dialect: sqlite or pgx")
		dbDSN       = flag.String("db_dsn", "", "storage dsn (default: <data>/roverworld.db for sqlite)")
		queriesPath = flag.String("queries", "", "override the embedded named-query catalog")
		rendererKey = flag.String("renderer_secret", "", "renderer shared secret (or set RW_RENDERER_SECRET)")
		logFile     = flag.String("log_file", "", "also write the server log to this rotating file")
		cronEvery   = flag.Duration("cron_every", time.Second, "embedded deferred runner interval (0 to leave it to cmd/cron)")
	)
	flag.Parse()

	var out io.Writer = os.Stdout
	if p := strings.TrimSpace(*logFile); p != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   p,
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     28,
			Compress:   true,
		})
	}
	logger := log.New(out, "[server] ", log.LstdFlags|log.Lmicroseconds)

	secret := strings.TrimSpace(*rendererKey)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("RW_RENDERER_SECRET"))
	}
	if secret == "" {
		logger.Printf("warn: no renderer secret; renderer endpoints will refuse every call")
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := boot.Open(ctx, boot.Config{
		ConfigDir:   *configDir,
		DataDir:     *dataDir,
		TuningPath:  *tuningPath,
		DBDriver:    *dbDriver,
		DBDSN:       *dbDSN,
		QueriesPath: *queriesPath,
		Archive:     true,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("boot: %v", err)
	}
	defer rt.Close()
	g := rt.Game

	if *cronEvery > 0 {
		runner := deferred.NewRunner(rt.DB, g.Queue(), g.ProcessDeferred, *cronEvery,
			log.New(out, "[cron] ", log.LstdFlags|log.Lmicroseconds))
		go func() {
			if err := runner.Start(ctx); err != nil && err != context.Canceled {
				logger.Printf("deferred runner stopped: %v", err)
			}
		}()
	} else {
		logger.Printf("embedded deferred runner disabled; run cmd/cron")
	}

	enableAdminHTTP := boot.EnvBool("RW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	if !enableAdminHTTP {
		logger.Printf("admin endpoints disabled (RW_ENABLE_ADMIN_HTTP=false)")
	}
	api := httpapi.New(httpapi.Options{
		Game:           g,
		Logger:         logger,
		Metrics:        rt.Metrics,
		RendererSecret: secret,
		AdminEnabled:   enableAdminHTTP,
	})
	stream := ws.NewServer(g, 0, rt.Metrics, log.New(out, "[ws] ", log.LstdFlags|log.Lmicroseconds))

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.HandleFunc("GET /api/stream", stream.Handler())
	if boot.EnvBool("RW_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (RW_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
