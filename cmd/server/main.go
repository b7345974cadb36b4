// The debug server: one process holding the breakpoint state, the
// content-addressed payload store, the call log and the HTTP/WS surface the
// UI and debuggee clients talk to.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cideldill/cideldill/internal/api"
	"github.com/cideldill/cideldill/internal/breakpoint"
	"github.com/cideldill/cideldill/internal/codec"
	"github.com/cideldill/cideldill/internal/config"
	"github.com/cideldill/cideldill/internal/events"
	"github.com/cideldill/cideldill/internal/monitoring"
	"github.com/cideldill/cideldill/internal/storage"
)

func main() {
	var (
		host       = flag.String("host", "", "listen host (overrides config)")
		port       = flag.Int("port", 0, "listen port (overrides config)")
		dbPath     = flag.String("db", "", "sqlite database path")
		memory     = flag.Bool("memory", false, "use an in-memory database")
		configPath = flag.String("config", "", "yaml config file")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *memory {
		cfg.Database.Memory = true
	}
	codec.SetDebugLogging(cfg.Debug.CodecWarnings)

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		slog.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	mgr := breakpoint.NewManager(db.Calls())
	hub := events.NewHub()
	mgr.AddObserver(hub.Observer())

	if cfg.Redis.Addr != "" {
		pub := events.NewGoRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := pub.Ping(ctx)
		cancel()
		if err != nil {
			slog.Warn("redis unreachable, event mirroring disabled", "addr", cfg.Redis.Addr, "error", err)
			pub.Close()
		} else {
			sink := events.NewRedisSink(pub, cfg.Redis.ChannelPrefix)
			mgr.AddObserver(sink.Observer())
			defer pub.Close()
			slog.Info("mirroring events to redis", "addr", cfg.Redis.Addr)
		}
	}

	metrics := monitoring.NewMetrics()
	srv := api.NewServer(mgr, db.Blobs(), db.Calls(), hub, metrics, cfg.Debug.PollIntervalMs)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	if pfPath, err := config.WritePortFile(cfg.Server.Port); err != nil {
		slog.Warn("port file not written, clients need CIDELDILL_SERVER_URL", "error", err)
	} else {
		slog.Info("port file written", "path", pfPath)
	}

	go func() {
		slog.Info("debug server listening", "addr", addr, "db", db.Path())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}
