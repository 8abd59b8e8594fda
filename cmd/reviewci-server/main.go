package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/config"
	"github.com/vyvo/compute/reviewci/pkg/history"
	"github.com/vyvo/compute/reviewci/pkg/queue"
	"github.com/vyvo/compute/reviewci/pkg/registry"
	"github.com/vyvo/compute/reviewci/pkg/telemetry"
	"github.com/vyvo/compute/reviewci/pkg/trigger"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if cfg.Tracing {
		shutdown := telemetry.InitTracer(ctx, "reviewci-server", os.Stdout)
		defer func() { _ = shutdown(context.Background()) }()
	}

	repo, closeHistory, err := openHistory(ctx, cfg)
	if err != nil {
		log.Fatalf("history backend: %v", err)
	}
	defer closeHistory()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		log.Fatalf("queue backend: %v", err)
	}
	defer q.Close()

	defs, err := config.LoadJobs(cfg.JobsDir)
	if err != nil {
		log.Fatalf("jobs: %v", err)
	}

	srv := &server{
		jobs:     registry.Load(defs, registry.Wiring{History: repo, Logger: logger}),
		history:  repo,
		queue:    q,
		memStore: builder.NewMemStore(),
		urlBase:  cfg.BuildURLBase,
		apiToken: cfg.APIToken,
	}
	srv.poller = trigger.NewPoller(q, srv.busy, logger)

	if cfg.DatabaseURL != "" {
		pg, err := builder.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("builder postgres init failed: %v", err)
		}
		srv.pgStore = pg
		defer func() {
			if err := pg.Close(); err != nil {
				log.Printf("builder postgres close error: %v", err)
			}
		}()
	}

	for _, def := range defs {
		entry, _ := srv.jobs.Get(def.Name)
		if err := srv.poller.Add(entry.Job, def.PollSchedule); err != nil {
			log.Fatalf("schedule: %v", err)
		}
	}
	srv.poller.Start()

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.poller.Stop(shutdownCtx)
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("reviewci server listening on %s with %d jobs", cfg.ListenAddr, len(defs))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("reviewci server failed: %v", err)
	}
}

func openHistory(ctx context.Context, cfg config.ServerConfig) (history.Repository, func(), error) {
	switch cfg.HistoryBackend {
	case "postgres":
		s, err := history.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s), nil
	case "redis":
		s, err := history.NewRedisStoreFromURL(ctx, cfg.RedisURL, "reviewci")
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s), nil
	default:
		s, err := history.NewStore(cfg.HistoryPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func openQueue(ctx context.Context, cfg config.ServerConfig) (queue.Queue, error) {
	if cfg.QueueBackend == "redis" {
		return queue.NewRedisQueueFromURL(ctx, cfg.RedisURL, "reviewci")
	}
	return queue.NewMemQueue(), nil
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Printf("close error: %v", err)
		}
	}
}
