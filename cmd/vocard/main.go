package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vocarddev/vocard/internal/config"
	"github.com/vocarddev/vocard/internal/docstore"
	"github.com/vocarddev/vocard/internal/docstore/memory"
	"github.com/vocarddev/vocard/internal/docstore/mongodb"
	"github.com/vocarddev/vocard/internal/docstore/postgres"
	"github.com/vocarddev/vocard/internal/library"
	"github.com/vocarddev/vocard/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info"}).Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		FilePath: cfg.LogFile,
	})

	log.Info("Starting Vocard document store")
	log.Infof("Backend: %s", cfg.Backend)
	log.Infof("Limits: %d playlists, %d inbox mails, %d history entries",
		cfg.MaxPlaylists, cfg.InboxLimit, cfg.HistoryLimit)

	ctx := context.Background()
	backend, closeBackend, err := connectBackend(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to connect backend: %v", err)
	}

	store := docstore.New(backend, library.Collections(), docstore.Config{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxSize,
	}, log)

	stop := make(chan struct{})
	go store.StartMaintenance(cfg.SweepInterval, stop)
	go healthLoop(ctx, backend, store, cfg.SweepInterval, stop, log)

	log.Info("Document store is running. Press CTRL-C to exit.")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	log.Info("Shutting down gracefully...")
	close(stop)
	store.Close()
	closeBackend()
	log.Info("Document store stopped")
}

// healthLoop pings the backend on the sweep cadence and logs cache
// occupancy, so operators can spot a dying backend before callers do.
func healthLoop(ctx context.Context, backend docstore.Backend, store *docstore.Store, interval time.Duration, stop <-chan struct{}, log *logger.Logger) {
	type healthChecker interface {
		Health(ctx context.Context) error
	}
	checker, checkable := backend.(healthChecker)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if checkable {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := checker.Health(pingCtx)
				cancel()
				if err != nil {
					log.WithError(err).Warn("backend health check failed")
					continue
				}
			}
			log.Debugf("backend healthy, %d cached entries", store.Len())
		case <-stop:
			return
		}
	}
}

// connectBackend builds the configured backend, retrying the initial
// connection with exponential backoff. Retries stay out of the cache layer;
// once running, backend failures surface to callers directly.
func connectBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (docstore.Backend, func(), error) {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(time.Second))

	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), func() {}, nil

	case config.BackendMongoDB:
		var backend *mongodb.Backend
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var err error
			backend, err = mongodb.Connect(ctx, mongodb.Config{
				URI:      cfg.MongoURI,
				Database: cfg.MongoDatabase,
			}, log)
			if err != nil {
				log.WithError(err).Warn("MongoDB not reachable yet, retrying")
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := backend.Close(shutdownCtx); err != nil {
				log.WithError(err).Warn("MongoDB disconnect failed")
			}
		}
		return backend, closeFn, nil

	case config.BackendPostgres:
		var backend *postgres.Backend
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var err error
			backend, err = postgres.Connect(ctx, postgres.DefaultConfig(cfg.PostgresURL), log)
			if err != nil {
				log.WithError(err).Warn("PostgreSQL not reachable yet, retrying")
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		if err := backend.RunMigrations(ctx); err != nil {
			backend.Close()
			return nil, nil, err
		}
		return backend, backend.Close, nil
	}

	// config.Load already validated the backend name.
	return nil, nil, nil
}
