// cmd/reldatasync-server exposes a set of named datastores over the HTTP
// surface internal/api implements, so that cmd/reldatasync-sync (or any
// other remotestore.Client) can pull and push documents against them.
//
// Example — one in-memory, durable "widgets" datastore and one SQLite-backed
// "orders" datastore, declared in a config file:
//
//	./reldatasync-server --config reldatasync.yaml --listen :8080
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dfrankow/reldatasync/internal/api"
	"github.com/dfrankow/reldatasync/internal/config"
	"github.com/dfrankow/reldatasync/internal/datastore"
	"github.com/dfrankow/reldatasync/internal/datastore/memstore"
	"github.com/dfrankow/reldatasync/internal/datastore/sqlstore"
	"github.com/dfrankow/reldatasync/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// snapshotter is implemented by memstore.DurableBackend; the periodic
// snapshot ticker below only knows about this much of it.
type snapshotter interface {
	Snapshot(ctx context.Context) error
}

func main() {
	cfg, err := config.LoadServerConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New("reldatasync-server", cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.ReplicaID == "" {
		cfg.ReplicaID = uuid.NewString()
	}

	registry := api.NewRegistry()
	var (
		snapMu      sync.Mutex
		snapshotted []snapshotter
	)

	for _, ds := range cfg.Datastores {
		ds := ds
		registry.Register(ds.Name, ds.DisplayName, ds.DocType, func() (datastore.Datastore, error) {
			backend, snap, err := buildBackend(ds, cfg)
			if err != nil {
				return nil, err
			}
			if snap != nil {
				snapMu.Lock()
				snapshotted = append(snapshotted, snap)
				snapMu.Unlock()
			}
			return datastore.Acquire(context.Background(), backend)
		})
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.ZapLogger(log), api.Recovery(log))
	api.NewHandler(registry).Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "replica_id": cfg.ReplicaID})
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("replica_id", cfg.ReplicaID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snapshotAll(log, &snapMu, snapshotted)
			case <-stop:
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(stop)

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	snapshotAll(log, &snapMu, snapshotted)

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
}

func snapshotAll(log *zap.Logger, mu *sync.Mutex, backends []snapshotter) {
	mu.Lock()
	defer mu.Unlock()
	for _, s := range backends {
		if err := s.Snapshot(context.Background()); err != nil {
			log.Error("snapshot failed", zap.Error(err))
		}
	}
}

// buildBackend constructs the datastore.Backend a DatastoreSpec names. The
// second return value is non-nil only for a durable memstore, which is the
// only backend kind the snapshot ticker needs to drive.
func buildBackend(ds config.DatastoreSpec, cfg config.ServerConfig) (datastore.Backend, snapshotter, error) {
	switch ds.Backend.Kind {
	case "memory":
		if ds.Backend.Durable {
			dir := fmt.Sprintf("%s/%s/%s", cfg.DataDir, ds.Name, ds.DocType)
			durable := memstore.NewDurable(ds.DisplayName, "", dir)
			return durable, durable, nil
		}
		return memstore.New(ds.DisplayName, ""), nil, nil

	case "postgres", "sqlite":
		db, err := sqlstore.Open(ds.Backend.Kind, ds.Backend.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", ds.Name, err)
		}
		backend, err := sqlstore.New(db, ds.Backend.Kind, ds.Backend.Table, ds.DisplayName, "")
		if err != nil {
			return nil, nil, fmt.Errorf("new sqlstore backend %s: %w", ds.Name, err)
		}
		return backend, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q for datastore %s", ds.Backend.Kind, ds.Name)
	}
}
