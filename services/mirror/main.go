// Command mirror runs the gateway event mirror: it consumes the raw event
// stream, maintains the entity cache, writes the audit trail and fans
// snapshots out to the shared cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"guildmirror/pkg/auditsink"
	"guildmirror/pkg/cache"
	"guildmirror/pkg/config"
	"guildmirror/pkg/database"
	"guildmirror/pkg/deadletter"
	"guildmirror/pkg/fanout"
	"guildmirror/pkg/gateway"
	"guildmirror/pkg/ingest"
	"guildmirror/pkg/logging"
	"guildmirror/pkg/model"
	"guildmirror/pkg/normalize"
)

const serviceName = "mirror"

func main() {
	log := logging.New(serviceName, logging.ParseLevel(config.Get("LOG_LEVEL", "info")), os.Stdout)

	db, err := database.Connect(database.Config{
		Host:     config.Get("AUDIT_DB_HOST", "localhost"),
		Port:     config.GetInt("AUDIT_DB_PORT", 5432),
		User:     config.Get("AUDIT_DB_USER", "mirror"),
		Password: config.Get("AUDIT_DB_PASSWORD", ""),
		DBName:   config.Get("AUDIT_DB_NAME", "mirror"),
		SSLMode:  config.Get("AUDIT_DB_SSLMODE", "disable"),
	})
	if err != nil {
		log.Error("audit store unavailable", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()
	if config.GetBool("AUDIT_DB_MIGRATE", false) {
		if err := db.Migrate(); err != nil {
			log.Error("audit schema migration failed", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
		log.Info("audit schema up to date", nil)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: config.Get("REDIS_ADDR", "localhost:6379"),
		DB:   config.GetInt("REDIS_DB", 0),
	})
	defer rdb.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Error("shared cache unavailable", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
	}

	entCache := cache.New(cache.Config{
		EphemeralCap:    config.GetInt("CACHE_EPHEMERAL_CAP", 4096),
		IdleWindow:      config.GetDuration("CACHE_IDLE_WINDOW", 15*time.Minute),
		JanitorInterval: config.GetDuration("CACHE_JANITOR_INTERVAL", time.Minute),
	})
	defer entCache.Close()

	dead := deadletter.New(config.Get("AUDIT_DEADLETTER_PATH", "data/audit-deadletter.log"))
	sink := auditsink.New(auditsink.NewPGStore(db), dead, log, auditsink.Config{
		QueueSize:     config.GetInt("AUDIT_QUEUE_SIZE", 256),
		BatchSize:     config.GetInt("AUDIT_BATCH_SIZE", 64),
		FlushInterval: config.GetDuration("AUDIT_FLUSH_INTERVAL", 2*time.Second),
		MaxAttempts:   config.GetInt("AUDIT_MAX_ATTEMPTS", 5),
		BackoffBase:   config.GetDuration("AUDIT_BACKOFF_BASE", 100*time.Millisecond),
		BackoffMax:    config.GetDuration("AUDIT_BACKOFF_MAX", 5*time.Second),
		FlushTimeout:  config.GetDuration("AUDIT_FLUSH_TIMEOUT", 10*time.Second),
	})

	pub := fanout.New(rdb, log, fanout.Config{
		SnapshotTTL:  config.GetDuration("FANOUT_SNAPSHOT_TTL", 24*time.Hour),
		EphemeralTTL: config.GetDuration("FANOUT_EPHEMERAL_TTL", time.Hour),
		TombstoneTTL: config.GetDuration("FANOUT_TOMBSTONE_TTL", 5*time.Minute),
		Timeout:      config.GetDuration("FANOUT_TIMEOUT", 2*time.Second),
	})

	pipeline := ingest.New(entCache, normalize.New(entCache), sink, pub, log, ingest.Config{
		Workers:        config.GetInt("MIRROR_WORKERS", 8),
		QueueSize:      config.GetInt("MIRROR_QUEUE_SIZE", 512),
		EnqueueTimeout: config.GetDuration("MIRROR_ENQUEUE_TIMEOUT", time.Second),
	})

	src, err := openSource(config.Get("MIRROR_REPLAY_FILE", ""))
	if err != nil {
		log.Error("no gateway source", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer src.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			http.Error(w, "audit store: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "shared cache: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/snapshot", snapshotHandler(entCache))

	httpSrv := &http.Server{Addr: config.Get("MIRROR_HTTP_ADDR", ":8090"), Handler: mux}
	go func() {
		log.Info("http listening", logging.Fields{"addr": httpSrv.Addr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", logging.Fields{"error": err.Error()})
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- pipeline.Run(ctx, src) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("signal received, shutting down", logging.Fields{"signal": sig.String()})
		cancel()
		<-runDone
	case err := <-runDone:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("ingestion stopped", logging.Fields{"error": err.Error()})
		} else {
			log.Info("gateway stream ended", nil)
		}
	}

	grace := config.GetDuration("MIRROR_SHUTDOWN_GRACE", 15*time.Second)
	shutCtx, shutCancel := context.WithTimeout(context.Background(), grace)
	defer shutCancel()
	if err := pipeline.Shutdown(shutCtx); err != nil {
		log.Warn("pipeline drain incomplete", logging.Fields{"error": err.Error()})
	}
	if err := sink.Close(shutCtx); err != nil {
		log.Warn("audit drain incomplete", logging.Fields{"error": err.Error()})
	}
	httpSrv.Shutdown(shutCtx)
	log.Info("mirror stopped", nil)
}

// openSource wires the gateway boundary. The real transport is injected by
// the deployment; this binary supports replaying a captured event stream
// from a file or stdin ("-").
func openSource(path string) (gateway.Source, error) {
	switch path {
	case "":
		return nil, errors.New("MIRROR_REPLAY_FILE is required (path or \"-\" for stdin)")
	case "-":
		return gateway.NewReplaySource(os.Stdin), nil
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return gateway.NewReplaySource(f), nil
	}
}

// snapshotHandler serves a tenant+kind scan of the live cache for
// operational inspection.
func snapshotHandler(c *cache.Cache) http.HandlerFunc {
	type item struct {
		ID         string           `json:"id"`
		Version    uint64           `json:"version"`
		ObservedAt time.Time        `json:"observed_at"`
		Attrs      model.Attributes `json:"attrs,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := model.TenantScope(r.URL.Query().Get("tenant"))
		kind := model.EntityKind(r.URL.Query().Get("kind"))
		if tenant == "" || !kind.Valid() {
			http.Error(w, "tenant and valid kind are required", http.StatusBadRequest)
			return
		}
		items := make([]item, 0, 64)
		c.Scan(tenant, kind, func(s *model.EntitySnapshot) bool {
			items = append(items, item{ID: s.Key.ID, Version: s.LocalVersion, ObservedAt: s.ObservedAt, Attrs: s.Attrs})
			return len(items) < 10000
		})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}
}
