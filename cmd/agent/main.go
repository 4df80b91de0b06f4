package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"field-sync-agent/internal/api"
	"field-sync-agent/internal/artifacts"
	"field-sync-agent/internal/config"
	"field-sync-agent/internal/connectivity"
	"field-sync-agent/internal/fieldops"
	"field-sync-agent/internal/queue"
	"field-sync-agent/internal/ratelimit"
	"field-sync-agent/internal/remote"
	"field-sync-agent/internal/replay"
	"field-sync-agent/internal/store"
	"field-sync-agent/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	kv, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open %s store: %v", cfg.StorageBackend, err)
	}
	defer kv.Close()

	q := queue.New(kv)
	if err := q.Load(ctx); err != nil {
		log.Fatalf("load queue: %v", err)
	}

	client := remote.New(cfg.RemoteBaseURL, cfg.RemoteAPIToken, cfg.ProbePath, cfg.RemoteTimeout)
	monitor := connectivity.New(cfg.StartOnline)

	engine := replay.New(q, client, replay.OptionsFromConfig(cfg))
	engine.SetOnlineCheck(monitor.IsOnline)
	if cfg.RateLimitCapacity > 0 && cfg.RedisAddr != "" {
		engine.SetLimiter(newLimiter(ctx, cfg, kv), ratelimit.ReplayKey(cfg.DeviceID))
	}

	ops := fieldops.New(kv, q, client, monitor, cfg.TechnicianName)
	if err := ops.Load(ctx); err != nil {
		log.Fatalf("load job state: %v", err)
	}
	engine.OnApplied(ops.Reconcile)
	ops.OnDeferred(engine.Trigger)

	artifactStore := artifacts.NewStore(kv, cfg.ThumbnailWidth, cfg.ArtifactMaxBytes)
	uploader, err := artifacts.NewUploader(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact uploader: %v", err)
	}
	syncer := artifacts.NewSyncer(artifactStore, uploader, cfg.DeviceID)

	hub := api.NewHub()
	go hub.Run(ctx)
	q.OnChange(hub.QueueChanged)
	engine.AddObserver(hub)
	monitor.OnChange(hub.ConnectivityChanged)
	syncer.OnSynced(hub.ArtifactsSynced)

	syncArtifacts := func() {
		if _, err := syncer.Sync(ctx); err != nil {
			log.Printf("artifact sync: %v", err)
		}
	}
	monitor.OnOnline(func() {
		engine.Trigger()
		go syncArtifacts()
	})

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("replay loop stopped: %v", err)
		}
	}()
	if cfg.ProbeInterval > 0 {
		go func() { _ = monitor.Run(ctx, client, cfg.ProbeInterval) }()
	}
	if monitor.IsOnline() {
		engine.Trigger()
		go syncArtifacts()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	server := api.New(q, engine, monitor, ops, artifactStore, hub)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("agent %s (%s) listening on %s store=%s pending=%d online=%v prune=%s",
		cfg.DeviceID, cfg.Env, cfg.HTTPAddr, cfg.StorageBackend, q.Len(), monitor.IsOnline(), cfg.PrunePolicy)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// newLimiter shares the store's Redis connection when the store is Redis.
func newLimiter(ctx context.Context, cfg config.Config, kv store.KV) *ratelimit.TokenBucket {
	var client *redis.Client
	if r, ok := kv.(*store.Redis); ok {
		client = r.Client()
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("rate limiter redis unreachable, dispatches will not be throttled until it is: %v", err)
		}
	}
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
}
