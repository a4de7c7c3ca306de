// Command gateway boots the full request pipeline: it loads configuration,
// connects the persistence and shared-cache backends, wires every gating
// component (abuse detection, rate limiting, quota, response cache,
// upstream client) into a single Pipeline, and serves it alongside the
// admin surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/abuse"
	"github.com/bankotij/Heliox-Proxy/internal/adminapi"
	"github.com/bankotij/Heliox-Proxy/internal/bloom"
	"github.com/bankotij/Heliox-Proxy/internal/cache"
	"github.com/bankotij/Heliox-Proxy/internal/config"
	"github.com/bankotij/Heliox-Proxy/internal/configcache"
	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
	"github.com/bankotij/Heliox-Proxy/internal/middleware"
	"github.com/bankotij/Heliox-Proxy/internal/observability"
	"github.com/bankotij/Heliox-Proxy/internal/pipeline"
	"github.com/bankotij/Heliox-Proxy/internal/quota"
	"github.com/bankotij/Heliox-Proxy/internal/ratelimit"
	"github.com/bankotij/Heliox-Proxy/internal/requestlog"
	"github.com/bankotij/Heliox-Proxy/internal/store/mariadb"
	"github.com/bankotij/Heliox-Proxy/internal/upstream"
	"github.com/bankotij/Heliox-Proxy/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to the gateway YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("gateway: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "heliox-proxy",
		OTLPEndpoint: cfg.Tracing.OTLP.Endpoint,
		OTLPInsecure: cfg.Tracing.OTLP.Insecure,
	})
	if err != nil {
		log.Fatalf("gateway: init tracer: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Printf("gateway: tracer shutdown: %v", err)
		}
	}()

	repo, err := mariadb.New(mariadb.Config{
		Enabled:  cfg.DB.Enabled,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		DBName:   cfg.DB.Name,
	})
	if err != nil {
		log.Fatalf("gateway: connect store: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("gateway: close store: %v", err)
		}
	}()

	var sharedKV kvstore.Store
	if !cfg.DemoMode {
		sharedKV = kvstore.NewShared(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	}
	kvManager := kvstore.NewManager(sharedKV, cfg.DemoMode)
	kv := kvstore.WithTimeouts(kvManager.Store())

	confCache := configcache.New(repo, kv, cfg.ConfigRefreshInterval())

	var bloomFilter *bloom.Filter
	if kvManager.BloomAvailable() {
		bloomFilter = bloom.New(kv, cfg.Bloom.ExpectedItems, cfg.Bloom.FalsePositiveRate)
	}

	logPublisher, err := requestlog.New(requestlog.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		ClientID:     cfg.Kafka.ClientID,
		Acks:         cfg.Kafka.Acks,
		Compression:  cfg.Kafka.Compression,
		WriteTimeout: time.Duration(cfg.Kafka.TimeoutMs) * time.Millisecond,
		BatchBytes:   cfg.Kafka.BatchBytes,
		BatchTimeout: time.Duration(cfg.Kafka.BatchTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		log.Printf("gateway: request log publisher disabled: %v", err)
		logPublisher = requestlog.Noop()
	}
	defer func() {
		if err := logPublisher.Close(); err != nil {
			log.Printf("gateway: close request log publisher: %v", err)
		}
	}()

	upstreamClient := upstream.New(
		upstream.NewClient(),
		cfg.Upstream.CBThreshold,
		time.Duration(cfg.Upstream.CBOpenSeconds)*time.Second,
	)

	workers := worker.New(4, 256)
	defer workers.Shutdown()

	stats := &pipeline.Stats{}

	abuseDetector := abuse.New(kv, repo, abuse.Config{Alpha: cfg.Abuse.Alpha, ZThreshold: cfg.Abuse.ZThreshold, BlockDuration: cfg.BlockDuration()})
	if err := abuseDetector.Restore(ctx); err != nil {
		log.Printf("gateway: restore active blocks: %v", err)
	}
	confCache.OnUnblock = func(ctx context.Context, apiKeyID string) {
		if err := abuseDetector.Unblock(ctx, apiKeyID); err != nil {
			log.Printf("gateway: unblock %s: %v", apiKeyID, err)
		}
	}
	go confCache.Run(ctx)

	gw := &pipeline.Pipeline{
		Config:      confCache,
		Abuse:       abuseDetector,
		RateLimit:   ratelimit.New(kv),
		Quota:       quota.New(kv),
		Cache:       cache.New(kv, bloomFilter),
		Upstream:    upstreamClient,
		Log:         logPublisher,
		Workers:     workers,
		Stats:       stats,
		NegativeTTL: 5 * time.Minute,
	}

	adminStats := adminapi.Stats{
		RequestsTotal:  stats.RequestsTotalFn(),
		CacheHitsTotal: stats.CacheHitsFn(),
		CacheMissTotal: stats.CacheMissFn(),
		UpstreamErrors: stats.UpstreamErrFn(),
		LogsDropped:    logPublisher.Dropped,
		StartedAt:      time.Now(),
	}
	adminHealth := adminapi.Health{
		DBOk:           confCache.Healthy,
		BloomAvailable: func() bool { return bloomFilter != nil },
	}

	mux := http.NewServeMux()
	mux.Handle("/g/", middleware.BodyLimit(gw, cfg.Server.MaxBodyBytes))
	admin := adminapi.Handler(kv, adminHealth, adminStats)
	mux.Handle("/health", admin)
	mux.Handle("/metrics", admin)

	handler := observability.Logging(mux)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTOms) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTOms) * time.Millisecond,
		IdleTimeout:  time.Duration(cfg.Server.IdleTOms) * time.Millisecond,
	}

	go func() {
		log.Printf("gateway: listening on %s (demo_mode=%v)", cfg.Server.Addr, cfg.DemoMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("gateway: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway: shutdown: %v", err)
	}
}
