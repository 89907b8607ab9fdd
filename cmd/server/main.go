package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/shortlink/internal/config"
	"github.com/koopa0/system-design/shortlink/internal/events"
	"github.com/koopa0/system-design/shortlink/internal/handler"
	"github.com/koopa0/system-design/shortlink/internal/shard"
	"github.com/koopa0/system-design/shortlink/internal/shortener"
	"github.com/koopa0/system-design/shortlink/internal/storage"
	"github.com/koopa0/system-design/shortlink/internal/storage/migrations"
	"github.com/koopa0/system-design/shortlink/pkg/logger"
	"github.com/koopa0/system-design/shortlink/pkg/snowflake"
)

// main 應用程序入口
//
// 初始化順序：配置 → 日誌 → 持久層 → 快取 → 事件 → 引擎 → HTTP
//
// 關閉順序相反：先停止接收請求，再排空點擊聚合器，最後關閉事件與連線。
func main() {
	configPath := flag.String("config", "", "配置檔路徑（YAML，可省略）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped gracefully")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache := openCache(ctx, cfg, log)
	defer closeCache()

	publisher, closePublisher := openPublisher(cfg, log)

	ids, err := snowflake.NewGenerator(cfg.Generator.MachineID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	cs := shortener.NewConsistencyStore(store, cache, shortener.ConsistencyOptions{
		CacheTTL:      cfg.Cache.TTL,
		NegativeTTL:   cfg.Cache.NegativeTTL,
		CacheTimeout:  cfg.Cache.Timeout,
		StoreTimeout:  cfg.Store.Timeout,
		MaxCodeLength: cfg.MaxCodeLength(),
		Logger:        log,
	})

	gen, err := shortener.NewCodeGenerator(cs, ids, shortener.GeneratorOptions{
		Strategy:          shortener.Strategy(cfg.Generator.Strategy),
		Length:            cfg.Generator.Length,
		MaxAttempts:       cfg.Generator.MaxAttempts,
		AliasMinLength:    cfg.Generator.AliasMinLength,
		AliasMaxLength:    cfg.Generator.AliasMaxLength,
		Dedup:             cfg.Generator.Dedup,
		MaxURLLength:      cfg.Generator.MaxURLLength,
		AllowPrivateHosts: cfg.Generator.AllowPrivate,
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("create code generator: %w", err)
	}

	clicks := shortener.NewClickAggregator(cs, shortener.AggregatorOptions{
		BufferSize:    cfg.Clicks.BufferSize,
		BatchSize:     cfg.Clicks.BatchSize,
		FlushInterval: cfg.Clicks.FlushInterval,
		FlushTimeout:  cfg.Clicks.FlushTimeout,
		MaxRetries:    cfg.Clicks.MaxRetries,
		EventBuffer:   cfg.Clicks.EventBuffer,
		Location:      cfg.Location(),
		Publisher:     publisher,
		Logger:        log,
	})

	expiry := shortener.NewExpirationManager(cs, shortener.ExpirationOptions{
		SweepInterval: cfg.Expiration.SweepInterval,
		BatchSize:     cfg.Expiration.BatchSize,
		Logger:        log,
	})

	svc := shortener.NewService(gen, cs, clicks,
		shortener.WithPublisher(publisher),
		shortener.WithServiceLogger(log),
	)

	h := handler.New(svc, handler.Options{
		BaseURL:     cfg.Server.BaseURL,
		CreateRPS:   cfg.Server.CreateRPS,
		CreateBurst: cfg.Server.CreateBurst,
		TrustProxy:  cfg.Server.TrustProxy,
	}, log)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           h.Routes(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go expiry.Run(sweepCtx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	cancelSweep()

	// 請求都結束後才關閉聚合器，保證最後一批點擊被刷新
	if err := clicks.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush clicks: %w", err))
	}
	if err := closePublisher(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	return errors.Join(errs...)
}

// openStore 依配置建立持久層
//
//	無 DSN      → Memory（開發用，重啟即遺失）
//	一個 DSN    → Postgres
//	多個 DSN    → Sharded（xxhash 路由，序號在分片 0）
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (shortener.DurableStore, func(), error) {
	dsns := cfg.ShardDSNs()
	if len(dsns) == 0 {
		log.Warn("no database configured, using in-memory store")
		return storage.NewMemory(), func() {}, nil
	}

	var (
		stores  []shortener.DurableStore
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for i, dsn := range dsns {
		if cfg.Postgres.AutoMigrate {
			if err := migrations.Run(dsn, log); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("migrate shard %d: %w", i, err)
			}
		}

		pool, err := storage.OpenPool(ctx, storage.PoolConfig{
			DSN:             dsn,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open shard %d: %w", i, err)
		}
		closers = append(closers, pool.Close)
		stores = append(stores, storage.NewPostgres(pool))
	}

	if len(stores) == 1 {
		log.Info("storage initialized", "type", "postgres")
		return stores[0], closeAll, nil
	}

	router, err := shard.New(len(stores))
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	sharded, err := storage.NewSharded(router, stores...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	log.Info("storage initialized", "type", "postgres", "shards", len(stores))
	return sharded, closeAll, nil
}

// openCache Redis 可用時用 Redis，否則用進程內 LRU
//
// Redis 啟動時連不上只記錄警告：快取不是權威來源，讀取會降級到持久層。
func openCache(ctx context.Context, cfg *config.Config, log *slog.Logger) (shortener.Cache, func()) {
	if cfg.Redis.Addr == "" {
		log.Info("cache initialized", "type", "lru", "capacity", cfg.Cache.LocalSize)
		return storage.NewLRU(cfg.Cache.LocalSize), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable at startup, reads will fall back to the store", "addr", cfg.Redis.Addr, "error", err)
	} else {
		log.Info("cache initialized", "type", "redis", "addr", cfg.Redis.Addr)
	}

	return storage.NewRedisCache(client), func() { _ = client.Close() }
}

// openPublisher 啟用 NATS 時連線 JetStream；連不上時退回不發佈
func openPublisher(cfg *config.Config, log *slog.Logger) (shortener.Publisher, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if !cfg.NATS.Enabled {
		return shortener.NopPublisher{}, noop
	}

	pub, err := events.Connect(events.Config{
		URL:     cfg.NATS.URL,
		Stream:  cfg.NATS.Stream,
		MaxAge:  cfg.NATS.MaxAge,
		Storage: cfg.NATS.Storage,
	}, log)
	if err != nil {
		log.Warn("nats unavailable, lifecycle events disabled", "url", cfg.NATS.URL, "error", err)
		return shortener.NopPublisher{}, noop
	}
	log.Info("events initialized", "type", "nats", "stream", cfg.NATS.Stream)
	return pub, pub.Close
}
