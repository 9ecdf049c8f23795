// Command relapiserver is a runnable example of the Resource Engine: it
// compiles the sample articles/users/tags/companies/employees schemas,
// wires a BunStore over sqlite or postgres, and serves the six JSON:API
// operations behind a gorilla/mux router. It exists to demonstrate the
// wiring, not as a production deployment target.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/klauspost/compress/gzhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"github.com/relapi/engine/pkg/cache"
	"github.com/relapi/engine/pkg/common"
	"github.com/relapi/engine/pkg/common/adapters/router"
	"github.com/relapi/engine/pkg/config"
	"github.com/relapi/engine/pkg/engine"
	"github.com/relapi/engine/pkg/errortracking"
	"github.com/relapi/engine/pkg/logger"
	"github.com/relapi/engine/pkg/metrics"
	"github.com/relapi/engine/pkg/resources"
	"github.com/relapi/engine/pkg/server"
)

func main() {
	cfgMgr := config.NewManager()
	if err := cfgMgr.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg, err := cfgMgr.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logger.Dev)
	if cfg.Logger.Path != "" {
		logger.UpdateLoggerPath(cfg.Logger.Path, cfg.Logger.Dev)
	}
	logger.Info("relapi example server starting")

	if cfg.ErrorTracking.Enabled {
		tracker, err := errortracking.NewProviderFromConfig(cfg.ErrorTracking)
		if err != nil {
			logger.Error("failed to initialize error tracking: %v", err)
		} else {
			logger.InitErrorTracking(tracker)
		}
	}

	if err := initCache(cfg.Cache); err != nil {
		logger.Error("failed to initialize cache provider: %v", err)
		os.Exit(1)
	}

	metricsProvider := initMetrics(cfg.Metrics)

	db, sqlDB, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Error("failed to open database: %v", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	registry := engine.NewRegistry()
	if err := resources.Register(registry); err != nil {
		logger.Error("failed to compile resources: %v", err)
		os.Exit(1)
	}

	dbDialect := cfg.Database.Driver
	if dbDialect == "" {
		dbDialect = "sqlite"
	}

	ctx := context.Background()
	if err := bootstrapSchema(ctx, db, dbDialect); err != nil {
		logger.Error("failed to bootstrap schema: %v", err)
		os.Exit(1)
	}

	store := engine.NewBunStore(db, dbDialect, cache.GetDefaultCache())
	hooks := registerHooks()
	eng := engine.NewEngine(registry, store, engine.AllowAll{}, hooks, nil)

	muxRouter := mux.NewRouter()
	adapter := router.NewMuxAdapter(muxRouter)
	adapter.Handle("/api/{type}", eng.Route(), http.MethodGet, http.MethodPost)
	adapter.Handle("/api/{type}/{id}", eng.Route(), http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete)
	if cfg.Metrics.Enabled {
		muxRouter.Handle(cfg.Metrics.Path, metricsProvider.Handler())
	}

	var handler http.Handler = muxRouter
	handler = corsMiddleware(handler, common.CORSConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		MaxAge:         cfg.CORS.MaxAge,
	})
	if p, ok := metricsProvider.(*metrics.PrometheusProvider); ok {
		handler = p.Middleware(handler)
	}
	// gzhttp compresses JSON:API responses above its default size threshold;
	// it skips already-compressed or tiny bodies automatically.
	compress, err := gzhttp.NewWrapper()
	if err != nil {
		logger.Error("failed to build compression middleware: %v", err)
		os.Exit(1)
	}
	handler = compress(handler)

	gracefulSrv := server.NewGracefulServer(server.Config{
		Addr:            cfg.Server.Addr,
		Handler:         handler,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	muxRouter.HandleFunc("/healthz", gracefulSrv.HealthCheckHandler())
	muxRouter.HandleFunc("/readyz", gracefulSrv.ReadinessHandler())

	server.RegisterShutdownCallback(func(ctx context.Context) error {
		cache.Close()
		return nil
	})
	server.RegisterShutdownCallback(func(ctx context.Context) error {
		return logger.CloseErrorTracking()
	})
	server.RegisterShutdownCallback(func(ctx context.Context) error {
		return logger.Sync()
	})

	if err := gracefulSrv.ListenAndServe(); err != nil {
		logger.Error("server failed: %v", err)
		os.Exit(1)
	}
}

// initCache picks the configured cache provider; an unrecognized or empty
// provider name falls back to the in-memory default.
func initCache(cfg config.CacheConfig) error {
	opts := &cache.Options{DefaultTTL: cfg.TTL, MaxSize: 10000}
	switch cfg.Provider {
	case "redis":
		return cache.UseRedis(&cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Options:  opts,
		})
	case "memcache":
		return cache.UseMemcache(&cache.MemcacheConfig{
			Servers:      cfg.Memcache.Servers,
			MaxIdleConns: cfg.Memcache.MaxIdleConns,
			Timeout:      cfg.Memcache.Timeout,
			Options:      opts,
		})
	default:
		return cache.UseMemory(opts)
	}
}

// initMetrics builds and registers the global metrics provider. An unknown
// or disabled provider falls back to the no-op implementation so call sites
// never need a nil check.
func initMetrics(cfg config.MetricsConfig) metrics.Provider {
	if !cfg.Enabled || cfg.Provider == "noop" {
		provider := &metrics.NoOpProvider{}
		metrics.SetProvider(provider)
		return provider
	}
	provider := metrics.NewPrometheusProvider(&metrics.Config{
		Enabled:   cfg.Enabled,
		Provider:  cfg.Provider,
		Namespace: cfg.Namespace,
	})
	metrics.SetProvider(provider)
	return provider
}

// openDatabase opens the configured driver's *sql.DB and wraps it in a bun
// *bun.DB. sqlite and postgres are wired for the example server; mssql uses
// the same bun.NewDB call with a different dialect and is the
// straightforward extension point.
func openDatabase(cfg config.DatabaseConfig) (*bun.DB, *sql.DB, error) {
	switch cfg.Driver {
	case "", "sqlite":
		sqlDB, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1) // sqlite: avoid "database is locked" under concurrent writers
		return bun.NewDB(sqlDB, sqlitedialect.New()), sqlDB, nil
	case "postgres":
		sqlDB, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		return bun.NewDB(sqlDB, pgdialect.New()), sqlDB, nil
	default:
		return nil, nil, fmt.Errorf("database driver %q is not wired in the example server", cfg.Driver)
	}
}

// bootstrapSchema creates the sample tables if they don't already exist.
// The engine itself never issues DDL; this is example-server scaffolding
// standing in for a migration tool. The primary-key clause is the only
// part that differs between sqlite and postgres, so it's parameterized
// and the rest of each CREATE TABLE is shared.
func bootstrapSchema(ctx context.Context, db *bun.DB, driver string) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		pk = "SERIAL PRIMARY KEY"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS companies (id %s, name TEXT NOT NULL)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (id %s, name TEXT NOT NULL, email TEXT NOT NULL, company_id INTEGER)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS employees (id %s, full_name TEXT NOT NULL, company_id INTEGER NOT NULL, manager_id INTEGER)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tags (id %s, label TEXT NOT NULL)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS articles (id %s, title TEXT NOT NULL, body TEXT, author_id INTEGER NOT NULL)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS article_tags (id %s, article_id INTEGER NOT NULL, tag_id INTEGER NOT NULL, display_order INTEGER)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS comments (id %s, message TEXT NOT NULL, owner_type TEXT NOT NULL, owner_id INTEGER NOT NULL)`, pk),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// corsMiddleware applies the configured CORS headers to every response and
// short-circuits preflight OPTIONS requests.
func corsMiddleware(next http.Handler, cfg common.CORSConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		common.SetCORSHeaders(common.NewStandardResponseWriter(w), common.NewStandardRequest(r), cfg)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registerHooks wires one example hook: it logs every successful write
// at the phase transition rather than only at the request boundary.
func registerHooks() *engine.HookRegistry {
	hooks := engine.NewHookRegistry()
	logWrite := func(phase engine.HookPhase) engine.HookFunc {
		return func(pc *engine.PhaseContext) error {
			logger.Info("%s: %s %s", phase, pc.Operation, pc.Resource.Name)
			return nil
		}
	}
	hooks.Register("", engine.AfterCreate, logWrite(engine.AfterCreate))
	hooks.Register("", engine.AfterUpdate, logWrite(engine.AfterUpdate))
	hooks.Register("", engine.AfterDelete, logWrite(engine.AfterDelete))
	return hooks
}
