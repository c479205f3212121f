package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"medgate.org/internal/auth"
	"medgate.org/internal/config"
	"medgate.org/internal/httpapi"
	"medgate.org/internal/obs"
	"medgate.org/internal/permcache"
	"medgate.org/internal/rbac"
	"medgate.org/internal/rbac/memory"
	"medgate.org/internal/store/pg"
)

func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo("medgate-api", cfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres when a DSN is set, otherwise a seeded in-memory clinic for local runs
	var (
		store rbac.Store
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store, db = pgStore, pgStore.DB()
	} else {
		mem := memory.New()
		memory.SeedClinic(mem)
		store = mem
		obs.Warn("using in-memory store", map[string]any{"reason": "MEDGATE_PG_DSN not set"})
	}

	var (
		rdb *redis.Client
		bus *permcache.RedisBus
	)
	if cfg.RedisURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err = permcache.Connect(connectCtx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		if bus, err = permcache.NewRedisBus(rdb, permcache.DefaultChannel); err != nil {
			log.Fatalf("redis bus: %v", err)
		}
	}

	cacheOpts := permcache.Options{
		Size: cfg.CacheSize,
		TTL:  cfg.CacheTTL,
		Holders: func(ctx context.Context, roleID int64) ([]int64, error) {
			return store.Assignments().UserIDsForRole(ctx, roleID, time.Now())
		},
	}
	if bus != nil {
		cacheOpts.Bus = bus
	}
	cache, err := permcache.New(cacheOpts)
	if err != nil {
		log.Fatalf("permission cache: %v", err)
	}

	engine, err := rbac.NewEngine(store, rbac.WithCache(cache))
	if err != nil {
		log.Fatalf("rbac engine: %v", err)
	}
	if err := engine.EnsurePermissions(ctx, rbac.BuiltinPermissions); err != nil {
		log.Fatalf("seed permissions: %v", err)
	}

	verifier, err := auth.NewVerifier(cfg.AuthSecret, cfg.AuthIssuer, httpapi.Subjects(engine))
	if err != nil {
		log.Fatalf("verifier: %v", err)
	}
	proxies, err := httpapi.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	apiCfg := httpapi.Config{
		Engine:         engine,
		Verifier:       verifier,
		Ready:          httpapi.ReadyProbe{DB: db, Redis: rdb},
		Version:        cfg.Version,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSec:     cfg.RateLimit.RPS,
		TrustedProxies: proxies,
	}
	if cfg.DevTokens {
		issuer, err := auth.NewIssuer(cfg.AuthSecret, cfg.AuthIssuer, cfg.TokenTTL)
		if err != nil {
			log.Fatalf("issuer: %v", err)
		}
		apiCfg.Issuer = issuer
		obs.Warn("development token endpoint enabled", map[string]any{"path": "/api/auth/token"})
	}
	api := httpapi.New(apiCfg)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if bus != nil {
		sub, err := bus.Subscribe(ctx)
		if err != nil {
			log.Fatalf("subscribe invalidations: %v", err)
		}
		g.Go(func() error {
			if err := sub.Run(gctx, cache.Apply); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		hs := httpapi.NewHealthServer(apiCfg.Ready)
		gs := httpapi.NewGRPCServer(hs)
		g.Go(func() error {
			hs.Run(gctx, 10*time.Second)
			return nil
		})
		g.Go(func() error {
			obs.Info("grpc listening", map[string]any{"addr": cfg.GRPCAddr})
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		obs.Info("starting medgate-api", map[string]any{"addr": srv.Addr, "version": cfg.Version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		obs.Error("medgate-api stopped with error", map[string]any{"error": err})
		os.Exit(1)
	}
	obs.Info("medgate-api stopped", nil)
}
