package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medgate.org/internal/config"
	"medgate.org/internal/gateway"
	"medgate.org/internal/httpapi"
	"medgate.org/internal/obs"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo("medgate-gateway", cfg.Version)

	table, err := gateway.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		log.Fatalf("routes: %v", err)
	}
	for _, r := range table.Routes() {
		obs.Info("route", map[string]any{"name": r.Name, "prefix": r.Prefix, "upstream": r.Upstream})
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	gw, err := gateway.New(gateway.Options{
		Table:          table,
		Timeout:        cfg.UpstreamTimeout,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSec:     cfg.RateLimit.RPS,
		TrustedProxies: proxies,
	})
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		// upstream calls are bounded separately; leave room to answer with 504
		WriteTimeout: cfg.UpstreamTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		obs.Info("starting medgate-gateway", map[string]any{"addr": srv.Addr, "version": cfg.Version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	obs.Info("shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		obs.Error("shutdown", map[string]any{"error": err})
	}
	obs.Info("stopped", nil)
}
