// Package config loads process configuration from the environment.
// A .env file in the working directory is read once before the first parse.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const prefix = "MEDGATE_"

var (
	ErrParsingConfig = errors.New("config: failed to parse environment")
	ErrInvalidConfig = errors.New("config: invalid value")

	dotenvOnce sync.Once
)

// API configures cmd/api.
type API struct {
	Addr       string        `env:"API_ADDR" envDefault:":8081"`
	GRPCAddr   string        `env:"GRPC_ADDR"`
	PGDSN      string        `env:"PG_DSN"`
	RedisURL   string        `env:"REDIS_URL"`
	Version    string        `env:"VERSION" envDefault:"dev"`
	AuthSecret string        `env:"AUTH_SECRET,required"`
	AuthIssuer string        `env:"AUTH_ISSUER" envDefault:"medgate"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
	DevTokens  bool          `env:"DEV_TOKENS" envDefault:"false"`

	CacheSize int           `env:"CACHE_SIZE" envDefault:"10000"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	RateLimit RateLimit `envPrefix:"API_"`
}

// Gateway configures cmd/gateway.
type Gateway struct {
	Addr            string        `env:"GATEWAY_ADDR" envDefault:":8080"`
	RoutesFile      string        `env:"GATEWAY_ROUTES" envDefault:"configs/gateway.yaml"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"15s"`
	Version         string        `env:"VERSION" envDefault:"dev"`

	RateLimit RateLimit `envPrefix:"GATEWAY_"`
}

// RateLimit configures the per-client token bucket. RPS <= 0 disables limiting.
type RateLimit struct {
	RPS   float64 `env:"RATE_RPS" envDefault:"50"`
	Burst int     `env:"RATE_BURST" envDefault:"100"`

	// Peers allowed to set X-Forwarded-For, as addresses or CIDR prefixes.
	// Empty means the connection peer is always the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// LoadAPI parses MEDGATE_* variables into an API config.
func LoadAPI() (API, error) {
	var cfg API
	if err := parse(&cfg); err != nil {
		return API{}, err
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.AuthSecret == "" {
		return API{}, fmt.Errorf("%w: %sAUTH_SECRET is empty", ErrInvalidConfig, prefix)
	}
	if cfg.TokenTTL <= 0 {
		return API{}, fmt.Errorf("%w: %sTOKEN_TTL must be positive", ErrInvalidConfig, prefix)
	}
	if cfg.CacheSize <= 0 {
		return API{}, fmt.Errorf("%w: %sCACHE_SIZE must be positive", ErrInvalidConfig, prefix)
	}
	if cfg.CacheTTL <= 0 {
		return API{}, fmt.Errorf("%w: %sCACHE_TTL must be positive", ErrInvalidConfig, prefix)
	}
	return cfg, nil
}

// LoadGateway parses MEDGATE_* variables into a Gateway config.
func LoadGateway() (Gateway, error) {
	var cfg Gateway
	if err := parse(&cfg); err != nil {
		return Gateway{}, err
	}
	if cfg.UpstreamTimeout <= 0 {
		return Gateway{}, fmt.Errorf("%w: %sUPSTREAM_TIMEOUT must be positive", ErrInvalidConfig, prefix)
	}
	if strings.TrimSpace(cfg.RoutesFile) == "" {
		return Gateway{}, fmt.Errorf("%w: %sGATEWAY_ROUTES is empty", ErrInvalidConfig, prefix)
	}
	return cfg, nil
}

func parse(v any) error {
	dotenvOnce.Do(func() {
		// a missing .env is fine
		_ = godotenv.Load()
	})
	if err := env.ParseWithOptions(v, env.Options{Prefix: prefix}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}
