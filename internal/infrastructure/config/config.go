package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"coinfeed/internal/domain"
)

type Config struct {
	App struct {
		PrintEveryMin int    `toml:"print_every_min"`
		LogLevel      string `toml:"log_level"`
		NoColor       bool   `toml:"no_color"`
	} `toml:"app"`

	Feed struct {
		URL                 string  `toml:"url"`    // e.g. wss://cables.coingecko.com/cable
		Origin              string  `toml:"origin"` // e.g. https://www.coingecko.com
		HandshakeTimeoutMs  int     `toml:"handshake_timeout_ms"`
		OperationTimeoutMs  int     `toml:"operation_timeout_ms"`
		RetryAttempts       int     `toml:"retry_attempts"`
		InitialDelayMs      int     `toml:"initial_delay_ms"`
		MaxDelayMs          int     `toml:"max_delay_ms"`
		BackoffFactor       float64 `toml:"backoff_factor"`
		ReconnectDelayMs    int     `toml:"reconnect_delay_ms"` // 0 = restart immediately
		ReconnectMaxDelayMs int     `toml:"reconnect_max_delay_ms"`
	} `toml:"feed"`

	CoinGecko struct {
		APIBase       string `toml:"api_base"`
		PrefetchPages int    `toml:"prefetch_pages"`
		PerPage       int    `toml:"per_page"`
		TimeoutMs     int    `toml:"timeout_ms"`
	} `toml:"coingecko"`

	Coins struct {
		List     []string `toml:"list"`
		Currency string   `toml:"currency"`
	} `toml:"coins"`

	Storage struct {
		Enabled bool `toml:"enabled"`

		Redis struct {
			Enabled    bool   `toml:"enabled"`
			Addr       string `toml:"addr"`
			Password   string `toml:"password"`
			DB         int    `toml:"db"`
			Prefix     string `toml:"prefix"`
			TTLSeconds int    `toml:"ttl_seconds"`
			Channel    string `toml:"channel"`
		} `toml:"redis"`

		SQLite struct {
			Enabled bool   `toml:"enabled"`
			Path    string `toml:"path"`
		} `toml:"sqlite"`

		Postgres struct {
			Enabled bool   `toml:"enabled"`
			DSN     string `toml:"dsn"`
		} `toml:"postgres"`
	} `toml:"storage"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	// an explicit 0 keeps the immediate restart
	if !md.IsDefined("feed", "reconnect_delay_ms") {
		cfg.Feed.ReconnectDelayMs = 500
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.PrintEveryMin <= 0 {
		cfg.App.PrintEveryMin = 5
	}
	if strings.TrimSpace(cfg.App.LogLevel) == "" {
		cfg.App.LogLevel = "info"
	}

	f := &cfg.Feed
	if strings.TrimSpace(f.URL) == "" {
		f.URL = "wss://cables.coingecko.com/cable"
	}
	if strings.TrimSpace(f.Origin) == "" {
		f.Origin = "https://www.coingecko.com"
	}
	if f.HandshakeTimeoutMs <= 0 {
		f.HandshakeTimeoutMs = 10_000
	}
	if f.OperationTimeoutMs <= 0 {
		f.OperationTimeoutMs = 10_000
	}
	if f.RetryAttempts <= 0 {
		f.RetryAttempts = 3
	}
	if f.InitialDelayMs <= 0 {
		f.InitialDelayMs = 1_000
	}
	if f.MaxDelayMs <= 0 {
		f.MaxDelayMs = 10_000
	}
	if f.BackoffFactor < 1 {
		f.BackoffFactor = 2.0
	}
	if f.ReconnectMaxDelayMs <= 0 {
		f.ReconnectMaxDelayMs = 10_000
	}

	g := &cfg.CoinGecko
	if strings.TrimSpace(g.APIBase) == "" {
		g.APIBase = "https://api.coingecko.com/api/v3/"
	}
	if g.PerPage <= 0 {
		g.PerPage = 250
	}
	if g.TimeoutMs <= 0 {
		g.TimeoutMs = 10_000
	}

	if strings.TrimSpace(cfg.Coins.Currency) == "" {
		cfg.Coins.Currency = "usd"
	}
	cfg.Coins.Currency = strings.ToLower(strings.TrimSpace(cfg.Coins.Currency))

	r := &cfg.Storage.Redis
	if r.Addr == "" {
		r.Addr = "127.0.0.1:6379"
	}
	if r.Prefix == "" {
		r.Prefix = "coinfeed"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/coinfeed.db"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9100"
	}
}

func validate(cfg *Config) error {
	cfg.Coins.List = normalizeCoins(cfg.Coins.List)
	if len(cfg.Coins.List) == 0 {
		return errors.New("coins.list is empty")
	}

	u, err := url.Parse(cfg.Feed.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// url: %q", cfg.Feed.URL)
	}
	if cfg.Feed.ReconnectDelayMs < 0 {
		return errors.New("feed.reconnect_delay_ms must not be negative")
	}
	if cfg.CoinGecko.PrefetchPages < 0 {
		return errors.New("coingecko.prefetch_pages must not be negative")
	}

	if cfg.Storage.Postgres.Enabled && strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
		return errors.New("storage.postgres.dsn empty but enabled")
	}
	return nil
}

func normalizeCoins(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToLower(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// CoinIDs 配置的币种（来源固定为 coingecko）
func (c *Config) CoinIDs() []domain.CoinID {
	out := make([]domain.CoinID, 0, len(c.Coins.List))
	for _, s := range c.Coins.List {
		out = append(out, domain.NewCoinID(s, domain.SourceCoinGecko))
	}
	return out
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) HandshakeTimeout() time.Duration  { return ms(c.Feed.HandshakeTimeoutMs) }
func (c *Config) OperationTimeout() time.Duration  { return ms(c.Feed.OperationTimeoutMs) }
func (c *Config) InitialDelay() time.Duration      { return ms(c.Feed.InitialDelayMs) }
func (c *Config) MaxDelay() time.Duration          { return ms(c.Feed.MaxDelayMs) }
func (c *Config) ReconnectDelay() time.Duration    { return ms(c.Feed.ReconnectDelayMs) }
func (c *Config) ReconnectMaxDelay() time.Duration { return ms(c.Feed.ReconnectMaxDelayMs) }
func (c *Config) APITimeout() time.Duration        { return ms(c.CoinGecko.TimeoutMs) }
