package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"coinfeed/internal/application/usecase/watch"
	"coinfeed/internal/infrastructure/cable"
	"coinfeed/internal/infrastructure/coingecko"
	"coinfeed/internal/infrastructure/config"
	"coinfeed/internal/infrastructure/container"
	"coinfeed/internal/infrastructure/logger"
	"coinfeed/internal/infrastructure/metrics"
	"coinfeed/internal/infrastructure/pricefeed"
	"coinfeed/internal/infrastructure/ws"
	"coinfeed/internal/interfaces/console"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	defaultPath := "configs/config.toml"
	if p := os.Getenv("COINFEED_CONFIG"); p != "" {
		defaultPath = p
	}
	cfgPath := flag.String("config", defaultPath, "path to config toml")
	flag.Parse()

	logger.Setup(os.Getenv("COINFEED_LOG_LEVEL"))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config failed")
	}
	if os.Getenv("COINFEED_LOG_LEVEL") == "" {
		logger.Setup(cfg.App.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.Serve(ctx, cfg.Metrics.Addr)
	}

	c, err := container.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init container failed")
	}
	defer c.Close()

	resolver := newResolver(ctx, cfg, c)

	retry := cable.RetryPolicy{
		Attempts:     cfg.Feed.RetryAttempts,
		Timeout:      cfg.OperationTimeout(),
		InitialDelay: cfg.InitialDelay(),
		MaxDelay:     cfg.MaxDelay(),
		Factor:       cfg.Feed.BackoffFactor,
	}
	mux := cable.NewMultiplexer(func(forward func(cable.Message)) cable.ManagedSession {
		transport := ws.NewTextSocket(ws.Config{URL: cfg.Feed.URL, Origin: cfg.Feed.Origin})
		return cable.NewSession(transport, resolver, cable.SessionConfig{
			HandshakeTimeout: cfg.HandshakeTimeout(),
			Retry:            retry,
			Forward:          forward,
		})
	}, cable.MultiplexerConfig{ReconnectDelay: cfg.ReconnectDelay(), ReconnectMaxDelay: cfg.ReconnectMaxDelay()})
	mux.Start(ctx)
	defer func() {
		mux.Stop()
		<-mux.Done()
	}()

	svc := watch.NewService(watch.ServiceDeps{
		Feed:          pricefeed.NewCableFeed(mux, resolver, 64),
		Coins:         cfg.CoinIDs(),
		Currency:      cfg.Coins.Currency,
		PrintEveryMin: cfg.App.PrintEveryMin,
		Color:         !cfg.App.NoColor,
		Sink:          console.NewSink(),
		Repo:          c.Repository(),
	})

	log.Info().
		Strs("coins", cfg.Coins.List).
		Str("currency", cfg.Coins.Currency).
		Str("feed", cfg.Feed.URL).
		Int("print_every_min", cfg.App.PrintEveryMin).
		Msg("started")

	go reloadOnHangup(ctx, *cfgPath, svc)

	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("watch stopped")
	}
}

// newResolver 先用本地缓存和 coins/markets 预热，再把新解析的 id 写回存储
func newResolver(ctx context.Context, cfg *config.Config, c *container.Container) *coingecko.Resolver {
	client := coingecko.NewClient(cfg.CoinGecko.APIBase, cfg.APITimeout())
	resolver := coingecko.NewResolver(client)
	store := c.CoinIDStore()

	if ids, err := store.LoadCoinIDs(ctx); err != nil {
		log.Warn().Err(err).Msg("load cached coin ids failed")
	} else {
		log.Info().Int("count", resolver.Populate(ids)).Msg("coin ids loaded from store")
	}

	if cfg.CoinGecko.PrefetchPages > 0 {
		pctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.CoinGecko.PrefetchPages)*cfg.APITimeout())
		ids, err := coingecko.Prefetch(pctx, client, cfg.Coins.Currency, cfg.CoinGecko.PrefetchPages, cfg.CoinGecko.PerPage)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("prefetch coin ids incomplete")
		}
		added := resolver.Populate(ids)
		if added > 0 {
			if err := store.SaveCoinIDs(ctx, ids); err != nil {
				log.Warn().Err(err).Msg("save prefetched coin ids failed")
			}
		}
		log.Info().Int("added", added).Msg("coin ids prefetched")
	}

	resolver.OnResolved = func(symbol string, id int) {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveCoinIDs(sctx, map[string]int{symbol: id}); err != nil {
			log.Warn().Str("coin", symbol).Err(err).Msg("save coin id failed")
		}
	}
	return resolver
}

// reloadOnHangup 收到 SIGHUP 时重新读取配置，并按新的币种列表增减跟踪
func reloadOnHangup(ctx context.Context, path string, svc *watch.Service) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("reload config failed")
			continue
		}
		added, removed, err := svc.SetCoins(cfg.CoinIDs())
		if err != nil {
			log.Warn().Err(err).Msg("apply reloaded coins failed")
			continue
		}
		log.Info().Int("added", added).Int("removed", removed).Msg("coins reloaded")
	}
}
